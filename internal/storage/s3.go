package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"moments-media/internal/domain/upload"
	"moments-media/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

type S3Config struct {
	Region     string
	Bucket     string
	AccessKey  string
	SecretKey  string
	Endpoint   string
	PublicBase string
	CDNBase    string
	ACL        string
}

// S3Storage writes media objects to an S3 compatible bucket.
type S3Storage struct {
	cfg S3Config
	acl types.ObjectCannedACL
	s3  *s3.Client
	log *logger.Logger
}

func NewS3Storage(ctx context.Context, cfg S3Config, l *logger.Logger) (*S3Storage, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}
	acl, err := ValidateACL(cfg.ACL)
	if err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if parsed, err := url.Parse(endpoint); err == nil {
			endpoint = parsed.String()
		}
		opts = append(opts, config.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				if service == s3.ServiceID {
					return aws.Endpoint{URL: endpoint, SigningRegion: cfg.Region}, nil
				}
				return aws.Endpoint{}, &aws.EndpointNotFoundError{}
			}),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	return &S3Storage{cfg: cfg, acl: acl, s3: client, log: l.Named("s3_storage")}, nil
}

// UploadFile stores obj under obj.Key. The key is content addressed, so
// re-uploading the same object overwrites it with identical bytes.
func (s *S3Storage) UploadFile(ctx context.Context, obj upload.StorageObject) (upload.StoredObject, error) {
	if obj.Key == "" {
		return upload.StoredObject{}, errors.New("object key is required")
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(obj.Key),
		Body:          bytes.NewReader(obj.Data),
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ContentType:   aws.String(obj.ContentType),
		CacheControl:  aws.String("public, max-age=31536000, immutable"),
		Metadata:      obj.Metadata,
	}
	if s.acl != "" {
		input.ACL = s.acl
	}

	out, err := s.s3.PutObject(ctx, input)
	if err != nil {
		s.log.Warn(ctx, "put object failed", zap.String("object", obj.Key), zap.Error(err))
		return upload.StoredObject{}, fmt.Errorf("put object %s: %w", obj.Key, err)
	}

	return upload.StoredObject{
		URL:    s.FileURL(obj.Key),
		CDNURL: joinURL(s.cfg.CDNBase, obj.Key),
		ETag:   strings.Trim(aws.ToString(out.ETag), `"`),
	}, nil
}

// FileURL is the public URL of key: PublicBase when set, otherwise the
// endpoint (path style) or the virtual-hosted AWS URL.
func (s *S3Storage) FileURL(key string) string {
	if s == nil || key == "" {
		return ""
	}
	switch {
	case s.cfg.PublicBase != "":
		return joinURL(s.cfg.PublicBase, key)
	case s.cfg.Endpoint != "":
		return joinURL(strings.TrimRight(s.cfg.Endpoint, "/")+"/"+s.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, key)
	}
}

func ValidateACL(acl string) (types.ObjectCannedACL, error) {
	switch acl {
	case "":
		return "", nil
	case "private":
		return types.ObjectCannedACLPrivate, nil
	case "public-read":
		return types.ObjectCannedACLPublicRead, nil
	default:
		return "", fmt.Errorf("invalid acl %q", acl)
	}
}

func joinURL(base, key string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
