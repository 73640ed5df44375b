package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort     string
	AppMode     string
	ServiceName string
	LogLevel    string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string

	JWTSecret string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	StorageBackend      string
	S3Region            string
	S3Bucket            string
	S3AccessKey         string
	S3SecretKey         string
	S3Endpoint          string
	S3PublicBase        string
	CDNBaseURL          string
	LocalStoragePath    string
	LocalStorageBaseURL string

	Upload UploadConfig
}

// ThumbnailSize is one named square thumbnail edge in pixels.
type ThumbnailSize struct {
	Name string
	Size int
}

// UploadConfig holds every tunable of the upload pipeline.
type UploadConfig struct {
	MaxFileSize         int64
	ChunkSize           int64
	StreamThreshold     int64
	MemorySafeThreshold int64

	MaxConcurrentUploads   int
	MaxUploadsPerUser      int
	SessionTimeout         time.Duration
	SessionCleanupInterval time.Duration
	SessionGracePeriod     time.Duration

	TempDir             string
	TempMaxAge          time.Duration
	TempCleanupInterval time.Duration
	TempMaxFiles        int
	TempMaxTotalSize    int64

	RetryAttempts int
	RetryDelay    time.Duration

	ThumbnailSizes   []ThumbnailSize
	ThumbnailQuality int

	ImageMaxWidth          int
	ImageMaxHeight         int
	ImageMaxDimension      int
	WebPQuality            int
	WebPLargeQuality       int
	WebPAnimatedQuality    int
	WebPLargeFileThreshold int64

	VideoMaxSize         int64
	VideoThumbnailWidth  int
	VideoThumbnailOffset time.Duration
	H264Preset           string
	H264CRF              int
	H264MaxBitrate       string
	H264BufferSize       string
	AudioBitrate         string
	ProbeRetries         int
	FFmpegPath           string
	FFprobePath          string

	DocumentMaxSize int64

	DailyUploadLimit int
	StorageQuota     int64
	AllowedTypes     []string
	RateLimit        int
	RateLimitWindow  time.Duration
}

// SettingsSource supplies persisted overrides (highest priority layer).
type SettingsSource interface {
	LoadUploadSettings(ctx context.Context) (map[string]string, error)
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		AppPort:        "8080",
		AppMode:        "debug",
		ServiceName:    "moments-media",
		LogLevel:       "info",
		DBHost:         "localhost",
		DBUser:         "postgres",
		DBPassword:     "postgres",
		DBName:         "moments",
		DBPort:         "5432",
		JWTSecret:      "change-me",
		RedisHost:      "localhost",
		RedisPort:      "6379",
		StorageBackend: "s3",
		S3Region:       "us-east-1",
		Upload:         DefaultUploadConfig(),
	}
}

func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MaxFileSize:         1 << 30,
		ChunkSize:           1 << 20,
		StreamThreshold:     10 << 20,
		MemorySafeThreshold: 100 << 20,

		MaxConcurrentUploads:   10,
		MaxUploadsPerUser:      3,
		SessionTimeout:         30 * time.Minute,
		SessionCleanupInterval: 5 * time.Minute,
		SessionGracePeriod:     60 * time.Second,

		TempDir:             filepath.Join(os.TempDir(), "moments-media"),
		TempMaxAge:          2 * time.Hour,
		TempCleanupInterval: 10 * time.Minute,
		TempMaxFiles:        1000,
		TempMaxTotalSize:    10 << 30,

		RetryAttempts: 3,
		RetryDelay:    time.Second,

		ThumbnailSizes: []ThumbnailSize{
			{Name: "small", Size: 150},
			{Name: "medium", Size: 300},
			{Name: "large", Size: 600},
		},
		ThumbnailQuality: 80,

		ImageMaxWidth:          2048,
		ImageMaxHeight:         2048,
		ImageMaxDimension:      8192,
		WebPQuality:            85,
		WebPLargeQuality:       75,
		WebPAnimatedQuality:    70,
		WebPLargeFileThreshold: 2 << 20,

		VideoMaxSize:        1 << 30,
		VideoThumbnailWidth: 640,
		H264Preset:          "medium",
		H264CRF:             23,
		H264MaxBitrate:      "4M",
		H264BufferSize:      "8M",
		AudioBitrate:        "128k",
		ProbeRetries:        2,
		FFmpegPath:          "ffmpeg",
		FFprobePath:         "ffprobe",

		DocumentMaxSize: 50 << 20,

		DailyUploadLimit: 50,
		StorageQuota:     5 << 30,
		AllowedTypes:     []string{"image", "video", "document"},
		RateLimit:        20,
		RateLimitWindow:  time.Minute,
	}
}

// LoadConfig merges compiled defaults with .env and the process environment.
func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := Defaults()
	cfg.AppPort = getEnv("APP_PORT", cfg.AppPort)
	cfg.AppMode = getEnv("APP_MODE", cfg.AppMode)
	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.RedisHost = getEnv("REDIS_HOST", cfg.RedisHost)
	cfg.RedisPort = getEnv("REDIS_PORT", cfg.RedisPort)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getEnvAsInt("REDIS_DB", cfg.RedisDB)
	cfg.StorageBackend = getEnv("STORAGE_BACKEND", cfg.StorageBackend)
	cfg.S3Region = getEnv("S3_REGION", cfg.S3Region)
	cfg.S3Bucket = getEnv("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = getEnv("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Endpoint = getEnv("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3PublicBase = getEnv("S3_PUBLIC_BASE", cfg.S3PublicBase)
	cfg.CDNBaseURL = getEnv("CDN_BASE_URL", cfg.CDNBaseURL)
	cfg.LocalStoragePath = getEnv("LOCAL_STORAGE_PATH", cfg.LocalStoragePath)
	cfg.LocalStorageBaseURL = getEnv("LOCAL_STORAGE_BASE_URL", cfg.LocalStorageBaseURL)

	if err := applyUpload(&cfg.Upload, os.LookupEnv); err != nil {
		log.Printf("Ignoring invalid upload environment setting: %v", err)
	}
	return cfg
}

// Load builds the full layered configuration: defaults, environment, then
// persisted settings from source. A nil source skips the last layer.
func Load(ctx context.Context, source SettingsSource) (*Config, error) {
	cfg := LoadConfig()
	if source == nil {
		return cfg, nil
	}
	settings, err := source.LoadUploadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted upload settings: %w", err)
	}
	if err := ApplySettings(cfg, settings); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplySettings overlays persisted key/value settings. Keys use the same names
// as the environment variables and are matched case-insensitively.
func ApplySettings(cfg *Config, settings map[string]string) error {
	if len(settings) == 0 {
		return nil
	}
	normalized := make(map[string]string, len(settings))
	for k, v := range settings {
		normalized[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	lookup := func(key string) (string, bool) {
		v, ok := normalized[key]
		return v, ok
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	return applyUpload(&cfg.Upload, lookup)
}

type lookupFunc func(key string) (string, bool)

func applyUpload(u *UploadConfig, lookup lookupFunc) error {
	p := parser{lookup: lookup}
	p.int64("UPLOAD_MAX_FILE_SIZE", &u.MaxFileSize)
	p.int64("UPLOAD_CHUNK_SIZE", &u.ChunkSize)
	p.int64("UPLOAD_STREAM_THRESHOLD", &u.StreamThreshold)
	p.int64("UPLOAD_MEMORY_SAFE_THRESHOLD", &u.MemorySafeThreshold)
	p.int("UPLOAD_MAX_CONCURRENT", &u.MaxConcurrentUploads)
	p.int("UPLOAD_MAX_PER_USER", &u.MaxUploadsPerUser)
	p.duration("UPLOAD_SESSION_TIMEOUT", &u.SessionTimeout)
	p.duration("UPLOAD_SESSION_CLEANUP_INTERVAL", &u.SessionCleanupInterval)
	p.duration("UPLOAD_SESSION_GRACE_PERIOD", &u.SessionGracePeriod)
	p.string("UPLOAD_TEMP_DIR", &u.TempDir)
	p.duration("UPLOAD_TEMP_MAX_AGE", &u.TempMaxAge)
	p.duration("UPLOAD_TEMP_CLEANUP_INTERVAL", &u.TempCleanupInterval)
	p.int("UPLOAD_TEMP_MAX_FILES", &u.TempMaxFiles)
	p.int64("UPLOAD_TEMP_MAX_TOTAL_SIZE", &u.TempMaxTotalSize)
	p.int("UPLOAD_RETRY_ATTEMPTS", &u.RetryAttempts)
	p.duration("UPLOAD_RETRY_DELAY", &u.RetryDelay)
	p.thumbnails("UPLOAD_THUMBNAIL_SIZES", &u.ThumbnailSizes)
	p.int("UPLOAD_THUMBNAIL_QUALITY", &u.ThumbnailQuality)
	p.int("IMAGE_MAX_WIDTH", &u.ImageMaxWidth)
	p.int("IMAGE_MAX_HEIGHT", &u.ImageMaxHeight)
	p.int("IMAGE_MAX_DIMENSION", &u.ImageMaxDimension)
	p.int("IMAGE_WEBP_QUALITY", &u.WebPQuality)
	p.int("IMAGE_WEBP_LARGE_QUALITY", &u.WebPLargeQuality)
	p.int("IMAGE_WEBP_ANIMATED_QUALITY", &u.WebPAnimatedQuality)
	p.int64("IMAGE_WEBP_LARGE_THRESHOLD", &u.WebPLargeFileThreshold)
	p.int64("VIDEO_MAX_SIZE", &u.VideoMaxSize)
	p.int("VIDEO_THUMBNAIL_WIDTH", &u.VideoThumbnailWidth)
	p.duration("VIDEO_THUMBNAIL_OFFSET", &u.VideoThumbnailOffset)
	p.string("VIDEO_H264_PRESET", &u.H264Preset)
	p.int("VIDEO_H264_CRF", &u.H264CRF)
	p.string("VIDEO_H264_MAX_BITRATE", &u.H264MaxBitrate)
	p.string("VIDEO_H264_BUFFER_SIZE", &u.H264BufferSize)
	p.string("VIDEO_AUDIO_BITRATE", &u.AudioBitrate)
	p.int("VIDEO_PROBE_RETRIES", &u.ProbeRetries)
	p.string("FFMPEG_PATH", &u.FFmpegPath)
	p.string("FFPROBE_PATH", &u.FFprobePath)
	p.int64("DOCUMENT_MAX_SIZE", &u.DocumentMaxSize)
	p.int("QUOTA_DAILY_UPLOADS", &u.DailyUploadLimit)
	p.int64("QUOTA_STORAGE_BYTES", &u.StorageQuota)
	p.list("QUOTA_ALLOWED_TYPES", &u.AllowedTypes)
	p.int("UPLOAD_RATE_LIMIT", &u.RateLimit)
	p.duration("UPLOAD_RATE_WINDOW", &u.RateLimitWindow)
	return p.err
}

type parser struct {
	lookup lookupFunc
	err    error
}

func (p *parser) raw(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = fmt.Errorf("config %s=%q: %w", key, value, err)
}

func (p *parser) string(key string, dst *string) {
	if v, ok := p.raw(key); ok {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) int64(key string, dst *int64) {
	if v, ok := p.raw(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	if v, ok := p.raw(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			p.fail(key, v, err)
			return
		}
		*dst = d
	}
}

func (p *parser) list(key string, dst *[]string) {
	if v, ok := p.raw(key); ok {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, strings.ToLower(part))
			}
		}
		*dst = out
	}
}

// thumbnails parses "small:150,medium:300,large:600".
func (p *parser) thumbnails(key string, dst *[]ThumbnailSize) {
	v, ok := p.raw(key)
	if !ok {
		return
	}
	var out []ThumbnailSize
	for _, part := range strings.Split(v, ",") {
		name, size, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found {
			p.fail(key, v, fmt.Errorf("expected name:size, got %q", part))
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(size))
		if err != nil {
			p.fail(key, v, err)
			return
		}
		out = append(out, ThumbnailSize{Name: strings.TrimSpace(name), Size: n})
	}
	*dst = out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}
