package validator

import (
	"fmt"
	"path"
	"strings"
	"time"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"

	"github.com/gabriel-vasile/mimetype"
)

var executableExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true, ".msi": true, ".dll": true,
	".sh": true, ".ps1": true, ".vbs": true, ".js": true, ".jar": true, ".php": true, ".py": true,
}

var executableMIMEs = map[string]bool{
	"application/vnd.microsoft.portable-executable": true,
	"application/x-msdownload":                      true,
	"application/x-executable":                      true,
	"application/x-elf":                             true,
	"application/x-sharedlib":                       true,
	"application/x-mach-binary":                     true,
	"application/java-archive":                      true,
	"text/x-shellscript":                            true,
	"text/x-php":                                    true,
	"text/javascript":                               true,
}

// FileValidator checks an upload request before any processing happens.
type FileValidator struct {
	cfg config.UploadConfig
}

func NewFileValidator(cfg config.UploadConfig) *FileValidator {
	return &FileValidator{cfg: cfg}
}

// Analyze returns the derived FileAnalysis. When the request is unsafe the
// analysis is still returned together with an ErrValidation error.
func (v *FileValidator) Analyze(req upload.Request) (upload.FileAnalysis, error) {
	analysis := upload.FileAnalysis{Type: upload.TypeUnknown}

	switch {
	case len(req.Data) == 0:
		return analysis, media_errors.Detailf(media_errors.ErrValidation, "file is empty")
	case strings.TrimSpace(req.Filename) == "":
		return analysis, media_errors.Detailf(media_errors.ErrValidation, "filename is required")
	case strings.TrimSpace(req.MimeType) == "":
		return analysis, media_errors.Detailf(media_errors.ErrValidation, "mime type is required")
	}

	declared := upload.NormalizeMIME(req.MimeType)
	analysis.Type = upload.TypeForMIME(declared)
	if analysis.Type == upload.TypeUnknown {
		return analysis, media_errors.Detailf(media_errors.ErrUnsupported, "file type %s is not supported", declared)
	}

	size := req.Size()
	if limit := v.limitFor(analysis.Type); limit > 0 && size > limit {
		return analysis, media_errors.Detailf(media_errors.ErrTooLarge, "file size %d bytes exceeds the %d bytes limit for %s files", size, limit, analysis.Type)
	}

	detected := upload.NormalizeMIME(mimetype.Detect(req.Data).String())
	analysis.DetectedMIME = detected
	analysis.Threats = append(analysis.Threats, contentThreats(analysis.Type, detected)...)
	analysis.Threats = append(analysis.Threats, FilenameThreats(req.Filename)...)
	analysis.Safe = len(analysis.Threats) == 0

	analysis.Strategy = upload.StrategyFor(size, v.cfg.StreamThreshold, v.cfg.MemorySafeThreshold)
	analysis.NeedsProcessing = analysis.Type != upload.TypeDocument
	analysis.EstimatedProcessingTime = estimateProcessingTime(analysis.Type, size)
	analysis.EstimatedStorageSize = estimateStorageSize(analysis.Type, declared, size)

	if !analysis.Safe {
		return analysis, media_errors.Detailf(media_errors.ErrValidation, "file rejected: %s", strings.Join(analysis.Threats, "; "))
	}
	return analysis, nil
}

func (v *FileValidator) limitFor(t upload.Type) int64 {
	limit := v.cfg.MaxFileSize
	var typed int64
	switch t {
	case upload.TypeVideo:
		typed = v.cfg.VideoMaxSize
	case upload.TypeDocument:
		typed = v.cfg.DocumentMaxSize
	}
	if typed > 0 && (limit <= 0 || typed < limit) {
		limit = typed
	}
	return limit
}

// familyOf maps a sniffed MIME type onto a media family, or "" when the
// sniffer could not tell.
func familyOf(detected string) string {
	switch {
	case executableMIMEs[detected]:
		return "executable"
	case strings.HasPrefix(detected, "image/"):
		return string(upload.TypeImage)
	case strings.HasPrefix(detected, "video/"):
		return string(upload.TypeVideo)
	case strings.HasPrefix(detected, "text/"),
		detected == "application/zip",
		detected == "application/x-ole-storage",
		upload.TypeForMIME(detected) == upload.TypeDocument:
		return string(upload.TypeDocument)
	default:
		return ""
	}
}

func contentThreats(declared upload.Type, detected string) []string {
	family := familyOf(detected)
	switch {
	case family == "executable":
		return []string{fmt.Sprintf("executable content detected (%s)", detected)}
	case family != "" && family != string(declared):
		return []string{fmt.Sprintf("content looks like %s but was declared as %s", detected, declared)}
	}
	return nil
}

// FilenameThreats lists problems with a client supplied filename.
func FilenameThreats(filename string) []string {
	var threats []string
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, `/\`) {
		threats = append(threats, "path traversal in filename")
	}
	if strings.ContainsRune(filename, 0) {
		threats = append(threats, "null byte in filename")
	}
	lower := strings.ToLower(filename)
	ext := path.Ext(lower)
	if executableExtensions[ext] {
		threats = append(threats, fmt.Sprintf("executable extension %s", ext))
	}
	parts := strings.Split(lower, ".")
	if len(parts) > 2 {
		for _, inner := range parts[1 : len(parts)-1] {
			if executableExtensions["."+inner] {
				threats = append(threats, fmt.Sprintf("double extension .%s%s", inner, ext))
				break
			}
		}
	}
	return threats
}

func estimateProcessingTime(t upload.Type, size int64) time.Duration {
	mb := time.Duration(size >> 20)
	switch t {
	case upload.TypeImage:
		return 500*time.Millisecond + mb*200*time.Millisecond
	case upload.TypeVideo:
		return 2*time.Second + mb*time.Second
	default:
		return 100 * time.Millisecond
	}
}

func estimateStorageSize(t upload.Type, declared string, size int64) int64 {
	switch {
	case t == upload.TypeImage && declared != "image/webp":
		return size * 6 / 10
	case t == upload.TypeVideo:
		return size * 8 / 10
	default:
		return size
	}
}
