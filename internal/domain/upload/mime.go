package upload

import "strings"

var (
	ImageMIMETypes = []string{
		"image/jpeg", "image/jpg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff",
	}
	VideoMIMETypes = []string{
		"video/mp4", "video/quicktime", "video/webm", "video/x-msvideo", "video/x-matroska", "video/mpeg", "video/3gpp",
	}
	DocumentMIMETypes = []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-powerpoint",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"text/plain",
		"text/csv",
		"application/rtf",
		"text/rtf",
	}
)

var typeByMIME = func() map[string]Type {
	m := make(map[string]Type)
	for _, v := range ImageMIMETypes {
		m[v] = TypeImage
	}
	for _, v := range VideoMIMETypes {
		m[v] = TypeVideo
	}
	for _, v := range DocumentMIMETypes {
		m[v] = TypeDocument
	}
	return m
}()

// NormalizeMIME lower-cases and drops parameters such as "; charset=utf-8".
func NormalizeMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// TypeForMIME resolves the media family of a declared MIME type.
func TypeForMIME(mimeType string) Type {
	if t, ok := typeByMIME[NormalizeMIME(mimeType)]; ok {
		return t
	}
	return TypeUnknown
}

// StrategyFor picks DIRECT below streamThreshold, MEMORY_SAFE at or above
// memorySafeThreshold and STREAM in between.
func StrategyFor(size, streamThreshold, memorySafeThreshold int64) Strategy {
	switch {
	case memorySafeThreshold > 0 && size >= memorySafeThreshold:
		return StrategyMemorySafe
	case streamThreshold > 0 && size >= streamThreshold:
		return StrategyStream
	default:
		return StrategyDirect
	}
}
