package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/google/uuid"
)

const maxFilenameLength = 200

// Fingerprint is the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StorageKey derives uploads/{owner}/{fp[:2]}/{fp}/{filename}. It is a pure
// function of its inputs so identical content lands on the same key.
func StorageKey(owner uuid.UUID, fingerprint, filename string) string {
	prefix := fingerprint
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return strings.Join([]string{"uploads", owner.String(), prefix, fingerprint, SanitizeFilename(filename)}, "/")
}

// SanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with an underscore.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	clean = strings.TrimLeft(clean, ".")
	if len(clean) > maxFilenameLength {
		ext := path.Ext(clean)
		if len(ext) > 16 {
			ext = ""
		}
		clean = clean[:maxFilenameLength-len(ext)] + ext
	}
	if clean == "" || clean == "/" {
		return "file"
	}
	return clean
}

// KeyWithoutExt strips the extension of the last path segment.
func KeyWithoutExt(key string) string {
	ext := path.Ext(key)
	if ext == "" || strings.Contains(ext, "/") {
		return key
	}
	return strings.TrimSuffix(key, ext)
}

// ReplaceExt swaps the filename extension, adding one if missing.
func ReplaceExt(filename, ext string) string {
	base := strings.TrimSuffix(filename, path.Ext(filename))
	if base == "" {
		base = "file"
	}
	return base + ext
}
