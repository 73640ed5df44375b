package processor

import (
	"bytes"
	"context"
	"regexp"
	"unicode/utf8"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"
)

const maxNonPrintableRatio = 0.10

var (
	sigPDF  = []byte("%PDF")
	sigZIP  = []byte("PK\x03\x04")
	sigOLE  = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	sigRTF  = []byte(`{\rtf`)
	bomUTF8 = []byte{0xEF, 0xBB, 0xBF}

	pdfPagePattern = regexp.MustCompile(`/Type\s*/Page[^s]`)
)

type documentFamily int

const (
	familyPDF documentFamily = iota
	familyOOXML
	familyOLE
	familyRTF
	familyText
)

var documentFamilies = map[string]documentFamily{
	"application/pdf":    familyPDF,
	"application/msword": familyOLE,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": familyOOXML,
	"application/vnd.ms-excel": familyOLE,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         familyOOXML,
	"application/vnd.ms-powerpoint":                                             familyOLE,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": familyOOXML,
	"text/plain":      familyText,
	"text/csv":        familyText,
	"application/rtf": familyRTF,
	"text/rtf":        familyRTF,
}

type DocumentProcessor struct {
	maxSize int64
	log     *logger.Logger
}

func NewDocumentProcessor(cfg config.UploadConfig, l *logger.Logger) *DocumentProcessor {
	return &DocumentProcessor{maxSize: cfg.DocumentMaxSize, log: l.Named("document_processor")}
}

func (p *DocumentProcessor) Name() string      { return "document" }
func (p *DocumentProcessor) Type() upload.Type { return upload.TypeDocument }

func (p *DocumentProcessor) SupportedMIMETypes() []string {
	return upload.DocumentMIMETypes
}

// ValidateSpecific checks the size ceiling and the signature for the family.
func (p *DocumentProcessor) ValidateSpecific(_ context.Context, req upload.Request) error {
	if p.maxSize > 0 && req.Size() > p.maxSize {
		return media_errors.Detailf(media_errors.ErrTooLarge, "document size %d bytes exceeds the %d bytes limit", req.Size(), p.maxSize)
	}
	mime := upload.NormalizeMIME(req.MimeType)
	family, ok := documentFamilies[mime]
	if !ok {
		return media_errors.Detailf(media_errors.ErrUnsupported, "document type %s is not supported", mime)
	}
	if !matchesSignature(family, req.Data) {
		return media_errors.Detailf(media_errors.ErrFileCorrupt, "file content does not match %s", mime)
	}
	return nil
}

func matchesSignature(family documentFamily, data []byte) bool {
	switch family {
	case familyPDF:
		return bytes.HasPrefix(data, sigPDF)
	case familyOOXML:
		return bytes.HasPrefix(data, sigZIP)
	case familyOLE:
		return bytes.HasPrefix(data, sigOLE)
	case familyRTF:
		return bytes.HasPrefix(data, sigRTF)
	case familyText:
		return NonPrintableRatio(data) <= maxNonPrintableRatio
	}
	return false
}

// NonPrintableRatio is the share of control bytes other than tab, CR and LF.
func NonPrintableRatio(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	bad := 0
	for _, b := range data {
		if (b < 0x20 && b != '\t' && b != '\n' && b != '\r') || b == 0x7F {
			bad++
		}
	}
	return float64(bad) / float64(len(data))
}

// Preprocess is a pass-through; documents are stored as uploaded.
func (p *DocumentProcessor) Preprocess(_ context.Context, stage Stage) (Stage, error) {
	return stage, nil
}

// Postprocess extracts advisory metadata. It never fails.
func (p *DocumentProcessor) Postprocess(_ context.Context, stage Stage, _ Stored) (Enrichment, error) {
	data := stage.Request.Data
	family := documentFamilies[upload.NormalizeMIME(stage.Request.MimeType)]
	meta := map[string]any{
		"securityLevel": securityLevel(family, data),
	}
	switch family {
	case familyPDF:
		meta["pageCount"] = pdfPageCount(data)
	case familyText, familyRTF:
		meta["lineCount"] = bytes.Count(data, []byte("\n")) + 1
		meta["encoding"] = detectEncoding(data)
	}
	return Enrichment{Metadata: meta}, nil
}

func pdfPageCount(data []byte) int {
	pages := len(pdfPagePattern.FindAllIndex(data, -1))
	if pages == 0 {
		return 1
	}
	return pages
}

func detectEncoding(data []byte) string {
	switch {
	case bytes.HasPrefix(data, bomUTF8):
		return "utf-8-bom"
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return "utf-16le"
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return "utf-16be"
	case utf8.Valid(data):
		for _, b := range data {
			if b >= 0x80 {
				return "utf-8"
			}
		}
		return "ascii"
	default:
		return "binary"
	}
}

// securityLevel is a coarse heuristic: containers that can carry macros or
// scripts rank higher.
func securityLevel(family documentFamily, data []byte) string {
	switch family {
	case familyText:
		return "low"
	case familyPDF:
		if bytes.Contains(data, []byte("/JavaScript")) || bytes.Contains(data, []byte("/Launch")) {
			return "high"
		}
		return "medium"
	case familyOOXML:
		if bytes.Contains(data, []byte("vbaProject.bin")) {
			return "high"
		}
		return "medium"
	case familyOLE:
		if bytes.Contains(data, []byte("VBA")) || bytes.Contains(data, []byte("Macros")) {
			return "high"
		}
		return "medium"
	default:
		return "medium"
	}
}
