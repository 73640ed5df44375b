package processor

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"time"

	"moments-media/internal/tempfile"
	"moments-media/pkg/logger"

	"go.uber.org/zap"
)

// Detection sources, in cascade order.
const (
	CodecSourceProbe     = "ffprobe"
	CodecSourceMP4       = "mp4_box"
	CodecSourceHeuristic = "heuristic"
	CodecSourceDefault   = "default"
)

// CodecReport is the outcome of CodecValidator.Detect.
type CodecReport struct {
	Codec            string
	Source           string
	Compatible       bool
	NeedsTranscoding bool
}

// CodecValidator is a stricter codec check than IsCodecCompatible: only an
// exact "h264" codec string is accepted and anything ambiguous is reported as
// needing a transcode.
type CodecValidator struct {
	tool       MediaTool
	temp       *tempfile.Manager
	retries    int
	retryDelay time.Duration
	log        *logger.Logger
}

func NewCodecValidator(tool MediaTool, temp *tempfile.Manager, retries int, retryDelay time.Duration, l *logger.Logger) *CodecValidator {
	return &CodecValidator{tool: tool, temp: temp, retries: retries, retryDelay: retryDelay, log: l.Named("codec_validator")}
}

// Detect runs the cascade: probe with retry, MP4 sample description parser,
// raw byte heuristic, then the conservative default.
func (v *CodecValidator) Detect(ctx context.Context, data []byte, ext, sessionID string) CodecReport {
	if codec := v.probe(ctx, data, ext, sessionID); codec != "" {
		return newCodecReport(codec, CodecSourceProbe)
	}
	if codec, ok := ParseMP4VideoCodec(data); ok {
		return newCodecReport(codec, CodecSourceMP4)
	}
	if codec, ok := sniffCodec(data); ok {
		return newCodecReport(codec, CodecSourceHeuristic)
	}
	return CodecReport{Codec: "unknown", Source: CodecSourceDefault, NeedsTranscoding: true}
}

func newCodecReport(codec, source string) CodecReport {
	compatible := codec == "h264"
	return CodecReport{Codec: codec, Source: source, Compatible: compatible, NeedsTranscoding: !compatible}
}

func (v *CodecValidator) probe(ctx context.Context, data []byte, ext, sessionID string) string {
	if v.tool == nil || v.temp == nil {
		return ""
	}
	path, err := v.temp.CreateWithData("codec_probe", ext, "codec_probe", sessionID, data)
	if err != nil {
		v.log.Warn(ctx, "codec probe skipped", zap.Error(err))
		return ""
	}
	defer v.temp.CleanupFile(path)

	md, err := probeWithRetry(ctx, v.tool, path, v.retries, v.retryDelay)
	if err != nil {
		v.log.Warn(ctx, "codec probe failed, falling back", zap.Error(err))
		return ""
	}
	return strings.ToLower(md.Codec)
}

var sampleEntryCodecs = map[string]string{
	"avc1": "h264",
	"avc3": "h264",
	"hvc1": "hevc",
	"hev1": "hevc",
	"vp08": "vp8",
	"vp09": "vp9",
	"av01": "av1",
	"mp4v": "mpeg4",
	"s263": "h263",
}

var containerBoxes = map[string]bool{"moov": true, "trak": true, "mdia": true, "minf": true, "stbl": true}

// ParseMP4VideoCodec walks moov/trak/mdia/minf/stbl/stsd and maps the sample
// entry of the first video track to a codec name.
func ParseMP4VideoCodec(data []byte) (string, bool) {
	for _, trak := range findBoxes(data, "moov", "trak") {
		mdia, ok := firstBox(trak, "mdia")
		if !ok {
			continue
		}
		if handler, ok := handlerType(mdia); !ok || handler != "vide" {
			continue
		}
		stsd, ok := findPath(mdia, "minf", "stbl", "stsd")
		if !ok || len(stsd) < 16 {
			continue
		}
		// version/flags(4) entry_count(4) then the first sample entry header.
		fourcc := string(stsd[12:16])
		if codec, known := sampleEntryCodecs[fourcc]; known {
			return codec, true
		}
		return strings.ToLower(strings.TrimSpace(fourcc)), true
	}
	return "", false
}

type box struct {
	kind    string
	payload []byte
}

// readBoxes splits data into top-level ISO BMFF boxes, stopping at the first
// malformed header.
func readBoxes(data []byte) []box {
	var boxes []box
	for len(data) >= 8 {
		size := uint64(binary.BigEndian.Uint32(data[0:4]))
		kind := string(data[4:8])
		header := uint64(8)
		switch size {
		case 0:
			size = uint64(len(data))
		case 1:
			if len(data) < 16 {
				return boxes
			}
			size = binary.BigEndian.Uint64(data[8:16])
			header = 16
		}
		if size < header || size > uint64(len(data)) {
			return boxes
		}
		boxes = append(boxes, box{kind: kind, payload: data[header:size]})
		data = data[size:]
	}
	return boxes
}

func firstBox(data []byte, kind string) ([]byte, bool) {
	for _, b := range readBoxes(data) {
		if b.kind == kind {
			return b.payload, true
		}
	}
	return nil, false
}

func findPath(data []byte, path ...string) ([]byte, bool) {
	current := data
	for _, kind := range path {
		next, ok := firstBox(current, kind)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// findBoxes returns every box of the last kind nested under the given path.
func findBoxes(data []byte, path ...string) [][]byte {
	parent := data
	if len(path) > 1 {
		var ok bool
		parent, ok = findPath(data, path[:len(path)-1]...)
		if !ok {
			return nil
		}
	}
	kind := path[len(path)-1]
	var out [][]byte
	for _, b := range readBoxes(parent) {
		if b.kind == kind && containerBoxes[kind] {
			out = append(out, b.payload)
		}
	}
	return out
}

func handlerType(mdia []byte) (string, bool) {
	hdlr, ok := firstBox(mdia, "hdlr")
	if !ok || len(hdlr) < 12 {
		return "", false
	}
	// version/flags(4) pre_defined(4) handler_type(4)
	return string(hdlr[8:12]), true
}

var codecSignatures = []struct {
	marker []byte
	codec  string
}{
	{[]byte("avcC"), "h264"},
	{[]byte("hvcC"), "hevc"},
	{[]byte("vpcC"), "vp9"},
	{[]byte("av1C"), "av1"},
	{[]byte("V_MPEG4/ISO/AVC"), "h264"},
	{[]byte("V_MPEGH/ISO/HEVC"), "hevc"},
	{[]byte("V_VP9"), "vp9"},
	{[]byte("V_VP8"), "vp8"},
}

// sniffCodec looks for codec configuration record markers anywhere in data.
func sniffCodec(data []byte) (string, bool) {
	for _, sig := range codecSignatures {
		if bytes.Contains(data, sig.marker) {
			return sig.codec, true
		}
	}
	return "", false
}
