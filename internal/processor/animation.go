package processor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/draw"
	"image/gif"
	"io"

	"moments-media/internal/domain/upload"

	"golang.org/x/image/riff"
	"golang.org/x/image/webp"
)

var (
	fccWEBP = riff.FourCC{'W', 'E', 'B', 'P'}
	fccVP8X = riff.FourCC{'V', 'P', '8', 'X'}
	fccANMF = riff.FourCC{'A', 'N', 'M', 'F'}
)

const (
	webpAnimationFlag = 1 << 1
	webpAlphaFlag     = 1 << 4

	anmfHeaderSize = 16
)

var errInvalidFrame = errors.New("invalid animation frame")

// frameInfo describes the frames of a GIF or WebP source. Poster is the first
// frame drawn on the full canvas and is only set for animated files, whose
// encoded form the still-image decoders cannot read.
type frameInfo struct {
	Count  int
	Poster image.Image
}

func inspectFrames(data []byte, mimeType string) frameInfo {
	switch upload.NormalizeMIME(mimeType) {
	case "image/gif":
		return gifFrames(data)
	case mimeWebP:
		return webpFrames(data)
	}
	return frameInfo{Count: 1}
}

func gifFrames(data []byte) frameInfo {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil || len(g.Image) == 0 {
		return frameInfo{Count: 1}
	}
	info := frameInfo{Count: len(g.Image)}
	if info.Count > 1 {
		first := g.Image[0]
		w, h := g.Config.Width, g.Config.Height
		if w <= 0 || h <= 0 {
			w, h = first.Bounds().Max.X, first.Bounds().Max.Y
		}
		canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.Draw(canvas, first.Bounds(), first, first.Bounds().Min, draw.Over)
		info.Poster = canvas
	}
	return info
}

// webpFrames reads the extended header and counts ANMF chunks. Files without
// the VP8X animation flag are treated as stills.
func webpFrames(data []byte) frameInfo {
	info := frameInfo{Count: 1}
	formType, r, err := riff.NewReader(bytes.NewReader(data))
	if err != nil || formType != fccWEBP {
		return info
	}

	var (
		animated         bool
		canvasW, canvasH int
		frames           int
		first            []byte
	)
	for {
		id, n, chunk, err := r.Next()
		if err != nil {
			break
		}
		switch id {
		case fccVP8X:
			if n < 10 {
				return info
			}
			var hdr [10]byte
			if _, err := io.ReadFull(chunk, hdr[:]); err != nil {
				return info
			}
			animated = hdr[0]&webpAnimationFlag != 0
			canvasW = int(le24(hdr[4:7])) + 1
			canvasH = int(le24(hdr[7:10])) + 1
		case fccANMF:
			frames++
			if frames == 1 {
				if first, err = io.ReadAll(chunk); err != nil {
					return info
				}
			}
		}
	}
	if !animated || frames == 0 {
		return info
	}

	info.Count = frames
	if poster, err := decodeANMF(first, canvasW, canvasH); err == nil {
		info.Poster = poster
	}
	return info
}

// decodeANMF rebuilds a standalone WebP from one ANMF payload, decodes it and
// places it at its offset on a canvasW x canvasH canvas.
func decodeANMF(payload []byte, canvasW, canvasH int) (image.Image, error) {
	if len(payload) <= anmfHeaderSize {
		return nil, errInvalidFrame
	}
	x := int(le24(payload[0:3])) * 2
	y := int(le24(payload[3:6])) * 2
	w := int(le24(payload[6:9])) + 1
	h := int(le24(payload[9:12])) + 1
	body := payload[anmfHeaderSize:]

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	buf.Write(make([]byte, 4))
	buf.WriteString("WEBP")
	if bytes.HasPrefix(body, []byte("ALPH")) {
		// ALPH + VP8 needs an extended header to be decodable on its own.
		buf.WriteString("VP8X")
		buf.Write([]byte{10, 0, 0, 0, webpAlphaFlag, 0, 0, 0})
		buf.Write(putLE24(uint32(w - 1)))
		buf.Write(putLE24(uint32(h - 1)))
	}
	buf.Write(body)
	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))

	frame, err := webp.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	if canvasW < x+w {
		canvasW = x + w
	}
	if canvasH < y+h {
		canvasH = y + h
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, canvasW, canvasH))
	draw.Draw(canvas, image.Rect(x, y, x+w, y+h), frame, frame.Bounds().Min, draw.Over)
	return canvas, nil
}

// pngHasAlpha reports whether a PNG declares an alpha channel: colour type 4
// or 6 in IHDR, or a tRNS chunk before the image data.
func pngHasAlpha(data []byte) bool {
	const sigLen = 8
	if len(data) < sigLen+8+13 || !bytes.Equal(data[:sigLen], []byte("\x89PNG\r\n\x1a\n")) {
		return false
	}
	if colorType := data[sigLen+8+9]; colorType == 4 || colorType == 6 {
		return true
	}
	for off := sigLen; off+8 <= len(data); {
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		kind := string(data[off+4 : off+8])
		switch kind {
		case "tRNS":
			return true
		case "IDAT", "IEND":
			return false
		}
		off += 12 + n
	}
	return false
}

func le24(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func putLE24(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}
