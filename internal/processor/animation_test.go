package processor

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"testing"

	"moments-media/internal/domain/upload"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/webp"
)

func riffChunk(id string, data []byte) []byte {
	out := make([]byte, 8, 8+len(data)+1)
	copy(out, id)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(data)))
	out = append(out, data...)
	if len(data)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

// animatedWebP wraps the lossless still in testdata into an animated file
// with the given number of ANMF frames.
func animatedWebP(t *testing.T, frames int) ([]byte, image.Config) {
	t.Helper()
	still, err := os.ReadFile("testdata/gopher.lossless.webp")
	require.NoError(t, err)
	cfg, err := webp.DecodeConfig(bytes.NewReader(still))
	require.NoError(t, err)
	frameChunks := still[12:]

	vp8x := make([]byte, 10)
	vp8x[0] = webpAnimationFlag
	copy(vp8x[4:7], putLE24(uint32(cfg.Width-1)))
	copy(vp8x[7:10], putLE24(uint32(cfg.Height-1)))

	body := []byte("WEBP")
	body = append(body, riffChunk("VP8X", vp8x)...)
	body = append(body, riffChunk("ANIM", make([]byte, 6))...)
	for i := 0; i < frames; i++ {
		hdr := make([]byte, anmfHeaderSize)
		copy(hdr[6:9], putLE24(uint32(cfg.Width-1)))
		copy(hdr[9:12], putLE24(uint32(cfg.Height-1)))
		copy(hdr[12:15], putLE24(100))
		body = append(body, riffChunk("ANMF", append(hdr, frameChunks...))...)
	}
	return riffChunk("RIFF", body), cfg
}

func animatedGIF(t *testing.T, w, h, frames int) []byte {
	t.Helper()
	palette := color.Palette{color.Black, color.White}
	anim := &gif.GIF{Config: image.Config{Width: w, Height: h, ColorModel: palette}}
	for i := 0; i < frames; i++ {
		frame := image.NewPaletted(image.Rect(0, 0, w, h), palette)
		frame.SetColorIndex(i%w, 0, 1)
		anim.Image = append(anim.Image, frame)
		anim.Delay = append(anim.Delay, 10)
	}
	var buf bytes.Buffer
	require.NoError(t, gif.EncodeAll(&buf, anim))
	return buf.Bytes()
}

func TestInspectFrames(t *testing.T) {
	animated, cfg := animatedWebP(t, 2)
	info := inspectFrames(animated, "image/webp")
	assert.Equal(t, 2, info.Count)
	require.NotNil(t, info.Poster)
	assert.Equal(t, cfg.Width, info.Poster.Bounds().Dx())
	assert.Equal(t, cfg.Height, info.Poster.Bounds().Dy())

	still, err := os.ReadFile("testdata/gopher.lossless.webp")
	require.NoError(t, err)
	info = inspectFrames(still, "image/webp")
	assert.Equal(t, 1, info.Count)
	assert.Nil(t, info.Poster)

	info = inspectFrames(animatedGIF(t, 20, 10, 3), "image/gif")
	assert.Equal(t, 3, info.Count)
	require.NotNil(t, info.Poster)
	assert.Equal(t, 20, info.Poster.Bounds().Dx())

	assert.Equal(t, 1, inspectFrames([]byte("garbage"), "image/webp").Count)
	assert.Equal(t, 1, inspectFrames(pngBytes(t, 4, 4, false), "image/png").Count)
}

func TestSingleFrameAnimatedWebPIsDecodable(t *testing.T) {
	data, cfg := animatedWebP(t, 1)
	info := inspectFrames(data, "image/webp")
	assert.Equal(t, 1, info.Count)
	require.NotNil(t, info.Poster)
	assert.Equal(t, cfg.Width, info.Poster.Bounds().Dx())
}

func TestAnimatedWebPResizedWithThumbnails(t *testing.T) {
	data, cfg := animatedWebP(t, 2)
	storage := newMemStorage()
	encoder := &passthroughEncoder{}
	p := NewImageProcessor(testImageConfig(), encoder, storage, logger.NewNop())
	pl := NewPipeline(storage, &memRecords{}, logger.NewNop())

	req := upload.Request{Data: data, Filename: "dance.webp", MimeType: "image/webp", UserID: uuid.New()}
	require.NoError(t, p.ValidateSpecific(context.Background(), req))

	res, err := pl.Run(context.Background(), p, req, RunOptions{})
	require.NoError(t, err)

	require.Len(t, encoder.settings, 3, "main image and one webp thumbnail per size")
	assert.True(t, encoder.settings[0].Animated)
	assert.Equal(t, 70, encoder.settings[0].Quality)

	w, h := fitWithin(cfg.Width, cfg.Height, 32, 32)
	assert.Equal(t, w, res.Width)
	assert.Equal(t, h, res.Height)
	assert.Equal(t, true, res.Metadata["animated"])
	assert.Equal(t, 2, res.Metadata["frames"])

	require.Len(t, res.Thumbnails, 2)
	base := upload.KeyWithoutExt(res.StorageKey)
	thumb := storage.objects[base+"_medium.webp"]
	decoded, err := png.Decode(bytes.NewReader(thumb.Data))
	require.NoError(t, err)
	assert.Equal(t, 16, decoded.Bounds().Dx())
}

func TestAnimatedWebPWithinBoundsPassesThrough(t *testing.T) {
	data, _ := animatedWebP(t, 3)
	cfg := testImageConfig()
	cfg.MaxWidth, cfg.MaxHeight = 512, 512
	storage := newMemStorage()
	encoder := &passthroughEncoder{}
	p := NewImageProcessor(cfg, encoder, storage, logger.NewNop())
	pl := NewPipeline(storage, &memRecords{}, logger.NewNop())

	res, err := pl.Run(context.Background(), p, upload.Request{
		Data: data, Filename: "loop.webp", MimeType: "image/webp", UserID: uuid.New(),
	}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, false, res.Metadata["converted"])
	assert.Equal(t, true, res.Metadata["animated"])
	assert.Equal(t, data, storage.objects[res.StorageKey].Data)
	assert.Len(t, res.Thumbnails, 2)
}

func TestPostprocessDecodesAnimatedPayloadWithoutPoster(t *testing.T) {
	data, _ := animatedWebP(t, 2)
	storage := newMemStorage()
	p := NewImageProcessor(testImageConfig(), &passthroughEncoder{}, storage, logger.NewNop())

	stage := Stage{Request: upload.Request{Data: data, Filename: "a.webp", MimeType: "image/webp"}, SessionID: uuid.New()}
	enrichment, err := p.Postprocess(context.Background(), stage, Stored{Key: "u/abc/a.webp", Hash: "abc"})
	require.NoError(t, err)
	assert.Len(t, enrichment.Thumbnails, 2)
}

func TestAnimatedGIFUsesAnimatedQuality(t *testing.T) {
	storage := newMemStorage()
	encoder := &passthroughEncoder{}
	p := NewImageProcessor(testImageConfig(), encoder, storage, logger.NewNop())
	pl := NewPipeline(storage, &memRecords{}, logger.NewNop())

	res, err := pl.Run(context.Background(), p, upload.Request{
		Data: animatedGIF(t, 64, 32, 4), Filename: "clip.gif", MimeType: "image/gif", UserID: uuid.New(),
	}, RunOptions{})
	require.NoError(t, err)

	require.NotEmpty(t, encoder.settings)
	assert.True(t, encoder.settings[0].Animated)
	assert.Equal(t, 32, res.Width)
	assert.Equal(t, 16, res.Height)
	assert.Len(t, res.Thumbnails, 2)
}

func TestPNGHasAlpha(t *testing.T) {
	opaqueRGBA := pngBytes(t, 4, 4, false)
	opaqueRGBA[25] = 6
	binary.BigEndian.PutUint32(opaqueRGBA[29:33], crc32.ChecksumIEEE(opaqueRGBA[12:29]))

	palette := color.Palette{color.NRGBA{A: 0}, color.NRGBA{R: 255, A: 255}}
	var paletted bytes.Buffer
	require.NoError(t, png.Encode(&paletted, image.NewPaletted(image.Rect(0, 0, 2, 2), palette)))

	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"transparent pixels", pngBytes(t, 4, 4, true), true},
		{"rgb", pngBytes(t, 4, 4, false), false},
		{"rgba colour type with opaque pixels", opaqueRGBA, true},
		{"palette with tRNS", paletted.Bytes(), true},
		{"jpeg", jpegBytes(t, 4, 4), false},
		{"truncated", []byte("\x89PNG\r\n\x1a\n"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pngHasAlpha(tt.data))
		})
	}
}
