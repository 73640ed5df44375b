// Package ffmpeg drives the ffmpeg binary for transcoding, frame extraction
// and WebP encoding.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"moments-media/internal/domain/upload"
)

var commandContext = exec.CommandContext

// maxStderr bounds how much diagnostic output is kept for error messages.
const maxStderr = 4096

// Option configures the CLI.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI wraps the ffmpeg command-line tool.
type CLI struct {
	binary string
}

func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "ffmpeg"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// WebPOptions selects the WebP encoder settings.
type WebPOptions struct {
	Quality   int
	Lossless  bool
	Animated  bool
	MaxWidth  int
	MaxHeight int
}

// TranscodeArgs builds the H.264/AAC MP4 transcode command line.
func TranscodeArgs(input, output string, cfg upload.H264Config) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", input,
		"-c:v", cfg.Codec,
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.CRF),
		"-maxrate", cfg.MaxBitrate,
		"-bufsize", cfg.BufferSize,
		"-pix_fmt", "yuv420p",
		"-c:a", cfg.AudioCodec,
		"-b:a", cfg.AudioBitrate,
		"-movflags", "+faststart",
		"-f", "mp4",
		"-progress", "pipe:1",
		"-nostats",
		output,
	}
}

// FrameArgs builds a single JPEG frame grab at offset, scaled to width.
func FrameArgs(input, output string, offset time.Duration, width int) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-ss", formatSeconds(offset),
		"-i", input,
		"-frames:v", "1",
	}
	if width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", width))
	}
	return append(args, "-q:v", "3", "-f", "image2", output)
}

// WebPArgs builds a still or animated WebP encode.
func WebPArgs(input, output string, opts WebPOptions) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-i", input,
	}
	if opts.MaxWidth > 0 && opts.MaxHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf(
			"scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", opts.MaxWidth, opts.MaxHeight))
	}
	args = append(args, "-c:v", "libwebp")
	if opts.Lossless {
		args = append(args, "-lossless", "1")
	} else {
		args = append(args, "-quality", strconv.Itoa(opts.Quality))
	}
	if opts.Animated {
		args = append(args, "-loop", "0")
	} else {
		args = append(args, "-frames:v", "1")
	}
	return append(args, "-an", "-f", "webp", output)
}

// Transcode converts input to H.264/AAC MP4. progress receives 0..100 parsed
// from ffmpeg's -progress output when duration is known.
func (c *CLI) Transcode(ctx context.Context, input, output string, cfg upload.H264Config, duration float64, progress func(int)) error {
	if input == "" || output == "" {
		return errors.New("ffmpeg transcode: input and output paths required")
	}
	return c.run(ctx, "transcode", TranscodeArgs(input, output, cfg), func(stdout io.Reader) {
		ParseProgress(stdout, duration, progress)
	})
}

// ExtractFrame writes one JPEG frame of input at offset.
func (c *CLI) ExtractFrame(ctx context.Context, input, output string, offset time.Duration, width int) error {
	if input == "" || output == "" {
		return errors.New("ffmpeg frame: input and output paths required")
	}
	return c.run(ctx, "frame", FrameArgs(input, output, offset, width), nil)
}

// EncodeWebP encodes input (any format ffmpeg can read) as WebP.
func (c *CLI) EncodeWebP(ctx context.Context, input, output string, opts WebPOptions) error {
	if input == "" || output == "" {
		return errors.New("ffmpeg webp: input and output paths required")
	}
	return c.run(ctx, "webp", WebPArgs(input, output, opts), nil)
}

func (c *CLI) run(ctx context.Context, op string, args []string, onStdout func(io.Reader)) error {
	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	stderr := &tailBuffer{limit: maxStderr}
	cmd.Stderr = stderr

	var stdout io.ReadCloser
	if onStdout != nil {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("ffmpeg %s: stdout pipe: %w", op, err)
		}
		stdout = pipe
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg %s: start: %w", op, err)
	}
	if stdout != nil {
		onStdout(stdout)
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg %s: %w", op, ctxErr)
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", op, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// ParseProgress reads ffmpeg "-progress" key=value blocks and reports the
// completed percentage. It always reports 100 on "progress=end".
func ParseProgress(r io.Reader, duration float64, progress func(int)) {
	if progress == nil {
		progress = func(int) {}
	}
	last := -1
	report := func(pct int) {
		if pct > 100 {
			pct = 100
		}
		if pct > last {
			last = pct
			progress(pct)
		}
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// ffmpeg reports out_time_ms in microseconds as well.
			us, err := strconv.ParseInt(value, 10, 64)
			if err != nil || duration <= 0 || us < 0 {
				continue
			}
			report(int(float64(us) / 1e6 / duration * 100))
		case "progress":
			if value == "end" {
				report(100)
			}
		}
	}
}

func formatSeconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
