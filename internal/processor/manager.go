package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	"moments-media/internal/errhandler"
	"moments-media/internal/session"
	"moments-media/internal/tempfile"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hooks lets a caller observe a Process call.
type Hooks struct {
	// OnSession is called once the session is admitted.
	OnSession func(id uuid.UUID)
	// OnProgress receives 0..100.
	OnProgress func(id uuid.UUID, pct int)
}

type ManagerConfig struct {
	StreamThreshold     int64
	MemorySafeThreshold int64
	ChunkSize           int64
}

func ManagerConfigFromUpload(u config.UploadConfig) ManagerConfig {
	return ManagerConfig{
		StreamThreshold:     u.StreamThreshold,
		MemorySafeThreshold: u.MemorySafeThreshold,
		ChunkSize:           u.ChunkSize,
	}
}

// ProcessorInfo describes one registration.
type ProcessorInfo struct {
	Name      string      `json:"name"`
	Type      upload.Type `json:"type"`
	MIMETypes []string    `json:"mime_types"`
}

// Manager routes requests to processors by MIME type and drives them with a
// size based strategy.
type Manager struct {
	cfg        ManagerConfig
	pipeline   *Pipeline
	sessions   *session.Manager
	temp       *tempfile.Manager
	errs       *errhandler.Handler
	log        *logger.Logger
	registry   map[string]Processor
	processors []Processor
}

func NewManager(cfg ManagerConfig, pipeline *Pipeline, sessions *session.Manager, temp *tempfile.Manager, errs *errhandler.Handler, l *logger.Logger, processors ...Processor) *Manager {
	m := &Manager{
		cfg:      cfg,
		pipeline: pipeline,
		sessions: sessions,
		temp:     temp,
		errs:     errs,
		log:      l.Named("processor_manager"),
		registry: make(map[string]Processor),
	}
	for _, p := range processors {
		m.Register(p)
	}
	return m
}

// Register adds p for each MIME type it declares. Later registrations win.
func (m *Manager) Register(p Processor) {
	m.processors = append(m.processors, p)
	for _, mime := range p.SupportedMIMETypes() {
		m.registry[upload.NormalizeMIME(mime)] = p
	}
}

func (m *Manager) ProcessorFor(mimeType string) (Processor, bool) {
	p, ok := m.registry[upload.NormalizeMIME(mimeType)]
	return p, ok
}

func (m *Manager) Processors() []ProcessorInfo {
	out := make([]ProcessorInfo, 0, len(m.processors))
	for _, p := range m.processors {
		mimes := append([]string(nil), p.SupportedMIMETypes()...)
		sort.Strings(mimes)
		out = append(out, ProcessorInfo{Name: p.Name(), Type: p.Type(), MIMETypes: mimes})
	}
	return out
}

func (m *Manager) SelectStrategy(size int64) upload.Strategy {
	return upload.StrategyFor(size, m.cfg.StreamThreshold, m.cfg.MemorySafeThreshold)
}

// Process admits a session, runs the selected strategy and routes any failure
// through the error handler. Cancelling the session cancels ctx for the
// running stages, which also kills external tools.
func (m *Manager) Process(ctx context.Context, req upload.Request, hooks Hooks) (upload.Result, error) {
	ec := errhandler.Context{
		Operation: "process",
		UserID:    req.UserID,
		Filename:  req.Filename,
		MimeType:  req.MimeType,
		Size:      req.Size(),
	}

	p, ok := m.ProcessorFor(req.MimeType)
	if !ok {
		err := media_errors.Detailf(media_errors.ErrUnsupported, "file type %s is not supported", upload.NormalizeMIME(req.MimeType))
		return upload.Result{}, m.errs.HandleUploadError(ctx, err, ec)
	}
	strategy := m.SelectStrategy(req.Size())

	sid, err := m.sessions.Create(req.UserID, req.Filename, req.Size(), p.Name(), strategy)
	if err != nil {
		return upload.Result{}, m.errs.HandleUploadError(ctx, err, ec)
	}
	ec.SessionID = sid
	ec.Operation = "process_" + strings.ToLower(string(strategy))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runCtx = logger.WithSessionID(runCtx, sid.String())
	sessionFiles := sid.String()
	processing := upload.StatusProcessing
	m.sessions.Update(sid, session.Update{
		Status:   &processing,
		OnCancel: cancel,
		OnCleanup: func() error {
			m.temp.CleanupSessionFiles(sessionFiles)
			return nil
		},
	})
	if hooks.OnSession != nil {
		hooks.OnSession(sid)
	}

	last := -1
	report := func(pct int) {
		if pct <= last {
			return
		}
		last = pct
		m.sessions.Update(sid, session.ProgressUpdate(pct))
		if hooks.OnProgress != nil {
			hooks.OnProgress(sid, pct)
		}
	}

	m.log.Info(runCtx, "upload admitted",
		zap.String("processor", p.Name()),
		zap.String("strategy", string(strategy)),
		zap.Int64("size", req.Size()),
	)

	var result upload.Result
	switch strategy {
	case upload.StrategyStream:
		result, err = m.runStream(runCtx, p, req, sid, report)
	case upload.StrategyMemorySafe:
		result, err = m.runMemorySafe(runCtx, p, req, sid, report)
	default:
		result, err = m.runDirect(runCtx, p, req, sid, report)
	}
	if err != nil {
		return upload.Result{}, m.errs.HandleUploadError(runCtx, err, ec)
	}

	m.sessions.Update(sid, session.Update{Result: &result})
	m.sessions.Complete(sid, true)
	if hooks.OnProgress != nil && last < 100 {
		hooks.OnProgress(sid, 100)
	}
	return result, nil
}

func band(report func(int), from, to int) func(int) {
	return func(pct int) {
		report(from + pct*(to-from)/100)
	}
}

func (m *Manager) runDirect(ctx context.Context, p Processor, req upload.Request, sid uuid.UUID, report func(int)) (upload.Result, error) {
	return m.pipeline.Run(ctx, p, req, RunOptions{SessionID: sid, Progress: band(report, 0, 99)})
}

// runStream walks the buffer in fixed-size chunks for progress reporting
// (0-80%) and then runs the pipeline (80-100%). It does not lower peak memory.
func (m *Manager) runStream(ctx context.Context, p Processor, req upload.Request, sid uuid.UUID, report func(int)) (upload.Result, error) {
	size := req.Size()
	chunk := m.chunkSize()
	for offset := int64(0); offset < size; offset += chunk {
		if err := ctx.Err(); err != nil {
			return upload.Result{}, fmt.Errorf("stream upload interrupted: %w", err)
		}
		end := offset + chunk
		if end > size {
			end = size
		}
		report(int(end * 80 / size))
	}
	return m.pipeline.Run(ctx, p, req, RunOptions{SessionID: sid, Progress: band(report, 80, 99)})
}

// runMemorySafe spools the payload to a managed temp file, reads it back in
// chunks (0-80%) and runs the pipeline on the read-back copy (80-100%). The
// spool file is removed whatever the outcome.
func (m *Manager) runMemorySafe(ctx context.Context, p Processor, req upload.Request, sid uuid.UUID, report func(int)) (upload.Result, error) {
	ext := strings.TrimPrefix(pathExt(req.Filename), ".")
	path, err := m.temp.CreateWithData("spool", ext, "memory_safe", sid.String(), req.Data)
	if err != nil {
		return upload.Result{}, fmt.Errorf("spool upload: %w", err)
	}
	defer m.temp.CleanupFile(path)

	data, err := m.readBack(ctx, path, req.Size(), func(pct int) { report(pct * 80 / 100) })
	if err != nil {
		return upload.Result{}, err
	}
	spooled := req.WithContent(data, req.Filename, req.MimeType)
	return m.pipeline.Run(ctx, p, spooled, RunOptions{SessionID: sid, Progress: band(report, 80, 99)})
}

func (m *Manager) readBack(ctx context.Context, path string, size int64, progress func(int)) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	data := make([]byte, 0, size)
	buf := make([]byte, m.chunkSize())
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("memory-safe upload interrupted: %w", err)
		}
		n, err := f.Read(buf)
		data = append(data, buf[:n]...)
		if size > 0 {
			progress(int(int64(len(data)) * 100 / size))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read spool file: %w", err)
		}
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("spool file holds %d bytes, expected %d", len(data), size)
	}
	return data, nil
}

func (m *Manager) chunkSize() int64 {
	if m.cfg.ChunkSize > 0 {
		return m.cfg.ChunkSize
	}
	return 1 << 20
}

func pathExt(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 && i > strings.LastIndexAny(filename, `/\`) {
		return filename[i:]
	}
	return ""
}
