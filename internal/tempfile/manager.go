package tempfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"moments-media/config"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PurposeExisting tags files found on disk when the manager starts.
const PurposeExisting = "existing"

type Config struct {
	Root            string
	MaxAge          time.Duration
	CleanupInterval time.Duration
	MaxFiles        int
	MaxTotalSize    int64
}

func ConfigFromUpload(u config.UploadConfig) Config {
	return Config{
		Root:            u.TempDir,
		MaxAge:          u.TempMaxAge,
		CleanupInterval: u.TempCleanupInterval,
		MaxFiles:        u.TempMaxFiles,
		MaxTotalSize:    u.TempMaxTotalSize,
	}
}

// FileInfo describes one tracked temporary file.
type FileInfo struct {
	Path      string
	CreatedAt time.Time
	Size      int64
	Purpose   string
	SessionID string
	Cleaned   bool
}

type Stats struct {
	Root       string         `json:"root"`
	Files      int            `json:"files"`
	TotalSize  int64          `json:"total_size"`
	ByPurpose  map[string]int `json:"by_purpose"`
	Sessions   int            `json:"sessions"`
	OldestAge  time.Duration  `json:"oldest_age"`
	Tombstones int            `json:"tombstones"`
}

// Manager is the single authority over temporary files under Root. The
// registry lock is never held across filesystem calls.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu         sync.Mutex
	files      map[string]*FileInfo
	tombstones map[string]time.Time

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates Root if needed and registers any files already in it.
func NewManager(cfg Config, l *logger.Logger) (*Manager, error) {
	if cfg.Root == "" {
		return nil, errors.New("temp root directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve temp root: %w", err)
	}
	cfg.Root = root
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	m := &Manager{
		cfg:        cfg,
		log:        l.Named("tempfile"),
		files:      make(map[string]*FileInfo),
		tombstones: make(map[string]time.Time),
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	if err := m.scanExisting(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Root() string {
	return m.cfg.Root
}

// Start launches the periodic sweep.
func (m *Manager) Start() {
	if m.cfg.CleanupInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *Manager) scanExisting() error {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return fmt.Errorf("scan temp root: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		m.files[path] = &FileInfo{
			Path:      path,
			CreatedAt: info.ModTime(),
			Size:      info.Size(),
			Purpose:   PurposeExisting,
		}
	}
	if n := len(m.files); n > 0 {
		m.log.Info(context.Background(), "registered existing temp files", zap.Int("count", n))
	}
	return nil
}

// CreateTempFile enforces the limits, then reserves and registers a new
// empty file named {prefix}_{unixnano}_{random}.{ext}.
func (m *Manager) CreateTempFile(prefix, ext, purpose, sessionID string) (string, error) {
	m.enforceLimits()

	name := fmt.Sprintf("%s_%d_%s", sanitizePart(prefix), m.now().UnixNano(), strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + sanitizePart(ext)
	}
	path := filepath.Join(m.cfg.Root, name)

	m.mu.Lock()
	m.files[path] = &FileInfo{Path: path, CreatedAt: m.now(), Purpose: purpose, SessionID: sessionID}
	delete(m.tombstones, path)
	m.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		m.mu.Lock()
		delete(m.files, path)
		m.mu.Unlock()
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

// WriteTempFile writes data to path and records its size. Unknown paths are
// registered first.
func (m *Manager) WriteTempFile(path string, data []byte, purpose, sessionID string) error {
	m.mu.Lock()
	info, ok := m.files[path]
	if !ok {
		info = &FileInfo{Path: path, CreatedAt: m.now(), Purpose: purpose, SessionID: sessionID}
		m.files[path] = info
		delete(m.tombstones, path)
	}
	m.mu.Unlock()

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	m.mu.Lock()
	if cur, ok := m.files[path]; ok {
		cur.Size = int64(len(data))
		if cur.SessionID == "" {
			cur.SessionID = sessionID
		}
	}
	m.mu.Unlock()
	return nil
}

// CreateWithData is CreateTempFile followed by WriteTempFile.
func (m *Manager) CreateWithData(prefix, ext, purpose, sessionID string, data []byte) (string, error) {
	path, err := m.CreateTempFile(prefix, ext, purpose, sessionID)
	if err != nil {
		return "", err
	}
	if err := m.WriteTempFile(path, data, purpose, sessionID); err != nil {
		m.CleanupFile(path)
		return "", err
	}
	return path, nil
}

// RefreshSize re-reads the on-disk size of a file written by an external tool.
func (m *Manager) RefreshSize(path string) {
	st, err := os.Stat(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	if info, ok := m.files[path]; ok {
		info.Size = st.Size()
	}
	m.mu.Unlock()
}

// CleanupFile deletes path and unregisters it. It returns true when the file is
// gone, including when it was already cleaned, and false only when the OS
// refuses the delete.
func (m *Manager) CleanupFile(path string) bool {
	m.mu.Lock()
	if _, done := m.tombstones[path]; done {
		m.mu.Unlock()
		return true
	}
	info, tracked := m.files[path]
	if tracked {
		delete(m.files, path)
		info.Cleaned = true
	}
	m.tombstones[path] = m.now()
	m.mu.Unlock()

	if !tracked && !m.within(path) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return true
		}
		m.log.Warn(context.Background(), "refusing to delete file outside temp root", zap.String("path", path))
		m.forget(path)
		return false
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Error(context.Background(), "failed to delete temp file", zap.String("path", path), zap.Error(err))
		m.mu.Lock()
		delete(m.tombstones, path)
		if tracked {
			info.Cleaned = false
			m.files[path] = info
		}
		m.mu.Unlock()
		return false
	}
	return true
}

func (m *Manager) forget(path string) {
	m.mu.Lock()
	delete(m.tombstones, path)
	m.mu.Unlock()
}

// CleanupSessionFiles deletes every file tagged with sessionID.
func (m *Manager) CleanupSessionFiles(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	m.mu.Lock()
	var paths []string
	for path, info := range m.files {
		if info.SessionID == sessionID {
			paths = append(paths, path)
		}
	}
	m.mu.Unlock()

	cleaned := 0
	for _, path := range paths {
		if m.CleanupFile(path) {
			cleaned++
		}
	}
	return cleaned
}

// enforceLimits evicts the oldest 10% when the file count is at MaxFiles and
// the largest 10% when total bytes reach MaxTotalSize.
func (m *Manager) enforceLimits() {
	var victims []string

	m.mu.Lock()
	if m.cfg.MaxFiles > 0 && len(m.files) >= m.cfg.MaxFiles {
		list := m.snapshotLocked()
		sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
		victims = append(victims, pathsOf(list[:evictCount(len(list))])...)
	}
	if m.cfg.MaxTotalSize > 0 {
		var total int64
		for _, info := range m.files {
			total += info.Size
		}
		if total >= m.cfg.MaxTotalSize {
			list := m.snapshotLocked()
			sort.Slice(list, func(i, j int) bool { return list[i].Size > list[j].Size })
			victims = append(victims, pathsOf(list[:evictCount(len(list))])...)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return
	}
	removed := 0
	for _, path := range victims {
		if m.CleanupFile(path) {
			removed++
		}
	}
	m.log.Warn(context.Background(), "temp file limits reached, evicted files",
		zap.Int("evicted", removed),
		zap.Int("max_files", m.cfg.MaxFiles),
		zap.Int64("max_total_size", m.cfg.MaxTotalSize),
	)
}

func evictCount(n int) int {
	c := n / 10
	if c < 1 {
		c = 1
	}
	if c > n {
		c = n
	}
	return c
}

func (m *Manager) snapshotLocked() []FileInfo {
	list := make([]FileInfo, 0, len(m.files))
	for _, info := range m.files {
		list = append(list, *info)
	}
	return list
}

func pathsOf(list []FileInfo) []string {
	out := make([]string, len(list))
	for i, info := range list {
		out[i] = info.Path
	}
	return out
}

// Sweep deletes tracked files older than MaxAge and untracked files found
// under Root. It returns the number of files removed.
func (m *Manager) Sweep() int {
	now := m.now()
	var expired []string

	m.mu.Lock()
	for path, info := range m.files {
		if m.cfg.MaxAge > 0 && now.Sub(info.CreatedAt) > m.cfg.MaxAge {
			expired = append(expired, path)
		}
	}
	for path, at := range m.tombstones {
		if m.cfg.MaxAge > 0 && now.Sub(at) > m.cfg.MaxAge {
			delete(m.tombstones, path)
		}
	}
	m.mu.Unlock()

	removed := 0
	for _, path := range expired {
		if m.CleanupFile(path) {
			removed++
		}
	}
	orphans := m.removeOrphans()
	if removed+orphans > 0 {
		m.log.Info(context.Background(), "temp file sweep finished",
			zap.Int("expired", removed),
			zap.Int("orphans", orphans),
		)
	}
	return removed + orphans
}

func (m *Manager) removeOrphans() int {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		m.log.Warn(context.Background(), "failed to scan temp root", zap.Error(err))
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(m.cfg.Root, entry.Name())
		m.mu.Lock()
		_, tracked := m.files[path]
		m.mu.Unlock()
		if tracked {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.log.Warn(context.Background(), "failed to delete orphan temp file", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

// Destroy stops the sweep and deletes every file under Root. Call it on
// graceful shutdown.
func (m *Manager) Destroy() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	paths := make([]string, 0, len(m.files))
	for path := range m.files {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	for _, path := range paths {
		m.CleanupFile(path)
	}
	m.removeOrphans()
	_ = os.Remove(m.cfg.Root)
}

// Lookup returns a copy of the tracking entry for path.
func (m *Manager) Lookup(path string) (FileInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.files[path]
	if !ok {
		return FileInfo{}, false
	}
	return *info, true
}

func (m *Manager) Stats() Stats {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Root: m.cfg.Root, ByPurpose: map[string]int{}, Tombstones: len(m.tombstones)}
	sessions := map[string]struct{}{}
	for _, info := range m.files {
		st.Files++
		st.TotalSize += info.Size
		st.ByPurpose[info.Purpose]++
		if info.SessionID != "" {
			sessions[info.SessionID] = struct{}{}
		}
		if age := now.Sub(info.CreatedAt); age > st.OldestAge {
			st.OldestAge = age
		}
	}
	st.Sessions = len(sessions)
	return st
}

func (m *Manager) within(path string) bool {
	rel, err := filepath.Rel(m.cfg.Root, path)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}

func sanitizePart(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
	if out == "" {
		return "tmp"
	}
	return out
}
