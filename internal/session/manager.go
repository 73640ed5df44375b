package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"moments-media/config"
	"moments-media/internal/domain/upload"
	media_errors "moments-media/pkg/errors"
	"moments-media/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	MaxConcurrent   int
	MaxPerUser      int
	Timeout         time.Duration
	CleanupInterval time.Duration
	GracePeriod     time.Duration
}

func ConfigFromUpload(u config.UploadConfig) Config {
	return Config{
		MaxConcurrent:   u.MaxConcurrentUploads,
		MaxPerUser:      u.MaxUploadsPerUser,
		Timeout:         u.SessionTimeout,
		CleanupInterval: u.SessionCleanupInterval,
		GracePeriod:     u.SessionGracePeriod,
	}
}

// Update is a partial session change; nil fields are left untouched.
type Update struct {
	Status    *upload.Status
	Progress  *int
	Result    *upload.Result
	OnCancel  func()
	OnCleanup func() error
}

func StatusUpdate(status upload.Status) Update {
	return Update{Status: &status}
}

func ProgressUpdate(progress int) Update {
	return Update{Progress: &progress}
}

// Snapshot is a callback-free copy of a session, safe to hand out.
type Snapshot struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Filename  string          `json:"filename"`
	Size      int64           `json:"size"`
	Processor string          `json:"processor"`
	Strategy  upload.Strategy `json:"strategy"`
	Status    upload.Status   `json:"status"`
	Progress  int             `json:"progress"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Result    *upload.Result  `json:"result,omitempty"`
}

type Stats struct {
	Total       int                   `json:"total"`
	Active      int                   `json:"active"`
	ByStatus    map[upload.Status]int `json:"by_status"`
	ByUser      map[string]int        `json:"by_user"`
	ByProcessor map[string]int        `json:"by_processor"`
}

// Manager is the process-local admission controller for uploads. Ceilings
// apply per process, not across replicas.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	sessions    map[uuid.UUID]*upload.Session
	timers      map[uuid.UUID]*time.Timer
	subscribers map[uuid.UUID][]chan Snapshot

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewManager(cfg Config, l *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         l.Named("session"),
		sessions:    make(map[uuid.UUID]*upload.Session),
		timers:      make(map[uuid.UUID]*time.Timer),
		subscribers: make(map[uuid.UUID][]chan Snapshot),
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// Start launches the stale-session sweep.
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

// Stop ends the sweep and drops pending deletion timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.mu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

// Create admits a new pending session or fails with ErrRateLimited when the
// global or per-user active ceiling is reached.
func (m *Manager) Create(userID uuid.UUID, filename string, size int64, processor string, strategy upload.Strategy) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	global, perUser := 0, 0
	for _, s := range m.sessions {
		if !s.Status.Active() {
			continue
		}
		global++
		if s.UserID == userID {
			perUser++
		}
	}
	if m.cfg.MaxConcurrent > 0 && global >= m.cfg.MaxConcurrent {
		return uuid.Nil, fmt.Errorf("%w: %d uploads already in progress", media_errors.ErrRateLimited, global)
	}
	if m.cfg.MaxPerUser > 0 && perUser >= m.cfg.MaxPerUser {
		return uuid.Nil, fmt.Errorf("%w: user has %d uploads in progress", media_errors.ErrRateLimited, perUser)
	}

	now := m.now()
	s := &upload.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Filename:  filename,
		Size:      size,
		Processor: processor,
		Strategy:  strategy,
		Status:    upload.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s
	return s.ID, nil
}

// Update merges u into the session. Unknown ids and status regressions are
// logged and ignored.
func (m *Manager) Update(id uuid.UUID, u Update) {
	ctx := logger.WithSessionID(context.Background(), id.String())
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn(ctx, "update for unknown upload session")
		return
	}
	if u.Status != nil {
		if s.Status.CanTransitionTo(*u.Status) {
			s.Status = *u.Status
		} else {
			m.log.Warn(ctx, "refusing upload session status regression",
				zap.String("from", string(s.Status)),
				zap.String("to", string(*u.Status)),
			)
		}
	}
	if u.Progress != nil {
		s.Progress = clampProgress(*u.Progress)
	}
	if u.Result != nil {
		s.Result = u.Result
	}
	if u.OnCancel != nil {
		s.OnCancel = u.OnCancel
	}
	if u.OnCleanup != nil {
		s.OnCleanup = u.OnCleanup
	}
	s.UpdatedAt = m.now()
	m.publishLocked(s)
	m.mu.Unlock()
}

// Complete moves the session to its terminal status, runs the cleanup
// callback and deletes the session after the grace period.
func (m *Manager) Complete(id uuid.UUID, success bool) {
	ctx := logger.WithSessionID(context.Background(), id.String())
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.log.Warn(ctx, "complete for unknown upload session")
		return
	}
	status := upload.StatusFailed
	if success {
		status = upload.StatusCompleted
	}
	if s.Status.CanTransitionTo(status) {
		s.Status = status
		if success {
			s.Progress = 100
		}
	}
	s.UpdatedAt = m.now()
	cleanup := s.OnCleanup
	s.OnCleanup = nil
	s.OnCancel = nil
	m.publishLocked(s)
	if t, exists := m.timers[id]; exists {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(m.cfg.GracePeriod, func() { m.remove(id) })
	m.mu.Unlock()

	if cleanup != nil {
		m.guard(ctx, "cleanup", func() error { return cleanup() })
	}
}

// Cancel runs the cancel and cleanup callbacks, marks the session failed and
// removes it immediately. It returns false for unknown ids.
func (m *Manager) Cancel(id uuid.UUID) bool {
	ctx := logger.WithSessionID(context.Background(), id.String())
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	cancel, cleanup := s.OnCancel, s.OnCleanup
	s.OnCancel, s.OnCleanup = nil, nil
	if !s.Status.Terminal() {
		s.Status = upload.StatusFailed
	}
	s.UpdatedAt = m.now()
	m.publishLocked(s)
	m.removeLocked(id)
	m.mu.Unlock()

	if cancel != nil {
		m.guard(ctx, "cancel", func() error { cancel(); return nil })
	}
	if cleanup != nil {
		m.guard(ctx, "cleanup", func() error { return cleanup() })
	}
	m.log.Info(ctx, "upload session cancelled")
	return true
}

// Sweep cancels active sessions older than the timeout.
func (m *Manager) Sweep() int {
	if m.cfg.Timeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.Timeout)
	var stale []uuid.UUID
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status.Active() && s.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	cancelled := 0
	for _, id := range stale {
		if m.Cancel(id) {
			cancelled++
		}
	}
	if cancelled > 0 {
		m.log.Warn(context.Background(), "cancelled timed out upload sessions", zap.Int("count", cancelled))
	}
	return cancelled
}

func (m *Manager) Get(id uuid.UUID) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(s), true
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		ByStatus:    map[upload.Status]int{},
		ByUser:      map[string]int{},
		ByProcessor: map[string]int{},
	}
	for _, s := range m.sessions {
		st.Total++
		st.ByStatus[s.Status]++
		st.ByUser[s.UserID.String()]++
		st.ByProcessor[s.Processor]++
		if s.Status.Active() {
			st.Active++
		}
	}
	return st
}

// Subscribe streams snapshots for one session until it is removed or the
// returned cancel func is called. Slow readers miss intermediate updates.
func (m *Manager) Subscribe(id uuid.UUID) (<-chan Snapshot, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, func() {}, false
	}
	ch := make(chan Snapshot, 16)
	ch <- snapshotOf(s)
	m.subscribers[id] = append(m.subscribers[id], ch)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subscribers[id]
			for i, c := range subs {
				if c == ch {
					m.subscribers[id] = append(subs[:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
			if len(m.subscribers[id]) == 0 {
				delete(m.subscribers, id)
			}
		})
	}
	return ch, unsubscribe, true
}

func (m *Manager) publishLocked(s *upload.Session) {
	snap := snapshotOf(s)
	for _, ch := range m.subscribers[s.ID] {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Manager) remove(id uuid.UUID) {
	m.mu.Lock()
	m.removeLocked(id)
	m.mu.Unlock()
}

func (m *Manager) removeLocked(id uuid.UUID) {
	delete(m.sessions, id)
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
	for _, ch := range m.subscribers[id] {
		close(ch)
	}
	delete(m.subscribers, id)
}

func (m *Manager) guard(ctx context.Context, callback string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, "upload session callback panicked",
				zap.String("callback", callback),
				zap.Any("panic", r),
			)
		}
	}()
	if err := fn(); err != nil {
		m.log.Error(ctx, "upload session callback failed",
			zap.String("callback", callback),
			zap.Error(err),
		)
	}
}

func snapshotOf(s *upload.Session) Snapshot {
	return Snapshot{
		ID:        s.ID,
		UserID:    s.UserID,
		Filename:  s.Filename,
		Size:      s.Size,
		Processor: s.Processor,
		Strategy:  s.Strategy,
		Status:    s.Status,
		Progress:  s.Progress,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		Result:    s.Result,
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
