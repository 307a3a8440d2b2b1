package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loquilex/loquilex-core/internal/clock"
	"github.com/loquilex/loquilex-core/internal/metrics"
	"github.com/loquilex/loquilex-core/internal/protocol"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/loquilex/loquilex-core/internal/workerpool"
	"github.com/rs/zerolog"
)

// ErrSessionNotFound is returned by manager lookups for an unknown sid.
var ErrSessionNotFound = fmt.Errorf("session: not found")

// ErrAdmissionRejected is returned by Start when the resource guard declines
// to admit a new session.
type ErrAdmissionRejected struct {
	Reason resourceguard.Reason
}

func (e *ErrAdmissionRejected) Error() string {
	return fmt.Sprintf("session: admission rejected: %s", e.Reason)
}

// ManagerConfig bundles the parameters every session a manager creates
// shares: protocol tuning, commit-log bounds, and whether new sessions
// should attempt to acquire a CUDA exclusivity slot.
type ManagerConfig struct {
	Session      Config
	RequireCUDA  bool
	IdleTimeout  time.Duration // > 0 enables the reaper of Finalizing sessions; see reapIdle
	ReapInterval time.Duration

	// ShutdownDeadline bounds how long Shutdown waits for every session's
	// Stop to return before giving up and proceeding best-effort (spec
	// §4.7). Defaults to 10s if <= 0.
	ShutdownDeadline time.Duration
}

// Manager owns the full set of live sessions, admission control, and the
// idle-reaper loop. Grounded on the teacher's Server type generalized from
// a single global connection pool to a map of per-session engines.
type Manager struct {
	cfg   ManagerConfig
	clk   clock.Clock
	log   zerolog.Logger
	mx    *metrics.Registry
	guard *resourceguard.Guard
	pool  *workerpool.Pool

	mu       sync.RWMutex
	sessions map[string]*StreamingSession

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a Manager; call Run in its own goroutine to start
// the idle reaper. pool bounds concurrent session-stop fan-out during
// Shutdown (spec §5); it may be nil, in which case Shutdown falls back to
// one goroutine per session.
func NewManager(cfg ManagerConfig, clk clock.Clock, log zerolog.Logger, mx *metrics.Registry, guard *resourceguard.Guard, pool *workerpool.Pool) *Manager {
	return &Manager{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		mx:       mx,
		guard:    guard,
		pool:     pool,
		sessions: make(map[string]*StreamingSession),
		stopCh:   make(chan struct{}),
	}
}

// Run drives the idle-session reaper until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.ReapInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle()
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Start admits and creates a new session, rejecting it if the resource
// guard declines (session cap, CUDA exhaustion, CPU/goroutine safety
// valves, or the admission rate limiter).
func (m *Manager) Start() (*StreamingSession, error) {
	if ok, reason := m.guard.ShouldAcceptSession(); !ok {
		return nil, &ErrAdmissionRejected{Reason: reason}
	}

	var releaseCUDA func()
	if m.cfg.RequireCUDA {
		if !m.guard.AcquireCUDA() {
			return nil, &ErrAdmissionRejected{Reason: resourceguard.ReasonCUDABusy}
		}
		releaseCUDA = m.guard.ReleaseCUDA
	}

	m.guard.IncrementSessions()

	id := NewSessionID()
	sess := New(id, m.cfg.Session, m.clk, m.log, m.mx, m.guard, func() {
		if releaseCUDA != nil {
			releaseCUDA()
		}
		m.guard.DecrementSessions()
	})

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// Get looks up a session by id.
func (m *Manager) Get(sid string) (*StreamingSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sid]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Pause/Resume/Finalize look up a session and delegate; they exist so
// transport handlers don't need to import StreamingSession directly for
// these three control-plane operations.
func (m *Manager) Pause(sid string) error {
	sess, err := m.Get(sid)
	if err != nil {
		return err
	}
	sess.Pause()
	return nil
}

func (m *Manager) ResumeSession(sid string) error {
	sess, err := m.Get(sid)
	if err != nil {
		return err
	}
	sess.Resume()
	return nil
}

func (m *Manager) Finalize(sid, reason string) error {
	sess, err := m.Get(sid)
	if err != nil {
		return err
	}
	return sess.Finalize(reason)
}

// Stop stops and removes a single session.
func (m *Manager) Stop(sid string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	delete(m.sessions, sid)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Stop()
	return nil
}

// Attach wires a fresh connection into sid's engine, returning both the
// engine (so transport can forward inbound client envelopes) and the
// protocol.Connection (so transport's write pump can drain OutQueue).
func (m *Manager) Attach(sid, connID string, w protocol.Writer) (*protocol.Engine, *protocol.Connection, error) {
	sess, err := m.Get(sid)
	if err != nil {
		return nil, nil, err
	}
	conn, err := sess.Engine().Attach(connID, w)
	if err != nil {
		return nil, nil, fmt.Errorf("session: attach: %w", err)
	}
	return sess.Engine(), conn, nil
}

// Resume attempts to resume sid's connID from lastSeq/epoch. The transport
// layer is responsible for first locating sid (which may require a separate
// sid->manager index if sessions span processes); here sid must already
// name a live session.
func (m *Manager) Resume(sid, connID string, w protocol.Writer, lastSeq uint64, epoch int) (protocol.ResumeResult, error) {
	sess, err := m.Get(sid)
	if err != nil {
		return protocol.ResumeResult{}, err
	}
	return sess.Engine().Resume(connID, w, lastSeq, epoch), nil
}

// Detach removes a connection from sid's engine without ending the session.
func (m *Manager) Detach(sid, connID string) {
	sess, err := m.Get(sid)
	if err != nil {
		return
	}
	sess.Engine().Detach(connID)
}

// reapIdle stops and removes every session that is Finalizing when the
// reap tick fires. It does not check attached connections or how long a
// session has been Finalizing; IdleTimeout only switches the reaper on
// (> 0), its value is not otherwise used. Running/Paused sessions are never
// reaped automatically; only an explicit Stop or a finalized job ends a
// session's lifetime.
func (m *Manager) reapIdle() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	m.mu.RLock()
	candidates := make([]*StreamingSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess.Status() == StatusFinalizing {
			candidates = append(candidates, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range candidates {
		sess.Stop()
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
	}
}

// Shutdown stops every live session, fanning the Stop calls out through the
// worker pool (spec §5: shutdown fan-out is bounded by the same pool as any
// other session-stop dispatch) and bounding the whole wait by
// ShutdownDeadline (spec §4.7: "bounded by a global deadline, report
// best-effort") so one session whose engine never observes ctx.Done() cannot
// block process shutdown indefinitely.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	sessions := make([]*StreamingSession, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*StreamingSession)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		s := sess
		task := func() {
			defer wg.Done()
			s.Stop()
		}
		if m.pool == nil || !m.pool.Submit(task) {
			go task()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := m.cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(deadline):
		m.log.Warn().Int("pending_sessions", len(sessions)).Msg("shutdown deadline exceeded, proceeding best-effort")
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
