// Package session implements the streaming session lifecycle: one
// StreamingSession per logical transcription/translation job, each owning a
// protocol.Engine, and a SessionManager admitting, tracking, and shutting
// down sessions. The split mirrors the teacher's Server/ConnectionPool
// split, generalized from a single global fan-out server to one engine
// instance per session.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loquilex/loquilex-core/internal/clock"
	"github.com/loquilex/loquilex-core/internal/commitlog"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/metrics"
	"github.com/loquilex/loquilex-core/internal/protocol"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/rs/zerolog"
)

// Status is the session-level lifecycle state, distinct from
// protocol.ConnState which tracks individual connections.
type Status int

const (
	StatusRunning Status = iota
	StatusPaused
	StatusFinalizing
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusFinalizing:
		return "finalizing"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config bundles the per-session parameters that originate in
// internal/config, translated into protocol.Config plus commit-log bounds.
type Config struct {
	Protocol protocol.Config

	CommitMaxCount int
	CommitMaxBytes int
	CommitMaxAge   time.Duration

	HoldsCUDA bool
}

// StreamingSession is one logical transcription/translation job. Publish
// methods are safe for concurrent use by ASR/MT producers (including the
// optional NATS bridge); they simply forward, after a pause check, to the
// owned protocol.Engine, which does its own serialization.
type StreamingSession struct {
	ID    string
	Epoch int

	cfg    Config
	engine *protocol.Engine
	log    zerolog.Logger
	mx     *metrics.Registry

	mu     sync.Mutex
	status Status

	cancel context.CancelFunc
	done   chan struct{}

	releaseCUDA func()
}

// New constructs a session in StatusRunning and starts its engine executor.
// releaseCUDA, if non-nil, is called exactly once by Stop to release the
// CUDA exclusivity slot the SessionManager acquired on this session's
// behalf. guard may be nil (it is only consulted for heartbeat gauges).
func New(id string, cfg Config, clk clock.Clock, log zerolog.Logger, mx *metrics.Registry, guard *resourceguard.Guard, releaseCUDA func()) *StreamingSession {
	createdAtMono := clk.Mono()
	eng := protocol.New(id, 1, cfg.Protocol, clk, log, mx, guard, createdAtMono)
	eng.SetCommitLog(commitlog.New(cfg.CommitMaxCount, cfg.CommitMaxBytes, cfg.CommitMaxAge))

	ctx, cancel := context.WithCancel(context.Background())
	s := &StreamingSession{
		ID:          id,
		Epoch:       1,
		cfg:         cfg,
		engine:      eng,
		log:         log.With().Str("session_id", id).Logger(),
		mx:          mx,
		status:      StatusRunning,
		cancel:      cancel,
		done:        make(chan struct{}),
		releaseCUDA: releaseCUDA,
	}

	go func() {
		defer close(s.done)
		eng.Run(ctx)
	}()

	if mx != nil {
		mx.SessionsActive.Inc()
		mx.SessionsTotal.Inc()
	}
	return s
}

// Engine exposes the underlying protocol engine to the transport layer for
// Attach/Resume/HandleClientEnvelope wiring.
func (s *StreamingSession) Engine() *protocol.Engine { return s.engine }

func (s *StreamingSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Publish forwards a domain event (ASR/MT partial or final, status update)
// to the engine, unless the session is paused, in which case the event is
// dropped — callers must buffer upstream of Publish if that's undesirable,
// per spec §4.6's pause semantics.
func (s *StreamingSession) Publish(t envelope.Type, payload json.RawMessage) error {
	s.mu.Lock()
	paused := s.status == StatusPaused
	s.mu.Unlock()
	if paused {
		return nil
	}
	return s.engine.Publish(t, payload)
}

// Pause suspends outbound publishing without tearing down connections or
// the replay buffer; resumable clients reattach to the same session.
func (s *StreamingSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		s.status = StatusPaused
	}
}

// Resume reverts a paused session to Running.
func (s *StreamingSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusPaused {
		s.status = StatusRunning
	}
}

// Finalize marks the session Finalizing, flushes any outstanding
// in-progress partials to finals (spec §4.6: "flush pending in-progress
// partials to finals where meaningful"), then publishes a status record
// with state "finalized"; the session remains attachable for resume until
// Stop is called by the manager's idle reaper.
func (s *StreamingSession) Finalize(reason string) error {
	s.mu.Lock()
	s.status = StatusFinalizing
	s.mu.Unlock()

	s.engine.FlushPendingPartials()

	payload, err := json.Marshal(map[string]any{"state": "finalized", "reason": reason, "finalized": true})
	if err != nil {
		return fmt.Errorf("session: marshal finalize status: %w", err)
	}
	return s.engine.Publish(envelope.TypeStatus, payload)
}

// Stop tears down the engine and releases any held CUDA slot. Safe to call
// more than once.
func (s *StreamingSession) Stop() {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	s.mu.Unlock()

	s.engine.Stop()
	s.cancel()
	<-s.done

	if s.releaseCUDA != nil {
		s.releaseCUDA()
	}
	if s.mx != nil {
		s.mx.SessionsActive.Dec()
	}
}

// NewSessionID generates a fresh session identifier (spec §3: sid is a
// stable identity that survives reconnects within the same logical job).
func NewSessionID() string {
	return uuid.NewString()
}
