// Package protocol implements the per-session WebSocket protocol engine:
// handshake, sequencing, heartbeats, flow-controlled fan-out, acknowledgement
// accounting, replay-based resume, and the error taxonomy. All mutation of
// engine state is confined to a single serializing executor goroutine fed by
// a command channel (spec §5, §9); external callers — connection readers,
// producers calling Publish — post work onto that channel and block for a
// reply, which is how the session's ordering invariants stay trivially true
// without a broad mutex.
package protocol

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
	"github.com/loquilex/loquilex-core/internal/replay"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/rs/zerolog"
)

// Config bundles the per-session protocol parameters, sourced from
// internal/config at session creation.
type Config struct {
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	ResumeTTL          time.Duration
	ResumeMaxEvents    int
	MaxInFlight        uint64
	MaxMsgBytes        int
	ConnQueueCapacity  int
	DrainDeadline      time.Duration
}

// Engine is the per-session protocol state machine.
type Engine struct {
	sid   string
	epoch int

	cfg   Config
	clock clock.Clock
	log   zerolog.Logger
	mx    *metrics.Registry

	// guard supplies the process-wide gauges (CUDA sessions in use, host
	// CPU%) piggybacked onto server.hb as system_metrics; nil in tests that
	// don't care about it.
	guard *resourceguard.Guard

	createdAtMono int64
	seqGen        envelope.SeqGenerator

	replayBuf *replay.Buffer
	commits   *commitlog.Log

	// activePartials holds, per partial type, the most recently published
	// partial envelope not yet superseded by its final (spec §4.5.5's
	// session.snapshot "active in-progress partial states", §4.6's
	// finalize-flushes-partials). Read and written only from the executor.
	activePartials map[envelope.Type]envelope.Envelope

	cmdCh chan func()

	connMu      sync.RWMutex
	connections map[string]*Connection

	stopped   chan struct{}
	stopOnce  sync.Once
	runningWg sync.WaitGroup

	// OnInvariantBreach is invoked (from the executor goroutine) when an
	// internal invariant is violated; the session owner (StreamingSession)
	// uses this to trigger a controlled session stop without making the
	// engine aware of session-level lifecycle.
	OnInvariantBreach func(detail string)
}

// New constructs an Engine for a freshly created session. createdAtMono is
// the session's monotonic zero point (clock.Mono() at session creation).
// guard may be nil, in which case system_metrics is omitted from heartbeats.
func New(sid string, epoch int, cfg Config, clk clock.Clock, log zerolog.Logger, mx *metrics.Registry, guard *resourceguard.Guard, createdAtMono int64) *Engine {
	e := &Engine{
		sid:            sid,
		epoch:          epoch,
		cfg:            cfg,
		clock:          clk,
		log:            log,
		mx:             mx,
		guard:          guard,
		createdAtMono:  createdAtMono,
		replayBuf:      replay.New(cfg.ResumeMaxEvents, cfg.ResumeTTL),
		commits:        commitlog.New(0, 0, 0), // sized by StreamingSession via SetCommitLog
		activePartials: make(map[envelope.Type]envelope.Envelope),
		cmdCh:          make(chan func(), 64),
		connections:    make(map[string]*Connection),
		stopped:        make(chan struct{}),
	}
	return e
}

// SetCommitLog lets StreamingSession supply a commit log sized from
// SESSION_MAX_COMMITS/SESSION_MAX_SIZE_BYTES/SESSION_MAX_AGE_SECONDS; kept
// as a setter rather than a constructor arg because the engine builds its
// own default before the caller's config is fully resolved.
func (e *Engine) SetCommitLog(log *commitlog.Log) {
	e.commits = log
}

// Run drives the engine's executor loop until ctx is done. It must be
// started exactly once, in its own goroutine, before any other Engine
// method is called.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()

	e.runningWg.Add(1)
	defer e.runningWg.Done()

	for {
		select {
		case fn := <-e.cmdCh:
			fn()
		case <-ticker.C:
			e.emitHeartbeats()
			e.checkLiveness()
		case <-ctx.Done():
			e.closeAllConnections(envelope.ErrInternal, "session stopping")
			return
		}
	}
}

// submit posts fn to the executor and blocks until it has run. If the
// engine has already stopped, fn is never run.
func (e *Engine) submit(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case e.cmdCh <- wrapped:
	case <-e.stopped:
		return
	}
	select {
	case <-done:
	case <-e.stopped:
	}
}

// Stop signals the executor (via Run's ctx, owned by the caller) and marks
// this engine as no longer accepting new submissions. The caller is
// expected to cancel the context passed to Run separately; Stop only
// unblocks any submitters waiting in submit.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopped) })
}

func (e *Engine) nowMonoNs() int64 {
	return e.clock.Mono() - e.createdAtMono
}

func (e *Engine) newEnvelope(t envelope.Type, seq *uint64, corr string, data []byte) envelope.Envelope {
	return envelope.Envelope{
		V:       envelope.CurrentVersion,
		T:       t,
		Sid:     e.sid,
		ID:      uuid.NewString(),
		Corr:    corr,
		Seq:     seq,
		TWall:   e.clock.Wall().Format(time.RFC3339Nano),
		TMonoNs: e.nowMonoNs(),
		Data:    data,
	}
}

// commitTypeFor maps a domain publish type to its CommitRecord type, or
// ("", false) if the type is never committed (partials).
func commitTypeFor(t envelope.Type) (commitlog.RecordType, bool) {
	switch t {
	case envelope.TypeASRFinal:
		return commitlog.TypeTranscript, true
	case envelope.TypeMTFinal:
		return commitlog.TypeTranslation, true
	case envelope.TypeStatus:
		return commitlog.TypeStatus, true
	default:
		return "", false
	}
}

func marshalErrorData(code envelope.ErrorCode, detail string, retryAfterMs *int) []byte {
	payload := map[string]any{"code": code, "detail": detail}
	if retryAfterMs != nil {
		payload["retry_after_ms"] = *retryAfterMs
	} else {
		payload["retry_after_ms"] = nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return []byte(fmt.Sprintf(`{"code":%q,"detail":"marshal error"}`, code))
	}
	return b
}
