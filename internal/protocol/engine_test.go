package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/loquilex/loquilex-core/internal/clock"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/rs/zerolog"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (w *fakeWriter) WriteEnvelope(encoded []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]byte, len(encoded))
	copy(cp, encoded)
	w.writes = append(w.writes, cp)
	return nil
}

func (w *fakeWriter) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) last() envelope.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var env envelope.Envelope
	_ = json.Unmarshal(w.writes[len(w.writes)-1], &env)
	return env
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.writes)
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func testConfig() Config {
	return Config{
		HeartbeatInterval: time.Hour, // disable the ticker racing with manual checkLiveness calls
		HeartbeatTimeout:  50 * time.Millisecond,
		ResumeTTL:         time.Minute,
		ResumeMaxEvents:   100,
		MaxInFlight:       64,
		MaxMsgBytes:       1 << 16,
		ConnQueueCapacity: 2,
		DrainDeadline:     10 * time.Millisecond,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *clock.Fake, context.CancelFunc) {
	t.Helper()
	clk := clock.NewFake(time.Unix(0, 0))
	e := New("sess-1", 1, cfg, clk, zerolog.Nop(), nil, nil, clk.Mono())
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(cancel)
	return e, clk, cancel
}

func TestAttachSendsWelcomeWithSeqZero(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	w := &fakeWriter{}

	conn, err := e.Attach("c1", w)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if conn.State() != StateActive {
		t.Fatalf("expected Active, got %v", conn.State())
	}
	env := w.last()
	if env.T != envelope.TypeWelcome {
		t.Fatalf("expected welcome, got %v", env.T)
	}
	if env.Seq == nil || *env.Seq != 0 {
		t.Fatalf("expected seq=0, got %v", env.Seq)
	}
}

func TestPublishDropsOldestDroppableUnderPressure(t *testing.T) {
	cfg := testConfig()
	cfg.ConnQueueCapacity = 2
	e, _, _ := newTestEngine(t, cfg)
	w := &fakeWriter{}
	if _, err := e.Attach("c1", w); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	mustPublish := func(typ envelope.Type) {
		if err := e.Publish(typ, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("Publish(%v): %v", typ, err)
		}
	}
	mustPublish(envelope.TypeASRPartial)
	mustPublish(envelope.TypeASRPartial)
	mustPublish(envelope.TypeASRPartial)
	mustPublish(envelope.TypeASRFinal)

	e.connMu.RLock()
	c := e.connections["c1"]
	e.connMu.RUnlock()

	var delivered []uint64
	for {
		env, err := c.OutQueue.Poll(context.Background())
		if err != nil {
			break
		}
		delivered = append(delivered, *env.Seq)
		if len(delivered) == 2 {
			break
		}
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 surviving envelopes, got %d", len(delivered))
	}
	snap := c.OutQueue.Snapshot()
	if snap.DroppedOldest != 2 {
		t.Fatalf("expected 2 dropped, got %d", snap.DroppedOldest)
	}
}

func TestAckAccountingRejectsAckBeyondDelivered(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	w := &fakeWriter{}
	if _, err := e.Attach("c1", w); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := e.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	e.connMu.RLock()
	c := e.connections["c1"]
	e.connMu.RUnlock()
	c.MarkDelivered(1)

	okAck := envelope.Envelope{T: envelope.TypeClientAck, Data: json.RawMessage(`{"ack_seq":1}`)}
	e.HandleClientEnvelope("c1", okAck)
	if got := c.LastAckSeq(); got != 1 {
		t.Fatalf("expected last_ack_seq=1, got %d", got)
	}

	badAck := envelope.Envelope{T: envelope.TypeClientAck, Data: json.RawMessage(`{"ack_seq":99}`)}
	e.HandleClientEnvelope("c1", badAck)
	time.Sleep(20 * time.Millisecond) // let scheduleDrain's goroutine run
	if c.State() != StateDraining && c.State() != StateClosed {
		t.Fatalf("expected Draining or Closed after invalid ack, got %v", c.State())
	}
}

func TestResumeGapReturnsResumeNew(t *testing.T) {
	cfg := testConfig()
	cfg.ResumeMaxEvents = 1
	e, _, _ := newTestEngine(t, cfg)

	if err := e.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := e.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := e.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	w := &fakeWriter{}
	result := e.Resume("c2", w, 0, 1)
	if result.Kind != ResumeNew || result.Reason != "resume_gap" {
		t.Fatalf("expected ResumeNew/resume_gap, got %+v", result)
	}
}

func TestResumeEpochMismatch(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	w := &fakeWriter{}
	result := e.Resume("c2", w, 0, 99)
	if result.Kind != ResumeNew || result.Reason != "epoch_mismatch" {
		t.Fatalf("expected ResumeNew/epoch_mismatch, got %+v", result)
	}
}

func TestResumeSnapshotReplaysEntries(t *testing.T) {
	e, _, _ := newTestEngine(t, testConfig())
	if err := e.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	w := &fakeWriter{}
	result := e.Resume("c2", w, 0, 1)
	if result.Kind != ResumeSnapshot {
		t.Fatalf("expected ResumeSnapshot, got %+v", result)
	}
	if w.count() < 2 {
		t.Fatalf("expected snapshot + replayed envelope, got %d writes", w.count())
	}
}

func TestHeartbeatTimeoutClosesConnection(t *testing.T) {
	e, clk, _ := newTestEngine(t, testConfig())
	w := &fakeWriter{}
	if _, err := e.Attach("c1", w); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	clk.Advance(time.Second)
	e.submit(func() { e.checkLiveness() })

	if !w.isClosed() {
		t.Fatalf("expected connection to be closed after heartbeat timeout")
	}
}
