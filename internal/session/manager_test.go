package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/loquilex/loquilex-core/internal/clock"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/protocol"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/rs/zerolog"
)

type nopWriter struct{}

func (nopWriter) WriteEnvelope(encoded []byte) error { return nil }
func (nopWriter) Close(code int, reason string) error { return nil }

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Session: Config{
			Protocol: protocol.Config{
				HeartbeatInterval: time.Hour,
				HeartbeatTimeout:  time.Minute,
				ResumeTTL:         time.Minute,
				ResumeMaxEvents:   100,
				MaxInFlight:       64,
				MaxMsgBytes:       1 << 16,
				ConnQueueCapacity: 16,
				DrainDeadline:     10 * time.Millisecond,
			},
			CommitMaxCount: 1000,
			CommitMaxBytes: 1 << 20,
			CommitMaxAge:   time.Hour,
		},
		IdleTimeout:  0,
		ReapInterval: time.Hour,
	}
}

func TestManagerStartAttachPublishStop(t *testing.T) {
	guard := resourceguard.New(resourceguard.Config{MaxSessions: 10, AdmissionRatePerSec: 1000})
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(testManagerConfig(), clk, zerolog.Nop(), nil, guard, nil)

	sess, err := m.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}

	if _, _, err := m.Attach(sess.ID, "c1", nopWriter{}); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := sess.Publish(envelope.TypeASRFinal, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := m.Stop(sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if m.Count() != 0 {
		t.Fatalf("expected 0 sessions after stop, got %d", m.Count())
	}
}

func TestManagerRejectsBeyondSessionCap(t *testing.T) {
	guard := resourceguard.New(resourceguard.Config{MaxSessions: 1, AdmissionRatePerSec: 1000})
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(testManagerConfig(), clk, zerolog.Nop(), nil, guard, nil)

	if _, err := m.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := m.Start(); err == nil {
		t.Fatalf("expected second Start to be rejected")
	}
}

func TestPauseSuppressesPublish(t *testing.T) {
	guard := resourceguard.New(resourceguard.Config{MaxSessions: 10, AdmissionRatePerSec: 1000})
	clk := clock.NewFake(time.Unix(0, 0))
	m := NewManager(testManagerConfig(), clk, zerolog.Nop(), nil, guard, nil)

	sess, err := m.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	sess.Pause()
	if err := sess.Publish(envelope.TypeStatus, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish while paused should be a no-op, got err: %v", err)
	}
	sess.Resume()
	if err := sess.Publish(envelope.TypeStatus, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Publish after resume: %v", err)
	}
	m.Stop(sess.ID)
}
