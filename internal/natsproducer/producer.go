// Package natsproducer bridges an optional external NATS JetStream feed
// into session Publish calls. It is disabled unless NATS_URL is configured;
// when present, it subscribes to "loquilex.>" and republishes each
// "loquilex.<session_id>.asr.partial|final", "loquilex.<session_id>.mt.partial|final"
// and "loquilex.<session_id>.status" message as the matching envelope type
// on the named session. Grounded on the teacher's
// JetStream-subscribe-with-manual-ack-and-rate-limiting block in
// src/server.go's Start(), generalized from one global subject to a
// per-session subject hierarchy and from broadcast() to Session.Publish.
package natsproducer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/resourceguard"
	"github.com/loquilex/loquilex-core/internal/session"
	"github.com/loquilex/loquilex-core/internal/workerpool"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "loquilex."

// Config bundles the NATS-side parameters.
type Config struct {
	URL             string
	StreamName      string
	ConsumerName    string
	ConsumerAckWait time.Duration
	StreamMaxAge    time.Duration
	StreamMaxMsgs   int64
	StreamMaxBytes  int64
}

// Producer owns the JetStream subscription and republishes onto a
// session.Manager.
type Producer struct {
	cfg   Config
	mgr   *session.Manager
	guard *resourceguard.Guard
	pool  *workerpool.Pool
	log   zerolog.Logger

	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	delivered int64
	dropped   int64
	ackFails  int64
}

// New connects to NATS, ensures the stream exists, and subscribes. Returns
// nil, nil if cfg.URL is empty (the bridge is optional).
func New(cfg Config, mgr *session.Manager, guard *resourceguard.Guard, pool *workerpool.Pool, log zerolog.Logger) (*Producer, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("natsproducer: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsproducer: jetstream: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.InterestPolicy,
			MaxAge:    cfg.StreamMaxAge,
			MaxMsgs:   cfg.StreamMaxMsgs,
			MaxBytes:  cfg.StreamMaxBytes,
			Storage:   nats.MemoryStorage,
			Discard:   nats.DiscardOld,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("natsproducer: add stream: %w", err)
		}
	}

	p := &Producer{cfg: cfg, mgr: mgr, guard: guard, pool: pool, log: log, conn: nc, js: js}

	sub, err := js.Subscribe(subjectPrefix+">", p.onMessage,
		nats.Durable(cfg.ConsumerName), nats.ManualAck(), nats.AckWait(cfg.ConsumerAckWait))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsproducer: subscribe: %w", err)
	}
	p.sub = sub

	log.Info().Str("subject", subjectPrefix+">").Msg("natsproducer subscribed")
	return p, nil
}

func (p *Producer) onMessage(msg *nats.Msg) {
	atomic.AddInt64(&p.delivered, 1)

	if p.guard != nil && !p.guard.AllowExternal(context.Background()) {
		if err := msg.Nak(); err != nil {
			p.log.Debug().Err(err).Msg("nak failed under rate limiting")
		}
		atomic.AddInt64(&p.dropped, 1)
		return
	}

	sid, envType, ok := parseSubject(msg.Subject)
	if !ok {
		_ = msg.Ack()
		return
	}

	submitted := p.pool.Submit(func() {
		p.publish(sid, envType, msg)
	})
	if !submitted {
		atomic.AddInt64(&p.dropped, 1)
		if err := msg.Nak(); err != nil {
			p.log.Debug().Err(err).Msg("nak failed after worker pool rejected task")
		}
	}
}

func (p *Producer) publish(sid string, envType envelope.Type, msg *nats.Msg) {
	sess, err := p.mgr.Get(sid)
	if err != nil {
		_ = msg.Ack() // unknown session: drop silently, nothing to redeliver to
		return
	}

	payload := json.RawMessage(msg.Data)
	if !json.Valid(payload) {
		wrapped, merr := json.Marshal(map[string]string{"raw": string(msg.Data)})
		if merr != nil {
			_ = msg.Ack()
			return
		}
		payload = wrapped
	}

	if err := sess.Publish(envType, payload); err != nil {
		atomic.AddInt64(&p.ackFails, 1)
		if nakErr := msg.Nak(); nakErr != nil {
			p.log.Debug().Err(nakErr).Msg("nak failed after publish error")
		}
		return
	}

	if err := msg.Ack(); err != nil {
		atomic.AddInt64(&p.ackFails, 1)
		p.log.Debug().Err(err).Str("subject", msg.Subject).Msg("failed to ack nats message")
	}
}

// parseSubject maps "loquilex.<sid>.asr.partial" etc. to (sid, envelope type).
func parseSubject(subject string) (string, envelope.Type, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "loquilex" {
		return "", "", false
	}
	sid := parts[1]
	if parts[2] == "status" {
		return sid, envelope.TypeStatus, true
	}
	if len(parts) < 4 {
		return "", "", false
	}
	switch {
	case parts[2] == "asr" && parts[3] == "partial":
		return sid, envelope.TypeASRPartial, true
	case parts[2] == "asr" && parts[3] == "final":
		return sid, envelope.TypeASRFinal, true
	case parts[2] == "mt" && parts[3] == "partial":
		return sid, envelope.TypeMTPartial, true
	case parts[2] == "mt" && parts[3] == "final":
		return sid, envelope.TypeMTFinal, true
	default:
		return "", "", false
	}
}

// Stats returns delivered/dropped/ack-failure counters for diagnostics.
func (p *Producer) Stats() (delivered, dropped, ackFails int64) {
	return atomic.LoadInt64(&p.delivered), atomic.LoadInt64(&p.dropped), atomic.LoadInt64(&p.ackFails)
}

// Close unsubscribes and closes the NATS connection.
func (p *Producer) Close() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
