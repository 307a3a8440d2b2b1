package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loquilex/loquilex-core/internal/commitlog"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/queue"
	"github.com/loquilex/loquilex-core/internal/replay"
)

// partialFinalType maps each droppable partial type to the final type that
// supersedes it, used both to clear activePartials when a final is published
// and to flush outstanding partials to finals on session finalize.
var partialFinalType = map[envelope.Type]envelope.Type{
	envelope.TypeASRPartial: envelope.TypeASRFinal,
	envelope.TypeMTPartial:  envelope.TypeMTFinal,
}

// Publish assigns seq/timestamps to a domain event, records it to the
// commit log (if it's a final/status commit) and the replay buffer, then
// fans it out to every Active connection. It returns once the envelope is
// recorded — not once delivery to any particular client completes, per
// spec §4.6.
func (e *Engine) Publish(t envelope.Type, payload json.RawMessage) error {
	var encodeErr error
	e.submit(func() {
		encodeErr = e.publishLocked(t, payload)
	})
	return encodeErr
}

func (e *Engine) publishLocked(t envelope.Type, payload json.RawMessage) error {
	seq := e.seqGen.Next()
	env := e.newEnvelope(t, envelope.SeqPtr(seq), "", payload)

	encoded, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("protocol: encode publish: %w", err)
	}
	if err := envelope.ValidateOutboundSize(encoded, e.cfg.MaxMsgBytes); err != nil {
		// Oversized outbound envelopes are rejected at the engine and never
		// enter the replay buffer (spec §4.4).
		return err
	}

	switch t {
	case envelope.TypeASRPartial, envelope.TypeMTPartial:
		e.activePartials[t] = env
	case envelope.TypeASRFinal:
		delete(e.activePartials, envelope.TypeASRPartial)
	case envelope.TypeMTFinal:
		delete(e.activePartials, envelope.TypeMTPartial)
	}

	if rt, isCommit := commitTypeFor(t); isCommit {
		e.commits.Append(commitlog.Record{
			ID:      env.ID,
			Seq:     seq,
			TMonoNs: env.TMonoNs,
			Type:    rt,
			Data:    payload,
		}, e.nowMonoNs())
	}

	e.replayBuf.AddUnsafe(replay.Entry{Seq: seq, Bytes: encoded, TMonoNs: env.TMonoNs}, e.nowMonoNs())

	droppable := envelope.Droppable(t)
	e.connMu.RLock()
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()

	for _, c := range conns {
		if c.State() != StateActive {
			continue
		}
		e.offerToConnection(c, env, droppable)
	}

	return nil
}

// FlushPendingPartials implements spec §4.6's finalize requirement to flush
// pending in-progress partials to finals "where meaningful" before the
// session publishes status{state=finalized}: each outstanding partial's last
// known payload is republished as its final type, which in turn clears it
// from activePartials via publishLocked's own bookkeeping.
func (e *Engine) FlushPendingPartials() {
	e.submit(func() {
		pending := make([]envelope.Envelope, 0, len(e.activePartials))
		for _, env := range e.activePartials {
			pending = append(pending, env)
		}
		for _, env := range pending {
			finalType, ok := partialFinalType[env.T]
			if !ok {
				continue
			}
			_ = e.publishLocked(finalType, env.Data)
		}
	})
}

// activePartialsSnapshot returns the currently outstanding partials for
// inclusion in a session.snapshot. Caller must already be on the executor
// (i.e. called from within a submit closure, as Resume is).
func (e *Engine) activePartialsSnapshot() []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(e.activePartials))
	for _, env := range e.activePartials {
		out = append(out, env)
	}
	return out
}

// offerToConnection enqueues env on c.OutQueue, honoring the bounded-queue
// drop policy and the queue_overflow escalation to connection close.
func (e *Engine) offerToConnection(c *Connection, env envelope.Envelope, droppable bool) {
	outcome, err := c.OutQueue.Offer(env, droppable)
	switch err {
	case nil:
		if outcome == queue.AcceptedWithDrop && e.mx != nil {
			e.mx.EnvelopesDropped.WithLabelValues(string(env.T), "oldest_droppable").Inc()
		}
		if e.mx != nil {
			e.mx.QueueDepth.WithLabelValues(e.sid).Set(float64(c.OutQueue.Len()))
		}
	case queue.ErrOverflow:
		e.handleQueueOverflow(c)
	case queue.ErrClosed:
		// connection already torn down; nothing to do.
	}
}

// handleQueueOverflow implements spec §4.1's escalation: the caller
// surfaces queue.drop to the client and closes the connection as
// overloaded.
func (e *Engine) handleQueueOverflow(c *Connection) {
	dropData, _ := json.Marshal(map[string]any{"reason": "queue_overflow"})
	dropEnv := e.newEnvelope(envelope.TypeQueueDrop, nil, "", dropData)
	if encoded, err := envelope.Encode(dropEnv); err == nil {
		_ = c.Writer.WriteEnvelope(encoded) // best-effort, connection is closing regardless
	}
	e.sendErrorAndClose(c, envelope.ErrQueueOverflow, "outbound queue overflow", nil)
	if e.mx != nil {
		e.mx.ErrorsTotal.WithLabelValues(string(envelope.ErrQueueOverflow)).Inc()
	}
}

// sendErrorAndClose writes a server.error envelope directly (bypassing the
// outbound queue, since the connection is being torn down) and schedules
// Draining then Closed.
func (e *Engine) sendErrorAndClose(c *Connection, code envelope.ErrorCode, detail string, retryAfterMs *int) {
	errEnv := e.newEnvelope(envelope.TypeError, nil, "", marshalErrorData(code, detail, retryAfterMs))
	if encoded, err := envelope.Encode(errEnv); err == nil {
		_ = c.Writer.WriteEnvelope(encoded)
	}
	e.scheduleDrain(c)
}

// scheduleDrain transitions c to Draining and, after DrainDeadline, forces
// it Closed. The deadline wait runs on its own goroutine so it never blocks
// the executor; the actual state mutation and queue close are posted back
// through submit to preserve serialization.
func (e *Engine) scheduleDrain(c *Connection) {
	c.setState(StateDraining)
	deadline := e.cfg.DrainDeadline
	go func() {
		if deadline > 0 {
			<-time.After(deadline)
		}
		e.submit(func() {
			e.forceCloseLocked(c)
		})
	}()
}

func (e *Engine) forceCloseLocked(c *Connection) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	c.OutQueue.Close()
	_ = c.Writer.Close(1008, "policy violation")
	e.connMu.Lock()
	delete(e.connections, c.ID)
	e.connMu.Unlock()
	if e.mx != nil {
		e.mx.ConnectionsActive.Dec()
	}
}

func (e *Engine) closeAllConnections(code envelope.ErrorCode, detail string) {
	e.connMu.RLock()
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()

	for _, c := range conns {
		errEnv := e.newEnvelope(envelope.TypeError, nil, "", marshalErrorData(code, detail, nil))
		if encoded, err := envelope.Encode(errEnv); err == nil {
			_ = c.Writer.WriteEnvelope(encoded)
		}
		e.forceCloseLocked(c)
	}
}
