package protocol

import (
	"encoding/json"

	"github.com/loquilex/loquilex-core/internal/envelope"
)

// Attach registers a brand-new connection (fresh session join, not a
// resume) and sends server.welcome with seq=0. On a successful write the
// connection transitions straight to Active (spec §4.5.1: "On first
// successful welcome write: state=Active").
func (e *Engine) Attach(connID string, w Writer) (*Connection, error) {
	var conn *Connection
	var resultErr error

	e.submit(func() {
		welcomeData, err := json.Marshal(map[string]any{
			"hb": map[string]any{
				"interval_ms": e.cfg.HeartbeatInterval.Milliseconds(),
				"timeout_ms":  e.cfg.HeartbeatTimeout.Milliseconds(),
			},
			"resume_window": map[string]any{
				"seconds": int(e.cfg.ResumeTTL.Seconds()),
			},
			"limits": map[string]any{
				"max_in_flight": e.cfg.MaxInFlight,
				"max_msg_bytes": e.cfg.MaxMsgBytes,
			},
		})
		if err != nil {
			resultErr = err
			return
		}

		welcomeEnv := e.newEnvelope(envelope.TypeWelcome, envelope.SeqPtr(0), "", welcomeData)
		encoded, err := envelope.Encode(welcomeEnv)
		if err != nil {
			resultErr = err
			return
		}
		if err := w.WriteEnvelope(encoded); err != nil {
			resultErr = err
			return
		}

		c := NewConnection(connID, w, e.cfg.ConnQueueCapacity)
		c.setState(StateActive)
		c.MarkSeen(e.nowMonoNs())

		e.connMu.Lock()
		e.connections[connID] = c
		e.connMu.Unlock()

		if e.mx != nil {
			e.mx.ConnectionsActive.Inc()
			e.mx.ConnectionsTotal.Inc()
		}
		conn = c
	})

	return conn, resultErr
}

// Detach removes a connection from this session's fan-out set and closes
// its outbound queue. It does not imply session end (spec §4.5.1).
func (e *Engine) Detach(connID string) {
	e.submit(func() {
		e.connMu.Lock()
		c, ok := e.connections[connID]
		delete(e.connections, connID)
		e.connMu.Unlock()
		if !ok {
			return
		}
		c.setState(StateClosed)
		c.OutQueue.Close()
		if e.mx != nil {
			e.mx.ConnectionsActive.Dec()
		}
	})
}
