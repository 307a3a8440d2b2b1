package protocol

import (
	"encoding/json"

	"github.com/loquilex/loquilex-core/internal/envelope"
)

// clientAck mirrors the payload shape of client.ack: {"ack_seq": N}.
type clientAck struct {
	AckSeq uint64 `json:"ack_seq"`
}

// clientFlow mirrors client.flow: {"max_in_flight": N} (optional per-connection
// override of the session default).
type clientFlow struct {
	MaxInFlight *uint64 `json:"max_in_flight,omitempty"`
}

// clientHello mirrors client.hello: {"ack_mode": "cumulative"|"per_message"}.
type clientHello struct {
	AckMode string `json:"ack_mode,omitempty"`
}

// HandleClientEnvelope dispatches an inbound, already-validated client
// envelope to the matching handler. It is called from the connection's read
// pump, never directly by user code, and runs the mutation itself through
// submit so it is serialized with Publish/Attach/Resume/heartbeats.
func (e *Engine) HandleClientEnvelope(connID string, env envelope.Envelope) {
	switch env.T {
	case envelope.TypeClientHB:
		e.handleClientHeartbeat(connID)
	case envelope.TypeClientAck:
		e.handleAck(connID, env.Data)
	case envelope.TypeClientFlow:
		e.handleFlow(connID, env.Data)
	case envelope.TypeClientHello:
		e.handleHello(connID, env.Data)
	case envelope.TypeSessionResume:
		// session.resume only ever arrives as the connection's opening
		// message, before a Connection exists to dispatch through; the
		// transport layer resolves it via Engine.Resume directly and never
		// forwards it here. Reaching this case means a client sent it after
		// an already-established handshake, which is a protocol violation.
		e.sendProtocolError(connID, envelope.ErrInvalidMessage, "session.resume only valid before handshake")
	default:
		e.sendProtocolError(connID, envelope.ErrInvalidMessage, "unhandled client message type")
	}
}

func (e *Engine) handleClientHeartbeat(connID string) {
	e.submit(func() {
		c, ok := e.connections[connID]
		if !ok {
			return
		}
		c.MarkSeen(e.nowMonoNs())
	})
}

// handleAck implements spec §4.5.4's ack accounting: acks below the current
// watermark are idempotently ignored; acks above last_delivered_seq are
// invalid_ack errors; anything in between advances last_ack_seq.
func (e *Engine) handleAck(connID string, data json.RawMessage) {
	e.submit(func() {
		c, ok := e.connections[connID]
		if !ok {
			return
		}
		var ack clientAck
		if err := json.Unmarshal(data, &ack); err != nil {
			e.sendErrorAndClose(c, envelope.ErrInvalidMessage, "malformed client.ack", nil)
			return
		}

		current := c.LastAckSeq()
		if ack.AckSeq <= current {
			return // idempotent retransmit or stale ack, ignored per spec
		}
		if ack.AckSeq > c.LastDeliveredSeq() {
			e.sendErrorAndClose(c, envelope.ErrInvalidAck, "ack_seq exceeds last_delivered_seq", nil)
			return
		}
		c.lastAckSeq.Store(ack.AckSeq)
		c.MarkSeen(e.nowMonoNs())
	})
}

func (e *Engine) handleFlow(connID string, data json.RawMessage) {
	e.submit(func() {
		c, ok := e.connections[connID]
		if !ok {
			return
		}
		var flow clientFlow
		if err := json.Unmarshal(data, &flow); err != nil {
			e.sendErrorAndClose(c, envelope.ErrInvalidMessage, "malformed client.flow", nil)
			return
		}
		c.MarkSeen(e.nowMonoNs())
		// A per-connection max_in_flight value is parsed and otherwise
		// ignored. No in-flight ceiling is applied during fan-out: the
		// session's cfg.MaxInFlight is only advertised in server.welcome, and
		// outbound volume is bounded by OutQueue's capacity and drop policy.
	})
}

func (e *Engine) handleHello(connID string, data json.RawMessage) {
	e.submit(func() {
		c, ok := e.connections[connID]
		if !ok {
			return
		}
		var hello clientHello
		if err := json.Unmarshal(data, &hello); err != nil {
			e.sendErrorAndClose(c, envelope.ErrInvalidMessage, "malformed client.hello", nil)
			return
		}
		switch hello.AckMode {
		case "per_message":
			c.ackMode = AckModePerMessage
		case "cumulative", "":
			c.ackMode = AckModeCumulative
		default:
			e.sendErrorAndClose(c, envelope.ErrBadRequest, "unknown ack_mode", nil)
			return
		}
		c.MarkSeen(e.nowMonoNs())
	})
}

func (e *Engine) sendProtocolError(connID string, code envelope.ErrorCode, detail string) {
	e.submit(func() {
		c, ok := e.connections[connID]
		if !ok {
			return
		}
		e.sendErrorAndClose(c, code, detail, nil)
	})
}
