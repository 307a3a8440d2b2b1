package protocol

import (
	"sync"
	"sync/atomic"

	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/queue"
)

// ConnState is the connection-local state machine (spec §4.5.1).
type ConnState int

const (
	StateHandshake ConnState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Writer is the transport-layer hook the engine uses to push bytes to a
// connection's socket and to close it. Implemented by internal/transport;
// kept as an interface here so the protocol package never imports a
// WebSocket library directly.
type Writer interface {
	WriteEnvelope(encoded []byte) error
	Close(code int, reason string) error
}

// AckMode controls how client.ack is interpreted; per-message is treated
// identically to cumulative per spec §4.5.4, retained as a distinct value
// only so a future client capability negotiation has somewhere to live.
type AckMode int

const (
	AckModeCumulative AckMode = iota
	AckModePerMessage
)

// Connection is one WebSocket client attached to a session. Counters that
// the connection's own writer task updates concurrently with the engine's
// single serializing executor are atomic; state transitions are
// mutex-protected since they're rare and must be observed consistently by
// both the executor and the writer/reader tasks.
type Connection struct {
	ID     string
	Writer Writer

	OutQueue *queue.BoundedQueue[envelope.Envelope]

	mu      sync.Mutex
	state   ConnState
	ackMode AckMode

	lastDeliveredSeq atomic.Uint64
	lastAckSeq       atomic.Uint64
	lastSeenMono     atomic.Int64

	sendAttempts atomic.Int32
}

// NewConnection constructs a Connection in Handshake state with a bounded
// outbound queue of the given capacity.
func NewConnection(id string, w Writer, outQueueCapacity int) *Connection {
	return &Connection{
		ID:       id,
		Writer:   w,
		OutQueue: queue.New[envelope.Envelope](outQueueCapacity),
		state:    StateHandshake,
	}
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) LastDeliveredSeq() uint64 { return c.lastDeliveredSeq.Load() }
func (c *Connection) LastAckSeq() uint64        { return c.lastAckSeq.Load() }
func (c *Connection) LastSeenMono() int64       { return c.lastSeenMono.Load() }

// InFlight returns last_delivered_seq - last_ack_seq, reported as q_in in
// server.hb. Delivery does not wait on it; no max_in_flight ceiling is
// checked against it.
func (c *Connection) InFlight() uint64 {
	delivered := c.lastDeliveredSeq.Load()
	acked := c.lastAckSeq.Load()
	if delivered < acked {
		return 0
	}
	return delivered - acked
}

// MarkDelivered records that seq was actually written to the socket. Called
// by the connection's writer task, never by the engine's executor.
func (c *Connection) MarkDelivered(seq uint64) {
	for {
		cur := c.lastDeliveredSeq.Load()
		if seq <= cur {
			return
		}
		if c.lastDeliveredSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// MarkSeen records inbound activity for heartbeat-timeout detection.
func (c *Connection) MarkSeen(nowMonoNs int64) {
	c.lastSeenMono.Store(nowMonoNs)
}
