package transport

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// socketWriter adapts a raw gobwas/ws connection to protocol.Writer. There is
// deliberately no second buffered channel between here and the socket: the
// protocol layer's own queue.BoundedQueue (internal/protocol.Connection.OutQueue)
// already implements the drop policy and metrics spec §4.1 requires, and
// stacking a second bounded buffer underneath it would reintroduce an
// untracked drop path the BoundedQueue was built to eliminate. WriteEnvelope
// writes straight to the socket and returns the real error on failure;
// writeMu serializes it against the heartbeat ping ticker, mirroring the
// teacher's single-writer-per-conn discipline without a second channel.
type socketWriter struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocketWriter(id string, conn net.Conn) *socketWriter {
	return &socketWriter{
		id:     id,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// WriteEnvelope implements protocol.Writer, writing synchronously to the
// socket so a failure (including a deadline exceeded against a stalled
// client) is reported to the caller instead of silently swallowed.
func (s *socketWriter) WriteEnvelope(encoded []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return wsutil.WriteServerMessage(s.conn, ws.OpText, encoded)
}

// Close implements protocol.Writer.
func (s *socketWriter) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = wsutil.WriteServerMessage(s.conn, ws.OpClose, []byte(reason))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

// pingLoop pings the peer on an interval until the connection closes.
// Grounded on the teacher's writePump ping branch in src/server.go, minus
// the send-channel drain that pump also did (outboundPump now writes
// directly via WriteEnvelope).
func (s *socketWriter) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := wsutil.WriteServerMessage(s.conn, ws.OpPing, nil)
			s.writeMu.Unlock()
			if err != nil {
				_ = s.Close(0, "")
				return
			}
		case <-s.closed:
			return
		}
	}
}
