// Package transport hosts the chi-routed HTTP server: the WebSocket
// upgrade endpoint, a legacy path alias, health and metrics endpoints. It
// owns no session state itself — everything is delegated to
// internal/session.Manager — and implements protocol.Writer purely in
// terms of a gobwas/ws connection, so internal/protocol never imports a
// WebSocket library directly.
package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/metrics"
	"github.com/loquilex/loquilex-core/internal/protocol"
	"github.com/loquilex/loquilex-core/internal/session"
	"github.com/rs/zerolog"
)

// Config bundles the HTTP-layer parameters sourced from internal/config.
type Config struct {
	Addr               string
	MetricsAddr        string
	LegacyAliasEnabled bool
	MaxMsgBytes        int
}

// Server is the HTTP/WebSocket front door onto a session.Manager.
type Server struct {
	cfg     Config
	manager *session.Manager
	mx      *metrics.Registry
	log     zerolog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
}

// New builds the chi router and the underlying http.Server (not yet
// listening).
func New(cfg Config, mgr *session.Manager, mx *metrics.Registry, log zerolog.Logger) *Server {
	s := &Server{cfg: cfg, manager: mgr, mx: mx, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/ws/{session_id}", s.handleWebSocket)
	if cfg.LegacyAliasEnabled {
		r.Get("/events/{session_id}", s.handleWebSocket)
	}
	r.Get("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	if mx != nil {
		metricsRouter := chi.NewRouter()
		metricsRouter.Handle("/metrics", mx.Handler())
		s.metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsRouter}
	}

	return s
}

// ListenAndServe runs the main HTTP server, blocking until it stops or ctx
// is done, at which point it attempts a graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error().Err(err).Msg("metrics server stopped unexpectedly")
			}
		}()
	}

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.metricsServer != nil {
			_ = s.metricsServer.Shutdown(shutdownCtx)
		}
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sid := chi.URLParam(r, "session_id")
	if sid == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("session_id", sid).Msg("websocket upgrade failed")
		return
	}

	connID := session.NewSessionID()
	sw := newSocketWriter(connID, conn)

	var protoConn *protocol.Connection
	var eng *protocol.Engine
	var pending *envelope.Envelope

	// spec §4.5.5: a reconnecting client's very first frame is
	// session.resume{session_id, last_seq, epoch} instead of the implicit
	// fresh-Attach path. Give the client a brief window to send it before
	// committing to a fresh attach; a frame that arrives but isn't a resume
	// (e.g. client.hello) is carried into pending rather than discarded.
	firstEnv, gotFrame := peekFirstFrame(conn, s.cfg.MaxMsgBytes)
	if gotFrame && firstEnv.T == envelope.TypeSessionResume {
		var req resumeRequest
		if err := json.Unmarshal(firstEnv.Data, &req); err != nil {
			s.writeImmediateError(conn, envelope.ErrInvalidMessage, "malformed session.resume")
			_ = conn.Close()
			return
		}
		result, rerr := s.manager.Resume(sid, connID, sw, req.LastSeq, req.Epoch)
		if rerr != nil {
			s.writeImmediateError(conn, envelope.ErrNotFound, "unknown session")
			_ = conn.Close()
			return
		}
		switch result.Kind {
		case protocol.ResumeSnapshot:
			protoConn = result.Connection
			eng, _ = s.managerEngine(sid)
		case protocol.ResumeNew:
			s.writeSessionNew(conn, sid, result.Reason)
			_ = conn.Close()
			return
		case protocol.ResumeRejected:
			s.writeImmediateError(conn, result.ErrorCode, "resume rejected")
			_ = conn.Close()
			return
		}
	} else {
		var aerr error
		eng, protoConn, aerr = s.manager.Attach(sid, connID, sw)
		if aerr != nil {
			s.writeImmediateError(conn, envelope.ErrNotFound, "unknown session")
			_ = conn.Close()
			return
		}
		if gotFrame {
			pending = &firstEnv
		}
	}

	go sw.pingLoop()
	go s.outboundPump(protoConn, sw)
	if pending != nil && eng != nil {
		eng.HandleClientEnvelope(connID, *pending)
	}
	s.readPump(sid, connID, conn, eng)
}

func (s *Server) managerEngine(sid string) (*protocol.Engine, error) {
	sess, err := s.manager.Get(sid)
	if err != nil {
		return nil, err
	}
	return sess.Engine(), nil
}

type resumeRequest struct {
	SessionID string `json:"session_id"`
	LastSeq   uint64 `json:"last_seq"`
	Epoch     int    `json:"epoch"`
}

// firstFramePeek bounds how long the upgrade path waits for an optional
// opening frame (session.resume or an eager client.hello) before committing
// to a fresh attach. Kept short so a passive fresh client isn't delayed
// waiting for server.welcome.
const firstFramePeek = 200 * time.Millisecond

// peekFirstFrame reads at most one frame off a freshly upgraded connection
// within firstFramePeek. A timeout or read error is reported as no frame;
// the caller proceeds with a normal fresh attach either way.
func peekFirstFrame(conn net.Conn, maxMsgBytes int) (envelope.Envelope, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(firstFramePeek))
	msg, op, err := wsutil.ReadClientData(conn)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || op != ws.OpText {
		return envelope.Envelope{}, false
	}
	env, verr := envelope.ValidateInbound(msg, maxMsgBytes)
	if verr != nil {
		return envelope.Envelope{}, false
	}
	return env, true
}

// outboundPump drains a connection's bounded outbound queue, writes each
// envelope through the socketWriter, and records delivery for flow control.
// This is the fan-out consumer side of internal/protocol's producer side.
func (s *Server) outboundPump(c *protocol.Connection, sw *socketWriter) {
	if c == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sw.closed
		cancel()
	}()

	for {
		env, err := c.OutQueue.Poll(ctx)
		if err != nil {
			return
		}
		encoded, err := envelope.Encode(env)
		if err != nil {
			continue
		}
		if werr := sw.WriteEnvelope(encoded); werr != nil {
			// The write itself failed (stalled client, broken pipe) rather
			// than OutQueue's own bound rejecting it, so last_delivered_seq
			// must not advance for this envelope; tear the connection down.
			_ = sw.Close(0, "")
			return
		}
		if env.Seq != nil {
			c.MarkDelivered(*env.Seq)
		}
	}
}

func (s *Server) readPump(sid, connID string, conn net.Conn, eng *protocol.Engine) {
	defer func() {
		if eng != nil {
			eng.Detach(connID)
		}
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			env, verr := envelope.ValidateInbound(msg, s.cfg.MaxMsgBytes)
			if verr != nil {
				// Invalid envelopes are logged and skipped: no server.error
				// is sent and the connection stays open.
				s.log.Debug().Err(verr).Str("session_id", sid).Msg("rejected inbound envelope")
				continue
			}
			if eng != nil {
				eng.HandleClientEnvelope(connID, env)
			}
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) writeImmediateError(conn net.Conn, code envelope.ErrorCode, detail string) {
	payload, err := envelope.Encode(envelope.Envelope{
		V:    envelope.CurrentVersion,
		T:    envelope.TypeError,
		Data: marshalInlineError(code, detail),
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(conn, ws.OpText, payload)
}

func (s *Server) writeSessionNew(conn net.Conn, sid, reason string) {
	payload, err := envelope.Encode(envelope.Envelope{
		V:    envelope.CurrentVersion,
		T:    envelope.TypeSessionNew,
		Sid:  sid,
		Data: marshalInlineReason(reason),
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = wsutil.WriteServerMessage(conn, ws.OpText, payload)
}
