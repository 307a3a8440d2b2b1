package protocol

import (
	"encoding/json"
	"runtime"

	"github.com/loquilex/loquilex-core/internal/envelope"
)

// heartbeatPayload carries flow-control and liveness diagnostics alongside
// each server.hb tick. system.metrics is piggybacked here rather than sent
// as its own envelope (resolved Open Question: no separate cadence to
// schedule, no extra seq consumed by a non-domain event).
type heartbeatPayload struct {
	QOut      int            `json:"q_out"`
	QIn       uint64         `json:"q_in"`
	LatencyMs float64        `json:"latency_ms_est"`
	Metrics   *systemMetrics `json:"system_metrics,omitempty"`
}

// systemMetrics carries the process-wide gauges SPEC_FULL.md's system.metrics
// expansion names: goroutine count, CUDA sessions in use, host CPU%. Sourced
// from the shared resourceguard.Guard (nil-safe: omitted entirely when the
// engine was constructed without one, e.g. in unit tests).
type systemMetrics struct {
	GoroutineCount    int     `json:"goroutine_count"`
	CUDASessionsInUse int     `json:"cuda_sessions_in_use"`
	CPUPercent        float64 `json:"cpu_percent"`
}

// currentSystemMetrics returns nil when no guard was supplied.
func (e *Engine) currentSystemMetrics() *systemMetrics {
	if e.guard == nil {
		return nil
	}
	return &systemMetrics{
		GoroutineCount:    runtime.NumGoroutine(),
		CUDASessionsInUse: e.guard.CUDAInUse(),
		CPUPercent:        e.guard.CurrentCPU(),
	}
}

// emitHeartbeats sends server.hb to every connection that is not already
// Closed. Heartbeats are out-of-band: no seq is assigned, they are never
// tracked in the replay buffer, and they are never acked (resolved Open
// Question: heartbeats carry no seq).
func (e *Engine) emitHeartbeats() {
	e.connMu.RLock()
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()

	sysMetrics := e.currentSystemMetrics()

	for _, c := range conns {
		if c.State() == StateClosed {
			continue
		}
		payload := heartbeatPayload{
			QOut:      c.OutQueue.Len(),
			QIn:       c.InFlight(),
			LatencyMs: 0,
			Metrics:   sysMetrics,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		env := e.newEnvelope(envelope.TypeHeartbeat, nil, "", data)
		encoded, err := envelope.Encode(env)
		if err != nil {
			continue
		}
		_ = c.Writer.WriteEnvelope(encoded) // heartbeats are never retried
	}
}

// checkLiveness closes any connection that hasn't been seen (inbound
// client.hb, client.ack, or any other client message) within
// HeartbeatTimeout. This is a distinct, immediate-close path from
// scheduleDrain's queue_overflow handling: a dead peer gets no drain
// deadline.
func (e *Engine) checkLiveness() {
	now := e.nowMonoNs()
	timeoutNs := e.cfg.HeartbeatTimeout.Nanoseconds()

	e.connMu.RLock()
	conns := make([]*Connection, 0, len(e.connections))
	for _, c := range e.connections {
		conns = append(conns, c)
	}
	e.connMu.RUnlock()

	for _, c := range conns {
		if c.State() == StateClosed {
			continue
		}
		if now-c.LastSeenMono() <= timeoutNs {
			continue
		}
		errEnv := e.newEnvelope(envelope.TypeError, nil, "", marshalErrorData(envelope.ErrHeartbeatTimeout, "no client activity within heartbeat timeout", nil))
		if encoded, err := envelope.Encode(errEnv); err == nil {
			_ = c.Writer.WriteEnvelope(encoded)
		}
		e.forceCloseLocked(c)
		if e.mx != nil {
			e.mx.ErrorsTotal.WithLabelValues(string(envelope.ErrHeartbeatTimeout)).Inc()
		}
	}
}
