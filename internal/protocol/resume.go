package protocol

import (
	"encoding/json"

	"github.com/loquilex/loquilex-core/internal/commitlog"
	"github.com/loquilex/loquilex-core/internal/envelope"
	"github.com/loquilex/loquilex-core/internal/replay"
)

// ResumeKind classifies the outcome of a resume attempt.
type ResumeKind int

const (
	// ResumeSnapshot means the session accepted the resume and sent
	// session.snapshot followed by the replayed envelopes; the connection
	// is now Active.
	ResumeSnapshot ResumeKind = iota
	// ResumeNew means the client must start a fresh session; nothing was
	// written to w by the engine beyond what the caller already sent.
	ResumeNew
	// ResumeRejected means the resume request itself was invalid
	// (last_seq beyond latest_seq); the caller should emit server.error
	// and close.
	ResumeRejected
)

// activePartialView is the wire shape of one entry in session.snapshot's
// active_partials array (spec §4.5.5 / §8 scenario 4).
type activePartialView struct {
	Type envelope.Type   `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func activePartialViews(envs []envelope.Envelope) []activePartialView {
	views := make([]activePartialView, 0, len(envs))
	for _, env := range envs {
		var seq uint64
		if env.Seq != nil {
			seq = *env.Seq
		}
		views = append(views, activePartialView{Type: env.T, Seq: seq, Data: env.Data})
	}
	return views
}

// ResumeResult is the outcome of Engine.Resume.
type ResumeResult struct {
	Kind       ResumeKind
	Reason     string // set for ResumeNew: "epoch_mismatch" or "resume_gap"
	ErrorCode  envelope.ErrorCode
	Connection *Connection // set only when Kind == ResumeSnapshot
}

// Resume implements spec §4.5.5. epochReq is the epoch the client last
// observed; sid is validated by the caller (SessionManager) before routing
// here, so by the time Resume runs, session_id is already known to refer to
// this engine's session — only the epoch match is re-checked here as a
// second line of defense, since the engine is the epoch's authority.
func (e *Engine) Resume(connID string, w Writer, lastSeq uint64, epochReq int) ResumeResult {
	var result ResumeResult

	e.submit(func() {
		if epochReq != e.epoch {
			result = ResumeResult{Kind: ResumeNew, Reason: "epoch_mismatch"}
			return
		}

		latest, hasLatest := e.replayBuf.LatestSeq()
		if hasLatest && lastSeq > latest {
			result = ResumeResult{Kind: ResumeRejected, ErrorCode: envelope.ErrInvalidMessage}
			return
		}

		entries, err := e.replayBuf.RangeAfter(lastSeq)
		if err == replay.ErrGapTooLarge {
			if e.mx != nil {
				e.mx.ReplayMisses.Inc()
				e.mx.ResumeOutcomes.WithLabelValues("gap").Inc()
			}
			result = ResumeResult{Kind: ResumeNew, Reason: "resume_gap"}
			return
		}

		commits := e.commits.Query(commitlog.QueryOptions{})
		activePartials := activePartialViews(e.activePartialsSnapshot())
		snapshotData, marshalErr := json.Marshal(map[string]any{
			"current_seq":       e.seqGen.Peek(),
			"finalized_commits": commits,
			"active_partials":   activePartials,
		})
		if marshalErr != nil {
			result = ResumeResult{Kind: ResumeRejected, ErrorCode: envelope.ErrInternal}
			return
		}

		snapshotEnv := e.newEnvelope(envelope.TypeSessionSnapshot, nil, "", snapshotData)
		encoded, encErr := envelope.Encode(snapshotEnv)
		if encErr != nil {
			result = ResumeResult{Kind: ResumeRejected, ErrorCode: envelope.ErrInternal}
			return
		}
		if err := w.WriteEnvelope(encoded); err != nil {
			result = ResumeResult{Kind: ResumeRejected, ErrorCode: envelope.ErrInternal}
			return
		}

		conn := NewConnection(connID, w, e.cfg.ConnQueueCapacity)
		for _, ent := range entries {
			if err := w.WriteEnvelope(ent.Bytes); err != nil {
				break
			}
			conn.MarkDelivered(ent.Seq)
		}
		conn.lastAckSeq.Store(lastSeq)
		conn.setState(StateActive)
		conn.MarkSeen(e.nowMonoNs())

		e.connMu.Lock()
		e.connections[connID] = conn
		e.connMu.Unlock()

		if e.mx != nil {
			e.mx.ReplayHits.Inc()
			e.mx.ResumeOutcomes.WithLabelValues("snapshot").Inc()
			e.mx.ConnectionsActive.Inc()
			e.mx.ConnectionsTotal.Inc()
		}

		result = ResumeResult{Kind: ResumeSnapshot, Connection: conn}
	})

	return result
}
