package envelope

// Type is a dotted, namespaced message type from the closed protocol set.
type Type string

// CurrentVersion is the only schema version this codec accepts.
const CurrentVersion = 1

// Server-originated message types.
const (
	TypeWelcome        Type = "server.welcome"
	TypeHeartbeat      Type = "server.hb"
	TypeError          Type = "server.error"
	TypeAck            Type = "server.ack"
	TypeASRPartial     Type = "asr.partial"
	TypeASRFinal       Type = "asr.final"
	TypeMTPartial      Type = "mt.partial"
	TypeMTFinal        Type = "mt.final"
	TypeStatus         Type = "status"
	TypeSessionSnapshot Type = "session.snapshot"
	TypeSessionNew     Type = "session.new"
	TypeSessionAck     Type = "session.ack"
	TypeSystemHeartbeat Type = "system.heartbeat"
	TypeSystemMetrics  Type = "system.metrics"
	TypeQueueDrop      Type = "queue.drop"
)

// Client-originated message types.
const (
	TypeClientHello  Type = "client.hello"
	TypeClientHB     Type = "client.hb"
	TypeClientAck    Type = "client.ack"
	TypeClientFlow   Type = "client.flow"
	TypeSessionResume Type = "session.resume"
)

// serverTypes and clientTypes are the closed sets used for validation.
var serverTypes = map[Type]struct{}{
	TypeWelcome: {}, TypeHeartbeat: {}, TypeError: {}, TypeAck: {},
	TypeASRPartial: {}, TypeASRFinal: {}, TypeMTPartial: {}, TypeMTFinal: {},
	TypeStatus: {}, TypeSessionSnapshot: {}, TypeSessionNew: {}, TypeSessionAck: {},
	TypeSystemHeartbeat: {}, TypeSystemMetrics: {}, TypeQueueDrop: {},
}

var clientTypes = map[Type]struct{}{
	TypeClientHello: {}, TypeClientHB: {}, TypeClientAck: {}, TypeClientFlow: {},
	TypeSessionResume: {},
}

// droppableTypes are the only types BoundedQueue may evict under pressure.
var droppableTypes = map[Type]struct{}{
	TypeASRPartial: {},
	TypeMTPartial:  {},
}

// IsKnownClientType reports whether t is one of the closed client->server types.
func IsKnownClientType(t Type) bool {
	_, ok := clientTypes[t]
	return ok
}

// IsKnownServerType reports whether t is one of the closed server->client types.
func IsKnownServerType(t Type) bool {
	_, ok := serverTypes[t]
	return ok
}

// Droppable reports whether envelopes of this type may be evicted from a
// full BoundedQueue to make room for a newer one. Only domain partials are
// droppable; finals, acks, errors, heartbeats, welcome, and snapshot never are.
func Droppable(t Type) bool {
	_, ok := droppableTypes[t]
	return ok
}

// ErrorCode enumerates the closed server.error taxonomy (spec §4.5.6).
type ErrorCode string

const (
	ErrInternal                ErrorCode = "internal"
	ErrBadRequest              ErrorCode = "bad_request"
	ErrInvalidMessage          ErrorCode = "invalid_message"
	ErrInvalidAck              ErrorCode = "invalid_ack"
	ErrUnauthorized            ErrorCode = "unauthorized"
	ErrNotFound                ErrorCode = "not_found"
	ErrRateLimit               ErrorCode = "rate_limit"
	ErrResumeGap               ErrorCode = "resume_gap"
	ErrResumeExpired           ErrorCode = "resume_expired"
	ErrHeartbeatTimeout        ErrorCode = "heartbeat_timeout"
	ErrProtocolVersionMismatch ErrorCode = "protocol_version_mismatch"
	ErrQueueOverflow           ErrorCode = "queue_overflow"
	ErrMsgTooLarge             ErrorCode = "msg_too_large"
)
