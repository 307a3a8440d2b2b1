package transport

import (
	"encoding/json"

	"github.com/loquilex/loquilex-core/internal/envelope"
)

func marshalInlineError(code envelope.ErrorCode, detail string) json.RawMessage {
	b, err := json.Marshal(map[string]any{"code": code, "detail": detail})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func marshalInlineReason(reason string) json.RawMessage {
	b, err := json.Marshal(map[string]any{"reason": reason})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
