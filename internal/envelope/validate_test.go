package envelope

import (
	"encoding/json"
	"testing"
)

func TestValidateInboundRejectsUnknownType(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"v": 1, "t": "bogus.type"})
	_, err := ValidateInbound(raw, 0)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T (%v)", err, err)
	}
	if ve.Code != ErrInvalidMessage {
		t.Fatalf("want ErrInvalidMessage, got %v", ve.Code)
	}
}

func TestValidateInboundRejectsVersionMismatch(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"v": 2, "t": string(TypeClientHB)})
	_, err := ValidateInbound(raw, 0)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T (%v)", err, err)
	}
	if ve.Code != ErrProtocolVersionMismatch {
		t.Fatalf("want ErrProtocolVersionMismatch, got %v", ve.Code)
	}
}

func TestValidateInboundRejectsOversized(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"v": 1, "t": string(TypeClientHB)})
	_, err := ValidateInbound(raw, 4)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T (%v)", err, err)
	}
	if ve.Code != ErrMsgTooLarge {
		t.Fatalf("want ErrMsgTooLarge, got %v", ve.Code)
	}
}

func TestValidateInboundAcceptsKnownType(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"v": 1, "t": string(TypeClientAck), "data": map[string]any{"ack_seq": 5}})
	env, err := ValidateInbound(raw, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.T != TypeClientAck {
		t.Fatalf("want TypeClientAck, got %v", env.T)
	}
}

func TestValidateInboundRejectsMissingType(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"v": 1})
	_, err := ValidateInbound(raw, 0)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("want *ValidationError, got %T (%v)", err, err)
	}
	if ve.Code != ErrInvalidMessage {
		t.Fatalf("want ErrInvalidMessage, got %v", ve.Code)
	}
}
