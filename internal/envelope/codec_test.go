package envelope

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	seq := uint64(42)
	env := Envelope{
		V:       CurrentVersion,
		T:       TypeASRFinal,
		Sid:     "abc",
		ID:      "msg-1",
		Seq:     &seq,
		Corr:    "req-9",
		TWall:   "2026-07-31T00:00:00Z",
		TMonoNs: 123456,
		Data:    json.RawMessage(`{"text":"hello"}`),
	}

	encoded, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.V != env.V || decoded.T != env.T || decoded.Sid != env.Sid ||
		decoded.ID != env.ID || *decoded.Seq != *env.Seq || decoded.Corr != env.Corr ||
		decoded.TWall != env.TWall || decoded.TMonoNs != env.TMonoNs {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, env)
	}

	var gotData, wantData map[string]any
	if err := json.Unmarshal(decoded.Data, &gotData); err != nil {
		t.Fatalf("unmarshal decoded data: %v", err)
	}
	if err := json.Unmarshal(env.Data, &wantData); err != nil {
		t.Fatalf("unmarshal want data: %v", err)
	}
	if !reflect.DeepEqual(gotData, wantData) {
		t.Fatalf("data mismatch: got %v want %v", gotData, wantData)
	}
}

func TestEncodeOmitsUnsetOptionalFields(t *testing.T) {
	env := Envelope{V: CurrentVersion, T: TypeWelcome, Seq: SeqPtr(0)}
	encoded, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, absent := range []string{"sid", "id", "corr", "t_wall", "data"} {
		if _, present := raw[absent]; present {
			t.Fatalf("expected field %q to be omitted, got %v", absent, raw)
		}
	}
	if raw["seq"].(float64) != 0 {
		t.Fatalf("expected seq=0 for welcome, got %v", raw["seq"])
	}
}

func TestSeqGeneratorStartsAtOne(t *testing.T) {
	var g SeqGenerator
	if got := g.Next(); got != 1 {
		t.Fatalf("first Next() = %d, want 1", got)
	}
	if got := g.Next(); got != 2 {
		t.Fatalf("second Next() = %d, want 2", got)
	}
}
