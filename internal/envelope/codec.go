package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// MaxMsgBytes is enforced by callers (protocol engine), not the codec
// itself; Encode/Decode only produce/consume bytes.

// Encode serializes env to its canonical wire form. Data is already
// marshaled JSON (json.RawMessage), so the hot path avoids a second
// reflection-based encoding of the envelope as a whole and instead builds
// the object directly into a byte buffer, the same trick the teacher's
// MessageEnvelope.Serialize uses to avoid paying json.Marshal twice.
func Encode(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(128 + len(env.Data))

	buf.WriteString(`{"v":`)
	buf.Write(strconv.AppendInt(nil, int64(env.V), 10))

	buf.WriteString(`,"t":`)
	if err := writeJSONString(&buf, string(env.T)); err != nil {
		return nil, err
	}

	if env.Sid != "" {
		buf.WriteString(`,"sid":`)
		if err := writeJSONString(&buf, env.Sid); err != nil {
			return nil, err
		}
	}
	if env.ID != "" {
		buf.WriteString(`,"id":`)
		if err := writeJSONString(&buf, env.ID); err != nil {
			return nil, err
		}
	}
	if env.Seq != nil {
		buf.WriteString(`,"seq":`)
		buf.Write(strconv.AppendUint(nil, *env.Seq, 10))
	}
	if env.Corr != "" {
		buf.WriteString(`,"corr":`)
		if err := writeJSONString(&buf, env.Corr); err != nil {
			return nil, err
		}
	}
	if env.TWall != "" {
		buf.WriteString(`,"t_wall":`)
		if err := writeJSONString(&buf, env.TWall); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`,"t_mono_ns":`)
	buf.Write(strconv.AppendInt(nil, env.TMonoNs, 10))

	if len(env.Data) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(env.Data)
	}
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// writeJSONString appends the JSON-quoted form of s to buf by round-tripping
// through the stdlib encoder, which keeps escaping correct (unicode,
// control characters) without hand-maintaining an escape table.
func writeJSONString(buf *bytes.Buffer, s string) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("envelope: encode string field: %w", err)
	}
	buf.Write(b)
	return nil
}

// Decode parses raw wire bytes into an Envelope. Unknown fields are
// tolerated (forward compatibility); missing required fields or a version
// mismatch are reported by Validate, not here — Decode only does syntactic
// JSON parsing.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return env, nil
}
