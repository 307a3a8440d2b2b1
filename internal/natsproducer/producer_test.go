package natsproducer

import (
	"testing"

	"github.com/loquilex/loquilex-core/internal/envelope"
)

func TestParseSubjectMapsKnownShapes(t *testing.T) {
	cases := []struct {
		subject string
		sid     string
		typ     envelope.Type
		ok      bool
	}{
		{"loquilex.sess-1.asr.partial", "sess-1", envelope.TypeASRPartial, true},
		{"loquilex.sess-1.asr.final", "sess-1", envelope.TypeASRFinal, true},
		{"loquilex.sess-1.mt.partial", "sess-1", envelope.TypeMTPartial, true},
		{"loquilex.sess-1.mt.final", "sess-1", envelope.TypeMTFinal, true},
		{"loquilex.sess-1.status", "sess-1", envelope.TypeStatus, true},
		{"other.sess-1.asr.partial", "", "", false},
		{"loquilex.sess-1.unknown.thing", "", "", false},
	}

	for _, c := range cases {
		sid, typ, ok := parseSubject(c.subject)
		if ok != c.ok {
			t.Fatalf("parseSubject(%q) ok=%v, want %v", c.subject, ok, c.ok)
		}
		if !ok {
			continue
		}
		if sid != c.sid || typ != c.typ {
			t.Fatalf("parseSubject(%q) = (%q, %q), want (%q, %q)", c.subject, sid, typ, c.sid, c.typ)
		}
	}
}
