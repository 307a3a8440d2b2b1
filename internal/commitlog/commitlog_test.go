package commitlog

import "testing"

func TestEvictByCount(t *testing.T) {
	l := New(3, 0, 0)
	for i := 1; i <= 5; i++ {
		l.Append(Record{ID: "x", Seq: uint64(i), TMonoNs: int64(i), Type: TypeStatus, Data: []byte("d")}, int64(i))
	}
	stats := l.Stats()
	if stats.Count != 3 {
		t.Fatalf("want count=3, got %d", stats.Count)
	}
	got := l.Query(QueryOptions{})
	if got[0].Seq != 3 {
		t.Fatalf("want oldest retained seq=3, got %d", got[0].Seq)
	}
}

func TestEvictByBytes(t *testing.T) {
	l := New(0, 10, 0)
	for i := 1; i <= 5; i++ {
		l.Append(Record{ID: "x", Seq: uint64(i), TMonoNs: int64(i), Type: TypeTranscript, Data: []byte("01234")}, int64(i))
	}
	stats := l.Stats()
	if stats.Bytes > 10 {
		t.Fatalf("want bytes<=10, got %d", stats.Bytes)
	}
}

func TestEvictByAge(t *testing.T) {
	l := New(0, 0, 10)
	l.Append(Record{ID: "a", Seq: 1, TMonoNs: 0, Type: TypeStatus, Data: nil}, 0)
	l.Append(Record{ID: "b", Seq: 2, TMonoNs: 5, Type: TypeStatus, Data: nil}, 5)
	l.Evict(20)
	stats := l.Stats()
	if stats.Count != 0 {
		t.Fatalf("want all records aged out, got count=%d", stats.Count)
	}
}

func TestQueryFiltersByTypeAndSince(t *testing.T) {
	l := New(100, 0, 0)
	l.Append(Record{ID: "a", Seq: 1, TMonoNs: 1, Type: TypeTranscript, Data: nil}, 1)
	l.Append(Record{ID: "b", Seq: 2, TMonoNs: 2, Type: TypeStatus, Data: nil}, 2)
	l.Append(Record{ID: "c", Seq: 3, TMonoNs: 3, Type: TypeTranscript, Data: nil}, 3)

	got := l.Query(QueryOptions{Type: TypeTranscript})
	if len(got) != 2 {
		t.Fatalf("want 2 transcript records, got %d", len(got))
	}

	got = l.Query(QueryOptions{SinceTMonoNs: 2})
	if len(got) != 2 {
		t.Fatalf("want 2 records since t_mono_ns=2, got %d", len(got))
	}
}

func TestQueryRespectsLimit(t *testing.T) {
	l := New(100, 0, 0)
	for i := 1; i <= 10; i++ {
		l.Append(Record{ID: "x", Seq: uint64(i), TMonoNs: int64(i), Type: TypeStatus}, int64(i))
	}
	got := l.Query(QueryOptions{Limit: 3})
	if len(got) != 3 {
		t.Fatalf("want 3 records, got %d", len(got))
	}
	if got[0].Seq != 1 || got[2].Seq != 3 {
		t.Fatalf("want seq-ascending order starting at 1, got %+v", got)
	}
}
