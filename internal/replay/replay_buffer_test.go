package replay

import "testing"

func entry(seq uint64) Entry {
	return Entry{Seq: seq, Bytes: []byte("x"), TMonoNs: int64(seq) * 1000}
}

func TestRangeAfterExactBoundary(t *testing.T) {
	b := New(100, 0)
	for s := uint64(5); s <= 15; s++ {
		b.AddUnsafe(entry(s), 0)
	}
	got, err := b.RangeAfter(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("want 5 entries (11..15), got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != uint64(11+i) {
			t.Fatalf("entry %d: want seq %d got %d", i, 11+i, e.Seq)
		}
	}
}

func TestRangeAfterAtLatestSeqIsEmpty(t *testing.T) {
	b := New(100, 0)
	for s := uint64(1); s <= 5; s++ {
		b.AddUnsafe(entry(s), 0)
	}
	got, err := b.RangeAfter(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want empty replay at last_seq==latest_seq, got %d entries", len(got))
	}
}

func TestRangeAfterSingleEntryGap(t *testing.T) {
	b := New(100, 0)
	for s := uint64(20); s <= 25; s++ {
		b.AddUnsafe(entry(s), 0)
	}
	// earliest_seq == last_seq + 1 => no gap; every retained entry is replayed.
	got, err := b.RangeAfter(19)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("want 6 entries (20..25), got %d", len(got))
	}
}

func TestRangeAfterGapTooLarge(t *testing.T) {
	b := New(100, 0)
	for s := uint64(20); s <= 25; s++ {
		b.AddUnsafe(entry(s), 0)
	}
	_, err := b.RangeAfter(10)
	if err != ErrGapTooLarge {
		t.Fatalf("want ErrGapTooLarge, got %v", err)
	}
}

func TestSizeEviction(t *testing.T) {
	b := New(3, 0)
	for s := uint64(1); s <= 5; s++ {
		b.AddUnsafe(entry(s), 0)
	}
	earliest, ok := b.EarliestSeq()
	if !ok || earliest != 3 {
		t.Fatalf("want earliest=3 after evicting 1,2, got %d (ok=%v)", earliest, ok)
	}
	latest, ok := b.LatestSeq()
	if !ok || latest != 5 {
		t.Fatalf("want latest=5, got %d", latest)
	}
}

func TestTTLEviction(t *testing.T) {
	b := New(100, 10) // 10ns TTL for test purposes
	b.AddUnsafe(Entry{Seq: 1, Bytes: []byte("x"), TMonoNs: 0}, 0)
	b.AddUnsafe(Entry{Seq: 2, Bytes: []byte("x"), TMonoNs: 5}, 5)
	b.Evict(20) // age of entry 1 = 20-0=20 > 10 -> evict; entry2 age=15>10 -> evict too
	if b.Len() != 0 {
		t.Fatalf("want all entries expired, got %d remaining", b.Len())
	}
}
