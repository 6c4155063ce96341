package block

import "testing"

func TestBitsetSetResetCount(t *testing.T) {
	b := newBitset(1000)
	if b.count != 0 {
		t.Fatalf("fresh bitset should be empty, count=%d", b.count)
	}

	b.setRange(10, 100)
	if b.count != 100 {
		t.Errorf("expected 100 set bits, got %d", b.count)
	}
	// Overlapping set must not double count.
	b.setRange(50, 100)
	if b.count != 140 {
		t.Errorf("expected 140 set bits after overlap, got %d", b.count)
	}

	b.resetRange(0, 60)
	if b.count != 90 {
		t.Errorf("expected 90 set bits after reset, got %d", b.count)
	}
	if b.get(59) {
		t.Error("bit 59 should be clear")
	}
	if !b.get(60) {
		t.Error("bit 60 should be set")
	}

	b.clear()
	if b.count != 0 {
		t.Errorf("expected empty after clear, got %d", b.count)
	}
}

func TestBitsetWordBoundaries(t *testing.T) {
	b := newBitset(256)
	// Cross several word boundaries exactly.
	b.setRange(63, 66) // bits 63..128
	if b.count != 66 {
		t.Errorf("expected 66 bits, got %d", b.count)
	}
	if !b.get(63) || !b.get(64) || !b.get(127) || !b.get(128) {
		t.Error("boundary bits missing")
	}
	if b.get(62) || b.get(129) {
		t.Error("bits outside range set")
	}
}

func TestBitsetNextSet(t *testing.T) {
	b := newBitset(500)
	if got := b.nextSet(0); got != -1 {
		t.Errorf("empty bitset nextSet should be -1, got %d", got)
	}
	b.setRange(100, 1)
	b.setRange(300, 2)
	if got := b.nextSet(0); got != 100 {
		t.Errorf("expected 100, got %d", got)
	}
	if got := b.nextSet(101); got != 300 {
		t.Errorf("expected 300, got %d", got)
	}
	if got := b.nextSet(302); got != -1 {
		t.Errorf("expected -1 past the last bit, got %d", got)
	}
}

func TestBitsetIterSurvivesMutation(t *testing.T) {
	b := newBitset(100)
	b.setRange(10, 3)
	b.setRange(50, 1)

	it := b.iter(0)
	if got := it.Next(); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	// Mutating behind the iterator must not derail it.
	b.resetRange(11, 1)
	b.setRange(70, 1)
	if got := it.Next(); got != 12 {
		t.Errorf("expected 12 after concurrent reset, got %d", got)
	}
	if got := it.Next(); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
	if got := it.Next(); got != 70 {
		t.Errorf("expected bit set after iterator creation to appear, got %d", got)
	}
	if got := it.Next(); got != -1 {
		t.Errorf("expected exhaustion, got %d", got)
	}
}

func TestBitsetResize(t *testing.T) {
	b := newBitset(128)
	b.setRange(0, 128)
	b.resize(64)
	if b.size != 64 || b.count != 64 {
		t.Errorf("shrink: size=%d count=%d", b.size, b.count)
	}
	b.resize(256)
	if b.size != 256 || b.count != 64 {
		t.Errorf("grow: size=%d count=%d", b.size, b.count)
	}
	if b.get(65) {
		t.Error("grown area should be clear")
	}
	b.setRange(200, 10)
	if b.count != 74 {
		t.Errorf("expected 74 after set in grown area, got %d", b.count)
	}
}

func TestBitsetMerge(t *testing.T) {
	a := newBitset(100)
	b := newBitset(100)
	a.setRange(0, 10)
	b.setRange(5, 10)
	a.merge(b)
	if a.count != 15 {
		t.Errorf("expected 15 bits after merge, got %d", a.count)
	}
}
