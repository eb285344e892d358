package media

import (
	"testing"
)

func frame(seq uint64) Frame {
	return Frame{Seq: seq, Audio: []byte{byte(seq)}}
}

func seqs(frames []Frame) []uint64 {
	out := make([]uint64, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Seq)
	}
	return out
}

func TestReorderer_InOrderPassthrough(t *testing.T) {
	t.Parallel()

	r := NewReorderer(1, 10)
	for seq := uint64(1); seq <= 5; seq++ {
		out := r.Push(frame(seq))
		if len(out) != 1 || out[0].Seq != seq {
			t.Fatalf("Push(%d) = %v, want [%d]", seq, seqs(out), seq)
		}
	}
	if r.Held() != 0 {
		t.Fatalf("Held() = %d, want 0", r.Held())
	}
}

func TestReorderer_GapHeldThenFlushedInOrder(t *testing.T) {
	t.Parallel()

	r := NewReorderer(1, 10)

	if out := r.Push(frame(1)); len(out) != 1 {
		t.Fatalf("Push(1) = %v, want [1]", seqs(out))
	}

	// 3 and 4 arrive before 2 and must be held.
	if out := r.Push(frame(3)); out != nil {
		t.Fatalf("Push(3) = %v, want nil while gap open", seqs(out))
	}
	if out := r.Push(frame(4)); out != nil {
		t.Fatalf("Push(4) = %v, want nil while gap open", seqs(out))
	}
	if r.Held() != 2 {
		t.Fatalf("Held() = %d, want 2", r.Held())
	}

	// The gap fills: 2, 3, 4 come out together in index order.
	out := r.Push(frame(2))
	got := seqs(out)
	want := []uint64{2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("Push(2) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Push(2) = %v, want %v", got, want)
		}
	}
}

func TestReorderer_DropsDuplicatesAndStale(t *testing.T) {
	t.Parallel()

	r := NewReorderer(1, 10)
	r.Push(frame(1))
	r.Push(frame(2))

	if out := r.Push(frame(1)); out != nil {
		t.Fatalf("stale frame produced %v, want nil", seqs(out))
	}

	r.Push(frame(4)) // held
	if out := r.Push(frame(4)); out != nil {
		t.Fatalf("duplicate held frame produced %v, want nil", seqs(out))
	}
	if r.Held() != 1 {
		t.Fatalf("Held() = %d, want 1", r.Held())
	}
}

func TestReorderer_OverflowAbandonsGap(t *testing.T) {
	t.Parallel()

	r := NewReorderer(1, 3)
	r.Push(frame(1))

	// Frame 2 never arrives; 3..5 fill the hold buffer.
	r.Push(frame(3))
	r.Push(frame(4))
	r.Push(frame(5))

	// The fourth held frame overflows: everything flushes in order and the
	// cursor jumps past the gap.
	out := r.Push(frame(6))
	got := seqs(out)
	want := []uint64{3, 4, 5, 6}
	if len(got) != len(want) {
		t.Fatalf("overflow flush = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("overflow flush = %v, want %v", got, want)
		}
	}

	// The stream continues from 7; the lost frame 2 is never waited for.
	if out := r.Push(frame(7)); len(out) != 1 || out[0].Seq != 7 {
		t.Fatalf("Push(7) after flush = %v, want [7]", seqs(out))
	}
	if out := r.Push(frame(2)); out != nil {
		t.Fatalf("late frame 2 produced %v, want nil", seqs(out))
	}
}

func TestReorderer_DefaultMaxHeld(t *testing.T) {
	t.Parallel()

	r := NewReorderer(1, 0)
	if r.maxHeld != defaultMaxHeld {
		t.Fatalf("maxHeld = %d, want %d", r.maxHeld, defaultMaxHeld)
	}
}
