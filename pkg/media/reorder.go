package media

import "sort"

// defaultMaxHeld bounds how many out-of-order frames a Reorderer parks
// before giving up on the gap. At 20 ms per frame this is one second of
// audio.
const defaultMaxHeld = 50

// Reorderer restores sequence order over provider frames. Frames arriving
// in order pass straight through; frames ahead of the expected sequence are
// held until the gap fills. When the hold buffer overflows the gap is
// abandoned and everything held is flushed in index order, so a single lost
// frame never stalls the stream.
//
// Not safe for concurrent use; the call session drives it from its loop.
type Reorderer struct {
	next    uint64
	pending map[uint64]Frame
	maxHeld int
}

// NewReorderer creates a Reorderer expecting first as the next sequence
// number. maxHeld bounds the out-of-order buffer; zero or negative selects
// the default.
func NewReorderer(first uint64, maxHeld int) *Reorderer {
	if maxHeld <= 0 {
		maxHeld = defaultMaxHeld
	}
	return &Reorderer{
		next:    first,
		pending: make(map[uint64]Frame),
		maxHeld: maxHeld,
	}
}

// Push accepts one frame and returns the frames now deliverable, in
// sequence order. Duplicates and frames behind the cursor are dropped.
func (r *Reorderer) Push(f Frame) []Frame {
	if f.Seq < r.next {
		return nil
	}
	if _, dup := r.pending[f.Seq]; dup {
		return nil
	}

	if f.Seq > r.next {
		r.pending[f.Seq] = f
		if len(r.pending) > r.maxHeld {
			return r.flush()
		}
		return nil
	}

	out := []Frame{f}
	r.next++
	for {
		nf, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		out = append(out, nf)
		r.next++
	}
	return out
}

// Held reports how many frames are parked waiting for a gap to fill.
func (r *Reorderer) Held() int { return len(r.pending) }

// flush abandons the current gap: every held frame is emitted in sequence
// order and the cursor jumps past the last one.
func (r *Reorderer) flush() []Frame {
	seqs := make([]uint64, 0, len(r.pending))
	for seq := range r.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	out := make([]Frame, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, r.pending[seq])
		delete(r.pending, seq)
	}
	r.next = seqs[len(seqs)-1] + 1
	return out
}
