package call

import "strconv"

// chunkKind labels why a paced utterance is being spoken, so cancellation
// runs the right side effects.
type chunkKind string

const (
	chunkGreeting chunkKind = "greeting"
	chunkReply    chunkKind = "reply"
	chunkPrompt   chunkKind = "prompt"
	chunkFarewell chunkKind = "farewell"
)

// chunk is one paced outbound utterance. Audio is attached when synthesis
// completes; until then the chunk blocks everything queued behind it so
// fragments play in the order they were produced.
type chunk struct {
	index int
	text  string
	kind  chunkKind

	audio []byte
	ready bool

	// skip releases the chunk without sending when synthesis failed.
	skip bool

	// turnID ties reply chunks to the engine turn that produced them.
	turnID uint64

	// onPlayed runs when the chunk finishes playing out, is skipped, or is
	// canceled. Prompt chunks arm the digit entry window here; farewell
	// chunks close the call.
	onPlayed func()
}

// mark is the provider mark name echoed back once the chunk played out.
func (c *chunk) mark() string { return "chunk-" + strconv.Itoa(c.index) }

// outQueue orders outbound speech. Chunks get a monotonic index at push;
// the head is sent once its audio is ready, and the next head is released
// only when the provider acknowledges playback with a mark event.
//
// Not safe for concurrent use; the session loop drives it.
type outQueue struct {
	next    int
	items   []*chunk
	playing *chunk
}

// push appends a chunk awaiting synthesis and returns it.
func (q *outQueue) push(text string, kind chunkKind) *chunk {
	c := &chunk{index: q.next, text: text, kind: kind}
	q.next++
	q.items = append(q.items, c)
	return c
}

// attach delivers synthesis output for the chunk with the given index.
// Nil audio marks the chunk skipped. Unknown indexes (flushed by barge-in
// before synthesis finished) are ignored.
func (q *outQueue) attach(index int, audio []byte) {
	for _, c := range q.items {
		if c.index == index {
			c.audio = audio
			c.ready = true
			c.skip = audio == nil
			return
		}
	}
}

// release pops the head chunk once it is ready and nothing is awaiting a
// mark. Skipped chunks run their hooks and are discarded in place, so a
// failed synthesis never stalls the queue.
func (q *outQueue) release() *chunk {
	for q.playing == nil && len(q.items) > 0 && q.items[0].ready {
		head := q.items[0]
		q.items = q.items[1:]
		if head.skip {
			if head.onPlayed != nil {
				head.onPlayed()
			}
			continue
		}
		q.playing = head
		return head
	}
	return nil
}

// markPlayed resolves the in-flight chunk when its mark comes back and
// runs its hook. Stale or unknown mark names are ignored.
func (q *outQueue) markPlayed(name string) *chunk {
	if q.playing == nil || q.playing.mark() != name {
		return nil
	}
	c := q.playing
	q.playing = nil
	if c.onPlayed != nil {
		c.onPlayed()
	}
	return c
}

// flush cancels every queued chunk and the in-flight one, running their
// hooks so collection timers and call teardown still fire. Returns how
// many chunks were dropped.
func (q *outQueue) flush() int {
	n := 0
	if q.playing != nil {
		if q.playing.onPlayed != nil {
			q.playing.onPlayed()
		}
		q.playing = nil
		n++
	}
	for _, c := range q.items {
		if c.onPlayed != nil {
			c.onPlayed()
		}
		n++
	}
	q.items = nil
	return n
}

// depth reports queued plus in-flight chunks.
func (q *outQueue) depth() int {
	n := len(q.items)
	if q.playing != nil {
		n++
	}
	return n
}
