package observe

import (
	"math"
	"slices"
	"sync"
	"time"
)

// defaultWindowCapacity bounds the interaction ring. At one interaction per
// conversational turn this covers several hours of sustained traffic.
const defaultWindowCapacity = 4096

// Interaction is one model round trip as seen by the turn engine. Samples
// are recorded after each completed (or failed) generation and reduced on
// demand by [Window.Summarize].
type Interaction struct {
	At               time.Time `json:"at"`
	CallSID          string    `json:"call_sid"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`

	// RTT is the full round trip; FirstToken the time to the first streamed
	// token. FirstToken is zero when the request failed before streaming.
	RTT        time.Duration `json:"rtt"`
	FirstToken time.Duration `json:"first_token"`

	// ToolCalls is the number of tool invocations this turn requested.
	ToolCalls int `json:"tool_calls"`

	// Consistency is the persona consistency score in [0,1]; Rewritten marks
	// utterances that fell below threshold and were corrected.
	Consistency float64 `json:"consistency"`
	Rewritten   bool    `json:"rewritten"`

	// FailedOver marks turns served by the backup model; Failed marks turns
	// that exhausted all models.
	FailedOver bool `json:"failed_over"`
	Failed     bool `json:"failed"`
}

// Window is a fixed-capacity ring of recent model interactions. It is safe
// for concurrent use. Old samples are overwritten once capacity is reached;
// time-based queries additionally filter by cutoff, so an over-provisioned
// ring only costs memory.
type Window struct {
	mu   sync.Mutex
	buf  []Interaction
	next int
	full bool
}

// NewWindow creates a ring holding up to capacity interactions. A capacity
// of zero or below selects the default.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = defaultWindowCapacity
	}
	return &Window{buf: make([]Interaction, capacity)}
}

// Record adds one interaction to the ring. A zero At is stamped with the
// current time.
func (w *Window) Record(it Interaction) {
	if it.At.IsZero() {
		it.At = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf[w.next] = it
	w.next++
	if w.next == len(w.buf) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of samples currently held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// Summary is the aggregate view of a time slice of the ring, serialized as
// the /api/observability/gpt response body.
type Summary struct {
	WindowMinutes    int            `json:"window_minutes"`
	Interactions     int            `json:"interactions"`
	Failures         int            `json:"failures"`
	Failovers        int            `json:"failovers"`
	ToolCalls        int            `json:"tool_calls"`
	Rewrites         int            `json:"rewrites"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	AvgRTTMs         float64        `json:"avg_rtt_ms"`
	P50RTTMs         float64        `json:"p50_rtt_ms"`
	P95RTTMs         float64        `json:"p95_rtt_ms"`
	AvgFirstTokenMs  float64        `json:"avg_first_token_ms"`
	AvgConsistency   float64        `json:"avg_consistency"`
	Models           map[string]int `json:"models"`
}

// Summarize reduces all samples recorded within the window ending at now to
// a [Summary]. Percentiles use the nearest-rank method over successful
// round trips; consistency and first-token averages likewise exclude failed
// turns, while token and failure counts include them.
func (w *Window) Summarize(now time.Time, window time.Duration) Summary {
	cutoff := now.Add(-window)

	w.mu.Lock()
	samples := make([]Interaction, 0, w.lenLocked())
	w.iterate(func(it Interaction) {
		if it.At.After(cutoff) && !it.At.After(now) {
			samples = append(samples, it)
		}
	})
	w.mu.Unlock()

	sum := Summary{
		WindowMinutes: int(window / time.Minute),
		Interactions:  len(samples),
		Models:        map[string]int{},
	}
	if len(samples) == 0 {
		return sum
	}

	var (
		rtts      []float64
		rttTotal  float64
		ftTotal   float64
		ftCount   int
		consTotal float64
		consCount int
	)
	for _, it := range samples {
		sum.PromptTokens += it.PromptTokens
		sum.CompletionTokens += it.CompletionTokens
		sum.ToolCalls += it.ToolCalls
		if it.Model != "" {
			sum.Models[it.Model]++
		}
		if it.Failed {
			sum.Failures++
			continue
		}
		if it.FailedOver {
			sum.Failovers++
		}
		if it.Rewritten {
			sum.Rewrites++
		}
		ms := float64(it.RTT) / float64(time.Millisecond)
		rtts = append(rtts, ms)
		rttTotal += ms
		if it.FirstToken > 0 {
			ftTotal += float64(it.FirstToken) / float64(time.Millisecond)
			ftCount++
		}
		consTotal += it.Consistency
		consCount++
	}

	if len(rtts) > 0 {
		slices.Sort(rtts)
		sum.AvgRTTMs = round2(rttTotal / float64(len(rtts)))
		sum.P50RTTMs = round2(percentile(rtts, 0.50))
		sum.P95RTTMs = round2(percentile(rtts, 0.95))
	}
	if ftCount > 0 {
		sum.AvgFirstTokenMs = round2(ftTotal / float64(ftCount))
	}
	if consCount > 0 {
		sum.AvgConsistency = round2(consTotal / float64(consCount))
	}
	return sum
}

// lenLocked returns the sample count. Caller holds w.mu.
func (w *Window) lenLocked() int {
	if w.full {
		return len(w.buf)
	}
	return w.next
}

// iterate visits samples oldest-first. Caller holds w.mu.
func (w *Window) iterate(fn func(Interaction)) {
	if w.full {
		for i := w.next; i < len(w.buf); i++ {
			fn(w.buf[i])
		}
	}
	for i := 0; i < w.next; i++ {
		fn(w.buf[i])
	}
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
