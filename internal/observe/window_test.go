package observe

import (
	"testing"
	"time"
)

func TestWindow_SummarizeAggregates(t *testing.T) {
	w := NewWindow(16)
	now := time.Now()

	w.Record(Interaction{
		At: now.Add(-3 * time.Minute), Model: "openai/gpt-4.1-mini",
		PromptTokens: 400, CompletionTokens: 60,
		RTT: 800 * time.Millisecond, FirstToken: 200 * time.Millisecond,
		ToolCalls: 1, Consistency: 0.9,
	})
	w.Record(Interaction{
		At: now.Add(-2 * time.Minute), Model: "openai/gpt-4.1-mini",
		PromptTokens: 500, CompletionTokens: 80,
		RTT: 1200 * time.Millisecond, FirstToken: 300 * time.Millisecond,
		Consistency: 0.7, Rewritten: true,
	})
	w.Record(Interaction{
		At: now.Add(-1 * time.Minute), Model: "openai/gpt-4o-mini",
		PromptTokens: 450, CompletionTokens: 70,
		RTT: 1000 * time.Millisecond, FirstToken: 250 * time.Millisecond,
		Consistency: 0.8, FailedOver: true,
	})

	sum := w.Summarize(now, 10*time.Minute)

	if sum.Interactions != 3 {
		t.Fatalf("interactions = %d, want 3", sum.Interactions)
	}
	if sum.WindowMinutes != 10 {
		t.Errorf("window_minutes = %d, want 10", sum.WindowMinutes)
	}
	if sum.PromptTokens != 1350 || sum.CompletionTokens != 210 {
		t.Errorf("tokens = %d/%d, want 1350/210", sum.PromptTokens, sum.CompletionTokens)
	}
	if sum.ToolCalls != 1 {
		t.Errorf("tool_calls = %d, want 1", sum.ToolCalls)
	}
	if sum.Rewrites != 1 {
		t.Errorf("rewrites = %d, want 1", sum.Rewrites)
	}
	if sum.Failovers != 1 {
		t.Errorf("failovers = %d, want 1", sum.Failovers)
	}
	if sum.AvgRTTMs != 1000 {
		t.Errorf("avg_rtt_ms = %v, want 1000", sum.AvgRTTMs)
	}
	if sum.P50RTTMs != 1000 {
		t.Errorf("p50_rtt_ms = %v, want 1000", sum.P50RTTMs)
	}
	if sum.P95RTTMs != 1200 {
		t.Errorf("p95_rtt_ms = %v, want 1200", sum.P95RTTMs)
	}
	if sum.AvgFirstTokenMs != 250 {
		t.Errorf("avg_first_token_ms = %v, want 250", sum.AvgFirstTokenMs)
	}
	if sum.AvgConsistency != 0.8 {
		t.Errorf("avg_consistency = %v, want 0.8", sum.AvgConsistency)
	}
	if sum.Models["openai/gpt-4.1-mini"] != 2 || sum.Models["openai/gpt-4o-mini"] != 1 {
		t.Errorf("models = %v", sum.Models)
	}
}

func TestWindow_CutoffExcludesOldSamples(t *testing.T) {
	w := NewWindow(16)
	now := time.Now()

	w.Record(Interaction{At: now.Add(-2 * time.Hour), RTT: time.Second})
	w.Record(Interaction{At: now.Add(-30 * time.Second), RTT: time.Second})

	sum := w.Summarize(now, time.Minute)
	if sum.Interactions != 1 {
		t.Errorf("interactions = %d, want 1 (old sample excluded)", sum.Interactions)
	}
}

func TestWindow_FailuresExcludedFromLatency(t *testing.T) {
	w := NewWindow(16)
	now := time.Now()

	w.Record(Interaction{At: now.Add(-time.Minute), RTT: 500 * time.Millisecond, Consistency: 0.9})
	w.Record(Interaction{At: now.Add(-time.Minute), RTT: 9 * time.Second, Failed: true, PromptTokens: 100})

	sum := w.Summarize(now, 10*time.Minute)
	if sum.Interactions != 2 {
		t.Fatalf("interactions = %d, want 2", sum.Interactions)
	}
	if sum.Failures != 1 {
		t.Errorf("failures = %d, want 1", sum.Failures)
	}
	// The failed turn's RTT must not poison the latency aggregate, but its
	// tokens still count toward spend.
	if sum.AvgRTTMs != 500 {
		t.Errorf("avg_rtt_ms = %v, want 500", sum.AvgRTTMs)
	}
	if sum.PromptTokens != 100 {
		t.Errorf("prompt_tokens = %d, want 100", sum.PromptTokens)
	}
}

func TestWindow_RingOverwritesOldest(t *testing.T) {
	w := NewWindow(4)
	now := time.Now()

	for i := range 6 {
		w.Record(Interaction{
			At:  now.Add(time.Duration(i) * time.Second),
			RTT: time.Duration(i+1) * 100 * time.Millisecond,
		})
	}

	if got := w.Len(); got != 4 {
		t.Fatalf("Len = %d, want 4", got)
	}

	// Samples 0 and 1 were overwritten; the four survivors have RTTs
	// 300..600ms.
	sum := w.Summarize(now.Add(10*time.Second), time.Hour)
	if sum.Interactions != 4 {
		t.Fatalf("interactions = %d, want 4", sum.Interactions)
	}
	if sum.AvgRTTMs != 450 {
		t.Errorf("avg_rtt_ms = %v, want 450", sum.AvgRTTMs)
	}
}

func TestWindow_EmptySummary(t *testing.T) {
	w := NewWindow(8)

	sum := w.Summarize(time.Now(), time.Hour)
	if sum.Interactions != 0 {
		t.Errorf("interactions = %d, want 0", sum.Interactions)
	}
	if sum.Models == nil {
		t.Error("models map should be non-nil for JSON serialization")
	}
	if sum.AvgRTTMs != 0 || sum.P95RTTMs != 0 {
		t.Errorf("latency aggregates should be zero, got %+v", sum)
	}
}

func TestWindow_RecordStampsZeroTime(t *testing.T) {
	w := NewWindow(8)
	w.Record(Interaction{RTT: time.Second})

	sum := w.Summarize(time.Now().Add(time.Second), time.Minute)
	if sum.Interactions != 1 {
		t.Errorf("interactions = %d, want 1 (zero At stamped at record time)", sum.Interactions)
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	sorted := []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	cases := []struct {
		p    float64
		want float64
	}{
		{0.50, 500},
		{0.95, 1000},
		{0.99, 1000},
	}
	for _, tc := range cases {
		if got := percentile(sorted, tc.p); got != tc.want {
			t.Errorf("percentile(%v) = %v, want %v", tc.p, got, tc.want)
		}
	}

	if got := percentile(nil, 0.95); got != 0 {
		t.Errorf("percentile(empty) = %v, want 0", got)
	}
}
