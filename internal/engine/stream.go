package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/routatel/trunkline/internal/fault"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/pkg/provider/llm"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	failoverBaseDelay = 250 * time.Millisecond
	failoverMaxDelay  = 2 * time.Second
)

// streamOutcome is the result of one completed model stream.
type streamOutcome struct {
	finish     string
	toolCalls  []types.ToolCall
	usage      llm.Usage
	model      string
	failedOver bool
	attempt    int
	rtt        time.Duration
	firstToken time.Duration
	emitted    int
}

// streamTurn opens one chat-completion stream, retrying retryable
// failures with capped backoff and serving attempts after the first from
// the backup model when one is configured. A stream that dies after
// fragments were already spoken is not retried: replaying a fresh stream
// would speak them twice, so the partial reply is kept.
func (e *TurnEngine) streamTurn(ctx context.Context, callSID string, req llm.CompletionRequest, em *emitter) (*streamOutcome, error) {
	log := observe.CallLogger(ctx, callSID)
	var lastErr error

	for attempt := 0; attempt < e.streamAttempts; attempt++ {
		provider := e.primary
		if attempt > 0 && e.backup != nil {
			provider = e.backup
		}
		if attempt > 0 {
			if err := e.sleep(ctx, failoverBackoff(attempt)); err != nil {
				return nil, err
			}
			if attempt == 1 && e.backup != nil {
				e.metrics.RecordFailover(ctx, "llm", e.primary.Model(), provider.Model())
			}
		}

		start := time.Now()
		ch, err := provider.StreamCompletion(ctx, req)
		if err != nil {
			lastErr = err
			e.recordSample(ctx, observe.Interaction{
				CallSID: callSID,
				Model:   provider.Model(),
				RTT:     time.Since(start),
				Failed:  true,
			})
			if !retryable(err) {
				return nil, err
			}
			log.Warn("engine: model request failed",
				"model", provider.Model(), "attempt", attempt, "error", err)
			continue
		}

		emittedBefore := em.index
		out, err := e.consume(ctx, start, ch, em)
		out.rtt = time.Since(start)
		out.model = provider.Model()
		out.failedOver = attempt > 0 && e.backup != nil
		out.attempt = attempt
		out.emitted = em.index - emittedBefore

		if err != nil {
			lastErr = err
			e.recordSample(ctx, observe.Interaction{
				CallSID:    callSID,
				Model:      out.model,
				RTT:        out.rtt,
				FirstToken: out.firstToken,
				Failed:     true,
			})
			if ctx.Err() != nil {
				return nil, err
			}
			if out.emitted > 0 {
				log.Warn("engine: stream interrupted after speech began, keeping partial reply",
					"model", out.model, "error", err)
				out.finish = "stop"
				return out, nil
			}
			log.Warn("engine: model stream failed",
				"model", out.model, "attempt", attempt, "error", err)
			continue
		}
		return out, nil
	}
	return nil, fault.Wrap(fault.ModelTransient, "model_exhausted", lastErr)
}

// consume drains one completion stream, splitting text on the pacing
// sentinel and emitting each completed fragment. Tool calls and usage
// are collected along the way; the trailing buffer is flushed at stream
// end unless the model switched to tool calling.
func (e *TurnEngine) consume(ctx context.Context, start time.Time, ch <-chan llm.Chunk, em *emitter) (*streamOutcome, error) {
	out := &streamOutcome{}
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if out.finish != "tool_calls" && buf.Len() > 0 {
					em.emit(ctx, buf.String())
				}
				if out.finish == "" {
					// Channel closed without a finish-reason chunk.
					out.finish = "stop"
				}
				return out, nil
			}
			if chunk.FinishReason == "error" {
				return out, fault.New(fault.ModelTransient, "model_stream_error", chunk.Text)
			}
			if chunk.Text != "" {
				if out.firstToken == 0 {
					out.firstToken = time.Since(start)
				}
				buf.WriteString(chunk.Text)
				for {
					s := buf.String()
					idx := strings.Index(s, sentinel)
					if idx < 0 {
						break
					}
					fragment := s[:idx]
					rest := s[idx+len(sentinel):]
					buf.Reset()
					buf.WriteString(rest)
					em.emit(ctx, fragment)
				}
			}
			if len(chunk.ToolCalls) > 0 {
				out.toolCalls = append(out.toolCalls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				out.usage = *chunk.Usage
			}
			if chunk.FinishReason != "" {
				out.finish = chunk.FinishReason
			}
		}
	}
}

// recordSample feeds one model interaction into the observability window
// and the metric instruments.
func (e *TurnEngine) recordSample(ctx context.Context, s observe.Interaction) {
	if e.window != nil {
		e.window.Record(s)
	}
	if e.metrics == nil {
		return
	}
	status := "ok"
	if s.Failed {
		status = "failed"
	}
	e.metrics.LLMDuration.Record(ctx, s.RTT.Seconds(), metric.WithAttributes(
		attribute.String("model", s.Model),
		attribute.String("status", status),
	))
	if s.FirstToken > 0 {
		e.metrics.LLMFirstToken.Record(ctx, s.FirstToken.Seconds(), metric.WithAttributes(
			attribute.String("model", s.Model),
		))
	}
}

// retryable reports whether a model failure warrants another attempt:
// transient fault classifications, timeouts, and connection resets
// qualify. Cancellation is the caller's doing and is never retried.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if kind := fault.KindOf(err); kind != fault.Internal {
		return kind.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "timeout")
}

// failoverBackoff is the capped delay before retry attempt (1-based).
func failoverBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := failoverBaseDelay << (attempt - 1)
	if d > failoverMaxDelay {
		d = failoverMaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
