// Package mock provides an in-memory turn responder for use in unit tests
// of code that drives the turn engine (the call session, the HTTP surface).
//
// The mock records every Respond call and allows the test to configure the
// returned result via exported fields. It is safe for concurrent use.
//
// Example:
//
//	r := &mock.Responder{
//	    Results: []*engine.Result{
//	        mock.Scripted("One moment while I check that."),
//	    },
//	}
//	res, err := r.Respond(ctx, engine.Turn{CallSID: "CA1"})
package mock

import (
	"context"
	"sync"

	"github.com/routatel/trunkline/internal/engine"
)

// RespondCall records the arguments of a single [Responder.Respond] call.
type RespondCall struct {
	Turn engine.Turn
}

// Responder is a mock turn engine. Results are returned in order, one per
// Respond call; once exhausted the last result repeats. RespondErr, when
// set, is returned instead.
type Responder struct {
	mu sync.Mutex

	// Results are returned by successive Respond calls.
	Results []*engine.Result

	// RespondErr is returned by Respond when non-nil.
	RespondErr error

	// RespondCalls records all Respond invocations.
	RespondCalls []RespondCall

	next int
}

// Scripted builds a completed result whose Replies channel delivers text as
// one fragment and is already closed, the shape a finished turn has.
func Scripted(text string) *engine.Result {
	ch := make(chan engine.Reply, 1)
	ch <- engine.Reply{PartialResponse: text, PersonaConsistency: 1}
	close(ch)
	return &engine.Result{Replies: ch, Text: text, Consistency: 1}
}

// Respond implements the session's responder dependency.
func (r *Responder) Respond(_ context.Context, turn engine.Turn) (*engine.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RespondCalls = append(r.RespondCalls, RespondCall{Turn: turn})
	if r.RespondErr != nil {
		return nil, r.RespondErr
	}
	if len(r.Results) == 0 {
		return Scripted(""), nil
	}
	res := r.Results[r.next]
	if r.next < len(r.Results)-1 {
		r.next++
	}
	return res, nil
}

// Turns returns the recorded user texts, one per Respond call. The user
// text of a turn is the newest user entry of its history.
func (r *Responder) Turns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.RespondCalls))
	for i, c := range r.RespondCalls {
		for j := len(c.Turn.History) - 1; j >= 0; j-- {
			if c.Turn.History[j].Role == "user" {
				out[i] = c.Turn.History[j].Content
				break
			}
		}
	}
	return out
}
