package engine

import (
	"context"
	"crypto/sha256"
	"errors"
	"strings"

	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/observe"
	"github.com/routatel/trunkline/internal/store"
	"github.com/routatel/trunkline/pkg/provider/embeddings"
	"github.com/routatel/trunkline/pkg/types"
)

const (
	defaultContextBudget = 3000
	defaultSummaryMax    = 1200
	defaultMaxFacts      = 5
	defaultMaxPerPhase   = 6

	// backstopTurns is the size of the phase-independent tail window
	// included alongside the per-phase window.
	backstopTurns = 4
)

// Assembler builds the model input for one turn: the composed persona,
// call metadata, the bounded session summary, recalled long-term facts,
// and the windowed dialogue, folded down to the configured token budget.
//
// The memory store and embeddings provider are both optional: without a
// store no facts are recalled, and without embeddings recall falls back
// to confidence ordering.
type Assembler struct {
	mem   store.MemoryStore
	embed embeddings.Provider

	budget      int
	summaryMax  int
	maxFacts    int
	maxPerPhase int
	backstop    int
}

// NewAssembler wires an assembler from the engine configuration. Zero
// config fields select defaults.
func NewAssembler(mem store.MemoryStore, embed embeddings.Provider, cfg config.EngineConfig) *Assembler {
	a := &Assembler{
		mem:         mem,
		embed:       embed,
		budget:      cfg.ContextTokenBudget,
		summaryMax:  cfg.SummaryMaxChars,
		maxFacts:    cfg.MaxFacts,
		maxPerPhase: cfg.MaxPerPhase,
		backstop:    backstopTurns,
	}
	if a.budget <= 0 {
		a.budget = defaultContextBudget
	}
	if a.summaryMax <= 0 {
		a.summaryMax = defaultSummaryMax
	}
	if a.maxFacts < 0 {
		a.maxFacts = defaultMaxFacts
	}
	if a.maxPerPhase <= 0 {
		a.maxPerPhase = defaultMaxPerPhase
	}
	return a
}

// Context is the assembled model input for one turn. Summary carries the
// rolling summary including anything folded in to meet the budget;
// callers persist it so folded turns are not lost.
type Context struct {
	SystemPrompt    string
	Messages        []types.Message
	Summary         string
	EstimatedTokens int

	// Folded is how many dialogue turns were compressed into the summary
	// to fit the budget; Facts how many long-term facts were injected.
	Folded int
	Facts  int
}

// Assemble builds the request context for turn. Fact recall failures are
// logged and tolerated; the turn proceeds on summary memory alone.
func (a *Assembler) Assemble(ctx context.Context, turn Turn, persona ComposedPersona) *Context {
	facts := a.recallFacts(ctx, turn)
	summary := turn.Summary

	entries := selectWindow(turn.History, turn.Phase, a.maxPerPhase, a.backstop)

	out := &Context{Summary: summary, Facts: len(facts)}
	for {
		out.SystemPrompt = buildSystemPrompt(persona, turn, summary, facts)
		out.EstimatedTokens = estimateTokens(out.SystemPrompt)
		for _, e := range entries {
			out.EstimatedTokens += estimateTokens(e.Role) + estimateTokens(e.Content)
		}
		// Always keep the newest entry: it is the utterance driving this
		// turn.
		if out.EstimatedTokens <= a.budget || len(entries) <= 1 {
			break
		}
		summary = foldIntoSummary(summary, entries[0], a.summaryMax)
		entries = entries[1:]
		out.Folded++
	}
	out.Summary = summary

	out.Messages = make([]types.Message, len(entries))
	for i, e := range entries {
		out.Messages[i] = types.Message{Role: e.Role, Content: e.Content}
	}
	return out
}

// recallFacts returns up to maxFacts long-term facts for the call,
// nearest-first when an embeddings provider is configured and the turn
// has a user utterance to anchor the query, confidence-ordered otherwise.
func (a *Assembler) recallFacts(ctx context.Context, turn Turn) []types.MemoryFact {
	if a.mem == nil || a.maxFacts == 0 {
		return nil
	}
	log := observe.CallLogger(ctx, turn.CallSID)

	if query := lastUserText(turn.History); a.embed != nil && query != "" {
		vec, err := a.embed.Embed(ctx, query)
		if err == nil {
			facts, serr := a.mem.SearchMemoryFacts(ctx, turn.CallSID, vec, a.maxFacts)
			if serr == nil {
				return facts
			}
			log.Warn("engine: semantic fact recall failed", "error", serr)
		} else {
			log.Warn("engine: embedding query failed", "error", err)
		}
	}

	facts, err := a.mem.TopMemoryFacts(ctx, turn.CallSID, a.maxFacts)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("engine: fact recall failed", "error", err)
		return nil
	}
	return facts
}

// buildSystemPrompt renders the persona, pacing directive, call metadata,
// summary, and facts into one system prompt.
func buildSystemPrompt(persona ComposedPersona, turn Turn, summary string, facts []types.MemoryFact) string {
	var sb strings.Builder
	sb.WriteString(persona.Text)
	sb.WriteString("\n\n")
	sb.WriteString(pacingDirective)

	sb.WriteString("\n\nCall metadata:")
	sb.WriteString("\n- call id: ")
	sb.WriteString(turn.CallSID)
	if turn.CustomerName != "" {
		sb.WriteString("\n- customer: ")
		sb.WriteString(turn.CustomerName)
	}
	if turn.Intent != "" {
		sb.WriteString("\n- purpose: ")
		sb.WriteString(turn.Intent)
	}

	if summary != "" {
		sb.WriteString("\n\nConversation so far:\n")
		sb.WriteString(summary)
	}
	if len(facts) > 0 {
		sb.WriteString("\n\nKnown facts:")
		for _, f := range facts {
			sb.WriteString("\n- ")
			sb.WriteString(f.Text)
		}
	}
	return sb.String()
}

// selectWindow picks the last maxPerPhase entries of the current phase
// plus the last backstop entries regardless of phase, in chronological
// order, with identical messages deduplicated by content hash (the
// newest occurrence wins).
func selectWindow(history []DialogueEntry, phase string, maxPerPhase, backstop int) []DialogueEntry {
	selected := make(map[int]bool, maxPerPhase+backstop)

	phaseSeen := 0
	for i := len(history) - 1; i >= 0 && phaseSeen < maxPerPhase; i-- {
		if history[i].Phase == phase {
			selected[i] = true
			phaseSeen++
		}
	}
	for i := len(history) - 1; i >= 0 && i >= len(history)-backstop; i-- {
		selected[i] = true
	}

	seen := make(map[[sha256.Size]byte]bool)
	var reversed []DialogueEntry
	for i := len(history) - 1; i >= 0; i-- {
		if !selected[i] {
			continue
		}
		key := messageKey(history[i].Role, history[i].Content)
		if seen[key] {
			continue
		}
		seen[key] = true
		reversed = append(reversed, history[i])
	}

	out := make([]DialogueEntry, len(reversed))
	for i, e := range reversed {
		out[len(reversed)-1-i] = e
	}
	return out
}

func lastUserText(history []DialogueEntry) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

// messageKey is the stable content hash used to deduplicate identical
// messages inside one assembled window.
func messageKey(role, content string) [sha256.Size]byte {
	return sha256.Sum256([]byte(role + "\x00" + content))
}

// estimateTokens approximates the token cost of s as ceil(len/4).
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
