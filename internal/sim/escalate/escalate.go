// Package escalate routes contested claim sets to the orchestrator
// model and turns its reply into a verdict. Network calls never run on
// the simulation loop; the loop hands a contested set to RequestVerdict
// on a side goroutine and applies the verdict when it comes back.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"regent.ai/internal/gen"
	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/state"
)

var ErrArbitrationParse = errors.New("unparseable arbitration reply")

const arbiterSystem = `You arbitrate factual disputes in a medieval realm simulation.
Advisors have asserted contradictory facts about the same subject. Pick the
single most plausible assertion, or "neither" if none is credible.
Reply with a JSON object: {"winner": "<claim id or neither>", "reason": "<one sentence>"}.`

type Arbiter struct {
	svc    gen.Service
	store  *state.Store
	logger *log.Logger
}

func NewArbiter(svc gen.Service, store *state.Store, logger *log.Logger) *Arbiter {
	if logger == nil {
		logger = log.Default()
	}
	return &Arbiter{svc: svc, store: store, logger: logger}
}

// RequestVerdict asks the orchestrator to pick a winner among the
// contested claims. It performs network and parsing only; applying the
// verdict stays with the caller.
func (a *Arbiter) RequestVerdict(ctx context.Context, contested []*claims.Claim) (claims.Verdict, error) {
	if len(contested) < 2 {
		return claims.Verdict{}, fmt.Errorf("arbitrate %d claims: need at least 2", len(contested))
	}
	resp, err := a.svc.Complete(ctx, gen.Request{
		Tier:        gen.TierOrchestrator,
		System:      arbiterSystem,
		Prompt:      a.buildPrompt(contested),
		Temperature: 0.2,
		MaxTokens:   300,
	})
	if err != nil {
		return claims.Verdict{}, fmt.Errorf("arbitration: %w", err)
	}
	v, err := parseVerdict(resp.Content, contested)
	if err != nil {
		a.logger.Printf("arbitration reply rejected: %v (model=%s)", err, resp.Model)
		return claims.Verdict{}, err
	}
	v.ArbitratedBy = resp.Model
	return v, nil
}

// Arbitrate resolves a contested set end to end against the registry.
// Used by synchronous callers such as the replay tool.
func (a *Arbiter) Arbitrate(ctx context.Context, registry *claims.Registry, ids []string, tick uint64) (claims.Verdict, error) {
	contested := make([]*claims.Claim, 0, len(ids))
	for _, id := range ids {
		c, ok := registry.Get(id)
		if !ok {
			return claims.Verdict{}, fmt.Errorf("arbitrate: %w: %s", claims.ErrUnknownClaim, id)
		}
		contested = append(contested, c)
	}
	v, err := a.RequestVerdict(ctx, contested)
	if err != nil {
		return claims.Verdict{}, err
	}
	if err := registry.ResolveContested(ids, v, tick); err != nil {
		return claims.Verdict{}, err
	}
	return v, nil
}

func (a *Arbiter) buildPrompt(contested []*claims.Claim) string {
	var b strings.Builder
	path := contested[0].Statement.Path
	fmt.Fprintf(&b, "Disputed subject: %s\n", path)
	if a.store != nil {
		if v, err := a.store.Read(path); err == nil {
			fmt.Fprintf(&b, "Current established value: %s\n", v.String())
		} else {
			b.WriteString("No established value yet.\n")
		}
	}
	b.WriteString("\nAssertions:\n")
	for _, c := range contested {
		fmt.Fprintf(&b, "- %s (by %s): %s = %s", c.ID, c.Proposer, c.Statement.Path, c.Statement.Value.String())
		if c.Statement.Note != "" {
			fmt.Fprintf(&b, " (%s)", c.Statement.Note)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type verdictReply struct {
	Winner string `json:"winner"`
	Reason string `json:"reason"`
}

// parseVerdict pulls the first JSON object out of the reply and checks
// that the winner is one of the candidate IDs or "neither". Models wrap
// their JSON in prose often enough that a plain Unmarshal is not an
// option.
func parseVerdict(content string, contested []*claims.Claim) (claims.Verdict, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return claims.Verdict{}, fmt.Errorf("%w: no JSON object in %q", ErrArbitrationParse, snippet(content))
	}
	var reply verdictReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return claims.Verdict{}, fmt.Errorf("%w: %v", ErrArbitrationParse, err)
	}
	winner := strings.TrimSpace(reply.Winner)
	if strings.EqualFold(winner, "neither") || winner == "" {
		return claims.Verdict{Reason: reply.Reason}, nil
	}
	for _, c := range contested {
		if c.ID == winner {
			return claims.Verdict{WinnerID: winner, Reason: reply.Reason}, nil
		}
	}
	return claims.Verdict{}, fmt.Errorf("%w: winner %q is not a candidate", ErrArbitrationParse, winner)
}

func snippet(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
