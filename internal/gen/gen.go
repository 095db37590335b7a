// Package gen abstracts text generation behind a small completion
// interface. The simulation core never talks to a model directly; it
// builds a Request and hands it to a Service.
package gen

import "context"

// Tier selects the model class. Advisors run on the cheap tier, the
// orchestrator (arbitration, narration) on the strong one.
type Tier string

const (
	TierAdvisor      Tier = "advisor"
	TierOrchestrator Tier = "orchestrator"
)

type Request struct {
	Tier        Tier
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

type Response struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

type Service interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
