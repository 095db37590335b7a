package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

var ErrNoAPIKey = errors.New("OPENROUTER_API_KEY not set")

// OpenRouter is a Service backed by the OpenRouter chat completions
// API. It keeps one model per tier.
type OpenRouter struct {
	apiKey  string
	baseURL string
	models  map[Tier]string
	client  *http.Client
}

type OpenRouterConfig struct {
	APIKey            string // falls back to OPENROUTER_API_KEY
	BaseURL           string
	AdvisorModel      string
	OrchestratorModel string
	Timeout           time.Duration
}

func NewOpenRouter(cfg OpenRouterConfig) (*OpenRouter, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENROUTER_API_KEY")
	}
	if key == "" {
		return nil, ErrNoAPIKey
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	advisor := cfg.AdvisorModel
	if advisor == "" {
		advisor = "meta-llama/llama-3.1-8b-instruct"
	}
	orchestrator := cfg.OrchestratorModel
	if orchestrator == "" {
		orchestrator = "anthropic/claude-3.5-sonnet"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenRouter{
		apiKey:  key,
		baseURL: base,
		models: map[Tier]string{
			TierAdvisor:      advisor,
			TierOrchestrator: orchestrator,
		},
		client: &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *OpenRouter) Complete(ctx context.Context, req Request) (Response, error) {
	model, ok := o.models[req.Tier]
	if !ok {
		return Response{}, fmt.Errorf("unknown tier %q", req.Tier)
	}
	body := chatRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("openrouter: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("openrouter: status %d: %s", resp.StatusCode, truncate(data, 256))
	}
	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Response{}, fmt.Errorf("openrouter: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("openrouter: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, fmt.Errorf("openrouter: empty choices")
	}
	return Response{
		Content:          parsed.Choices[0].Message.Content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
