// Package analyzer submits diff bundles to an OpenAI-compatible LLM proxy
// and turns the model's output into a structured review.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/squall-chua/gerrit-auto-code-review-bot/pkg/models"
)

// Analyzer produces a review from a bundle of rendered diffs. The pipeline
// treats any returned error as a degraded result, not a fatal condition.
type Analyzer interface {
	Analyze(ctx context.Context, diffs map[string]string) (*models.ReviewResult, error)
}

// Config configures the LLM analyzer.
type Config struct {
	// ProxyURL is the base URL of the OpenAI-compatible proxy
	// (e.g. a LiteLLM deployment).
	ProxyURL string
	// Model is the model identifier the proxy routes on.
	Model string
	// APIKey authenticates against the proxy. Optional for open proxies.
	APIKey string
	// Temperature for generation (default 0.2).
	Temperature float64
}

// LLMAnalyzer implements Analyzer against an OpenAI-compatible
// chat-completions endpoint via langchaingo.
type LLMAnalyzer struct {
	llm         llms.Model
	model       string
	temperature float64
}

// New creates an analyzer bound to the configured proxy.
func New(cfg Config) (*LLMAnalyzer, error) {
	if cfg.ProxyURL == "" {
		return nil, fmt.Errorf("proxy URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithBaseURL(strings.TrimRight(cfg.ProxyURL, "/")),
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	return &LLMAnalyzer{
		llm:         llm,
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}, nil
}

// Analyze sends the diff bundle to the model and parses its JSON review.
// The call is one-shot: a transport failure is returned to the caller
// rather than retried.
func (a *LLMAnalyzer) Analyze(ctx context.Context, diffs map[string]string) (*models.ReviewResult, error) {
	if len(diffs) == 0 {
		return &models.ReviewResult{Summary: "No valid diffs found to review.", Vote: 0}, nil
	}

	prompt := buildPrompt(diffs)

	log.Info().
		Str("model", a.model).
		Int("files", len(diffs)).
		Int("prompt_bytes", len(prompt)).
		Msg("Requesting review from LLM")

	resp, err := a.llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
			llms.TextParts(llms.ChatMessageTypeHuman, prompt),
		},
		llms.WithTemperature(a.temperature),
		llms.WithJSONMode(),
	)
	if err != nil {
		log.Error().Err(err).Str("model", a.model).Msg("LLM request failed")
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM returned no choices")
	}

	choice := resp.Choices[0]
	result, err := ParseResponse(choice.Content)
	if err != nil {
		log.Error().Err(err).Str("raw", choice.Content).Msg("Failed to parse LLM response")
		return &models.ReviewResult{
			Summary: "Failed to parse the automated review results.",
			Vote:    -1,
		}, nil
	}

	if stats := usageStats(a.model, choice.GenerationInfo); stats != "" {
		result.Summary += stats
	}
	return result, nil
}

// classifyError maps proxy HTTP failures onto user-facing messages. The
// pipeline surfaces these summaries in the degraded review it posts, so the
// 401/429 cases carry only the clean sentence; the raw transport error stays
// in the log.
func classifyError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401"):
		return errors.New("authentication error: please check the LLM provider API keys")
	case strings.Contains(msg, "429"):
		return errors.New("rate limit exceeded: the LLM provider rejected the request due to quota limits")
	default:
		return fmt.Errorf("LLM API error: %w", err)
	}
}

// usageStats formats token usage reported by the proxy, when present, for
// appending to the review summary. Best-effort; missing info yields "".
func usageStats(model string, info map[string]any) string {
	if info == nil {
		return ""
	}
	prompt, pok := asInt(info["PromptTokens"])
	completion, cok := asInt(info["CompletionTokens"])
	if !pok && !cok {
		return ""
	}
	return fmt.Sprintf(
		"\n\n---\n**LLM Usage Stats:**\n* Model: %s\n* Input Tokens: %d\n* Output Tokens: %d\n* Total Tokens: %d",
		model, prompt, completion, prompt+completion,
	)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
