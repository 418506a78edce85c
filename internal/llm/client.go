// Package llm wraps Genkit behind a small completion client so the
// engine can talk to any configured provider, or a deterministic stub
// when no API key is present.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/visionforge/internal/shared"
	"github.com/basket/visionforge/internal/tokenutil"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// Request is one completion call.
type Request struct {
	// Model is the bare model name; the provider prefix is added per the
	// configured provider.
	Model  string
	System string
	Prompt string
}

// Response carries the completion text plus token accounting. TokensIn
// and TokensOut come from provider usage metadata when available, or a
// local estimate otherwise.
type Response struct {
	Text      string
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// Client is the completion interface the engine depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Config holds provider selection for the Genkit-backed client.
type Config struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	// Empty defaults to "google".
	Provider string
	APIKey   string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitClient is the production Client backed by a Genkit instance.
type GenkitClient struct {
	g        *genkit.Genkit
	provider string
	liveLLM  bool
	logger   *slog.Logger
}

// NewGenkitClient initializes Genkit with the configured provider.
// Without an API key the client still constructs, but Complete returns a
// deterministic canned response so the rest of the pipeline stays
// testable offline.
func NewGenkitClient(ctx context.Context, cfg Config, logger *slog.Logger) *GenkitClient {
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)

	var g *genkit.Genkit
	liveLLM := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			anthropicPlugin := &anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(anthropicPlugin))
			liveLLM = true
			logger.Info("llm client initialized", "provider", "anthropic")
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Anthropic API key missing; using deterministic fallback")
		}

	case "openai":
		if apiKey != "" {
			openaiPlugin := &compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiPlugin))
			liveLLM = true
			logger.Info("llm client initialized", "provider", "openai")
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI API key missing; using deterministic fallback")
		}

	case "openai_compatible":
		if apiKey != "" {
			openaiCompatPlugin := &compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}
			g = genkit.Init(ctx, genkit.WithPlugins(openaiCompatPlugin))
			liveLLM = true
			logger.Info("llm client initialized", "provider", "openai_compatible")
		} else {
			g = genkit.Init(ctx)
			logger.Warn("OpenAI compatible API key missing; using deterministic fallback")
		}

	case "google":
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
			liveLLM = true
			logger.Info("llm client initialized", "provider", "google")
		} else {
			g = genkit.Init(ctx)
			logger.Warn("Google API key missing; using deterministic fallback")
		}

	default:
		g = genkit.Init(ctx)
		logger.Warn("unknown LLM provider, using deterministic fallback", "provider", provider)
	}

	return &GenkitClient{g: g, provider: provider, liveLLM: liveLLM, logger: logger}
}

func modelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

// Complete runs one generation against the configured provider.
func (c *GenkitClient) Complete(ctx context.Context, req Request) (Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Response{}, fmt.Errorf("empty prompt")
	}
	if req.Model == "" {
		return Response{}, fmt.Errorf("empty model")
	}

	start := time.Now()

	if !c.liveLLM {
		text := "completion unavailable: no provider API key configured"
		return Response{
			Text:      text,
			TokensIn:  tokenutil.EstimateTokens(req.System + "\n" + prompt),
			TokensOut: tokenutil.EstimateTokens(text),
			Duration:  time.Since(start),
		}, nil
	}

	c.logger.Debug("llm call",
		"model", req.Model,
		"task_id", shared.TaskID(ctx),
		"worker_id", shared.WorkerID(ctx))

	opts := []ai.GenerateOption{
		ai.WithModelName(modelNameForProvider(c.provider, req.Model)),
		ai.WithPrompt(prompt),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		// Escape % characters to prevent fmt.Sprintf corruption in ai.WithSystem().
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(system, "%", "%%")))
	}

	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("genkit generate: %w", err)
	}

	out := Response{
		Text:     resp.Text(),
		Duration: time.Since(start),
	}
	if resp.Usage != nil && (resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0) {
		out.TokensIn = resp.Usage.InputTokens
		out.TokensOut = resp.Usage.OutputTokens
	} else {
		out.TokensIn = tokenutil.EstimateTokens(req.System + "\n" + prompt)
		out.TokensOut = tokenutil.EstimateTokens(out.Text)
	}
	return out, nil
}
