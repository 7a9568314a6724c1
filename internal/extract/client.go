// Package extract builds the schema-constrained prompt for deal extraction,
// invokes the model, and parses the response. Parse failures and schema
// violations surface as *ValidationError; network, auth, and timeout
// failures surface as *TransportError. Neither is retried here — the
// orchestrator owns the single repair attempt for validation failures, and
// transport failures are fatal for the run.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/dealbrief/internal/model"
	"github.com/sells-group/dealbrief/pkg/anthropic"
)

// ValidationError means the model's output was malformed or failed the
// extracted-fields schema. Reason is human-readable and embedded in the
// repair prompt together with RawOutput.
type ValidationError struct {
	Reason    string
	RawOutput string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// TransportError means the external call itself failed (network, auth,
// quota, timeout). Non-retryable at this layer.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "model call failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Repair carries the context for a repair invocation: the prior malformed
// output and the reason it failed validation.
type Repair struct {
	PriorOutput string
	Reason      string
}

const systemPrompt = `You are an investment analyst extracting structured deal data from unstructured text. Return ONLY valid JSON matching the requested schema, with no markdown fences or explanation.`

const extractionPrompt = `Extract deal information from the following text and return valid JSON matching this schema:

{
  "company_name": "string (required)",
  "founders": ["string"],
  "sector": "string",
  "geography": "string",
  "stage": "Seed | Series A | Series B | Series C | Growth | Other",
  "round_size": "string (e.g., '$5M', '$10-15M')",
  "metrics": {"key": "value"},
  "investment_brief": ["bullet 1", "bullet 2", ... (5-10 key investment highlights)],
  "tags": ["fintech", "deep tech", "climate tech", "Seed", "Series A", ...]
}

Rules:
- company_name is required; extract from context if not explicit
- investment_brief should have 5-10 concise bullet points summarizing key investment highlights
- metrics should capture any quantitative data (revenue, growth, users, etc.)
- Return ONLY valid JSON, no markdown or explanation

Text:
%s`

const repairPrompt = `Your previous response failed validation.

Previous response:
%s

Validation error:
%s

Fix the response and return valid JSON matching the schema. Return ONLY the corrected JSON.`

// Config tunes the extractor.
type Config struct {
	Model             string
	MaxTokens         int64
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Extractor invokes the model for one deal at a time.
type Extractor struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates an Extractor. RequestsPerSecond <= 0 disables throttling.
func New(client anthropic.Client, cfg Config) *Extractor {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Extractor{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Generate invokes the model for the raw text and returns its free-form
// response. When repair is non-nil the prompt embeds the prior output and
// the validation failure reason. All errors are *TransportError.
func (e *Extractor) Generate(ctx context.Context, rawText string, repair *Repair) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", &TransportError{Err: eris.Wrap(err, "rate limit wait")}
	}

	messages := []anthropic.Message{
		{Role: "user", Content: fmt.Sprintf(extractionPrompt, rawText)},
	}
	if repair != nil {
		messages = append(messages,
			anthropic.Message{Role: "assistant", Content: repair.PriorOutput},
			anthropic.Message{Role: "user", Content: fmt.Sprintf(repairPrompt, repair.PriorOutput, repair.Reason)},
		)
	}

	callCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	temp := 0.1
	resp, err := e.client.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      systemPrompt,
		Messages:    messages,
		Temperature: &temp,
	})
	if err != nil {
		return "", &TransportError{Err: err}
	}

	phase := "extract"
	if repair != nil {
		phase = "repair"
	}
	resp.Usage.LogCost(e.cfg.Model, phase)

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		zap.L().Warn("model returned empty response", zap.String("stop_reason", resp.StopReason))
	}
	return text, nil
}

// Parse validates a model response against the extracted-fields schema.
// JSON syntax errors and schema violations both come back as
// *ValidationError carrying the raw output for the repair prompt.
func Parse(raw string) (*model.ExtractedDeal, error) {
	cleaned := stripFences(raw)

	var extracted model.ExtractedDeal
	if err := json.Unmarshal([]byte(cleaned), &extracted); err != nil {
		return nil, &ValidationError{
			Reason:    "response is not valid JSON for the schema: " + err.Error(),
			RawOutput: raw,
		}
	}

	if err := extracted.Validate(); err != nil {
		return nil, &ValidationError{
			Reason:    err.Error(),
			RawOutput: raw,
		}
	}
	return &extracted, nil
}

// stripFences removes a surrounding markdown code fence, which models emit
// despite instructions.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
