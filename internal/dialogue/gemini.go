package dialogue

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"threadline/internal/domain"
)

const DefaultModel = "gemini-2.0-flash"

// Gemini synthesizes messages and catalogs through the Gemini API.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	log         *zap.Logger
}

type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	Logger      *zap.Logger
}

func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key is required", ErrUnavailable)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.9
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %v", ErrUnavailable, err)
	}
	return &Gemini{client: client, model: cfg.Model, temperature: cfg.Temperature, log: cfg.Logger}, nil
}

func (g *Gemini) Name() string { return "gemini:" + g.model }

func (g *Gemini) Synthesize(ctx context.Context, req Request) (string, error) {
	prompt, err := Prompt(req)
	if err != nil {
		return "", err
	}
	text, err := g.generate(ctx, prompt, "")
	if err != nil {
		return "", err
	}
	return Clean(text)
}

func (g *Gemini) Characters(ctx context.Context, event, eventContext string, n int) (string, error) {
	prompt := fmt.Sprintf(`Create %d distinct members of a team organizing the event below.

Event: %s
Background: %s

Mix seniority levels and responsibilities. Return JSON only:
{"characters": [{"name": "", "role": "", "group": "", "seniority_level": "lead|core|member",
 "expertise": [""], "personality": "", "speaking_style": "", "responsibilities": [""],
 "decision_power": "low|medium|high"}]}`, n, event, orNone(eventContext))
	return g.generate(ctx, prompt, "application/json")
}

func (g *Gemini) SubEvents(ctx context.Context, event, eventContext string, phases []domain.Phase, n int) (string, error) {
	ids := make([]string, 0, len(phases))
	for _, p := range phases {
		ids = append(ids, fmt.Sprintf("%s (%s)", p.ID, p.Name))
	}
	prompt := fmt.Sprintf(`List %d things that could go wrong or change while organizing the event below.

Event: %s
Background: %s
Phases (use the id before the parenthesis as related_phase): %s

Cover planning problems, execution problems, external factors and team issues.
Return JSON only:
{"sub_events": [{"name": "", "description": "", "urgency": "low|medium|high",
 "impact": "low|medium|high", "related_phase": "", "trigger_conditions": [""]}]}`,
		n, event, orNone(eventContext), strings.Join(ids, ", "))
	return g.generate(ctx, prompt, "application/json")
}

func (g *Gemini) Phases(ctx context.Context, event, eventContext string) (string, error) {
	prompt := fmt.Sprintf(`Break the organization of the event below into 6 to 12 sequential phases.

Event: %s
Background: %s

Return JSON only:
{"phases": [{"id": "snake_case_id", "name": "", "description": "", "duration_hours": 0,
 "key_tasks": [""], "deliverables": [""], "dependencies": ["earlier phase id"]}]}`,
		event, orNone(eventContext))
	return g.generate(ctx, prompt, "application/json")
}

func (g *Gemini) generate(ctx context.Context, prompt, mime string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(g.temperature),
		ResponseMIMEType: mime,
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", classify(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty response from %s", ErrMalformed, g.model)
	}
	g.log.Debug("gemini response", zap.String("model", g.model), zap.Int("chars", len(text)))
	return text, nil
}

// classify marks errors that will not go away on the next slot.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	code := 0
	var apiErr genai.APIError
	var apiPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiPtr):
		code = apiPtr.Code
	default:
		// no HTTP status at all: the endpoint was never reached
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: gemini %d: %v", ErrUnavailable, code, err)
	}
	return fmt.Errorf("gemini %d: %w", code, err)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}
