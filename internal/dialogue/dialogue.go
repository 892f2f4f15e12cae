// Package dialogue turns a conversation slot into message text. A Synthesizer
// may be backed by a language model or by canned phrase templates.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"threadline/internal/domain"
)

var (
	// ErrMalformed marks a response that could not be used as message text.
	// The orchestrator replaces such slots with a fallback message.
	ErrMalformed = errors.New("malformed synthesizer response")
	// ErrUnavailable marks a synthesizer that cannot serve any further slot
	// (bad credentials, unknown model, unreachable endpoint).
	ErrUnavailable = errors.New("synthesizer unavailable")
)

// Turn is one prior message as shown to the synthesizer.
type Turn struct {
	Sender  string
	Role    string
	Content string
}

// Request carries everything needed to produce one message.
type Request struct {
	Event      string
	Context    string
	Speaker    domain.Agent
	Phase      domain.Phase
	History    []Turn
	Disruption *domain.SubEvent
	Progress   float64
	Slot       int
	Total      int
	MinChars   int
	MaxChars   int
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (string, error)
}

// Generator builds catalogs for an event. Implementations return raw model
// output; the catalog package owns parsing and validation.
type Generator interface {
	Characters(ctx context.Context, event, eventContext string, n int) (string, error)
	SubEvents(ctx context.Context, event, eventContext string, phases []domain.Phase, n int) (string, error)
	Phases(ctx context.Context, event, eventContext string) (string, error)
}

var promptTmpl = template.Must(template.New("message").Funcs(template.FuncMap{
	"join": strings.Join,
	"pct":  func(p float64) int { return int(p * 100) },
}).Parse(`Write one chat message for a group conversation.

Speaker:
- Name: {{.Speaker.Name}}
- Role: {{.Speaker.Role}}{{with .Speaker.Group}} ({{.}}){{end}}
{{- with .Speaker.Seniority}}
- Seniority: {{.}}{{end}}
{{- with .Speaker.Personality}}
- Personality: {{.}}{{end}}
{{- with .Speaker.SpeakingStyle}}
- Speaking style: {{.}}{{end}}
{{- with .Speaker.Expertise}}
- Expertise: {{join . ", "}}{{end}}
{{- with .Speaker.Responsibilities}}
- Responsibilities: {{join . ", "}}{{end}}
- Decision power: {{.Speaker.DecisionPower}}

Event: {{.Event}}
Background: {{if .Context}}{{.Context}}{{else}}none{{end}}

Current phase: {{.Phase.Name}} ({{pct .Progress}}% through the conversation)
{{- with .Phase.Description}}
Phase goal: {{.}}{{end}}
{{- with .Phase.KeyTasks}}
Key tasks: {{join . ", "}}{{end}}
{{- with .Phase.Deliverables}}
Deliverables: {{join . ", "}}{{end}}
{{if .History}}
Recent messages:
{{- range .History}}
- {{.Sender}}{{with .Role}} ({{.}}){{end}}: {{.Content}}{{end}}
{{end}}
{{- with .Disruption}}
Something just happened: {{.Name}}. {{.Description}}
Urgency {{.Urgency}}, impact {{.Impact}}. The message should react to it.
{{end}}
Rules:
1. Between {{.MinChars}} and {{.MaxChars}} characters.
2. Stay in character for the role, seniority and speaking style.
3. Talk about the current phase; do not repeat recent messages.
4. Output only the message text, no name prefix, no quotes, no markup.
`))

// Prompt renders the instruction text for req.
func Prompt(req Request) (string, error) {
	var b strings.Builder
	if err := promptTmpl.Execute(&b, req); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}

// Clean strips whitespace and one layer of wrapping quotes from a raw
// response. An empty result is ErrMalformed.
func Clean(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	for _, pair := range [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"「", "」"}} {
		if len(s) >= len(pair[0])+len(pair[1]) && strings.HasPrefix(s, pair[0]) && strings.HasSuffix(s, pair[1]) {
			s = strings.TrimSpace(s[len(pair[0]) : len(s)-len(pair[1])])
			break
		}
	}
	if s == "" {
		return "", fmt.Errorf("%w: empty message", ErrMalformed)
	}
	return s, nil
}

// Fallback is the message substituted when a slot cannot be synthesized.
func Fallback(p domain.Phase) string {
	name := p.Name
	if name == "" {
		name = string(p.ID)
	}
	return fmt.Sprintf("About the %s phase, I need to double-check a few things...", name)
}
