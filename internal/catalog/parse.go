// Package catalog owns the built-in phases, sub-events and agents, and the
// boundary where generated catalogs are decoded and validated.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"threadline/internal/disruption"
	"threadline/internal/domain"
	"threadline/internal/phase"
)

var ErrNoRecords = errors.New("catalog response has no records")

// StripFences removes a surrounding markdown code fence (``` or ```json).
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.HasPrefix(strings.TrimSpace(s[:nl]), "{") {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func decodeStrict(raw string, v any) error {
	s := StripFences(raw)
	if !strings.HasPrefix(s, "{") {
		return fmt.Errorf("catalog response is not a JSON object")
	}
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	return nil
}

func normalizeLevel(l domain.Level, def domain.Level) (domain.Level, error) {
	if strings.TrimSpace(string(l)) == "" {
		return def, nil
	}
	return domain.ParseLevel(string(l))
}

// ParseAgents decodes {"characters": [...]}.
func ParseAgents(raw string) ([]domain.Agent, error) {
	var body struct {
		Characters []domain.Agent `json:"characters"`
	}
	if err := decodeStrict(raw, &body); err != nil {
		return nil, err
	}
	if len(body.Characters) == 0 {
		return nil, ErrNoRecords
	}
	seen := map[string]bool{}
	out := make([]domain.Agent, 0, len(body.Characters))
	for i, a := range body.Characters {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("character %d: name is required", i)
		}
		key := strings.ToLower(a.Name)
		if seen[key] {
			return nil, fmt.Errorf("character %s: duplicate name", a.Name)
		}
		seen[key] = true
		lvl, err := normalizeLevel(a.DecisionPower, domain.LevelLow)
		if err != nil {
			return nil, fmt.Errorf("character %s: %w", a.Name, err)
		}
		a.DecisionPower = lvl
		out = append(out, a)
	}
	return out, nil
}

// ParseSubEvents decodes {"sub_events": [...]} and checks every related
// phase against schedule.
func ParseSubEvents(raw string, schedule *phase.Schedule) ([]domain.SubEvent, error) {
	var body struct {
		SubEvents []domain.SubEvent `json:"sub_events"`
	}
	if err := decodeStrict(raw, &body); err != nil {
		return nil, err
	}
	if len(body.SubEvents) == 0 {
		return nil, ErrNoRecords
	}
	out := make([]domain.SubEvent, 0, len(body.SubEvents))
	for i, ev := range body.SubEvents {
		ev.Name = strings.TrimSpace(ev.Name)
		if ev.Name == "" {
			return nil, fmt.Errorf("sub-event %d: name is required", i)
		}
		ev.Phase = domain.PhaseID(strings.TrimSpace(string(ev.Phase)))
		if schedule != nil && !schedule.Has(ev.Phase) {
			return nil, fmt.Errorf("sub-event %s: unknown phase %q", ev.Name, ev.Phase)
		}
		var err error
		if ev.Urgency, err = normalizeLevel(ev.Urgency, domain.LevelMedium); err != nil {
			return nil, fmt.Errorf("sub-event %s urgency: %w", ev.Name, err)
		}
		if ev.Impact, err = normalizeLevel(ev.Impact, domain.LevelMedium); err != nil {
			return nil, fmt.Errorf("sub-event %s impact: %w", ev.Name, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a phase id from a display name.
func Slug(name string) domain.PhaseID {
	return domain.PhaseID(strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_"))
}

// ParsePhases decodes {"phases": [...]} into a validated schedule.
func ParsePhases(raw string) (*phase.Schedule, error) {
	var body struct {
		Phases []domain.Phase `json:"phases"`
	}
	if err := decodeStrict(raw, &body); err != nil {
		return nil, err
	}
	if len(body.Phases) == 0 {
		return nil, ErrNoRecords
	}
	for i := range body.Phases {
		if strings.TrimSpace(string(body.Phases[i].ID)) == "" {
			body.Phases[i].ID = Slug(body.Phases[i].Name)
		}
	}
	return phase.NewSchedule(body.Phases)
}

// AgentsOrDefault returns the parsed agents, or the built-in team together
// with the parse error when raw is unusable.
func AgentsOrDefault(raw string) ([]domain.Agent, error) {
	agents, err := ParseAgents(raw)
	if err != nil {
		return DefaultAgents(), err
	}
	return agents, nil
}

// SubEventsOrDefault falls back to the built-in sub-events that fit schedule.
func SubEventsOrDefault(raw string, schedule *phase.Schedule) ([]domain.SubEvent, error) {
	events, err := ParseSubEvents(raw, schedule)
	if err != nil {
		if schedule == nil {
			return DefaultSubEvents(), err
		}
		return disruption.Filter(schedule, DefaultSubEvents()), err
	}
	return events, nil
}

// PhasesOrDefault falls back to the built-in schedule.
func PhasesOrDefault(raw string) (*phase.Schedule, error) {
	s, err := ParsePhases(raw)
	if err != nil {
		return phase.MustSchedule(DefaultPhases()), err
	}
	return s, nil
}
