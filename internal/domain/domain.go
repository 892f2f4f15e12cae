package domain

import (
	"fmt"
	"strings"
	"time"
)

// PhaseID is the stable identifier of a phase. Sub-events reference phases by
// PhaseID, never by display name.
type PhaseID string

// Level grades urgency, impact and decision power.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel accepts the canonical names plus a few common spellings.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low", "l", "minor":
		return LevelLow, nil
	case "medium", "med", "m", "moderate", "normal":
		return LevelMedium, nil
	case "high", "h", "critical", "major":
		return LevelHigh, nil
	default:
		return "", fmt.Errorf("invalid level %q", s)
	}
}

func (l Level) Valid() bool {
	return l == LevelLow || l == LevelMedium || l == LevelHigh
}

type Phase struct {
	ID           PhaseID   `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description" yaml:"description"`
	Hours        float64   `json:"duration_hours" yaml:"duration_hours"`
	KeyTasks     []string  `json:"key_tasks" yaml:"key_tasks"`
	Deliverables []string  `json:"deliverables" yaml:"deliverables"`
	Dependencies []PhaseID `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

type SubEvent struct {
	Name              string   `json:"name" yaml:"name"`
	Description       string   `json:"description" yaml:"description"`
	Urgency           Level    `json:"urgency" yaml:"urgency"`
	Impact            Level    `json:"impact" yaml:"impact"`
	Phase             PhaseID  `json:"related_phase" yaml:"related_phase"`
	TriggerConditions []string `json:"trigger_conditions" yaml:"trigger_conditions"`
}

type Agent struct {
	Name             string   `json:"name" yaml:"name"`
	Role             string   `json:"role" yaml:"role"`
	Group            string   `json:"group" yaml:"group"`
	Seniority        string   `json:"seniority_level" yaml:"seniority_level"`
	Expertise        []string `json:"expertise" yaml:"expertise"`
	Personality      string   `json:"personality" yaml:"personality"`
	SpeakingStyle    string   `json:"speaking_style" yaml:"speaking_style"`
	Responsibilities []string `json:"responsibilities" yaml:"responsibilities"`
	DecisionPower    Level    `json:"decision_power" yaml:"decision_power"`
}

// Message is created once per slot and never mutated afterwards.
type Message struct {
	Sender     Agent     `json:"sender"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	Phase      PhaseID   `json:"phase"`
	SubEvent   *SubEvent `json:"triggered_sub_event,omitempty"`
	Slot       int       `json:"slot"`
	IsFallback bool      `json:"fallback,omitempty"`
}

// Run is one generation run as recorded in the ledger.
type Run struct {
	ID         string `json:"id"`
	Event      string `json:"event"`
	Context    string `json:"context,omitempty"`
	Mode       string `json:"mode" enum:"phased,scene"`
	Status     string `json:"status" enum:"running,done,partial,failed"`
	Target     int    `json:"target_messages"`
	Produced   int    `json:"produced"`
	Persisted  int    `json:"persisted"`
	Artifacts  string `json:"artifacts_json,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at,omitempty" format:"date-time"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id,omitempty"`
	Payload string `json:"payload_json"`
}
