package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/internal/disruption"
	"threadline/internal/domain"
	"threadline/internal/phase"
	"threadline/internal/roster"
)

func TestDefaultsAreConsistent(t *testing.T) {
	s, err := phase.NewSchedule(DefaultPhases())
	require.NoError(t, err)
	assert.Equal(t, 12, s.Len())

	_, err = disruption.NewCatalog(s, DefaultSubEvents(), nil)
	require.NoError(t, err)
	assert.Len(t, DefaultSubEvents(), 14)

	p, err := roster.NewPool(DefaultAgents(), nil)
	require.NoError(t, err)
	assert.Equal(t, 6, p.Len())
}

func TestStripFences(t *testing.T) {
	want := `{"a":1}`
	for _, in := range []string{
		"{\"a\":1}",
		"```json\n{\"a\":1}\n```",
		"```\n{\"a\":1}\n```",
		"  ```json{\"a\":1}```  ",
		"```{\"a\":1}```",
	} {
		assert.Equal(t, want, StripFences(in), in)
	}
}

func TestParseAgents(t *testing.T) {
	raw := "```json\n" + `{"characters": [
		{"name": "Ana", "role": "Lead", "decision_power": "High", "expertise": ["budgets"]},
		{"name": "Ben", "role": "Helper"}
	]}` + "\n```"
	agents, err := ParseAgents(raw)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, domain.LevelHigh, agents[0].DecisionPower)
	assert.Equal(t, domain.LevelLow, agents[1].DecisionPower)
}

func TestParseAgentsRejectsBadInput(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":      "Sure! Here are your characters.",
		"empty":         `{"characters": []}`,
		"unknown field": `{"characters": [{"name": "Ana", "mood": "happy"}]}`,
		"no name":       `{"characters": [{"role": "Lead"}]}`,
		"duplicate":     `{"characters": [{"name": "Ana"}, {"name": "ana"}]}`,
		"bad level":     `{"characters": [{"name": "Ana", "decision_power": "supreme"}]}`,
	} {
		_, err := ParseAgents(raw)
		assert.Error(t, err, name)
	}
}

func TestAgentsOrDefaultFallsBack(t *testing.T) {
	agents, err := AgentsOrDefault("nope")
	require.Error(t, err)
	assert.Equal(t, DefaultAgents(), agents)
}

func TestParseSubEventsChecksPhases(t *testing.T) {
	s := phase.MustSchedule([]domain.Phase{{ID: "setup", Hours: 1}, {ID: "show", Hours: 2}})
	events, err := ParseSubEvents(`{"sub_events": [
		{"name": "Rain", "related_phase": "show", "urgency": "h", "impact": ""}
	]}`, s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.LevelHigh, events[0].Urgency)
	assert.Equal(t, domain.LevelMedium, events[0].Impact)

	_, err = ParseSubEvents(`{"sub_events": [{"name": "Rain", "related_phase": "encore"}]}`, s)
	require.Error(t, err)
}

func TestSubEventsOrDefaultFiltersToSchedule(t *testing.T) {
	s := phase.MustSchedule([]domain.Phase{{ID: "main_event", Hours: 8}, {ID: "other", Hours: 1}})
	events, err := SubEventsOrDefault("", s)
	require.Error(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.Equal(t, domain.PhaseID("main_event"), ev.Phase)
	}
}

func TestParsePhasesDerivesIDs(t *testing.T) {
	s, err := ParsePhases(`{"phases": [
		{"name": "Book the Hall", "duration_hours": 2},
		{"id": "party", "name": "Party", "duration_hours": 5, "dependencies": ["book_the_hall"]}
	]}`)
	require.NoError(t, err)
	assert.True(t, s.Has("book_the_hall"))
	assert.Equal(t, 7.0, s.TotalHours())

	_, err = ParsePhases(`{"phases": [{"id": "a", "duration_hours": 1, "dependencies": ["later"]}, {"id": "later", "duration_hours": 1}]}`)
	require.Error(t, err)

	fallback, err := PhasesOrDefault(`{"phases": []}`)
	require.ErrorIs(t, err, ErrNoRecords)
	assert.Equal(t, 12, fallback.Len())
}

func TestSlug(t *testing.T) {
	assert.Equal(t, domain.PhaseID("logistics_supplies"), Slug("Logistics & Supplies"))
	assert.Equal(t, domain.PhaseID("press_follow_up"), Slug(" Press Follow-up! "))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := Snapshot{
		RunID:       "r1",
		GeneratedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Event:       "Book fair",
		Mode:        "phased",
		Phases:      DefaultPhases()[:2],
		SubEvents:   DefaultSubEvents()[:1],
		Agents:      DefaultAgents()[:2],
	}
	path, err := WriteSnapshot(dir, snap)
	require.NoError(t, err)
	got, err := ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Event, got.Event)
	assert.Equal(t, snap.Phases[1].Dependencies, got.Phases[1].Dependencies)
	assert.Equal(t, snap.Agents[0].Name, got.Agents[0].Name)
	assert.True(t, snap.GeneratedAt.Equal(got.GeneratedAt))

	_, err = WriteSnapshot(dir, Snapshot{})
	require.Error(t, err)
}
