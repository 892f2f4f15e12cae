// Package disruption holds the sub-events that can interrupt a phase and the
// policy that decides when one is injected into the conversation.
package disruption

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"threadline/internal/domain"
	"threadline/internal/phase"
)

const (
	// MinInterval and MaxInterval bound the redrawn trigger interval, inclusive.
	MinInterval = 50
	MaxInterval = 100
)

// Catalog is a read-only lookup of sub-events keyed by phase. The rng is the
// only mutable part and belongs to the run that built the catalog.
type Catalog struct {
	events  []domain.SubEvent
	byPhase map[domain.PhaseID][]int
	rng     *rand.Rand
}

// NewCatalog validates events against the schedule. A nil rng gets a randomly
// seeded source.
func NewCatalog(schedule *phase.Schedule, events []domain.SubEvent, rng *rand.Rand) (*Catalog, error) {
	if schedule == nil {
		return nil, fmt.Errorf("disruption catalog needs a phase schedule")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	c := &Catalog{
		events:  make([]domain.SubEvent, 0, len(events)),
		byPhase: make(map[domain.PhaseID][]int),
		rng:     rng,
	}
	for i, ev := range events {
		ev.Name = strings.TrimSpace(ev.Name)
		if ev.Name == "" {
			return nil, fmt.Errorf("sub-event %d: name is required", i)
		}
		if !schedule.Has(ev.Phase) {
			return nil, fmt.Errorf("sub-event %s: unknown phase %q", ev.Name, ev.Phase)
		}
		if ev.Urgency == "" {
			ev.Urgency = domain.LevelMedium
		}
		if ev.Impact == "" {
			ev.Impact = domain.LevelMedium
		}
		if !ev.Urgency.Valid() || !ev.Impact.Valid() {
			return nil, fmt.Errorf("sub-event %s: urgency and impact must be low, medium or high", ev.Name)
		}
		c.byPhase[ev.Phase] = append(c.byPhase[ev.Phase], len(c.events))
		c.events = append(c.events, ev)
	}
	return c, nil
}

// Filter keeps only the events whose phase exists in schedule. It lets a
// default catalog be reused against a custom schedule.
func Filter(schedule *phase.Schedule, events []domain.SubEvent) []domain.SubEvent {
	var out []domain.SubEvent
	for _, ev := range events {
		if schedule.Has(ev.Phase) {
			out = append(out, ev)
		}
	}
	return out
}

// MaybeTrigger decides whether slot carries a disruption. A fresh interval in
// [MinInterval, MaxInterval] is drawn on every check; the slot fires when it
// is a positive multiple of that interval. A firing slot with no sub-event for
// the current phase is quiet.
func (c *Catalog) MaybeTrigger(current domain.PhaseID, slot int) *domain.SubEvent {
	if c == nil || slot <= 0 {
		return nil
	}
	interval := MinInterval + c.rng.IntN(MaxInterval-MinInterval+1)
	if slot%interval != 0 {
		return nil
	}
	candidates := c.byPhase[current]
	if len(candidates) == 0 {
		return nil
	}
	ev := c.events[candidates[c.rng.IntN(len(candidates))]]
	return &ev
}

// ForPhase lists the sub-events tied to id.
func (c *Catalog) ForPhase(id domain.PhaseID) []domain.SubEvent {
	if c == nil {
		return nil
	}
	idx := c.byPhase[id]
	out := make([]domain.SubEvent, 0, len(idx))
	for _, i := range idx {
		out = append(out, c.events[i])
	}
	return out
}

// Events returns every sub-event in declaration order.
func (c *Catalog) Events() []domain.SubEvent {
	if c == nil {
		return nil
	}
	out := make([]domain.SubEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.events)
}
