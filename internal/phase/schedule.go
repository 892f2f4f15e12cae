// Package phase turns a progress ratio into the active phase of a run.
package phase

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"threadline/internal/domain"
)

var ErrEmpty = errors.New("phase schedule is empty")

// Schedule is an ordered, immutable list of phases. It is safe to share
// between goroutines once built.
type Schedule struct {
	phases     []domain.Phase
	cumulative []float64
	index      map[domain.PhaseID]int
	total      float64
}

// NewSchedule validates phases and freezes their declared order.
func NewSchedule(phases []domain.Phase) (*Schedule, error) {
	if len(phases) == 0 {
		return nil, ErrEmpty
	}
	s := &Schedule{
		phases:     make([]domain.Phase, len(phases)),
		cumulative: make([]float64, len(phases)),
		index:      make(map[domain.PhaseID]int, len(phases)),
	}
	copy(s.phases, phases)
	for i, p := range s.phases {
		id := domain.PhaseID(strings.TrimSpace(string(p.ID)))
		if id == "" {
			return nil, fmt.Errorf("phase %d: id is required", i)
		}
		if _, dup := s.index[id]; dup {
			return nil, fmt.Errorf("phase %s declared twice", id)
		}
		if p.Hours < 0 || math.IsNaN(p.Hours) || math.IsInf(p.Hours, 0) {
			return nil, fmt.Errorf("phase %s: invalid duration %v", id, p.Hours)
		}
		for _, dep := range p.Dependencies {
			if _, ok := s.index[dep]; !ok {
				return nil, fmt.Errorf("phase %s depends on %s, which is not declared before it", id, dep)
			}
		}
		s.phases[i].ID = id
		if s.phases[i].Name == "" {
			s.phases[i].Name = string(id)
		}
		s.index[id] = i
		s.total += p.Hours
		s.cumulative[i] = s.total
	}
	return s, nil
}

// MustSchedule is NewSchedule for built-in catalogs.
func MustSchedule(phases []domain.Phase) *Schedule {
	s, err := NewSchedule(phases)
	if err != nil {
		panic(err)
	}
	return s
}

// Single builds the one-phase schedule used for single-scene runs.
func Single(topic string, hours float64) *Schedule {
	if hours < 0 {
		hours = 0
	}
	return MustSchedule([]domain.Phase{{
		ID:          "scene",
		Name:        topic,
		Description: topic,
		Hours:       hours,
	}})
}

// Resolve returns the phase active at progress. Progress at or beyond 1, or
// rounding past the last boundary, resolves to the final phase.
func (s *Schedule) Resolve(progress float64) domain.Phase {
	return s.phases[s.resolveIndex(progress)]
}

func (s *Schedule) resolveIndex(progress float64) int {
	last := len(s.phases) - 1
	if progress >= 1 || math.IsNaN(progress) {
		return last
	}
	if progress < 0 {
		progress = 0
	}
	elapsed := progress * s.total
	for i, cum := range s.cumulative {
		if cum < elapsed {
			continue
		}
		// A zero-duration phase sitting exactly on this boundary is instantaneous
		// and owns that single point.
		if elapsed == cum {
			for j := i + 1; j <= last && s.cumulative[j] == cum; j++ {
				if s.phases[j].Hours == 0 && s.phases[i].Hours > 0 {
					return j
				}
			}
		}
		return i
	}
	return last
}

// IndexOf reports the declared position of id.
func (s *Schedule) IndexOf(id domain.PhaseID) (int, bool) {
	i, ok := s.index[id]
	return i, ok
}

func (s *Schedule) Has(id domain.PhaseID) bool {
	_, ok := s.index[id]
	return ok
}

// Phases returns a copy of the phases in declared order.
func (s *Schedule) Phases() []domain.Phase {
	out := make([]domain.Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

func (s *Schedule) Len() int { return len(s.phases) }

// TotalHours is the summed duration of every phase.
func (s *Schedule) TotalHours() float64 { return s.total }

// Window reports the [start,end) progress range owned by the phase at index i.
func (s *Schedule) Window(i int) (start, end float64) {
	if i < 0 || i >= len(s.phases) || s.total == 0 {
		return 0, 0
	}
	prev := 0.0
	if i > 0 {
		prev = s.cumulative[i-1]
	}
	return prev / s.total, s.cumulative[i] / s.total
}
