package roster

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"threadline/internal/domain"
)

var ErrEmpty = errors.New("agent pool is empty")

// Pool is the fixed set of personas taking part in one run.
type Pool struct {
	agents []domain.Agent
	rng    *rand.Rand
}

// NewPool validates agent names (non-empty, unique case-insensitively).
func NewPool(agents []domain.Agent, rng *rand.Rand) (*Pool, error) {
	if len(agents) == 0 {
		return nil, ErrEmpty
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	seen := make(map[string]struct{}, len(agents))
	p := &Pool{agents: make([]domain.Agent, 0, len(agents)), rng: rng}
	for i, a := range agents {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d: name is required", i)
		}
		key := strings.ToLower(a.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("agent %s appears twice", a.Name)
		}
		seen[key] = struct{}{}
		if a.DecisionPower == "" {
			a.DecisionPower = domain.LevelLow
		}
		p.agents = append(p.agents, a)
	}
	return p, nil
}

// Select picks the next speaker uniformly among everyone except last. When
// that leaves nobody (a pool of one) the full pool is used.
func (p *Pool) Select(last *domain.Agent) domain.Agent {
	candidates := p.agents
	if last != nil {
		filtered := make([]domain.Agent, 0, len(p.agents))
		for _, a := range p.agents {
			if !strings.EqualFold(a.Name, last.Name) {
				filtered = append(filtered, a)
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}
	return candidates[p.rng.IntN(len(candidates))]
}

// Agents returns a copy of the pool.
func (p *Pool) Agents() []domain.Agent {
	out := make([]domain.Agent, len(p.agents))
	copy(out, p.agents)
	return out
}

func (p *Pool) Len() int { return len(p.agents) }
