package roster

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/internal/domain"
)

func agents(names ...string) []domain.Agent {
	out := make([]domain.Agent, 0, len(names))
	for _, n := range names {
		out = append(out, domain.Agent{Name: n, Role: "member"})
	}
	return out
}

func TestSelectNeverRepeatsLastSpeaker(t *testing.T) {
	p, err := NewPool(agents("Mara", "Jonas", "Ike"), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	var last *domain.Agent
	for i := 0; i < 500; i++ {
		next := p.Select(last)
		if last != nil {
			require.NotEqual(t, last.Name, next.Name, "slot %d repeated a speaker", i)
		}
		last = &next
	}
}

func TestSelectSingleAgentFallsBackToFullPool(t *testing.T) {
	p, err := NewPool(agents("Solo"), nil)
	require.NoError(t, err)

	last := p.Select(nil)
	for i := 0; i < 10; i++ {
		next := p.Select(&last)
		assert.Equal(t, "Solo", next.Name)
		last = next
	}
}

func TestSelectReachesEveryCandidate(t *testing.T) {
	p, err := NewPool(agents("A", "B", "C", "D"), rand.New(rand.NewPCG(5, 6)))
	require.NoError(t, err)
	seen := map[string]int{}
	last := domain.Agent{Name: "A"}
	for i := 0; i < 300; i++ {
		seen[p.Select(&last).Name]++
	}
	assert.Zero(t, seen["A"])
	assert.Positive(t, seen["B"])
	assert.Positive(t, seen["C"])
	assert.Positive(t, seen["D"])
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(nil, nil)
	require.ErrorIs(t, err, ErrEmpty)

	_, err = NewPool(agents("Ann", "ann"), nil)
	require.Error(t, err)

	_, err = NewPool(agents(" "), nil)
	require.Error(t, err)

	p, err := NewPool(agents("Ann"), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.LevelLow, p.Agents()[0].DecisionPower)
}
