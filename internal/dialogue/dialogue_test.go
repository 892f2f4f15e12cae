package dialogue

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"threadline/internal/domain"
)

func sampleRequest() Request {
	return Request{
		Event:   "Riverside food festival",
		Context: "two-day event, 40 stalls",
		Speaker: domain.Agent{
			Name: "Mara", Role: "Coordinator", Group: "Operations",
			Expertise: []string{"logistics", "permits"}, DecisionPower: domain.LevelHigh,
		},
		Phase:    domain.Phase{ID: "logistics", Name: "Logistics & Supplies", KeyTasks: []string{"book tents"}},
		History:  []Turn{{Sender: "Jonas", Role: "Volunteer lead", Content: "tents are reserved"}},
		Progress: 0.42,
		MinChars: 30,
		MaxChars: 100,
	}
}

func TestPromptIncludesRequestFields(t *testing.T) {
	req := sampleRequest()
	req.Disruption = &domain.SubEvent{Name: "Storm warning", Description: "heavy rain expected", Urgency: domain.LevelHigh, Impact: domain.LevelMedium}

	p, err := Prompt(req)
	require.NoError(t, err)
	for _, want := range []string{
		"Riverside food festival",
		"two-day event, 40 stalls",
		"Mara",
		"logistics, permits",
		"Logistics & Supplies (42% through",
		"Jonas (Volunteer lead): tents are reserved",
		"Storm warning",
		"Between 30 and 100 characters",
	} {
		assert.Contains(t, p, want)
	}
}

func TestPromptWithoutHistoryOrDisruption(t *testing.T) {
	req := sampleRequest()
	req.History = nil
	req.Context = ""
	p, err := Prompt(req)
	require.NoError(t, err)
	assert.NotContains(t, p, "Recent messages")
	assert.NotContains(t, p, "Something just happened")
	assert.Contains(t, p, "Background: none")
}

func TestClean(t *testing.T) {
	cases := map[string]string{
		"  hello  ":            "hello",
		`"quoted reply"`:       "quoted reply",
		"'single'":             "single",
		"“curly”":              "curly",
		`"keeps "inner" ones"`: `keeps "inner" ones`,
	}
	for in, want := range cases {
		got, err := Clean(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	for _, in := range []string{"", "   ", `""`, `" "`} {
		_, err := Clean(in)
		require.ErrorIs(t, err, ErrMalformed, "%q", in)
	}
}

func TestFallbackNamesPhase(t *testing.T) {
	assert.Equal(t, "About the Teardown phase, I need to double-check a few things...",
		Fallback(domain.Phase{ID: "teardown", Name: "Teardown"}))
	assert.Contains(t, Fallback(domain.Phase{ID: "teardown"}), "teardown")
}

func TestScriptedIsDeterministicPerSeed(t *testing.T) {
	req := sampleRequest()
	a := NewScripted(rand.New(rand.NewPCG(9, 9)))
	b := NewScripted(rand.New(rand.NewPCG(9, 9)))
	for i := 0; i < 20; i++ {
		ma, err := a.Synthesize(context.Background(), req)
		require.NoError(t, err)
		mb, err := b.Synthesize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, ma, mb)
		assert.NotEmpty(t, ma)
	}
}

func TestScriptedReactsToDisruption(t *testing.T) {
	req := sampleRequest()
	req.Disruption = &domain.SubEvent{Name: "Generator Failure"}
	msg, err := NewScripted(rand.New(rand.NewPCG(1, 1))).Synthesize(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, msg, "generator failure")
}

func TestScriptedHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScripted(nil).Synthesize(ctx, sampleRequest())
	require.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	err := classify(genai.APIError{Code: 403, Message: "permission denied"})
	require.ErrorIs(t, err, ErrUnavailable)

	err = classify(genai.APIError{Code: 500, Message: "backend hiccup"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnavailable))

	err = classify(fmt.Errorf("dial tcp: connection refused"))
	require.ErrorIs(t, err, ErrUnavailable)

	err = classify(context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{})
	require.ErrorIs(t, err, ErrUnavailable)
}
