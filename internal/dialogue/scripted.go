package dialogue

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

var (
	openers = []string{
		"About %[1]s, I think",
		"On %[1]s:",
		"Quick update on %[1]s,",
		"Looking at %[1]s again,",
		"For %[1]s,",
		"Regarding %[1]s,",
	}
	bodies = []string{
		"we should lock the remaining open items before tomorrow.",
		"I can take the next task if nobody has claimed it yet.",
		"the checklist is mostly done, two items left on my side.",
		"let's keep it simple and confirm the owner for each deliverable.",
		"I'd like a second pair of eyes before we sign off.",
		"we are on schedule, but the margin is thin.",
		"I need a decision from whoever owns the budget.",
		"does anyone have the latest version of the plan?",
	}
	reactions = []string{
		"Heads up: %[1]s. We need to adjust.",
		"%[1]s just came up, who can look into it?",
		"Because of %[1]s, I suggest we pause and regroup.",
		"Noted on %[1]s. I'll loop in the right people.",
	}
	tails = []string{"", "", " Thoughts?", " Thanks all.", " On it.", " :)"}
)

// Scripted composes messages from fixed phrase templates. It never fails and
// needs no network; it backs offline runs and tests.
type Scripted struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewScripted(rng *rand.Rand) *Scripted {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scripted{rng: rng}
}

func (s *Scripted) Synthesize(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	topic := req.Phase.Name
	if topic == "" {
		topic = req.Event
	}
	var msg string
	if req.Disruption != nil {
		msg = fmt.Sprintf(s.pick(reactions), strings.ToLower(req.Disruption.Name))
	} else {
		msg = fmt.Sprintf(s.pick(openers), strings.ToLower(topic)) + " " + s.pick(bodies)
	}
	msg += s.pick(tails)
	if req.MaxChars > 0 && len([]rune(msg)) > req.MaxChars*2 {
		msg = string([]rune(msg)[:req.MaxChars*2])
	}
	return Clean(msg)
}

func (s *Scripted) pick(from []string) string {
	return from[s.rng.IntN(len(from))]
}
