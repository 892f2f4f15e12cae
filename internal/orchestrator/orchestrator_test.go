package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"threadline/internal/checkpoint"
	"threadline/internal/dialogue"
	"threadline/internal/disruption"
	"threadline/internal/domain"
	"threadline/internal/phase"
	"threadline/internal/roster"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type synthFunc func(ctx context.Context, req dialogue.Request) (string, error)

func (f synthFunc) Synthesize(ctx context.Context, req dialogue.Request) (string, error) {
	return f(ctx, req)
}

func echo(_ context.Context, req dialogue.Request) (string, error) {
	return fmt.Sprintf("%s says hi in %s (slot %d)", req.Speaker.Name, req.Phase.ID, req.Slot), nil
}

type memSink struct {
	mu        sync.Mutex
	batches   [][]domain.Message
	final     []domain.Message
	finalized bool
	aborted   bool
	failOn    int // 1-based Append call that fails; 0 never
	calls     int
}

func (s *memSink) Append(batch []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn > 0 && s.calls == s.failOn {
		return errors.New("disk full")
	}
	if len(batch) == 0 {
		return nil
	}
	s.batches = append(s.batches, append([]domain.Message(nil), batch...))
	return nil
}

func (s *memSink) Finalize(transcript []domain.Message) (checkpoint.Artifacts, error) {
	s.final = transcript
	s.finalized = true
	return checkpoint.Artifacts{Committed: true}, nil
}

func (s *memSink) AbortPartial() (checkpoint.Artifacts, error) {
	s.aborted = true
	return checkpoint.Artifacts{}, nil
}

func (s *memSink) sizes() []int {
	out := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func (s *memSink) persisted() int {
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

type memRecorder struct {
	types []string
}

func (r *memRecorder) Record(_ context.Context, typ string, _ map[string]any) error {
	r.types = append(r.types, typ)
	return nil
}

func (r *memRecorder) count(typ string) int {
	n := 0
	for _, t := range r.types {
		if t == typ {
			n++
		}
	}
	return n
}

var testStart = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testSchedule() *phase.Schedule {
	return phase.MustSchedule([]domain.Phase{
		{ID: "plan", Name: "Planning", Hours: 2},
		{ID: "run", Name: "Running", Hours: 3},
		{ID: "wrap", Name: "Wrap-up", Hours: 1},
	})
}

func testOptions(t *testing.T, target int, names ...string) (Options, *memSink) {
	t.Helper()
	if len(names) == 0 {
		names = []string{"Mara", "Jonas", "Ike"}
	}
	agents := make([]domain.Agent, 0, len(names))
	for _, n := range names {
		agents = append(agents, domain.Agent{Name: n, Role: "member"})
	}
	rng := rand.New(rand.NewPCG(42, 7))
	pool, err := roster.NewPool(agents, rng)
	require.NoError(t, err)
	sink := &memSink{}
	return Options{
		Event:          "Neighborhood clean-up day",
		Schedule:       testSchedule(),
		Pool:           pool,
		Synthesizer:    synthFunc(echo),
		Sink:           sink,
		TargetMessages: target,
		TotalDuration:  6 * time.Hour,
		Start:          testStart,
		Jitter:         6 * time.Minute,
		Rng:            rng,
	}, sink
}

func TestShortRunFlushesOnceAtFinalize(t *testing.T) {
	opts, sink := testOptions(t, 5)
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []int{5}, sink.sizes())
	assert.True(t, sink.finalized)
	assert.False(t, res.Partial)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, 5, res.Persisted)
	assert.Equal(t, 1, res.Flushes)
}

func TestFlushesAtIntervalBoundaries(t *testing.T) {
	opts, sink := testOptions(t, 25)
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []int{10, 10, 5}, sink.sizes())
	assert.Len(t, res.Transcript, 25)
	assert.Equal(t, 25, res.Persisted)
}

func TestNoSpeakerRepeatsConsecutively(t *testing.T) {
	opts, _ := testOptions(t, 200)
	opts.Jitter = 0
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	for i := 1; i < len(res.Transcript); i++ {
		require.NotEqual(t, res.Transcript[i-1].Sender.Name, res.Transcript[i].Sender.Name, "message %d", i)
	}
}

func TestSingleAgentSpeaksEverySlot(t *testing.T) {
	opts, _ := testOptions(t, 12, "Solo")
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, res.Transcript, 12)
	for _, m := range res.Transcript {
		assert.Equal(t, "Solo", m.Sender.Name)
	}
}

func TestFinalTranscriptIsSortedByTimestamp(t *testing.T) {
	opts, sink := testOptions(t, 60)
	opts.TotalDuration = 30 * time.Minute
	opts.Jitter = 20 * time.Minute
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, sort.SliceIsSorted(res.Transcript, func(i, j int) bool {
		return res.Transcript[i].Timestamp.Before(res.Transcript[j].Timestamp)
	}))
	assert.Equal(t, res.Transcript, sink.final)
}

func TestTimestampsStayWithinJitterOfSchedule(t *testing.T) {
	opts, _ := testOptions(t, 30)
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	for _, m := range res.Transcript {
		want := testStart.Add(time.Duration(float64(6*time.Hour) * float64(m.Slot) / 30))
		diff := m.Timestamp.Sub(want)
		assert.LessOrEqual(t, diff.Abs(), 6*time.Minute, "slot %d", m.Slot)
	}
}

func TestPhasesFollowProgress(t *testing.T) {
	opts, _ := testOptions(t, 60)
	opts.Jitter = 0
	rec := &memRecorder{}
	opts.Recorder = rec
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)

	bySlot := map[int]domain.PhaseID{}
	for _, m := range res.Transcript {
		bySlot[m.Slot] = m.Phase
	}
	assert.Equal(t, domain.PhaseID("plan"), bySlot[0])
	assert.Equal(t, domain.PhaseID("plan"), bySlot[19])
	assert.Equal(t, domain.PhaseID("run"), bySlot[21])
	assert.Equal(t, domain.PhaseID("run"), bySlot[49])
	assert.Equal(t, domain.PhaseID("wrap"), bySlot[52])
	assert.Equal(t, 3, rec.count(EventPhaseEntered))
	assert.Equal(t, 1, rec.count(EventRunStarted))
	assert.Equal(t, 1, rec.count(EventRunFinalized))
	assert.Equal(t, 6, rec.count(EventCheckpointFlushed))
}

func TestNoDisruptionBeforeMinimumInterval(t *testing.T) {
	opts, _ := testOptions(t, 40)
	cat, err := disruption.NewCatalog(opts.Schedule, []domain.SubEvent{
		{Name: "Rain", Phase: "plan"},
		{Name: "Lost keys", Phase: "run"},
	}, opts.Rng)
	require.NoError(t, err)
	opts.Catalog = cat
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, res.Disruptions)
	for _, m := range res.Transcript {
		assert.Nil(t, m.SubEvent)
	}
}

func TestDisruptionsMatchCurrentPhase(t *testing.T) {
	opts, _ := testOptions(t, 1000)
	opts.Jitter = 0
	cat, err := disruption.NewCatalog(opts.Schedule, []domain.SubEvent{
		{Name: "Rain", Phase: "run"},
	}, opts.Rng)
	require.NoError(t, err)
	opts.Catalog = cat
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	for _, m := range res.Transcript {
		if m.SubEvent != nil {
			assert.Equal(t, domain.PhaseID("run"), m.Phase)
			assert.GreaterOrEqual(t, m.Slot, disruption.MinInterval)
		}
	}
}

func TestMalformedResponseBecomesFallback(t *testing.T) {
	opts, _ := testOptions(t, 6)
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		switch req.Slot {
		case 2:
			return "   ", nil
		case 4:
			return "", fmt.Errorf("%w: bad json", dialogue.ErrMalformed)
		case 5:
			return "", errors.New("rate limited")
		}
		return echo(ctx, req)
	})
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Fallbacks)

	fallbacks := 0
	for _, m := range res.Transcript {
		if m.IsFallback {
			fallbacks++
			assert.Contains(t, m.Content, "phase, I need to double-check")
		}
	}
	assert.Equal(t, 3, fallbacks)
}

func TestUnavailableSynthesizerFailsRun(t *testing.T) {
	opts, sink := testOptions(t, 30)
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		if req.Slot == 13 {
			return "", fmt.Errorf("%w: 401", dialogue.ErrUnavailable)
		}
		return echo(ctx, req)
	})
	res, err := Run(context.Background(), opts)
	require.Error(t, err)
	require.ErrorIs(t, err, dialogue.ErrUnavailable)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StateGenerating, runErr.State)
	assert.Equal(t, 13, runErr.Produced)
	assert.Equal(t, 13, runErr.Persisted)
	assert.Equal(t, []int{10, 3}, sink.sizes())
	assert.True(t, sink.aborted)
	assert.False(t, sink.finalized)
	assert.Equal(t, StateFailed, res.State)
	assert.True(t, res.Partial)
}

func TestSinkFailureFailsRunAfterBestEffortFlush(t *testing.T) {
	opts, sink := testOptions(t, 30)
	sink.failOn = 2
	_, err := Run(context.Background(), opts)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 20, runErr.Produced)
	// the failed batch is retried once while aborting
	assert.Equal(t, 20, runErr.Persisted)
	assert.Equal(t, 20, sink.persisted())
	assert.True(t, sink.aborted)
}

func TestCancellationReturnsPartialTranscript(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts, sink := testOptions(t, 100)
	const k = 17
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		if req.Slot == k-1 {
			cancel()
		}
		return echo(ctx, req)
	})
	rec := &memRecorder{}
	opts.Recorder = rec

	res, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, StateDone, res.State)
	assert.Len(t, res.Transcript, k)
	assert.Equal(t, k, res.Persisted)
	assert.Equal(t, k, sink.persisted())
	assert.Equal(t, []int{10, 7}, sink.sizes())
	assert.True(t, sink.aborted)
	assert.False(t, sink.finalized)
	assert.Equal(t, 1, rec.count(EventRunInterrupted))
}

func TestCancellationDuringPacing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts, sink := testOptions(t, 100)
	opts.Pacing = time.Hour
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		cancel()
		return echo(ctx, req)
	})

	res, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Len(t, res.Transcript, 1)
	assert.Equal(t, 1, sink.persisted())
}

func TestCancelledInFlightCallIsInterruptNotFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts, _ := testOptions(t, 50)
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		if req.Slot == 4 {
			cancel()
			return "", fmt.Errorf("%w: %v", dialogue.ErrUnavailable, ctx.Err())
		}
		return echo(ctx, req)
	})
	res, err := Run(ctx, opts)
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Len(t, res.Transcript, 4)
}

func TestHistoryWindowIsBounded(t *testing.T) {
	opts, _ := testOptions(t, 10)
	var sizes []int
	opts.Synthesizer = synthFunc(func(ctx context.Context, req dialogue.Request) (string, error) {
		sizes = append(sizes, len(req.History))
		if len(req.History) > 0 {
			last := req.History[len(req.History)-1]
			assert.Contains(t, last.Content, fmt.Sprintf("slot %d", req.Slot-1))
		}
		return echo(ctx, req)
	})
	_, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 3, 3, 3, 3, 3, 3}, sizes)
}

func TestPreconditions(t *testing.T) {
	opts, _ := testOptions(t, 5)

	noEvent := opts
	noEvent.Event = "  "
	_, err := Run(context.Background(), noEvent)
	require.ErrorIs(t, err, ErrNoEvent)

	noAgents := opts
	noAgents.Pool = nil
	_, err = Run(context.Background(), noAgents)
	require.ErrorIs(t, err, ErrNoAgents)

	noPhases := opts
	noPhases.Schedule = nil
	_, err = Run(context.Background(), noPhases)
	require.ErrorIs(t, err, ErrNoPhases)

	noTarget := opts
	noTarget.TargetMessages = 0
	_, err = Run(context.Background(), noTarget)
	require.Error(t, err)
}

func TestRunTwiceIsRejected(t *testing.T) {
	opts, _ := testOptions(t, 3)
	o, err := New(opts)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.Error(t, err)
}

func TestDefaultStartIsNowMinusDuration(t *testing.T) {
	opts, _ := testOptions(t, 4)
	opts.Start = time.Time{}
	opts.Jitter = 0
	now := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return now }
	res, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-6*time.Hour), res.Transcript[0].Timestamp)
}
