// Package orchestrator drives one generation run: it walks the slots of a
// conversation, asks the dialogue synthesizer for each message, and keeps the
// checkpoint sink in step with what has been produced.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"threadline/internal/checkpoint"
	"threadline/internal/dialogue"
	"threadline/internal/disruption"
	"threadline/internal/domain"
	"threadline/internal/phase"
	"threadline/internal/roster"
)

type State string

const (
	StateInit        State = "init"
	StateGenerating  State = "generating"
	StateFinalizing  State = "finalizing"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
	StateDone        State = "done"
)

const (
	DefaultHistoryWindow = 3
	DefaultMinChars      = 30
	DefaultMaxChars      = 100
)

var (
	ErrNoEvent  = errors.New("main event is required")
	ErrNoAgents = errors.New("at least one agent is required")
	ErrNoPhases = errors.New("phase schedule is required")
)

// Event types handed to the Recorder.
const (
	EventRunStarted          = "run.started"
	EventPhaseEntered        = "phase.entered"
	EventDisruptionTriggered = "disruption.triggered"
	EventCheckpointFlushed   = "checkpoint.flushed"
	EventRunFinalized        = "run.finalized"
	EventRunInterrupted      = "run.interrupted"
	EventRunFailed           = "run.failed"
)

// Sink receives checkpoint batches and the final transcript.
type Sink interface {
	Append(batch []domain.Message) error
	Finalize(transcript []domain.Message) (checkpoint.Artifacts, error)
	AbortPartial() (checkpoint.Artifacts, error)
}

// Recorder observes run milestones. Recording is best effort; a failing
// recorder never stops a run.
type Recorder interface {
	Record(ctx context.Context, typ string, payload map[string]any) error
}

type Options struct {
	Event   string
	Context string

	Schedule    *phase.Schedule
	Catalog     *disruption.Catalog
	Pool        *roster.Pool
	Synthesizer dialogue.Synthesizer
	Sink        Sink
	Recorder    Recorder

	TargetMessages int
	// TotalDuration is the simulated wall-clock span of the conversation.
	// Zero uses the schedule's total hours, or one hour for an all-zero schedule.
	TotalDuration time.Duration
	// Start is the timestamp of slot 0. Zero means Now() minus TotalDuration.
	Start              time.Time
	CheckpointInterval int
	HistoryWindow      int
	// Jitter is the maximum absolute offset added to each timestamp.
	Jitter   time.Duration
	Pacing   time.Duration
	MinChars int
	MaxChars int

	Rng    *rand.Rand
	Now    func() time.Time
	Logger *zap.Logger
}

type Result struct {
	Transcript  []domain.Message
	Partial     bool
	State       State
	Artifacts   checkpoint.Artifacts
	Produced    int
	Persisted   int
	Flushes     int
	Disruptions int
	Fallbacks   int
}

// RunError reports a failed run together with how far it got.
type RunError struct {
	State     State
	Produced  int
	Persisted int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed while %s after %d messages (%d persisted): %v", e.State, e.Produced, e.Persisted, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Orchestrator owns every piece of mutable state of a single run. It is not
// reusable: call Run once.
type Orchestrator struct {
	opts  Options
	rng   *rand.Rand
	log   *zap.Logger
	state State

	transcript  []domain.Message
	pending     []domain.Message
	history     []dialogue.Turn
	last        *domain.Agent
	persisted   int
	flushes     int
	disruptions int
	fallbacks   int
	ran         bool
}

// New validates opts and fills defaults.
func New(opts Options) (*Orchestrator, error) {
	opts.Event = strings.TrimSpace(opts.Event)
	if opts.Event == "" {
		return nil, ErrNoEvent
	}
	if opts.Pool == nil || opts.Pool.Len() == 0 {
		return nil, ErrNoAgents
	}
	if opts.Schedule == nil || opts.Schedule.Len() == 0 {
		return nil, ErrNoPhases
	}
	if opts.Synthesizer == nil {
		return nil, fmt.Errorf("dialogue synthesizer is required")
	}
	if opts.TargetMessages <= 0 {
		return nil, fmt.Errorf("target messages must be > 0, got %d", opts.TargetMessages)
	}
	if opts.CheckpointInterval < 0 || opts.HistoryWindow < 0 || opts.Jitter < 0 || opts.Pacing < 0 {
		return nil, fmt.Errorf("checkpoint interval, history window, jitter and pacing must not be negative")
	}
	if opts.CheckpointInterval == 0 {
		opts.CheckpointInterval = checkpoint.DefaultInterval
	}
	if opts.HistoryWindow == 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.MaxChars < opts.MinChars {
		opts.MaxChars = max(DefaultMaxChars, opts.MinChars)
	}
	if opts.TotalDuration <= 0 {
		opts.TotalDuration = time.Duration(opts.Schedule.TotalHours() * float64(time.Hour))
		if opts.TotalDuration <= 0 {
			opts.TotalDuration = time.Hour
		}
	}
	if opts.Sink == nil {
		opts.Sink = checkpoint.Discard{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Start.IsZero() {
		opts.Start = opts.Now().Add(-opts.TotalDuration)
	}
	rng := opts.Rng
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{opts: opts, rng: rng, log: log, state: StateInit}, nil
}

// Run generates the conversation. Cancelling ctx stops the run between
// slots; the messages produced so far are flushed and returned with
// Partial set and a nil error. Any other failure returns a *RunError along
// with the partial result.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if o.ran {
		return Result{}, fmt.Errorf("orchestrator already ran")
	}
	o.ran = true
	target := o.opts.TargetMessages
	o.transcript = make([]domain.Message, 0, target)
	o.state = StateGenerating

	o.log.Info("run started",
		zap.String("event", o.opts.Event),
		zap.Int("target", target),
		zap.Int("phases", o.opts.Schedule.Len()),
		zap.Int("agents", o.opts.Pool.Len()),
		zap.Int("sub_events", o.opts.Catalog.Len()),
		zap.Int("checkpoint_interval", o.opts.CheckpointInterval))
	o.record(ctx, EventRunStarted, map[string]any{
		"event":  o.opts.Event,
		"target": target,
		"phases": o.opts.Schedule.Len(),
		"agents": o.opts.Pool.Len(),
	})

	var current domain.PhaseID
	for slot := 0; slot < target; slot++ {
		if ctx.Err() != nil {
			return o.interrupt(ctx)
		}
		progress := float64(slot) / float64(target)
		ph := o.opts.Schedule.Resolve(progress)
		if ph.ID != current {
			current = ph.ID
			o.log.Info("phase entered", zap.String("phase", string(ph.ID)), zap.Int("slot", slot))
			o.record(ctx, EventPhaseEntered, map[string]any{"phase": ph.ID, "name": ph.Name, "slot": slot})
		}

		ev := o.opts.Catalog.MaybeTrigger(ph.ID, slot)
		if ev != nil {
			o.disruptions++
			o.log.Info("disruption triggered", zap.String("sub_event", ev.Name), zap.String("phase", string(ph.ID)), zap.Int("slot", slot))
			o.record(ctx, EventDisruptionTriggered, map[string]any{"sub_event": ev.Name, "phase": ph.ID, "slot": slot})
		}

		speaker := o.opts.Pool.Select(o.last)
		content, fallback, err := o.synthesize(ctx, dialogue.Request{
			Event:      o.opts.Event,
			Context:    o.opts.Context,
			Speaker:    speaker,
			Phase:      ph,
			History:    append([]dialogue.Turn(nil), o.history...),
			Disruption: ev,
			Progress:   progress,
			Slot:       slot,
			Total:      target,
			MinChars:   o.opts.MinChars,
			MaxChars:   o.opts.MaxChars,
		})
		if err != nil {
			if ctx.Err() != nil {
				return o.interrupt(ctx)
			}
			return o.fail(ctx, err)
		}

		msg := domain.Message{
			Sender:     speaker,
			Content:    content,
			Timestamp:  o.timestamp(slot),
			Phase:      ph.ID,
			SubEvent:   ev,
			Slot:       slot,
			IsFallback: fallback,
		}
		o.transcript = append(o.transcript, msg)
		o.pending = append(o.pending, msg)
		o.last = &msg.Sender
		o.history = append(o.history, dialogue.Turn{Sender: speaker.Name, Role: speaker.Role, Content: content})
		if len(o.history) > o.opts.HistoryWindow {
			o.history = o.history[len(o.history)-o.opts.HistoryWindow:]
		}

		if len(o.transcript)%o.opts.CheckpointInterval == 0 {
			if err := o.flush(ctx); err != nil {
				return o.fail(ctx, err)
			}
		}

		if slot < target-1 && !o.pace(ctx) {
			return o.interrupt(ctx)
		}
	}
	return o.finalize(ctx)
}

// synthesize returns the message text for a slot. Errors that only affect
// this slot are absorbed into a fallback message.
func (o *Orchestrator) synthesize(ctx context.Context, req dialogue.Request) (string, bool, error) {
	content, err := o.opts.Synthesizer.Synthesize(ctx, req)
	if err == nil {
		content, err = dialogue.Clean(content)
	}
	if err == nil {
		return content, false, nil
	}
	if ctx.Err() != nil || errors.Is(err, dialogue.ErrUnavailable) {
		return "", false, err
	}
	o.fallbacks++
	o.log.Warn("using fallback message",
		zap.Int("slot", req.Slot),
		zap.String("speaker", req.Speaker.Name),
		zap.Error(err))
	return dialogue.Fallback(req.Phase), true, nil
}

func (o *Orchestrator) timestamp(slot int) time.Time {
	offset := time.Duration(float64(o.opts.TotalDuration) * float64(slot) / float64(o.opts.TargetMessages))
	if j := o.opts.Jitter; j > 0 {
		offset += time.Duration((o.rng.Float64()*2 - 1) * float64(j))
	}
	return o.opts.Start.Add(offset)
}

// pace waits between slots. It reports false when ctx ends first.
func (o *Orchestrator) pace(ctx context.Context) bool {
	if o.opts.Pacing <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(o.opts.Pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (o *Orchestrator) flush(ctx context.Context) error {
	if len(o.pending) == 0 {
		return nil
	}
	n := len(o.pending)
	if err := o.opts.Sink.Append(o.pending); err != nil {
		return fmt.Errorf("checkpoint flush of %d messages: %w", n, err)
	}
	o.pending = nil
	o.persisted += n
	o.flushes++
	o.log.Debug("checkpoint flushed", zap.Int("batch", n), zap.Int("persisted", o.persisted))
	o.record(ctx, EventCheckpointFlushed, map[string]any{"batch": n, "persisted": o.persisted})
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context) (Result, error) {
	o.state = StateFinalizing
	if err := o.flush(ctx); err != nil {
		return o.fail(ctx, err)
	}
	sorted := append([]domain.Message(nil), o.transcript...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	arts, err := o.opts.Sink.Finalize(sorted)
	if err != nil {
		return o.fail(ctx, fmt.Errorf("finalize transcript: %w", err))
	}
	o.transcript = sorted
	o.state = StateDone
	o.log.Info("run finalized",
		zap.Int("messages", len(sorted)),
		zap.Int("disruptions", o.disruptions),
		zap.Int("fallbacks", o.fallbacks))
	o.record(ctx, EventRunFinalized, map[string]any{"messages": len(sorted), "persisted": o.persisted})
	return o.result(arts, false), nil
}

func (o *Orchestrator) interrupt(ctx context.Context) (Result, error) {
	o.state = StateInterrupted
	// the run context is already done; milestones still get recorded
	rctx := context.WithoutCancel(ctx)
	if err := o.flush(rctx); err != nil {
		o.log.Error("tail flush after interrupt failed", zap.Error(err))
	}
	arts, err := o.opts.Sink.AbortPartial()
	if err != nil {
		o.log.Error("abort partial", zap.Error(err))
	}
	o.state = StateDone
	o.log.Warn("run interrupted",
		zap.Int("produced", len(o.transcript)),
		zap.Int("persisted", o.persisted))
	o.record(rctx, EventRunInterrupted, map[string]any{"produced": len(o.transcript), "persisted": o.persisted})
	return o.result(arts, true), nil
}

func (o *Orchestrator) fail(ctx context.Context, cause error) (Result, error) {
	failedIn := o.state
	o.state = StateFailed
	rctx := context.WithoutCancel(ctx)
	if err := o.flush(rctx); err != nil {
		o.log.Error("best-effort flush failed", zap.Error(err))
	}
	arts, err := o.opts.Sink.AbortPartial()
	if err != nil {
		o.log.Error("abort partial", zap.Error(err))
	}
	runErr := &RunError{State: failedIn, Produced: len(o.transcript), Persisted: o.persisted, Err: cause}
	o.log.Error("run failed", zap.Error(runErr))
	o.record(rctx, EventRunFailed, map[string]any{
		"state":     failedIn,
		"produced":  runErr.Produced,
		"persisted": runErr.Persisted,
		"error":     cause.Error(),
	})
	res := o.result(arts, true)
	return res, runErr
}

func (o *Orchestrator) result(arts checkpoint.Artifacts, partial bool) Result {
	return Result{
		Transcript:  o.transcript,
		Partial:     partial,
		State:       o.state,
		Artifacts:   arts,
		Produced:    len(o.transcript),
		Persisted:   o.persisted,
		Flushes:     o.flushes,
		Disruptions: o.disruptions,
		Fallbacks:   o.fallbacks,
	}
}

func (o *Orchestrator) record(ctx context.Context, typ string, payload map[string]any) {
	if err := o.opts.Recorder.Record(ctx, typ, payload); err != nil {
		o.log.Warn("record event", zap.String("type", typ), zap.Error(err))
	}
}

// Run is shorthand for New followed by Run.
func Run(ctx context.Context, opts Options) (Result, error) {
	o, err := New(opts)
	if err != nil {
		return Result{}, err
	}
	return o.Run(ctx)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, string, map[string]any) error { return nil }
