// Package checkpoint persists a run's messages while it is still being
// generated, so an interrupted or failed run keeps everything produced so far.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"threadline/internal/domain"
	"threadline/internal/render"
)

const (
	DefaultInterval = 10

	inProgressDir = "inprogress"
	committedDir  = "transcripts"
)

var ErrClosed = errors.New("checkpoint sink is closed")

// Artifact is one destination file of a run.
type Artifact struct {
	Style render.Style `json:"style"`
	Path  string       `json:"path"`
}

// Artifacts lists where a run's output lives. Committed is false while the
// files are still in-progress checkpoints.
type Artifacts struct {
	Committed bool       `json:"committed"`
	Files     []Artifact `json:"files"`
}

// Path returns the file for style, or "".
func (a Artifacts) Path(style render.Style) string {
	for _, f := range a.Files {
		if f.Style == style {
			return f.Path
		}
	}
	return ""
}

type Options struct {
	Dir    string
	Meta   render.Meta
	Styles []render.Style
	Logger *zap.Logger
}

type destination struct {
	style     render.Style
	live      string
	committed string
	file      *os.File
	// written counts messages this file holds; it runs ahead of the sink's
	// persisted count when a sibling file failed the last batch.
	written int
	done    bool
}

// FileSink appends batches to one in-progress file per style. No other writer
// may touch those files while the sink is open.
type FileSink struct {
	runID     string
	meta      render.Meta
	dests     []*destination
	persisted int
	closed    bool
	committed bool
	log       *zap.Logger
	mu        sync.Mutex
}

// Open creates the in-progress artifacts for runID and writes their headers.
func Open(runID string, opts Options) (*FileSink, error) {
	if runID == "" {
		return nil, fmt.Errorf("checkpoint: run id is required")
	}
	if opts.Dir == "" {
		opts.Dir = "output"
	}
	styles := opts.Styles
	if len(styles) == 0 {
		styles = render.Styles
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for _, dir := range []string{filepath.Join(opts.Dir, inProgressDir), filepath.Join(opts.Dir, committedDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("checkpoint: ensure %s: %w", dir, err)
		}
	}
	s := &FileSink{runID: runID, meta: opts.Meta, log: log}
	for _, style := range styles {
		name := fmt.Sprintf("%s-%s.txt", runID, style)
		d := &destination{
			style:     style,
			live:      filepath.Join(opts.Dir, inProgressDir, name),
			committed: filepath.Join(opts.Dir, committedDir, name),
		}
		f, err := os.OpenFile(d.live, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			_ = s.closeFiles()
			return nil, fmt.Errorf("checkpoint: open %s: %w", d.live, err)
		}
		d.file = f
		s.dests = append(s.dests, d)
		if _, err := f.WriteString(render.Header(style, opts.Meta, true, 0)); err != nil {
			_ = s.closeFiles()
			return nil, fmt.Errorf("checkpoint: write header %s: %w", d.live, err)
		}
	}
	return s, nil
}

// Append writes batch to every destination concurrently. An empty batch is a
// no-op. A batch counts as persisted only once every file holds it. After a
// failure the caller retries with a batch that starts with the failed one;
// files that already took part of it only receive what they are missing.
func (s *FileSink) Append(batch []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(batch) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, d := range s.dests {
		ahead := d.written - s.persisted
		if ahead >= len(batch) {
			continue
		}
		if ahead < 0 {
			ahead = 0
		}
		rest := batch[ahead:]
		g.Go(func() error {
			if _, err := d.file.WriteString(render.Lines(d.style, rest)); err != nil {
				return fmt.Errorf("checkpoint: append %s: %w", d.live, err)
			}
			if err := d.file.Sync(); err != nil {
				return fmt.Errorf("checkpoint: sync %s: %w", d.live, err)
			}
			d.written = s.persisted + len(batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.persisted += len(batch)
	s.log.Debug("checkpoint flushed",
		zap.String("run_id", s.runID),
		zap.Int("batch", len(batch)),
		zap.Int("persisted", s.persisted))
	return nil
}

// Finalize writes the committed documents (temp file then rename). The
// in-progress files are removed only once every document is committed; on a
// partial failure each file is reported where it actually lives.
func (s *FileSink) Finalize(transcript []domain.Message) (Artifacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.artifacts(), ErrClosed
	}
	if err := s.closeFiles(); err != nil {
		s.log.Warn("closing in-progress files", zap.String("run_id", s.runID), zap.Error(err))
	}
	s.closed = true
	var g errgroup.Group
	for _, d := range s.dests {
		g.Go(func() error {
			tmp := d.committed + ".tmp"
			if err := os.WriteFile(tmp, []byte(render.Document(d.style, s.meta, transcript)), 0o644); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("checkpoint: write %s: %w", tmp, err)
			}
			if err := os.Rename(tmp, d.committed); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("checkpoint: commit %s: %w", d.committed, err)
			}
			d.done = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.artifacts(), err
	}
	s.committed = true
	var errs []error
	for _, d := range s.dests {
		if err := os.Remove(d.live); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("removing in-progress files", zap.String("run_id", s.runID), zap.Error(err))
	}
	s.log.Info("transcript committed", zap.String("run_id", s.runID), zap.Int("messages", len(transcript)))
	return s.artifacts(), nil
}

// AbortPartial closes the sink and leaves the in-progress files in place.
// Calling it on a closed sink returns the current artifacts.
func (s *FileSink) AbortPartial() (Artifacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.artifacts(), nil
	}
	s.closed = true
	err := s.closeFiles()
	if err != nil {
		s.log.Error("closing in-progress files", zap.String("run_id", s.runID), zap.Error(err))
	}
	s.log.Info("checkpoint left in progress",
		zap.String("run_id", s.runID),
		zap.Int("persisted", s.persisted))
	return s.artifacts(), err
}

// Persisted counts messages durably appended so far.
func (s *FileSink) Persisted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persisted
}

func (s *FileSink) artifacts() Artifacts {
	out := Artifacts{Committed: s.committed}
	for _, d := range s.dests {
		path := d.live
		if d.done {
			path = d.committed
		}
		out.Files = append(out.Files, Artifact{Style: d.style, Path: path})
	}
	return out
}

func (s *FileSink) closeFiles() error {
	var errs []error
	for _, d := range s.dests {
		if d.file != nil {
			if err := d.file.Close(); err != nil {
				errs = append(errs, fmt.Errorf("checkpoint: close %s: %w", d.live, err))
			}
			d.file = nil
		}
	}
	return errors.Join(errs...)
}

// Discard is the sink used when checkpointing is disabled.
type Discard struct{}

func (Discard) Append([]domain.Message) error { return nil }

func (Discard) Finalize([]domain.Message) (Artifacts, error) { return Artifacts{}, nil }

func (Discard) AbortPartial() (Artifacts, error) { return Artifacts{}, nil }
