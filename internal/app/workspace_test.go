package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/internal/config"
	"threadline/internal/dialogue"
	"threadline/internal/migrate"
)

func TestOpenUsesDefaultsWithoutConfig(t *testing.T) {
	dir := t.TempDir()
	ws, err := Open(dir, OpenOptions{})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, 1000, ws.Config.Generation.TargetMessages)
	assert.Equal(t, filepath.Join(dir, "output"), ws.Config.Checkpoint.OutputDir)
	pending, err := migrate.Pending(ws.Conn)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.FileExists(t, filepath.Join(dir, ".threadline", "threadline.db"))
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	dir := t.TempDir()
	data := []byte("generation:\n  target_messages: 42\ncheckpoint:\n  output_dir: /abs/out\n")
	require.NoError(t, os.WriteFile(config.Path(dir), data, 0o644))

	ws, err := Open(dir, OpenOptions{})
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 42, ws.Config.Generation.TargetMessages)
	assert.Equal(t, "/abs/out", ws.Config.Checkpoint.OutputDir)
	assert.Equal(t, 10, ws.Config.Checkpoint.Interval)

	e := ws.Engine()
	assert.Same(t, ws.Config, e.Config)
}

func TestOpenRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	require.NoError(t, os.WriteFile(path, []byte("checkpoint:\n  interval: 0\n"), 0o644))
	_, err := Open(dir, OpenOptions{ConfigPath: path})
	require.Error(t, err)
}

func TestDialogueSelection(t *testing.T) {
	cfg := config.Default()
	synth, gen, err := Dialogue(context.Background(), cfg, DialogueOptions{Offline: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &dialogue.Scripted{}, synth)
	assert.Nil(t, gen)

	_, _, err = Dialogue(context.Background(), cfg, DialogueOptions{}, nil)
	assert.True(t, errors.Is(err, dialogue.ErrUnavailable))
}
