package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1000, cfg.Generation.TargetMessages)
	assert.Equal(t, 10, cfg.Checkpoint.Interval)
	assert.Equal(t, []string{"log", "bubble"}, cfg.Checkpoint.Styles)
	jitter, err := cfg.JitterDuration()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, jitter)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("generation:\n  target_messages: 50\ndialogue:\n  provider: scripted\n"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Generation.TargetMessages)
	assert.Equal(t, 240.0, cfg.Generation.DurationHours)
	assert.Equal(t, ProviderScripted, cfg.Dialogue.Provider)
}

func TestValidateRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"zero target":   "generation:\n  target_messages: 0\n",
		"zero hours":    "generation:\n  duration_hours: 0\n",
		"bad jitter":    "generation:\n  jitter: soon\n",
		"zero interval": "checkpoint:\n  interval: 0\n",
		"bad style":     "checkpoint:\n  styles: [sms]\n",
		"bad provider":  "dialogue:\n  provider: oracle\n",
		"chars":         "dialogue:\n  min_chars: 90\n  max_chars: 10\n",
		"bad source":    "catalog:\n  source: web\n",
		"dup webhook":   "webhooks:\n  - {id: a, url: http://x}\n  - {id: a, url: http://y}\n",
		"webhook url":   "webhooks:\n  - {id: a, url: ftp://x}\n",
		"not yaml":      "generation: [",
	} {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
