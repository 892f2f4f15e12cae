package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"threadline/internal/domain"
)

// Snapshot records the exact inputs of a run so it can be inspected or
// replayed later.
type Snapshot struct {
	RunID       string            `yaml:"run_id"`
	GeneratedAt time.Time         `yaml:"generated_at"`
	Event       string            `yaml:"event"`
	Context     string            `yaml:"context,omitempty"`
	Mode        string            `yaml:"mode"`
	Phases      []domain.Phase    `yaml:"phases"`
	SubEvents   []domain.SubEvent `yaml:"sub_events"`
	Agents      []domain.Agent    `yaml:"agents"`
}

// WriteSnapshot stores snap as <dir>/<run id>-config.yml and returns the path.
func WriteSnapshot(dir string, snap Snapshot) (string, error) {
	if snap.RunID == "" {
		return "", fmt.Errorf("snapshot: run id is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("snapshot: ensure %s: %w", dir, err)
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("snapshot: encode: %w", err)
	}
	path := filepath.Join(dir, snap.RunID+"-config.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return path, nil
}

// ReadSnapshot loads a snapshot written by WriteSnapshot.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return &snap, nil
}
