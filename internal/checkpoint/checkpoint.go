// Package checkpoint persists model snapshots: the best validation mIoU so
// far, the most recent epoch, and the post-training quantized model.
package checkpoint

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"segforge/internal/model"
)

// Tags name the snapshot kinds written by a run.
const (
	TagBest      = "best"
	TagLast      = "last"
	TagQuantized = "int8"
)

// Snapshot is the on-disk checkpoint payload.
type Snapshot struct {
	RunID   string
	Tag     string
	Epoch   int
	MIoU    float64
	SavedAt time.Time
	State   model.State
}

// Save writes snap to path atomically.
func Save(path string, snap Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create weights dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install checkpoint: %w", err)
	}
	return nil
}

// Load reads a snapshot written by Save.
func Load(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open checkpoint: %w", err)
	}
	defer f.Close()
	var snap Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return snap, nil
}

// Decision reports which files an epoch wrote.
type Decision struct {
	Best bool
	Last bool
}

// Manager applies the best/last policy for one run.
type Manager struct {
	dir      string
	name     string
	saveLast bool
	runID    string
	best     float64
}

// NewManager creates a manager writing {name}_{tag}.pth files under dir.
// An empty runID is replaced by a fresh UUID.
func NewManager(dir, name string, saveLast bool, runID string) *Manager {
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Manager{dir: dir, name: name, saveLast: saveLast, runID: runID}
}

// RunID identifies the run in every snapshot.
func (m *Manager) RunID() string { return m.runID }

// Path returns the file used for tag.
func (m *Manager) Path(tag string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s_%s.pth", m.name, tag))
}

// Best returns the best mIoU recorded so far (0 before any improvement).
func (m *Manager) Best() float64 { return m.best }

// Observe writes the best snapshot when miou strictly exceeds every previous
// epoch (and 0), then the last snapshot when enabled. Ties keep the earlier
// best.
func (m *Manager) Observe(epoch int, miou float64, state model.State) (Decision, error) {
	var d Decision
	if miou > m.best {
		if err := m.write(TagBest, epoch, miou, state); err != nil {
			return d, err
		}
		m.best = miou
		d.Best = true
	}
	if m.saveLast {
		if err := m.write(TagLast, epoch, miou, state); err != nil {
			return d, err
		}
		d.Last = true
	}
	return d, nil
}

// SaveQuantized writes the converted model.
func (m *Manager) SaveQuantized(epoch int, miou float64, state model.State) error {
	return m.write(TagQuantized, epoch, miou, state)
}

func (m *Manager) write(tag string, epoch int, miou float64, state model.State) error {
	snap := Snapshot{
		RunID:   m.runID,
		Tag:     tag,
		Epoch:   epoch,
		MIoU:    miou,
		SavedAt: time.Now().UTC(),
		State:   state,
	}
	if err := Save(m.Path(tag), snap); err != nil {
		return fmt.Errorf("save %s checkpoint: %w", tag, err)
	}
	return nil
}
