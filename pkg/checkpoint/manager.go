package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/iblnwb/pkg/persist"
)

// MetadataVersion is the current checkpoint format version.
const MetadataVersion = 1

// ErrSettingsMismatch indicates a checkpoint written by a batch with other settings.
var ErrSettingsMismatch = errors.New("checkpoint settings mismatch")

// Outcomes that let a resumed batch skip a session.
const (
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// DefaultMaxAge bounds how long a checkpoint stays resumable.
const DefaultMaxAge = 7 * 24 * time.Hour

// checkpointBase is the checkpoint file name without the codec extension.
const checkpointBase = "checkpoint"

// DefaultDir returns ~/.iblnwb/checkpoints.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return filepath.Join(home, ".iblnwb", "checkpoints")
}

// RunHash derives the checkpoint directory name from the batch settings
// (output directory, stub mode, interfaces...).
func RunHash(settings string) string {
	h := sha256.Sum256([]byte(settings))

	return hex.EncodeToString(h[:8])
}

// Manager owns the checkpoint of one batch run. It is safe for concurrent use.
type Manager struct {
	BaseDir  string
	RunHash  string
	Settings string
	MaxAge   time.Duration

	mu    sync.Mutex
	meta  *Metadata
	store *persist.Persister[Metadata]
	now   func() time.Time
}

// NewManager creates a manager for the batch identified by settings.
func NewManager(baseDir, settings string) *Manager {
	return &Manager{
		BaseDir:  baseDir,
		RunHash:  RunHash(settings),
		Settings: settings,
		MaxAge:   DefaultMaxAge,
		store:    persist.NewPersister[Metadata](checkpointBase, persist.NewJSONCodec()),
		now:      time.Now,
	}
}

// CheckpointDir returns the directory of this run's checkpoint.
func (m *Manager) CheckpointDir() string {
	return filepath.Join(m.BaseDir, m.RunHash)
}

// MetadataPath returns the checkpoint file path.
func (m *Manager) MetadataPath() string {
	return filepath.Join(m.CheckpointDir(), m.store.Filename())
}

// Exists reports whether a checkpoint file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.MetadataPath())

	return err == nil
}

// Clear removes the checkpoint of this run.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = nil

	err := os.RemoveAll(m.CheckpointDir())
	if err != nil {
		return fmt.Errorf("remove checkpoint dir: %w", err)
	}

	return nil
}

// Load reads the checkpoint. A missing or expired checkpoint starts empty.
func (m *Manager) Load() (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.loadLocked()
	if err != nil {
		return nil, err
	}

	return meta, nil
}

func (m *Manager) loadLocked() (*Metadata, error) {
	if m.meta != nil {
		return m.meta, nil
	}

	meta, err := m.store.Load(m.CheckpointDir())

	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.meta = m.fresh()

		return m.meta, nil
	case err != nil:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if meta.Settings != m.Settings {
		return nil, fmt.Errorf("%w: checkpoint has %q, got %q", ErrSettingsMismatch, meta.Settings, m.Settings)
	}

	if m.expired(meta) {
		m.meta = m.fresh()

		return m.meta, nil
	}

	if meta.Sessions == nil {
		meta.Sessions = make(map[string]Outcome)
	}

	m.meta = meta

	return m.meta, nil
}

func (m *Manager) fresh() *Metadata {
	stamp := m.now().UTC().Format(time.RFC3339)

	return &Metadata{
		Version:   MetadataVersion,
		RunHash:   m.RunHash,
		Settings:  m.Settings,
		CreatedAt: stamp,
		UpdatedAt: stamp,
		Sessions:  make(map[string]Outcome),
	}
}

func (m *Manager) expired(meta *Metadata) bool {
	if m.MaxAge <= 0 {
		return false
	}

	updated, err := time.Parse(time.RFC3339, meta.UpdatedAt)
	if err != nil {
		return true
	}

	return m.now().Sub(updated) > m.MaxAge
}

// Done reports whether the session finished with a written file in an
// earlier run. Failed sessions are retried.
func (m *Manager) Done(eid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.loadLocked()
	if err != nil {
		return false
	}

	out, ok := meta.Sessions[eid]

	return ok && out.Status != StatusFailed
}

// Record stores the outcome of a session and persists the checkpoint.
func (m *Manager) Record(eid string, out Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, err := m.loadLocked()
	if err != nil {
		return err
	}

	stamp := m.now().UTC().Format(time.RFC3339)
	if out.At == "" {
		out.At = stamp
	}

	meta.Sessions[eid] = out
	meta.UpdatedAt = stamp

	err = m.store.Save(m.CheckpointDir(), meta)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	return nil
}
