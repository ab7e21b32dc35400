// Package state persists the machine records for all tracked deployments in
// a single YAML file, guarded by an advisory file lock so concurrent control
// plane processes on the same host serialize their read-modify-write cycles.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/skiffhq/skiff/pkg/engine"
	"github.com/skiffhq/skiff/pkg/telemetry"
)

const (
	// DefaultLockTimeout bounds how long a caller waits for the file lock
	// before failing with a lock-timeout error.
	DefaultLockTimeout = 10 * time.Second

	lockRetryInterval = 50 * time.Millisecond
)

// Store is the durable mapping from machine name to record. Absence of the
// backing file means "no deployments", not an error.
type Store struct {
	path        string
	lockPath    string
	lockTimeout time.Duration
	log         zerolog.Logger
	metrics     *telemetry.Metrics
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout overrides the lock acquisition bound.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics records lock-acquisition waits on the given collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a store backed by the file at path. The lock file lives next
// to it; the data file itself cannot be locked because updates replace it
// via rename.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		lockPath:    path + ".lock",
		lockTimeout: DefaultLockTimeout,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Read returns all tracked records under a shared lock. A missing backing
// file yields an empty map.
func (s *Store) Read() (map[string]*engine.Machine, error) {
	lock := flock.New(s.lockPath)
	if err := s.acquire(lock, true); err != nil {
		return nil, err
	}
	defer func() { _ = lock.Unlock() }()

	return s.load()
}

// Update runs fn against the current records under an exclusive lock that
// spans the whole read-modify-write sequence, then persists the result
// atomically. When fn leaves no records, the backing file is deleted
// instead of written empty.
func (s *Store) Update(fn func(records map[string]*engine.Machine) error) error {
	lock := flock.New(s.lockPath)
	if err := s.acquire(lock, false); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	records, err := s.load()
	if err != nil {
		return err
	}

	if err := fn(records); err != nil {
		return err
	}

	if len(records) == 0 {
		return s.delete()
	}
	return s.write(records)
}

// Upsert inserts or replaces one record. Inserting a duplicate name
// overwrites rather than duplicates.
func (s *Store) Upsert(m *engine.Machine) error {
	return s.Update(func(records map[string]*engine.Machine) error {
		records[m.Name] = m
		return nil
	})
}

// SetStatus transitions one record's lifecycle status.
func (s *Store) SetStatus(name string, status engine.MachineStatus) error {
	return s.Update(func(records map[string]*engine.Machine) error {
		m, ok := records[name]
		if !ok {
			return fmt.Errorf("state: no record named %q", name)
		}
		m.Status = status
		return nil
	})
}

// Remove deletes one record. Removing the last record deletes the backing
// store entirely. Removing a name that is not tracked is a no-op.
func (s *Store) Remove(name string) error {
	return s.Update(func(records map[string]*engine.Machine) error {
		delete(records, name)
		return nil
	})
}

// acquire takes the file lock with a bounded wait. Shared for reads,
// exclusive for updates.
func (s *Store) acquire(lock *flock.Flock, shared bool) error {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return fmt.Errorf("state: create store directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.lockTimeout)
	defer cancel()

	start := time.Now()
	var (
		ok  bool
		err error
	)
	if shared {
		ok, err = lock.TryRLockContext(ctx, lockRetryInterval)
	} else {
		ok, err = lock.TryLockContext(ctx, lockRetryInterval)
	}
	s.metrics.RecordLockWait(time.Since(start))
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("state: acquire lock: %w", err)
	}
	if !ok {
		return engine.NewLockTimeoutError(
			fmt.Sprintf("state store locked for more than %s", s.lockTimeout), err)
	}
	return nil
}

// load reads and decodes the backing file. Must be called with the lock
// held.
func (s *Store) load() (map[string]*engine.Machine, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]*engine.Machine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read %s: %w", s.path, err)
	}

	records := map[string]*engine.Machine{}
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	return records, nil
}

// write serializes to a temp file in the same directory and renames it over
// the final path, so a crash mid-write never leaves a half-written store.
func (s *Store) write(records map[string]*engine.Machine) error {
	data, err := yaml.Marshal(records)
	if err != nil {
		return fmt.Errorf("state: encode records: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".machines-*.yaml")
	if err != nil {
		return fmt.Errorf("state: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("state: replace %s: %w", s.path, err)
	}

	s.log.Debug().Str("path", s.path).Int("records", len(records)).Msg("state store written")
	return nil
}

// delete removes the backing file. Called when the last record is removed;
// the lock file is cleaned up too.
func (s *Store) delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state: delete %s: %w", s.path, err)
	}
	// Best effort: the lock file is recreated on the next acquire.
	_ = os.Remove(s.lockPath)
	s.log.Debug().Str("path", s.path).Msg("state store deleted, no records remain")
	return nil
}
