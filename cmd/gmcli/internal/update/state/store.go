// Package state provides cross-process mutual exclusion and durable,
// atomic progress tracking for update runs.
//
// The on-disk lock file is the sole shared mutable resource between
// orchestrator processes. Its presence plus a staleness timestamp is the
// exclusion mechanism; absence or staleness means reclaimable. The state
// file is a JSON document replaced atomically on every save, with the
// previous version snapshotted as an audit backup.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrLockBusy is returned when another process holds a live lock and
	// the bounded retry policy has been exhausted.
	ErrLockBusy = errors.New("update lock is held by another process")

	// ErrLockMismatch is returned when a mutating call presents a handle
	// that does not match the currently held lock.
	ErrLockMismatch = errors.New("lock handle does not match held lock")

	// ErrInvalidConfig is returned when StoreConfig is invalid.
	ErrInvalidConfig = errors.New("invalid state store configuration")
)

// =============================================================================
// Data Model
// =============================================================================

// Phase identifies where an update run currently is.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseValidation     Phase = "validation"
	PhaseExecution      Phase = "execution"
	PhasePostValidation Phase = "validation-post"
	PhaseCompleted      Phase = "completed"
	PhaseRolledBack     Phase = "rolled-back"
)

// LockHandle is the capability token identifying the holder of the
// exclusive update lock. Every mutating store call requires it.
type LockHandle struct {
	// ID uniquely identifies this acquisition.
	ID string `json:"lockId"`

	// PID is the holder's process ID.
	PID int `json:"pid"`

	// Hostname is the holder's host, for operator debugging.
	Hostname string `json:"hostname"`

	// AcquiredAt is when the lock was taken. A lock older than the
	// staleness threshold is presumed abandoned.
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Metadata records provenance for a persisted state document.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	LockID    string    `json:"lockId"`
	PID       int       `json:"pid"`
}

// UpdateState is the persisted progress document for an update run.
//
// It is created on phase 1 entry, mutated at each phase boundary, and
// retained after completion as an audit trail.
type UpdateState struct {
	// Version is the state document schema version.
	Version int `json:"version"`

	// CurrentPhase is the update phase last durably recorded.
	CurrentPhase Phase `json:"currentPhase"`

	// Progress is a 0-100 completion estimate.
	Progress int `json:"progress"`

	// BackupID names the pre-update database backup, when one exists.
	BackupID string `json:"backupId,omitempty"`

	// UpdateResult is an opaque per-phase result blob.
	UpdateResult json.RawMessage `json:"updateResult,omitempty"`

	// RollbackReason records why a rollback was triggered, if one was.
	RollbackReason string `json:"rollbackReason,omitempty"`

	// StartedAt is when the run entered phase 1.
	StartedAt time.Time `json:"startedAt,omitempty"`

	// CompletedAt is when the run finished (success or rollback).
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Metadata records who wrote this document.
	Metadata Metadata `json:"_metadata"`
}

// DefaultState returns the documented idle state used when no state file
// exists yet.
func DefaultState() UpdateState {
	return UpdateState{Version: 1, CurrentPhase: PhaseIdle}
}

// =============================================================================
// Configuration
// =============================================================================

// StoreConfig configures the locked state store.
type StoreConfig struct {
	// Dir is the directory holding the lock file, state file, and state
	// backups. Required.
	Dir string

	// Staleness is the age beyond which a lock is presumed abandoned.
	// Default: 30 minutes
	Staleness time.Duration

	// MaxAttempts bounds lock acquisition retries.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the initial retry backoff.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	// Default: 10s
	MaxDelay time.Duration

	// BackupRetention is how many state file backups to keep.
	// Default: 10
	BackupRetention int
}

// DefaultStoreConfig returns sensible defaults rooted at dir.
func DefaultStoreConfig(dir string) StoreConfig {
	return StoreConfig{
		Dir:             dir,
		Staleness:       30 * time.Minute,
		MaxAttempts:     5,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackupRetention: 10,
	}
}

// =============================================================================
// Store
// =============================================================================

const (
	lockFileName      = "update.lock"
	stateFileName     = "update-state.json"
	stateBackupPrefix = stateFileName + ".backup."
	backupTimeFormat  = "20060102T150405.000000000"
)

// Store is the interface the orchestrator depends on.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the lock file itself
// provides inter-process exclusion.
type Store interface {
	// AcquireLock takes the exclusive update lock, retrying with bounded
	// exponential backoff. Fails with ErrLockBusy once retries are
	// exhausted, before any side effect occurs.
	AcquireLock(ctx context.Context) (*LockHandle, error)

	// ReleaseLock releases the lock. Fails with ErrLockMismatch when the
	// handle does not match the currently held lock.
	ReleaseLock(handle *LockHandle) error

	// SaveState durably persists the state document. The previous state
	// file is snapshotted best-effort before the atomic replace.
	SaveState(st UpdateState, handle *LockHandle) error

	// LoadState returns the persisted state, or the documented idle
	// default when none exists. Never errors on "no state yet".
	LoadState() (UpdateState, error)
}

// FileStore implements Store on the local filesystem.
type FileStore struct {
	config  StoreConfig
	waiter  lockWaiter
	nowFunc func() time.Time
}

// NewFileStore creates a FileStore, creating the state directory if
// needed.
func NewFileStore(cfg StoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: Dir is required", ErrInvalidConfig)
	}
	applyStoreDefaults(&cfg)

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating state directory: %v", ErrInvalidConfig, err)
	}

	return &FileStore{
		config:  cfg,
		waiter:  newFsnotifyWaiter(),
		nowFunc: time.Now,
	}, nil
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 10
	}
}

func (s *FileStore) lockPath() string  { return filepath.Join(s.config.Dir, lockFileName) }
func (s *FileStore) statePath() string { return filepath.Join(s.config.Dir, stateFileName) }

// AcquireLock takes the exclusive update lock.
//
// # Description
//
// Each attempt tries an atomic exclusive create of the lock file. When
// the file already exists, its acquisition timestamp is inspected: a
// stale lock is reclaimed immediately; a live lock triggers exponential
// backoff, waking early if the lock file is removed in the meantime.
//
// # Error Conditions
//
//   - ErrLockBusy: live lock still held after MaxAttempts
//   - context cancellation during a backoff wait
func (s *FileStore) AcquireLock(ctx context.Context) (*LockHandle, error) {
	hostname, _ := os.Hostname()
	delay := s.config.BaseDelay

	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		handle := &LockHandle{
			ID:         uuid.NewString(),
			PID:        os.Getpid(),
			Hostname:   hostname,
			AcquiredAt: s.nowFunc(),
		}

		created, err := s.tryCreateLock(handle)
		if err != nil {
			return nil, err
		}
		if created {
			return handle, nil
		}

		// Lock file exists. Reclaim it when stale, otherwise back off.
		holder, readErr := s.readLock()
		if readErr == nil && s.nowFunc().Sub(holder.AcquiredAt) > s.config.Staleness {
			reclaimed, err := s.reclaimStaleLock(holder)
			if err != nil {
				return nil, err
			}
			if reclaimed {
				continue // retry immediately, no backoff for a reclaimed lock
			}
			// Lost the reclaim race to another process; back off as if
			// the lock were live.
		}
		if readErr != nil {
			// Unreadable lock info: treat as live, never as absent.
			_ = readErr
		}

		if attempt == s.config.MaxAttempts {
			break
		}
		if err := s.waiter.wait(ctx, s.lockPath(), delay); err != nil {
			return nil, err
		}
		delay = nextDelay(delay, s.config.MaxDelay)
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrLockBusy, s.config.MaxAttempts)
}

// ReleaseLock releases the lock if the handle matches the holder.
func (s *FileStore) ReleaseLock(handle *LockHandle) error {
	if err := s.verifyHolder(handle); err != nil {
		return err
	}
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// SaveState durably persists the state document.
//
// # Description
//
// Requires a matching lock handle; this is the mechanism preventing two
// orchestrator instances from interleaving writes. The existing state
// file is snapshotted to a timestamped backup first (best-effort), then
// the new document is written to a temp file and renamed into place so
// readers never observe a partial write.
func (s *FileStore) SaveState(st UpdateState, handle *LockHandle) error {
	if err := s.verifyHolder(handle); err != nil {
		return err
	}

	st.Metadata = Metadata{
		Timestamp: s.nowFunc(),
		LockID:    handle.ID,
		PID:       handle.PID,
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Snapshot the previous state. A backup failure must not block the
	// save; progress durability wins.
	s.backupStateFile()

	tmp, err := os.CreateTemp(s.config.Dir, stateFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// LoadState returns the persisted state or the idle default.
func (s *FileStore) LoadState() (UpdateState, error) {
	data, err := os.ReadFile(s.statePath())
	if os.IsNotExist(err) {
		return DefaultState(), nil
	}
	if err != nil {
		return UpdateState{}, fmt.Errorf("failed to read state file: %w", err)
	}

	var st UpdateState
	if err := json.Unmarshal(data, &st); err != nil {
		return UpdateState{}, fmt.Errorf("failed to parse state file: %w", err)
	}
	return st, nil
}

// =============================================================================
// Private Helpers
// =============================================================================

// tryCreateLock atomically creates the lock file with the handle's
// identity. Returns created=false when the file already exists.
func (s *FileStore) tryCreateLock(handle *LockHandle) (bool, error) {
	f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(handle)
	if err != nil {
		os.Remove(s.lockPath())
		return false, fmt.Errorf("failed to encode lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(s.lockPath())
		return false, fmt.Errorf("failed to write lock info: %w", err)
	}
	return true, nil
}

// reclaimStaleLock discards the lock file only if it still belongs to
// stale. A plain remove would race: another process can reclaim the
// stale lock and create its own between our staleness check and the
// remove, and the remove would then destroy that valid lock. Instead
// the file is renamed to a unique name first, so concurrent reclaimers
// race on the rename and at most one wins, and the renamed file is
// verified to still be the stale holder before it is discarded.
func (s *FileStore) reclaimStaleLock(stale *LockHandle) (bool, error) {
	aside := s.lockPath() + ".reclaim-" + uuid.NewString()
	if err := os.Rename(s.lockPath(), aside); err != nil {
		if os.IsNotExist(err) {
			return false, nil // another reclaimer got there first
		}
		return false, fmt.Errorf("failed to reclaim stale lock: %w", err)
	}

	data, err := os.ReadFile(aside)
	var holder LockHandle
	if err == nil {
		err = json.Unmarshal(data, &holder)
	}
	if err == nil && holder.ID == stale.ID {
		os.Remove(aside)
		return true, nil
	}

	// A different holder replaced the stale lock before the rename; put
	// it back. Link fails with EEXIST when yet another lock appeared in
	// the meantime, in which case the displaced one loses and its owner
	// sees ErrLockMismatch on its next mutating call.
	if err := os.Link(aside, s.lockPath()); err == nil || os.IsExist(err) {
		os.Remove(aside)
	}
	return false, nil
}

func (s *FileStore) readLock() (*LockHandle, error) {
	data, err := os.ReadFile(s.lockPath())
	if err != nil {
		return nil, err
	}
	var holder LockHandle
	if err := json.Unmarshal(data, &holder); err != nil {
		return nil, fmt.Errorf("unreadable lock info: %w", err)
	}
	return &holder, nil
}

// verifyHolder checks the presented handle against the lock file.
func (s *FileStore) verifyHolder(handle *LockHandle) error {
	if handle == nil {
		return fmt.Errorf("%w: nil handle", ErrLockMismatch)
	}
	holder, err := s.readLock()
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: no lock is held", ErrLockMismatch)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLockMismatch, err)
	}
	if holder.ID != handle.ID {
		return fmt.Errorf("%w: held by %s (pid %d)", ErrLockMismatch, holder.ID, holder.PID)
	}
	return nil
}

// backupStateFile snapshots the current state file, pruning snapshots
// beyond the retention count oldest-first. Best-effort by contract.
func (s *FileStore) backupStateFile() {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		return // nothing to back up, or unreadable; either way proceed
	}

	name := stateBackupPrefix + s.nowFunc().UTC().Format(backupTimeFormat)
	_ = os.WriteFile(filepath.Join(s.config.Dir, name), data, 0o644)

	s.pruneStateBackups()
}

func (s *FileStore) pruneStateBackups() {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stateBackupPrefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= s.config.BackupRetention {
		return
	}
	// Backup names embed a sortable timestamp; lexical order is age order.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-s.config.BackupRetention] {
		_ = os.Remove(filepath.Join(s.config.Dir, name))
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// Compile-time interface check.
var _ Store = (*FileStore)(nil)
