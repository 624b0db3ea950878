// Package persist stores the download queue snapshot durably. Writes are
// atomic (temp file + rename), every snapshot carries a truncated SHA-256
// checksum over its canonical serialization, and loads validate schema and
// checksum before handing state back. Corrupted files are moved aside with a
// timestamped suffix; a bounded set of prior good snapshots is kept as
// backups for recovery.
package persist

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"confex/internal/errors"
	"confex/internal/fsutil"
	"confex/internal/logging"
	"confex/internal/queue"
)

// SnapshotVersion is the schema version written to every snapshot.
const SnapshotVersion = 1

const tsSuffixFormat = "20060102T150405.000"

// Snapshot is the on-disk queue state document.
type Snapshot struct {
	Version          int           `json:"version"`
	Timestamp        string        `json:"timestamp"`
	SpaceKey         string        `json:"spaceKey"`
	QueueItems       []queue.Item  `json:"queueItems"`
	ProcessedPageIDs []string      `json:"processedPageIds"`
	Metrics          queue.Metrics `json:"metrics"`
	Checksum         string        `json:"checksum"`
}

// Config tunes the snapshot store.
type Config struct {
	Path               string
	BackupOnCorruption bool
	MaxBackups         int
}

// Store persists snapshots at a fixed path.
type Store struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

// DefaultPath returns the conventional snapshot location inside a workspace.
func DefaultPath(workspace, spaceKey string) string {
	return filepath.Join(workspace, fmt.Sprintf(".queue-%s.json", spaceKey))
}

// NewStore creates a snapshot store.
func NewStore(cfg Config, logger logging.Logger) *Store {
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	return &Store{cfg: cfg, logger: logging.OrNop(logger), now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Path returns the snapshot file path.
func (s *Store) Path() string { return s.cfg.Path }

// BuildSnapshot captures the queue state as a snapshot document with a fresh
// checksum.
func (s *Store) BuildSnapshot(state *queue.State, spaceKey string) (*Snapshot, error) {
	snap := &Snapshot{
		Version:          SnapshotVersion,
		Timestamp:        s.now().UTC().Format(time.RFC3339),
		SpaceKey:         spaceKey,
		QueueItems:       state.Items(),
		ProcessedPageIDs: state.ProcessedPages(),
		Metrics:          state.Metrics(),
	}
	sum, err := Checksum(snap)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "checksum", Err: err}
	}
	snap.Checksum = sum
	return snap, nil
}

// Save writes the queue state atomically. The previous good snapshot is
// rotated into the backup set before it is replaced.
func (s *Store) Save(state *queue.State, spaceKey string) error {
	snap, err := s.BuildSnapshot(state, spaceKey)
	if err != nil {
		return err
	}
	return s.write(snap)
}

// SaveSnapshot writes an already-built snapshot, refreshing its checksum.
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	sum, err := Checksum(snap)
	if err != nil {
		return &errors.PersistenceError{Op: "checksum", Err: err}
	}
	snap.Checksum = sum
	return s.write(snap)
}

func (s *Store) write(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &errors.PersistenceError{Op: "marshal", Err: err}
	}

	if fsutil.Exists(s.cfg.Path) {
		if err := s.rotateBackup(); err != nil {
			// A failed backup rotation must not block the fresh snapshot.
			s.logger.Warn("snapshot backup rotation failed: %v", err)
		}
	}

	if err := fsutil.AtomicWriteFile(s.cfg.Path, data); err != nil {
		return &errors.PersistenceError{Op: "save", Err: err}
	}
	s.logger.Debug("snapshot saved: %d items, %d processed",
		len(snap.QueueItems), len(snap.ProcessedPageIDs))
	return nil
}

// Load reads and validates the snapshot. Returns (nil, nil) when no snapshot
// exists. On validation failure the bad file is moved aside (when
// BackupOnCorruption is set) and a CorruptionError is returned.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errors.PersistenceError{Op: "load", Err: err}
	}

	snap, reason := decodeAndValidate(data)
	if reason != "" {
		if s.cfg.BackupOnCorruption {
			s.quarantine(data)
		}
		return nil, &errors.CorruptionError{Path: s.cfg.Path, Reason: reason}
	}
	return snap, nil
}

// Exists reports whether a snapshot file is present.
func (s *Store) Exists() bool {
	return fsutil.Exists(s.cfg.Path)
}

// Clear removes the snapshot file.
func (s *Store) Clear() error {
	return fsutil.Remove(s.cfg.Path)
}

// Validate reports whether raw bytes form a valid snapshot.
func (s *Store) Validate(data []byte) bool {
	_, reason := decodeAndValidate(data)
	return reason == ""
}

// Backups returns paths of prior good snapshots, newest first.
func (s *Store) Backups() ([]string, error) {
	return s.listSuffixed(".bak.")
}

// CorruptedFiles returns quarantined snapshot paths, newest first.
func (s *Store) CorruptedFiles() ([]string, error) {
	return s.listSuffixed(".corrupted.")
}

// LoadBackup reads and validates a specific backup file.
func (s *Store) LoadBackup(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.PersistenceError{Op: "load backup", Err: err}
	}
	snap, reason := decodeAndValidate(data)
	if reason != "" {
		return nil, &errors.CorruptionError{Path: path, Reason: reason}
	}
	return snap, nil
}

// Checksum computes the truncated SHA-256 digest over the snapshot's
// canonical serialization, excluding the checksum field itself.
func Checksum(snap *Snapshot) (string, error) {
	clone := *snap
	clone.Checksum = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

func decodeAndValidate(data []byte) (*Snapshot, string) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Sprintf("parse failure: %v", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, fmt.Sprintf("unsupported version %d", snap.Version)
	}
	if snap.SpaceKey == "" {
		return nil, "missing spaceKey"
	}
	if snap.Checksum == "" {
		return nil, "missing checksum"
	}
	for i, item := range snap.QueueItems {
		if item.PageID == "" {
			return nil, fmt.Sprintf("queue item %d has empty pageId", i)
		}
		switch item.Status {
		case queue.StatusPending, queue.StatusProcessing, queue.StatusCompleted, queue.StatusFailed:
		default:
			return nil, fmt.Sprintf("queue item %q has invalid status %q", item.PageID, item.Status)
		}
		if item.RetryCount < 0 {
			return nil, fmt.Sprintf("queue item %q has negative retryCount", item.PageID)
		}
	}
	if snap.Metrics.TotalQueued < 0 || snap.Metrics.TotalProcessed < 0 || snap.Metrics.TotalFailed < 0 {
		return nil, "negative metrics"
	}

	want, err := Checksum(&snap)
	if err != nil {
		return nil, fmt.Sprintf("checksum computation: %v", err)
	}
	if want != snap.Checksum {
		return nil, "checksum mismatch"
	}
	return &snap, ""
}

// quarantine moves the corrupted snapshot aside and prunes old quarantine
// files beyond MaxBackups.
func (s *Store) quarantine(data []byte) {
	dest := fmt.Sprintf("%s.corrupted.%s", s.cfg.Path, s.now().UTC().Format(tsSuffixFormat))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		s.logger.Warn("failed to quarantine corrupted snapshot: %v", err)
		return
	}
	if err := fsutil.Remove(s.cfg.Path); err != nil {
		s.logger.Warn("failed to remove corrupted snapshot: %v", err)
	}
	s.logger.Warn("corrupted snapshot moved to %s", dest)
	s.prune(".corrupted.")
}

func (s *Store) rotateBackup() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		return err
	}
	// Only rotate snapshots that still validate; there is no point keeping
	// a corrupt backup.
	if _, reason := decodeAndValidate(data); reason != "" {
		return nil
	}
	dest := fmt.Sprintf("%s.bak.%s", s.cfg.Path, s.now().UTC().Format(tsSuffixFormat))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	s.prune(".bak.")
	return nil
}

func (s *Store) prune(marker string) {
	paths, err := s.listSuffixed(marker)
	if err != nil {
		return
	}
	for _, path := range paths[min(len(paths), s.cfg.MaxBackups):] {
		_ = fsutil.Remove(path)
	}
}

func (s *Store) listSuffixed(marker string) ([]string, error) {
	dir := filepath.Dir(s.cfg.Path)
	base := filepath.Base(s.cfg.Path)
	names, err := fsutil.ListDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		if strings.HasPrefix(name, base+marker) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	// Timestamp suffixes sort lexicographically; newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}
