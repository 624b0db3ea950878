// Package recovery restores queue state at startup: it loads the snapshot,
// falls back through backups when the primary is corrupted, reconciles items
// interrupted mid-flight, and validates the restored structure before the
// scheduler takes over.
package recovery

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"confex/internal/errors"
	"confex/internal/logging"
	"confex/internal/persist"
	"confex/internal/queue"
)

// ResumeOptions control how aggressively recovery proceeds when state is
// missing, stale or damaged.
type ResumeOptions struct {
	ForceResume       bool // bypass the space-key match check
	AllowCorrupted    bool // start fresh instead of failing when nothing restores
	UseBackup         bool // prefer the newest backup over the primary snapshot
	ValidateIntegrity bool // run structural validation after restore
	RepairCorruption  bool // fall back through backups on corruption
}

// DefaultResumeOptions repair from backups and validate, but refuse to run
// on unrecoverable corruption.
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{
		RepairCorruption:  true,
		ValidateIntegrity: true,
	}
}

// Report describes what recovery did.
type Report struct {
	Resumed           bool
	FreshStart        bool
	FromBackup        string // backup path restored from, empty otherwise
	ItemsLost         int    // items in the damaged snapshot not recovered
	ResetToPending    []string
	CorruptionHandled bool
}

// Service performs startup recovery against one snapshot store.
type Service struct {
	store  *persist.Store
	logger logging.Logger
}

// NewService creates a recovery Service.
func NewService(store *persist.Store, logger logging.Logger) *Service {
	return &Service{store: store, logger: logging.OrNop(logger)}
}

// Recover restores state from the snapshot store. On success the queue holds
// the prior run's items with interrupted work reset to pending.
func (s *Service) Recover(state *queue.State, spaceKey string, opts ResumeOptions) (*Report, error) {
	report := &Report{}

	snap, err := s.loadSnapshot(report, opts)
	if err != nil {
		return report, err
	}
	if snap == nil {
		report.FreshStart = true
		s.logger.Info("no prior state for space %s, starting fresh", spaceKey)
		return report, nil
	}

	if snap.SpaceKey != spaceKey && !opts.ForceResume {
		return report, &errors.ValidationError{
			Subject: s.store.Path(),
			Err:     fmt.Errorf("snapshot is for space %q, not %q (use force-resume to override)", snap.SpaceKey, spaceKey),
		}
	}

	state.Restore(snap.QueueItems, snap.ProcessedPageIDs, snap.Metrics)
	report.Resumed = true

	// Items left processing belong to a run that died mid-flight.
	report.ResetToPending = state.ResetProcessing()
	if n := len(report.ResetToPending); n > 0 {
		s.logger.Info("reset %d interrupted items to pending", n)
	}

	if opts.ValidateIntegrity {
		if err := validateStructure(state); err != nil {
			if !opts.AllowCorrupted {
				return report, err
			}
			report.CorruptionHandled = true
			s.logger.Warn("restored state failed validation, continuing per allow-corrupted: %v", err)
		}
	}

	s.logger.Info("resumed space %s: %d items, %d processed, %d pending",
		spaceKey, state.Len(), len(snap.ProcessedPageIDs), state.PendingCount())
	return report, nil
}

// loadSnapshot picks the restore source: primary snapshot, or backups when
// preferred or when the primary is corrupt and repair is enabled.
func (s *Service) loadSnapshot(report *Report, opts ResumeOptions) (*persist.Snapshot, error) {
	if opts.UseBackup {
		if snap := s.newestValidBackup(report); snap != nil {
			// The primary still gets checked: a corrupt one is quarantined
			// and the restore loss reported, same as the repair path.
			if _, err := s.store.Load(); err != nil {
				var corrupt *errors.CorruptionError
				if stderrors.As(err, &corrupt) {
					report.CorruptionHandled = true
					report.ItemsLost = s.estimateLoss(len(snap.QueueItems))
					s.logger.Warn("primary snapshot corrupted (%s); backup restore loses %d items",
						corrupt.Reason, report.ItemsLost)
				}
			}
			return snap, nil
		}
		s.logger.Warn("no usable backup, falling back to primary snapshot")
	}

	snap, err := s.store.Load()
	if err == nil {
		return snap, nil
	}

	var corrupt *errors.CorruptionError
	if !stderrors.As(err, &corrupt) {
		return nil, err
	}

	s.logger.Warn("snapshot corrupted (%s)", corrupt.Reason)
	report.CorruptionHandled = true

	if opts.RepairCorruption {
		if snap := s.newestValidBackup(report); snap != nil {
			report.ItemsLost = s.estimateLoss(len(snap.QueueItems))
			return snap, nil
		}
	}
	if opts.AllowCorrupted {
		s.logger.Warn("no backup restored, starting fresh per allow-corrupted")
		return nil, nil
	}
	return nil, corrupt
}

// newestValidBackup walks the backup set newest first and returns the first
// one that validates.
func (s *Service) newestValidBackup(report *Report) *persist.Snapshot {
	backups, err := s.store.Backups()
	if err != nil {
		s.logger.Warn("listing backups failed: %v", err)
		return nil
	}
	for _, path := range backups {
		snap, err := s.store.LoadBackup(path)
		if err != nil {
			s.logger.Warn("backup %s rejected: %v", path, err)
			continue
		}
		report.FromBackup = path
		s.logger.Info("restored from backup %s", path)
		return snap
	}
	return nil
}

// estimateLoss compares the restored item count against a lenient parse of
// the newest quarantined snapshot. The checksum is broken, but the item
// array often still decodes.
func (s *Service) estimateLoss(restored int) int {
	corrupted, err := s.store.CorruptedFiles()
	if err != nil || len(corrupted) == 0 {
		return 0
	}
	data, err := os.ReadFile(corrupted[0])
	if err != nil {
		return 0
	}
	var snap persist.Snapshot
	if json.Unmarshal(data, &snap) != nil {
		return 0
	}
	if lost := len(snap.QueueItems) - restored; lost > 0 {
		return lost
	}
	return 0
}

// validateStructure checks the restored queue's internal consistency: the
// processing order must track the non-terminal item count within the dequeue
// tolerance of one. A mismatch of two or more means the snapshot lied.
func validateStructure(state *queue.State) error {
	active := state.ActiveCount()
	order := state.OrderLen()
	mismatch := active - order
	if mismatch < 0 {
		mismatch = -mismatch
	}
	if mismatch >= 2 {
		return &errors.CorruptionError{
			Path:   "restored queue",
			Reason: fmt.Sprintf("processing order has %d entries for %d active items", order, active),
		}
	}
	m := state.Metrics()
	if m.TotalQueued < 0 || m.TotalProcessed < 0 || m.TotalFailed < 0 {
		return &errors.CorruptionError{Path: "restored queue", Reason: "negative metrics"}
	}
	return nil
}
