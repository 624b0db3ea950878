// Package scheduler drives the export run: it owns the download queue,
// dispatches items to a bounded worker pool, feeds discoveries back into the
// queue, schedules retries with backoff, snapshots state at mutation and
// time thresholds, and defers to the failure governor on whether a degraded
// run may continue.
package scheduler

import (
	"context"
	stderrors "errors"
	"time"

	"confex/internal/errors"
	"confex/internal/logging"
	"confex/internal/metrics"
	"confex/internal/persist"
	"confex/internal/queue"
)

// Outcome is what a worker reports back for one item.
type Outcome struct {
	Kind               string // "page", "user" or "attachment"
	Discovered         []queue.Item
	AttachmentsTotal   int
	AttachmentFailures []string // one reason per failed attachment
	Bytes              int64
}

// Processor executes one queue item: fetch, transform, write. It never
// touches the queue; discoveries come back in the Outcome.
type Processor interface {
	Process(ctx context.Context, item queue.Item) (Outcome, error)
}

// Config tunes the scheduler.
type Config struct {
	SpaceKey         string
	Concurrency      int           // worker pool size, default 5
	MaxPhases        int           // discovery phase cap, default 10
	SnapshotInterval time.Duration // forced snapshot age, default 30s
	GracefulDrain    time.Duration // in-flight wait on cancel/abort, default 10s
	Tick             time.Duration // idle loop wake-up, default 250ms

	// DelayFunc computes the retry delay for a classified failure. Defaults
	// to the exponential backoff schedule; tests shrink it.
	DelayFunc func(c errors.Classified, attempt int) time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxPhases <= 0 {
		c.MaxPhases = 10
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	if c.GracefulDrain <= 0 {
		c.GracefulDrain = 10 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 250 * time.Millisecond
	}
	if c.DelayFunc == nil {
		c.DelayFunc = func(cl errors.Classified, attempt int) time.Duration {
			return errors.BackoffDelay(cl, attempt, errors.DefaultJitterWidth)
		}
	}
}

// AbortError is returned when the failure governor or a fatal error stops
// the run.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string { return "run aborted: " + e.Reason }

// RunResult is the run summary.
type RunResult struct {
	Processed       int
	Failed          int
	Retries         int
	Duplicates      int
	Rejected        int
	Phases          int
	PhaseCapReached bool
	Interrupted     bool
	Aborted         bool
	AbortReason     string
	Governor        Stats
	Elapsed         time.Duration
}

type workerResult struct {
	item    queue.Item
	outcome Outcome
	err     error
	elapsed time.Duration
}

type scheduledRetry struct {
	id    string
	delay time.Duration
}

// Scheduler owns the queue for the duration of a run.
type Scheduler struct {
	cfg      Config
	state    *queue.State
	store    *persist.Store
	proc     Processor
	governor *Governor
	observer *metrics.Observer
	logger   logging.Logger

	notBefore    time.Time // global rate-limit gate: no dispatch before this
	lastSnapshot time.Time
	retryBuf     []scheduledRetry
}

// New creates a Scheduler. store, governor and observer may be nil when the
// caller does not want snapshots, failure governance or metrics.
func New(cfg Config, state *queue.State, store *persist.Store, proc Processor, governor *Governor, observer *metrics.Observer, logger logging.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		cfg:      cfg,
		state:    state,
		store:    store,
		proc:     proc,
		governor: governor,
		observer: observer,
		logger:   logging.OrNop(logger),
	}
}

// Run processes the queue until it drains, the phase cap trips, the governor
// aborts, or the context is cancelled. The queue state is snapshotted before
// returning on every path.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	started := time.Now()
	result := &RunResult{Phases: 1}

	results := make(chan workerResult, s.cfg.Concurrency)
	retryCh := make(chan string, s.cfg.Concurrency)

	inflight := 0
	pendingRetries := 0
	phaseRemaining := idSet(s.state.PendingIDs())
	s.lastSnapshot = time.Now()

	finish := func(runErr error) (*RunResult, error) {
		s.snapshot()
		if s.governor != nil {
			result.Governor = s.governor.Snapshot()
		}
		result.Elapsed = time.Since(started)
		return result, runErr
	}

	// drain waits out in-flight workers after cancellation or abort. Their
	// completions are still recorded; their discoveries are dropped since no
	// new work may start.
	drain := func() {
		deadline := time.NewTimer(s.cfg.GracefulDrain)
		defer deadline.Stop()
		for inflight > 0 {
			select {
			case res := <-results:
				inflight--
				if res.err == nil {
					if err := s.state.MarkCompleted(res.item.PageID); err == nil {
						result.Processed++
					}
				}
			case <-deadline.C:
				s.logger.Warn("graceful drain expired with %d workers in flight", inflight)
				return
			}
		}
	}

	for {
		// Phase bookkeeping: a phase ends when every item pending at its
		// start has reached a terminal state. New discoveries open the next
		// phase.
		if len(phaseRemaining) == 0 && s.state.PendingCount() > 0 {
			result.Phases++
			if result.Phases > s.cfg.MaxPhases {
				result.PhaseCapReached = true
				s.logger.Warn("discovery phase cap (%d) reached with %d items still pending",
					s.cfg.MaxPhases, s.state.PendingCount())
				drain()
				return finish(nil)
			}
			phaseRemaining = idSet(s.state.PendingIDs())
			s.logger.Debug("discovery phase %d: %d items", result.Phases, len(phaseRemaining))
		}

		inflight += s.dispatch(ctx, inflight, results)

		if inflight == 0 && pendingRetries == 0 && s.state.PendingCount() == 0 {
			return finish(nil)
		}

		select {
		case res := <-results:
			inflight--
			abort, reason := s.handleResult(res, result, phaseRemaining)
			if abort {
				result.Aborted = true
				result.AbortReason = reason
				drain()
				return finish(&AbortError{Reason: reason})
			}
		case id := <-retryCh:
			pendingRetries--
			if err := s.state.Retry(id); err != nil {
				s.logger.Warn("retry of %s dropped: %v", id, err)
			} else {
				result.Retries++
				s.observer.ItemRetried()
			}
		case <-ctx.Done():
			s.logger.Info("cancellation requested, draining %d in-flight workers", inflight)
			result.Interrupted = true
			drain()
			return finish(ctx.Err())
		case <-time.After(s.cfg.Tick):
		}

		pendingRetries += s.startScheduledRetries(ctx, retryCh)
		s.maybeSnapshot()
		s.observer.SetQueueDepth(s.state.PendingCount())
	}
}

// dispatch starts workers while pool capacity, pending work and the
// rate-limit gate allow. Returns how many workers were started.
func (s *Scheduler) dispatch(ctx context.Context, inflight int, results chan<- workerResult) int {
	started := 0
	for inflight+started < s.cfg.Concurrency {
		if ctx.Err() != nil {
			break
		}
		if !s.notBefore.IsZero() && time.Now().Before(s.notBefore) {
			break
		}
		item, ok := s.state.Next()
		if !ok {
			break
		}
		if err := s.state.MarkProcessing(item.PageID); err != nil {
			s.logger.Warn("dispatch of %s skipped: %v", item.PageID, err)
			break
		}
		started++
		go func(item queue.Item) {
			begin := time.Now()
			out, err := s.proc.Process(ctx, item)
			results <- workerResult{item: item, outcome: out, err: err, elapsed: time.Since(begin)}
		}(item)
	}
	return started
}

// handleResult applies one worker's outcome to the queue and reports whether
// the run must abort.
func (s *Scheduler) handleResult(res workerResult, result *RunResult, phaseRemaining map[string]struct{}) (bool, string) {
	id := res.item.PageID
	kind := res.outcome.Kind
	if kind == "" {
		kind = "page"
	}
	s.observer.FetchObserved(kind, res.elapsed)

	if s.governor != nil && res.outcome.AttachmentsTotal > 0 {
		s.governor.AddAttachments(res.outcome.AttachmentsTotal)
	}
	for _, reason := range res.outcome.AttachmentFailures {
		s.observer.ItemFailed("attachment")
		if s.governor != nil {
			if abort, why := s.governor.Record(Event{Type: EventAttachment, PageID: id, Reason: reason}); abort {
				return true, why
			}
		}
	}

	if res.err == nil {
		if err := s.state.MarkCompleted(id); err != nil {
			s.logger.Warn("completion of %s not recorded: %v", id, err)
		} else {
			result.Processed++
			s.observer.ItemProcessed()
			s.observer.BytesExported(int(res.outcome.Bytes))
		}
		delete(phaseRemaining, id)
		s.enqueueDiscovered(res.outcome.Discovered, result)
		return false, ""
	}

	return s.handleFailure(res, result, phaseRemaining)
}

// handleFailure classifies a worker error and decides between delayed retry
// and terminal failure.
func (s *Scheduler) handleFailure(res workerResult, result *RunResult, phaseRemaining map[string]struct{}) (bool, string) {
	id := res.item.PageID
	classified := errors.Classify(res.err)

	// A 429 gates the whole pool, not just the worker that hit it.
	if classified.Category == errors.CategoryRateLimit {
		delay := s.cfg.DelayFunc(classified, res.item.RetryCount)
		s.notBefore = time.Now().Add(delay)
		s.observer.RateLimitWait()
		s.logger.Warn("rate limited; pausing dispatch for %s", delay.Round(time.Millisecond))
	}

	if classified.Fatal() {
		s.markFailed(id, classified, result, phaseRemaining)
		return true, "fatal error: " + classified.Error()
	}

	var restricted *errors.RestrictedError
	if stderrors.As(res.err, &restricted) {
		s.markFailed(id, classified, result, phaseRemaining)
		if s.governor != nil {
			if abort, why := s.governor.Record(Event{Type: EventRestricted, PageID: id, Reason: "restricted"}); abort {
				return true, why
			}
		}
		return false, ""
	}

	if errors.ShouldRetry(classified, res.item.RetryCount) {
		delay := s.cfg.DelayFunc(classified, res.item.RetryCount)
		// The item parks as failed until its timer fires; Retry moves it
		// back to pending at the tail.
		if err := s.state.MarkFailed(id); err != nil {
			s.logger.Warn("failure of %s not recorded: %v", id, err)
			return false, ""
		}
		s.retryBuf = append(s.retryBuf, scheduledRetry{id: id, delay: delay})
		s.logger.Debug("retry %d for %s in %s (%s)",
			res.item.RetryCount+1, id, delay.Round(time.Millisecond), classified.Category)
		return false, ""
	}

	s.markFailed(id, classified, result, phaseRemaining)
	s.logger.Error("item %s failed terminally (%s): %v", id, classified.Category, res.err)
	if s.governor != nil {
		if abort, why := s.governor.Record(Event{Type: EventPage, PageID: id, Reason: string(classified.Category)}); abort {
			return true, why
		}
	}
	return false, ""
}

func (s *Scheduler) markFailed(id string, classified errors.Classified, result *RunResult, phaseRemaining map[string]struct{}) {
	if err := s.state.MarkFailed(id); err != nil {
		s.logger.Warn("failure of %s not recorded: %v", id, err)
		return
	}
	result.Failed++
	s.observer.ItemFailed(string(classified.Category))
	delete(phaseRemaining, id)
}

// enqueueDiscovered feeds a worker's discoveries back into the queue.
func (s *Scheduler) enqueueDiscovered(items []queue.Item, result *RunResult) {
	for _, item := range items {
		switch s.state.Add(item) {
		case queue.Added:
			s.observer.ItemQueued(string(item.SourceType))
		case queue.Duplicate:
			result.Duplicates++
		case queue.Rejected:
			result.Rejected++
			s.logger.Warn("queue full (%d), dropping discovered item %s",
				s.state.MaxQueueSize(), item.PageID)
		}
	}
}

// startScheduledRetries launches timer goroutines for retries decided during
// result handling and returns how many were started.
func (s *Scheduler) startScheduledRetries(ctx context.Context, retryCh chan<- string) int {
	n := len(s.retryBuf)
	for _, r := range s.retryBuf {
		r := r
		go func() {
			t := time.NewTimer(r.delay)
			defer t.Stop()
			select {
			case <-t.C:
				select {
				case retryCh <- r.id:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
	s.retryBuf = s.retryBuf[:0]
	return n
}

// maybeSnapshot saves when the mutation threshold or the snapshot age
// interval is exceeded.
func (s *Scheduler) maybeSnapshot() {
	if s.store == nil {
		return
	}
	if s.state.MutationsSinceSave() >= s.state.PersistenceThreshold() ||
		(s.state.MutationsSinceSave() > 0 && time.Since(s.lastSnapshot) > s.cfg.SnapshotInterval) {
		s.snapshot()
	}
}

// snapshot force-saves the queue state.
func (s *Scheduler) snapshot() {
	if s.store == nil {
		return
	}
	begin := time.Now()
	err := s.store.Save(s.state, s.cfg.SpaceKey)
	s.observer.SnapshotObserved(time.Since(begin), err)
	if err != nil {
		s.logger.Error("snapshot save failed: %v", err)
		return
	}
	s.state.MarkSaved()
	s.lastSnapshot = time.Now()
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
