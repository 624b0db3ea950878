// Package queue holds the download queue data model: items keyed by page id,
// FIFO processing order, the processed set that survives across runs, and the
// run metrics. The scheduler is the only mutator; the internal mutex exists
// so accessors called from the progress sampler stay safe.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SourceType records how an item was discovered.
type SourceType string

const (
	SourceInitial   SourceType = "initial"
	SourceMacro     SourceType = "macro"
	SourceReference SourceType = "reference"
	SourceUser      SourceType = "user"
)

// Status represents the lifecycle state of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is a final state for this run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item is one unit of work. Identity is PageID; a synthetic "user:<name>"
// form is used for user-profile items.
type Item struct {
	PageID             string     `json:"pageId"`
	SourceType         SourceType `json:"sourceType"`
	ParentPageID       string     `json:"parentPageId,omitempty"`
	DiscoveryTimestamp int64      `json:"discoveryTimestamp"` // ms since epoch
	RetryCount         int        `json:"retryCount"`
	Status             Status     `json:"status"`
}

// AddResult is the outcome of State.Add.
type AddResult int

const (
	Added AddResult = iota
	Duplicate
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Metrics are the run counters exposed by the queue.
type Metrics struct {
	TotalQueued           int     `json:"totalQueued"`
	TotalProcessed        int     `json:"totalProcessed"`
	TotalFailed           int     `json:"totalFailed"`
	CurrentQueueSize      int     `json:"currentQueueSize"`
	DiscoveryRate         float64 `json:"discoveryRate"`  // items queued per second
	ProcessingRate        float64 `json:"processingRate"` // items completed per second
	AverageRetryCount     float64 `json:"averageRetryCount"`
	PersistenceOperations int     `json:"persistenceOperations"`
}

// Config bounds the queue.
type Config struct {
	MaxQueueSize         int
	PersistenceThreshold int
}

// DefaultConfig returns the queue bounds used when the caller does not
// override them.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:         10000,
		PersistenceThreshold: 25,
	}
}

// State is the in-memory queue.
type State struct {
	mu              sync.Mutex
	items           map[string]*Item
	processingOrder []string
	processedPages  map[string]struct{}
	metrics         Metrics
	cfg             Config
	mutations       int
	startedAt       time.Time
	now             func() time.Time
}

// NewState creates an empty queue.
func NewState(cfg Config) *State {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.PersistenceThreshold <= 0 {
		cfg.PersistenceThreshold = DefaultConfig().PersistenceThreshold
	}
	return &State{
		items:          make(map[string]*Item),
		processedPages: make(map[string]struct{}),
		cfg:            cfg,
		startedAt:      time.Now(),
		now:            time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.startedAt = now()
}

// Add inserts a new item. Idempotent by page id; items beyond MaxQueueSize
// are rejected. Items whose page is already in the processed set are
// recorded as duplicates so re-discovered pages are not re-fetched.
func (s *State) Add(item Item) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.PageID == "" {
		return Rejected
	}
	if _, dup := s.items[item.PageID]; dup {
		return Duplicate
	}
	if _, done := s.processedPages[item.PageID]; done {
		return Duplicate
	}
	if len(s.items) >= s.cfg.MaxQueueSize {
		return Rejected
	}

	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.DiscoveryTimestamp == 0 {
		item.DiscoveryTimestamp = s.now().UnixMilli()
	}

	stored := item
	s.items[item.PageID] = &stored
	if !stored.Status.IsTerminal() {
		s.processingOrder = append(s.processingOrder, item.PageID)
	}
	s.metrics.TotalQueued++
	s.mutations++
	s.refreshDerivedLocked()
	return Added
}

// Next returns the first pending item in processing order without removing
// it. The second return is false when nothing is pending.
func (s *State) Next() (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.processingOrder {
		item, ok := s.items[id]
		if ok && item.Status == StatusPending {
			return *item, true
		}
	}
	return Item{}, false
}

// MarkProcessing transitions a pending item to processing.
func (s *State) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	if item.Status != StatusPending {
		return fmt.Errorf("queue: item %q is %s, want pending", id, item.Status)
	}
	item.Status = StatusProcessing
	s.mutations++
	s.refreshDerivedLocked()
	return nil
}

// MarkCompleted transitions a processing item to completed, records it in
// the processed set and drops it from the processing order.
func (s *State) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	if item.Status != StatusProcessing {
		return fmt.Errorf("queue: item %q is %s, want processing", id, item.Status)
	}
	item.Status = StatusCompleted
	s.processedPages[id] = struct{}{}
	s.removeFromOrderLocked(id)
	s.metrics.TotalProcessed++
	s.mutations++
	s.refreshDerivedLocked()
	return nil
}

// MarkFailed transitions an item to failed from any non-terminal state.
func (s *State) MarkFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	if item.Status.IsTerminal() {
		return fmt.Errorf("queue: item %q already terminal (%s)", id, item.Status)
	}
	item.Status = StatusFailed
	s.removeFromOrderLocked(id)
	s.metrics.TotalFailed++
	s.mutations++
	s.refreshDerivedLocked()
	return nil
}

// Retry increments the retry count and requeues the item at the tail of the
// processing order. Allowed from failed or pending.
func (s *State) Retry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return fmt.Errorf("queue: unknown item %q", id)
	}
	if item.Status != StatusFailed && item.Status != StatusPending {
		return fmt.Errorf("queue: item %q is %s, cannot retry", id, item.Status)
	}
	item.RetryCount++
	if item.Status == StatusFailed {
		// markFailed already charged TotalFailed; the retry puts the item
		// back in play.
		s.metrics.TotalFailed--
	}
	item.Status = StatusPending
	s.removeFromOrderLocked(id)
	s.processingOrder = append(s.processingOrder, id)
	s.mutations++
	s.refreshDerivedLocked()
	return nil
}

// Item returns a copy of the item with the given id.
func (s *State) Item(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return Item{}, false
	}
	return *item, true
}

// Items returns copies of all items, ordered by discovery timestamp then
// page id for deterministic serialization.
func (s *State) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Item, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveryTimestamp != out[j].DiscoveryTimestamp {
			return out[i].DiscoveryTimestamp < out[j].DiscoveryTimestamp
		}
		return out[i].PageID < out[j].PageID
	})
	return out
}

// ProcessedPages returns the sorted processed set.
func (s *State) ProcessedPages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.processedPages))
	for id := range s.processedPages {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsProcessed reports whether the page completed in this or a prior run.
func (s *State) IsProcessed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.processedPages[id]
	return ok
}

// Metrics returns a copy of the current counters with rates derived from
// run elapsed time.
func (s *State) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.metrics
	elapsed := s.now().Sub(s.startedAt).Seconds()
	if elapsed > 0 {
		m.DiscoveryRate = float64(m.TotalQueued) / elapsed
		m.ProcessingRate = float64(m.TotalProcessed) / elapsed
	}
	return m
}

// Len returns the total number of items tracked this run.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// PendingCount returns the number of pending items.
func (s *State) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCountLocked()
}

// ActiveCount returns the number of pending plus processing items.
func (s *State) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.items {
		if !item.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// OrderLen returns the length of the processing order. Used by structural
// validation.
func (s *State) OrderLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processingOrder)
}

// PendingIDs returns the ids currently pending, in processing order. Used by
// the scheduler to snapshot a phase boundary.
func (s *State) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.processingOrder))
	for _, id := range s.processingOrder {
		if item, ok := s.items[id]; ok && item.Status == StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// MutationsSinceSave reports queue mutations since the last MarkSaved.
func (s *State) MutationsSinceSave() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mutations
}

// MarkSaved resets the mutation counter and charges a persistence operation.
func (s *State) MarkSaved() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutations = 0
	s.metrics.PersistenceOperations++
}

// MaxQueueSize returns the configured hard bound.
func (s *State) MaxQueueSize() int {
	return s.cfg.MaxQueueSize
}

// PersistenceThreshold returns the mutation count between forced snapshots.
func (s *State) PersistenceThreshold() int {
	return s.cfg.PersistenceThreshold
}

// Restore replaces the queue contents from a persisted snapshot. Items keep
// their persisted status and retry counts; the processing order is rebuilt
// for non-terminal items sorted by discovery timestamp then page id.
func (s *State) Restore(items []Item, processed []string, metrics Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*Item, len(items))
	s.processingOrder = s.processingOrder[:0]
	s.processedPages = make(map[string]struct{}, len(processed))

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].DiscoveryTimestamp != sorted[j].DiscoveryTimestamp {
			return sorted[i].DiscoveryTimestamp < sorted[j].DiscoveryTimestamp
		}
		return sorted[i].PageID < sorted[j].PageID
	})
	for _, item := range sorted {
		stored := item
		s.items[item.PageID] = &stored
		if !stored.Status.IsTerminal() {
			s.processingOrder = append(s.processingOrder, stored.PageID)
		}
	}
	for _, id := range processed {
		s.processedPages[id] = struct{}{}
	}
	s.metrics = metrics
	s.mutations = 0
	s.refreshDerivedLocked()
}

// ResetProcessing flips every processing item back to pending. Called by
// recovery after an interrupted run; retry counts are unchanged. Returns the
// ids that were reset.
func (s *State) ResetProcessing() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset []string
	for _, id := range s.processingOrder {
		if item, ok := s.items[id]; ok && item.Status == StatusProcessing {
			item.Status = StatusPending
			reset = append(reset, id)
		}
	}
	if len(reset) > 0 {
		s.mutations++
		s.refreshDerivedLocked()
	}
	return reset
}

func (s *State) pendingCountLocked() int {
	n := 0
	for _, item := range s.items {
		if item.Status == StatusPending {
			n++
		}
	}
	return n
}

func (s *State) removeFromOrderLocked(id string) {
	for i, queued := range s.processingOrder {
		if queued == id {
			s.processingOrder = append(s.processingOrder[:i], s.processingOrder[i+1:]...)
			return
		}
	}
}

func (s *State) refreshDerivedLocked() {
	s.metrics.CurrentQueueSize = s.pendingCountLocked()

	totalRetries := 0
	for _, item := range s.items {
		totalRetries += item.RetryCount
	}
	if len(s.items) > 0 {
		s.metrics.AverageRetryCount = float64(totalRetries) / float64(len(s.items))
	} else {
		s.metrics.AverageRetryCount = 0
	}
}
