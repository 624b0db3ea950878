package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EventType identifies what kind of failure the governor is being told about.
type EventType string

const (
	EventPage       EventType = "page"
	EventAttachment EventType = "attachment"
	EventRestricted EventType = "restricted"
)

// Event is one failure observation.
type Event struct {
	Type   EventType
	PageID string
	Reason string
}

// GovernorConfig bounds how much failure a run tolerates before aborting.
type GovernorConfig struct {
	AllowFailures              bool
	PageThreshold              int
	AttachmentThreshold        int
	AttachmentPercentThreshold float64
	RestrictedAllowed          bool
}

// DefaultGovernorConfig aborts on the first page failure; the thresholds
// only come into play once failures are explicitly permitted.
func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		AllowFailures:              false,
		PageThreshold:              10,
		AttachmentThreshold:        25,
		AttachmentPercentThreshold: 50,
		RestrictedAllowed:          true,
	}
}

// Governor watches the failure stream and decides when a run has degraded
// enough that continuing would do more harm than good.
type Governor struct {
	mu  sync.Mutex
	cfg GovernorConfig

	pageFailures       int
	attachmentFailures int
	totalAttachments   int
	restrictedPages    int
	reasons            map[string]int

	abortReason string
}

// NewGovernor creates a Governor.
func NewGovernor(cfg GovernorConfig) *Governor {
	return &Governor{cfg: cfg, reasons: make(map[string]int)}
}

// AddAttachments records attachments attempted, the denominator for the
// percent threshold.
func (g *Governor) AddAttachments(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.totalAttachments += n
}

// Record ingests one failure event and reports whether the run must abort.
// Once tripped, the governor stays tripped.
func (g *Governor) Record(ev Event) (abort bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch ev.Type {
	case EventPage:
		g.pageFailures++
	case EventAttachment:
		g.attachmentFailures++
	case EventRestricted:
		g.restrictedPages++
	}
	if ev.Reason != "" {
		g.reasons[ev.Reason]++
	}

	if g.abortReason == "" {
		g.abortReason = g.evaluateLocked()
	}
	return g.abortReason != "", g.abortReason
}

// Tripped reports whether the governor has already decided to abort.
func (g *Governor) Tripped() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abortReason != "", g.abortReason
}

func (g *Governor) evaluateLocked() string {
	if !g.cfg.AllowFailures && g.pageFailures > 0 {
		return "failures not permitted and a page failed"
	}
	if g.cfg.PageThreshold > 0 && g.pageFailures > g.cfg.PageThreshold {
		return fmt.Sprintf("page failures (%d) exceeded threshold (%d)", g.pageFailures, g.cfg.PageThreshold)
	}
	if g.cfg.AttachmentThreshold > 0 && g.attachmentFailures > g.cfg.AttachmentThreshold {
		return fmt.Sprintf("attachment failures (%d) exceeded threshold (%d)", g.attachmentFailures, g.cfg.AttachmentThreshold)
	}
	if g.cfg.AttachmentPercentThreshold > 0 && g.totalAttachments > 0 {
		pct := float64(g.attachmentFailures) / float64(g.totalAttachments) * 100
		if pct > g.cfg.AttachmentPercentThreshold {
			return fmt.Sprintf("attachment failure rate %.0f%% exceeded threshold %.0f%%", pct, g.cfg.AttachmentPercentThreshold)
		}
	}
	if !g.cfg.RestrictedAllowed && g.restrictedPages > 0 {
		return "restricted pages encountered and not permitted"
	}
	return ""
}

// Stats is the governor's final tally for the run report.
type Stats struct {
	PageFailures       int
	AttachmentFailures int
	TotalAttachments   int
	RestrictedPages    int
	Reasons            map[string]int
}

// Snapshot returns a copy of the current tally.
func (g *Governor) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	reasons := make(map[string]int, len(g.reasons))
	for k, v := range g.reasons {
		reasons[k] = v
	}
	return Stats{
		PageFailures:       g.pageFailures,
		AttachmentFailures: g.attachmentFailures,
		TotalAttachments:   g.totalAttachments,
		RestrictedPages:    g.restrictedPages,
		Reasons:            reasons,
	}
}

// ReasonSummary renders the reason histogram sorted by frequency, most
// common first.
func (s Stats) ReasonSummary() string {
	type rc struct {
		reason string
		count  int
	}
	sorted := make([]rc, 0, len(s.Reasons))
	for reason, count := range s.Reasons {
		sorted = append(sorted, rc{reason, count})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].reason < sorted[j].reason
	})

	var parts []string
	for _, entry := range sorted {
		parts = append(parts, fmt.Sprintf("%s=%d", entry.reason, entry.count))
	}
	return strings.Join(parts, ", ")
}
