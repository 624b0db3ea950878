package manifest

// RemoteItem is one entity in the fresh remote listing used by incremental
// planning.
type RemoteItem struct {
	ID      string
	Kind    EntryKind
	Title   string
	Version int
	Hash    string // optional; only compared when ContentHashCheck is set
}

// PlanOptions tunes incremental planning.
type PlanOptions struct {
	ForceFull        bool
	ContentHashCheck bool
}

// ChangeKind is the planner's verdict for one entity.
type ChangeKind string

const (
	ChangeAdded     ChangeKind = "added"
	ChangeModified  ChangeKind = "modified"
	ChangeUnchanged ChangeKind = "unchanged"
	ChangeDeleted   ChangeKind = "deleted"
)

// PlannedItem pairs a remote entity with its verdict.
type PlannedItem struct {
	RemoteItem
	Change ChangeKind
}

// Plan is the outcome of incremental planning: what to fetch, what to skip,
// and the manifest-level diff.
type Plan struct {
	PagesToProcess       []RemoteItem
	AttachmentsToProcess []RemoteItem
	Skipped              []RemoteItem
	Deleted              []Entry
	Verdicts             []PlannedItem
}

// BuildPlan decides per entity whether it is new, modified or unchanged
// relative to the previous manifest. Deleted entries (in the manifest but
// absent remotely) are reported, never enqueued.
func BuildPlan(current []RemoteItem, previous *Manifest, opts PlanOptions) Plan {
	var plan Plan

	prevByID := make(map[string]Entry)
	if previous != nil {
		for _, e := range previous.Entries {
			prevByID[e.ID] = e
		}
	}

	seen := make(map[string]bool, len(current))
	for _, item := range current {
		seen[item.ID] = true
		change := classifyChange(item, prevByID, opts)
		plan.Verdicts = append(plan.Verdicts, PlannedItem{RemoteItem: item, Change: change})

		if change == ChangeUnchanged {
			plan.Skipped = append(plan.Skipped, item)
			continue
		}
		if item.Kind == KindAttachment {
			plan.AttachmentsToProcess = append(plan.AttachmentsToProcess, item)
		} else {
			plan.PagesToProcess = append(plan.PagesToProcess, item)
		}
	}

	if previous != nil {
		for _, e := range previous.Entries {
			if !seen[e.ID] {
				plan.Deleted = append(plan.Deleted, e)
			}
		}
	}
	return plan
}

// classifyChange applies the precedence order: forceFull, then absence, then
// version / content-hash comparison.
func classifyChange(item RemoteItem, prevByID map[string]Entry, opts PlanOptions) ChangeKind {
	if opts.ForceFull {
		return ChangeModified
	}
	old, ok := prevByID[item.ID]
	if !ok {
		return ChangeAdded
	}
	if old.Version != item.Version {
		return ChangeModified
	}
	if opts.ContentHashCheck && item.Hash != "" && old.Hash != item.Hash {
		return ChangeModified
	}
	return ChangeUnchanged
}
