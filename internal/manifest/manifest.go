// Package manifest records what a run exported and decides, on the next
// run, which entities actually need work. The manifest file is the durable
// per-entity record (id, path, content hash, version); the planner diffs it
// against a fresh remote listing.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"confex/internal/errors"
	"confex/internal/fsutil"
)

// Version is the manifest schema version.
const Version = 1

// DefaultFileName is the manifest location inside a workspace.
const DefaultFileName = "manifest.json"

// EntryStatus describes how the entity fared last run.
type EntryStatus string

const (
	StatusExported EntryStatus = "exported"
	StatusSkipped  EntryStatus = "skipped"
	StatusFailed   EntryStatus = "failed"
)

// EntryKind distinguishes pages from attachments.
type EntryKind string

const (
	KindPage       EntryKind = "page"
	KindAttachment EntryKind = "attachment"
)

// Entry is the durable record for one exported entity.
type Entry struct {
	ID       string      `json:"id"`
	Kind     EntryKind   `json:"kind,omitempty"`
	Title    string      `json:"title"`
	Path     string      `json:"path"`
	Hash     string      `json:"hash"`
	Version  int         `json:"version"`
	Status   EntryStatus `json:"status"`
	ParentID string      `json:"parentId,omitempty"`
}

// Manifest is the whole prior-run record.
type Manifest struct {
	Version   int     `json:"version"`
	Timestamp string  `json:"timestamp"`
	SpaceKey  string  `json:"spaceKey"`
	Entries   []Entry `json:"entries"`
}

// New creates an empty manifest for a space.
func New(spaceKey string) *Manifest {
	return &Manifest{
		Version:   Version,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		SpaceKey:  spaceKey,
	}
}

// Entry returns the entry with the given id.
func (m *Manifest) Entry(id string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Upsert replaces or appends an entry by id.
func (m *Manifest) Upsert(entry Entry) {
	for i, e := range m.Entries {
		if e.ID == entry.ID {
			m.Entries[i] = entry
			return
		}
	}
	m.Entries = append(m.Entries, entry)
}

// Load reads a manifest. Returns (nil, nil) when the file does not exist.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errors.PersistenceError{Op: "load manifest", Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &errors.ValidationError{Subject: path, Err: err}
	}
	if m.Version != Version {
		return nil, &errors.ValidationError{
			Subject: path,
			Err:     fmt.Errorf("unsupported manifest version %d", m.Version),
		}
	}
	return &m, nil
}

// Save writes the manifest atomically.
func Save(path string, m *Manifest) error {
	m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return &errors.PersistenceError{Op: "marshal manifest", Err: err}
	}
	if err := fsutil.AtomicWriteFile(path, data); err != nil {
		return &errors.PersistenceError{Op: "save manifest", Err: err}
	}
	return nil
}

// HashContent returns the content hash recorded in manifest entries:
// hex SHA-256 over the post-transform bytes.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DiffResult buckets manifest entries by what changed between two runs.
type DiffResult struct {
	Added     []Entry
	Modified  []Entry
	Deleted   []Entry
	Unchanged []Entry
}

// Diff compares two manifests by entry id. Entries present only in curr are
// added; present only in prev are deleted; present in both with differing
// hash or version are modified.
func Diff(prev, curr *Manifest) DiffResult {
	var result DiffResult
	prevByID := make(map[string]Entry)
	if prev != nil {
		for _, e := range prev.Entries {
			prevByID[e.ID] = e
		}
	}

	seen := make(map[string]bool)
	if curr != nil {
		for _, e := range curr.Entries {
			seen[e.ID] = true
			old, ok := prevByID[e.ID]
			switch {
			case !ok:
				result.Added = append(result.Added, e)
			case old.Hash != e.Hash || old.Version != e.Version:
				result.Modified = append(result.Modified, e)
			default:
				result.Unchanged = append(result.Unchanged, e)
			}
		}
	}
	if prev != nil {
		for _, e := range prev.Entries {
			if !seen[e.ID] {
				result.Deleted = append(result.Deleted, e)
			}
		}
	}
	return result
}
