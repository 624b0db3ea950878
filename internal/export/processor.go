// Package export is the worker body of a run: it fetches one queue item,
// transforms it, writes the output files, downloads attachments, records
// manifest entries and reports discoveries back to the scheduler.
package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"confex/internal/confluence"
	"confex/internal/discovery"
	"confex/internal/errors"
	"confex/internal/fsutil"
	"confex/internal/logging"
	"confex/internal/manifest"
	"confex/internal/queue"
	"confex/internal/scheduler"
	"confex/internal/transform"
	"confex/internal/usercache"
)

// UserItemPrefix marks queue items that reference a wiki user rather than a
// page.
const UserItemPrefix = "user:"

// attachmentConcurrency bounds parallel downloads per page.
const attachmentConcurrency = 3

// Config tunes the processor.
type Config struct {
	SpaceKey  string
	Workspace string
	BaseURL   string
}

// Processor implements scheduler.Processor for the exporter.
type Processor struct {
	cfg       Config
	client    confluence.Client
	extractor *discovery.Extractor
	users     *usercache.Cache
	logger    logging.Logger

	mu        sync.Mutex
	man       *manifest.Manifest
	pathOwner map[string]string // claimed file path -> owning page id
	byTitle   map[string]string // page title -> exported relative path
	exported  int
}

// New creates a Processor writing into cfg.Workspace and recording entries
// in man.
func New(cfg Config, client confluence.Client, extractor *discovery.Extractor, users *usercache.Cache, man *manifest.Manifest, logger logging.Logger) *Processor {
	p := &Processor{
		cfg:       cfg,
		client:    client,
		extractor: extractor,
		users:     users,
		logger:    logging.OrNop(logger),
		man:       man,
		pathOwner: make(map[string]string),
		byTitle:   make(map[string]string),
	}
	// Entries from a prior run resolve links immediately.
	for _, e := range man.Entries {
		if e.Kind == manifest.KindPage && e.Path != "" {
			p.byTitle[e.Title] = e.Path
			p.pathOwner[e.Path] = e.ID
		}
	}
	return p
}

// Exported returns how many entities this processor wrote.
func (p *Processor) Exported() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exported
}

// Process handles one queue item. User items record profile metadata; page
// items are fetched, transformed, written and mined for discoveries.
func (p *Processor) Process(ctx context.Context, item queue.Item) (scheduler.Outcome, error) {
	if name, ok := strings.CutPrefix(item.PageID, UserItemPrefix); ok {
		return p.processUser(ctx, name)
	}
	return p.processPage(ctx, item)
}

func (p *Processor) processPage(ctx context.Context, item queue.Item) (scheduler.Outcome, error) {
	page, err := p.client.GetPage(ctx, item.PageID)
	if err != nil {
		var httpErr *errors.HTTPError
		if stderrors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden {
			return scheduler.Outcome{}, &errors.RestrictedError{PageID: item.PageID}
		}
		return scheduler.Outcome{}, err
	}
	if page == nil {
		return scheduler.Outcome{}, &errors.ValidationError{
			Subject: "page " + item.PageID,
			Err:     fmt.Errorf("not found"),
		}
	}

	tr := transform.New(transform.Options{
		SpaceKey:    p.cfg.SpaceKey,
		BaseURL:     p.cfg.BaseURL,
		ResolveLink: p.resolveTitle,
		Now:         time.Now,
	}, p.logger)
	result, err := tr.Transform(page)
	if err != nil {
		return scheduler.Outcome{}, err
	}

	relPath := p.claimPath(page)
	outPath := filepath.Join(p.cfg.Workspace, relPath)
	content := []byte(result.Content)
	if err := fsutil.AtomicWriteFile(outPath, content); err != nil {
		return scheduler.Outcome{}, &errors.PersistenceError{Op: "write page " + page.ID, Err: err}
	}

	outcome := scheduler.Outcome{Kind: "page", Bytes: int64(len(content))}

	p.recordEntry(manifest.Entry{
		ID:       page.ID,
		Kind:     manifest.KindPage,
		Title:    page.Title,
		Path:     relPath,
		Hash:     manifest.HashContent(content),
		Version:  page.Version,
		Status:   manifest.StatusExported,
		ParentID: page.ParentID,
	}, page.Title, relPath)

	p.downloadAttachments(ctx, page, &outcome)

	discovered, err := p.extractor.Extract(ctx, page.Body, discovery.Context{
		CurrentPageID: page.ID,
		SpaceKey:      p.cfg.SpaceKey,
		BaseURL:       p.cfg.BaseURL,
	})
	if err != nil {
		// Discovery problems cost reachability, not the page itself.
		p.logger.Warn("discovery on page %s failed: %v", page.ID, err)
	}
	outcome.Discovered = discovered
	return outcome, nil
}

// downloadAttachments fetches the page's attachments concurrently. Failures
// are reported per attachment, never failing the page.
func (p *Processor) downloadAttachments(ctx context.Context, page *confluence.Page, outcome *scheduler.Outcome) {
	attachments, err := p.client.ListAttachments(ctx, page.ID)
	if err != nil {
		p.logger.Warn("listing attachments of page %s failed: %v", page.ID, err)
		outcome.AttachmentFailures = append(outcome.AttachmentFailures, "list: "+err.Error())
		return
	}
	if len(attachments) == 0 {
		return
	}
	outcome.AttachmentsTotal = len(attachments)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(attachmentConcurrency)
	for _, att := range attachments {
		att := att
		g.Go(func() error {
			data, err := p.client.DownloadAttachment(gctx, att.DownloadURL)
			relPath := filepath.Join("attachments", page.ID, sanitizeFileName(att.FileName))
			if err == nil {
				err = fsutil.AtomicWriteFile(filepath.Join(p.cfg.Workspace, relPath), data)
			}

			entry := manifest.Entry{
				ID:       att.ID,
				Kind:     manifest.KindAttachment,
				Title:    att.FileName,
				Path:     relPath,
				ParentID: page.ID,
			}
			if err != nil {
				p.logger.Warn("attachment %s of page %s failed: %v", att.FileName, page.ID, err)
				entry.Status = manifest.StatusFailed
				mu.Lock()
				outcome.AttachmentFailures = append(outcome.AttachmentFailures, att.FileName+": "+err.Error())
				mu.Unlock()
			} else {
				entry.Status = manifest.StatusExported
				entry.Hash = manifest.HashContent(data)
				mu.Lock()
				outcome.Bytes += int64(len(data))
				mu.Unlock()
			}
			p.recordEntry(entry, "", "")
			return nil
		})
	}
	_ = g.Wait()
}

// userRecord is the YAML document written for one referenced user.
type userRecord struct {
	Username    string `yaml:"username"`
	UserKey     string `yaml:"userKey,omitempty"`
	DisplayName string `yaml:"displayName"`
}

func (p *Processor) processUser(ctx context.Context, name string) (scheduler.Outcome, error) {
	user, err := p.users.Get(ctx, name)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	if user == nil {
		// Referenced but unresolvable users are not worth failing a run over.
		p.logger.Debug("user %s not found, skipping", name)
		return scheduler.Outcome{Kind: "user"}, nil
	}

	data, err := yaml.Marshal(userRecord{
		Username:    user.Username,
		UserKey:     user.UserKey,
		DisplayName: user.DisplayName,
	})
	if err != nil {
		return scheduler.Outcome{}, &errors.ValidationError{Subject: "user " + name, Err: err}
	}
	relPath := filepath.Join("users", sanitizeFileName(name)+".yaml")
	if err := fsutil.AtomicWriteFile(filepath.Join(p.cfg.Workspace, relPath), data); err != nil {
		return scheduler.Outcome{}, &errors.PersistenceError{Op: "write user " + name, Err: err}
	}

	p.mu.Lock()
	p.exported++
	p.mu.Unlock()
	return scheduler.Outcome{Kind: "user", Bytes: int64(len(data))}, nil
}

// recordEntry upserts into the shared manifest and indexes page titles for
// link rewriting.
func (p *Processor) recordEntry(entry manifest.Entry, title, relPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.man.Upsert(entry)
	if entry.Status == manifest.StatusExported {
		p.exported++
	}
	if title != "" && relPath != "" {
		p.byTitle[title] = relPath
	}
}

// resolveTitle maps a page title to its exported relative path.
func (p *Processor) resolveTitle(title string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path, ok := p.byTitle[title]
	return path, ok
}

// claimPath picks a collision-free markdown file name for a page.
func (p *Processor) claimPath(page *confluence.Page) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := sanitizeFileName(page.Title)
	if base == "" {
		base = "page-" + page.ID
	}
	relPath := base + ".md"
	if owner, taken := p.pathOwner[relPath]; taken && owner != page.ID {
		relPath = fmt.Sprintf("%s-%s.md", base, page.ID)
	}
	p.pathOwner[relPath] = page.ID
	return relPath
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFileName turns a title into a safe file name.
func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "-")
	name = unsafeFileChars.ReplaceAllString(name, "")
	return strings.Trim(name, "-.")
}
