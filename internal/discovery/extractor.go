// Package discovery extracts new work items from a fetched page. Extraction
// walks the page's storage-format markup with goquery and emits candidates
// in a fixed rule order: child-listing macros, include macros, internal
// links, user references. Given identical inputs the output sequence is
// identical.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"confex/internal/confluence"
	"confex/internal/logging"
	"confex/internal/queue"
)

// Config enables or suppresses individual extraction rules.
type Config struct {
	EnableMacroChildren    bool
	EnableInclude          bool
	EnableMentionDiscovery bool
	EnableProfileDiscovery bool
	MaxUsersPerPage        int
}

// DefaultConfig enables every rule with a conservative user cap.
func DefaultConfig() Config {
	return Config{
		EnableMacroChildren:    true,
		EnableInclude:          true,
		EnableMentionDiscovery: true,
		EnableProfileDiscovery: true,
		MaxUsersPerPage:        20,
	}
}

// Context carries the per-page inputs of an extraction call.
type Context struct {
	CurrentPageID string
	SpaceKey      string
	BaseURL       string
	Now           func() time.Time
}

// systemUsernames are filtered out of user discovery.
var systemUsernames = map[string]bool{
	"system":     true,
	"admin":      true,
	"anonymous":  true,
	"confluence": true,
	"jira":       true,
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{1,64}$`)

// mentionPattern matches @username forms in rendered text.
var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9._-]{2,64})`)

// profilePathPattern matches user-profile URL paths (/display/~name or
// /people/name).
var profilePathPattern = regexp.MustCompile(`/(?:display/~|people/|users/viewuserprofile\.action\?username=)([a-zA-Z0-9._@-]+)`)

// pageIDRoutePattern matches page-id routes in hrefs.
var pageIDRoutePattern = regexp.MustCompile(`(?:pageId=|/pages/)(\d+)`)

// Extractor turns fetched pages into queue candidates. The wiki client is
// used to expand child listings and resolve titles to ids; it performs no
// writes, so extraction stays deterministic for a fixed remote state.
type Extractor struct {
	client confluence.Client
	cfg    Config
	logger logging.Logger
}

// New creates an extractor.
func New(client confluence.Client, cfg Config, logger logging.Logger) *Extractor {
	return &Extractor{client: client, cfg: cfg, logger: logging.OrNop(logger)}
}

// Extract returns the queue candidates discovered in the page body.
// Duplicates within a single call are collapsed, keeping the first
// occurrence in rule order.
func (e *Extractor) Extract(ctx context.Context, body string, ec Context) ([]queue.Item, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse page body: %w", err)
	}
	if ec.Now == nil {
		ec.Now = time.Now
	}

	c := &collector{
		seen:  make(map[string]bool),
		ec:    ec,
		users: 0,
		cfg:   e.cfg,
	}

	if e.cfg.EnableMacroChildren {
		e.extractChildMacros(ctx, doc, c)
	}
	if e.cfg.EnableInclude {
		e.extractIncludeMacros(ctx, doc, c)
	}
	e.extractInternalLinks(ctx, doc, c)
	e.extractUserReferences(doc, body, c)

	return c.items, nil
}

type collector struct {
	items []queue.Item
	seen  map[string]bool
	users int
	ec    Context
	cfg   Config
}

func (c *collector) add(pageID string, source queue.SourceType) {
	if pageID == "" || pageID == c.ec.CurrentPageID || c.seen[pageID] {
		return
	}
	c.seen[pageID] = true
	c.items = append(c.items, queue.Item{
		PageID:             pageID,
		SourceType:         source,
		ParentPageID:       c.ec.CurrentPageID,
		DiscoveryTimestamp: c.ec.Now().UnixMilli(),
		Status:             queue.StatusPending,
	})
}

func (c *collector) addUser(username string) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || systemUsernames[username] || !usernamePattern.MatchString(username) {
		return
	}
	if c.cfg.MaxUsersPerPage > 0 && c.users >= c.cfg.MaxUsersPerPage {
		return
	}
	id := "user:" + username
	if c.seen[id] {
		return
	}
	c.seen[id] = true
	c.users++
	c.items = append(c.items, queue.Item{
		PageID:             id,
		SourceType:         queue.SourceUser,
		ParentPageID:       c.ec.CurrentPageID,
		DiscoveryTimestamp: c.ec.Now().UnixMilli(),
		Status:             queue.StatusPending,
	})
}

// extractChildMacros handles children / list-children macros: each resolves
// to the wiki's child listing for the target page.
func (e *Extractor) extractChildMacros(ctx context.Context, doc *goquery.Document, c *collector) {
	doc.Find(`ac\:structured-macro`).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("ac:name")
		if name != "children" && name != "list-children" {
			return
		}

		targetID := c.ec.CurrentPageID
		// The optional "page" parameter points the macro at another page.
		if title, ok := macroPageParameter(s); ok {
			page, err := e.client.GetPageByTitle(ctx, c.ec.SpaceKey, title)
			if err != nil {
				e.logger.Warn("children macro: resolve title %q: %v", title, err)
				return
			}
			if page == nil {
				return
			}
			targetID = page.ID
		}

		children, err := e.client.GetChildren(ctx, targetID)
		if err != nil {
			e.logger.Warn("children macro: list children of %s: %v", targetID, err)
			return
		}
		for _, child := range children {
			c.add(child.ID, queue.SourceMacro)
		}
	})
}

// extractIncludeMacros handles include / excerpt-include macros referencing
// a page by title.
func (e *Extractor) extractIncludeMacros(ctx context.Context, doc *goquery.Document, c *collector) {
	doc.Find(`ac\:structured-macro`).Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("ac:name")
		if name != "include" && name != "excerpt-include" {
			return
		}

		title, ok := macroPageParameter(s)
		if !ok {
			return
		}
		page, err := e.client.GetPageByTitle(ctx, c.ec.SpaceKey, title)
		if err != nil {
			e.logger.Warn("include macro: resolve title %q: %v", title, err)
			return
		}
		if page == nil {
			return
		}
		c.add(page.ID, queue.SourceMacro)
	})
}

// extractInternalLinks handles ri:page link bodies and anchors whose href
// stays inside the wiki. External links are ignored.
func (e *Extractor) extractInternalLinks(ctx context.Context, doc *goquery.Document, c *collector) {
	// Storage-format links carry the target title directly.
	doc.Find(`ac\:link`).Each(func(_ int, s *goquery.Selection) {
		// Skip user links; rule 4 owns those.
		if s.Find(`ri\:user`).Length() > 0 {
			return
		}
		ref := s.Find(`ri\:page`).First()
		if ref.Length() == 0 {
			return
		}
		title, _ := ref.Attr("ri:content-title")
		if title == "" {
			return
		}
		page, err := e.client.GetPageByTitle(ctx, c.ec.SpaceKey, title)
		if err != nil {
			e.logger.Warn("internal link: resolve title %q: %v", title, err)
			return
		}
		if page == nil {
			return
		}
		c.add(page.ID, queue.SourceReference)
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if id := internalPageID(href, c.ec.BaseURL); id != "" {
			c.add(id, queue.SourceReference)
		}
	})
}

// extractUserReferences handles ri:user elements, @mentions, and profile
// URLs, gated by config.
func (e *Extractor) extractUserReferences(doc *goquery.Document, body string, c *collector) {
	if e.cfg.EnableMentionDiscovery {
		doc.Find(`ri\:user`).Each(func(_ int, s *goquery.Selection) {
			if username, ok := s.Attr("ri:username"); ok && username != "" {
				c.addUser(username)
				return
			}
			if key, ok := s.Attr("ri:userkey"); ok && key != "" {
				c.addUser(key)
			}
		})

		for _, match := range mentionPattern.FindAllStringSubmatch(doc.Text(), -1) {
			c.addUser(match[1])
		}
	}

	if e.cfg.EnableProfileDiscovery {
		for _, match := range profilePathPattern.FindAllStringSubmatch(body, -1) {
			c.addUser(match[1])
		}
	}
}

// macroPageParameter pulls the page title out of a macro's parameter block.
func macroPageParameter(s *goquery.Selection) (string, bool) {
	var title string
	s.Find(`ac\:parameter`).EachWithBreak(func(_ int, p *goquery.Selection) bool {
		name, _ := p.Attr("ac:name")
		if name != "page" && name != "" {
			return true
		}
		ref := p.Find(`ri\:page`).First()
		if ref.Length() > 0 {
			title, _ = ref.Attr("ri:content-title")
		} else {
			title = strings.TrimSpace(p.Text())
		}
		return title == ""
	})
	return title, title != ""
}

// internalPageID returns the page id an href points at, or "" when the link
// is external or not a page route.
func internalPageID(href, baseURL string) string {
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if parsed.IsAbs() {
		base, err := url.Parse(baseURL)
		if err != nil || base.Host == "" || !strings.EqualFold(parsed.Host, base.Host) {
			return ""
		}
	}

	if m := pageIDRoutePattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	return ""
}
