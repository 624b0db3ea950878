// Package transform converts Confluence storage-format markup into Markdown
// documents with YAML front matter. Page links are rewritten to relative
// paths when the target is part of the export; attachment references are
// rewritten to the local attachments directory and reported to the caller.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"gopkg.in/yaml.v3"

	"confex/internal/confluence"
	"confex/internal/errors"
	"confex/internal/logging"
)

// FrontMatter is the YAML block emitted at the top of every exported page.
type FrontMatter struct {
	Title      string `yaml:"title"`
	PageID     string `yaml:"pageId"`
	SpaceKey   string `yaml:"spaceKey"`
	Version    int    `yaml:"version"`
	ParentID   string `yaml:"parentId,omitempty"`
	Modified   string `yaml:"modified,omitempty"`
	ExportedAt string `yaml:"exportedAt"`
}

// Result is the outcome of transforming one page.
type Result struct {
	Content     string   // front matter + markdown body
	Markdown    string   // body only
	FrontMatter FrontMatter
	Attachments []string // attachment file names referenced by the body
	Links       []string // titles of linked pages resolved to local paths
}

// Options tunes the transformer.
type Options struct {
	SpaceKey string
	BaseURL  string
	// ResolveLink maps a page title to the relative path of its exported
	// file. Unresolvable targets fall back to an absolute wiki URL.
	ResolveLink func(title string) (string, bool)
	Now         func() time.Time
}

// Transformer converts one page at a time. Safe for reuse, not for
// concurrent use on the same instance state (it carries none).
type Transformer struct {
	opts   Options
	logger logging.Logger
}

// New creates a Transformer.
func New(opts Options, logger logging.Logger) *Transformer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Transformer{opts: opts, logger: logging.OrNop(logger)}
}

// Transform renders the page body to markdown and prepends front matter.
func (t *Transformer) Transform(page *confluence.Page) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.Body))
	if err != nil {
		return nil, &errors.ValidationError{Subject: "page " + page.ID, Err: err}
	}

	st := &renderState{
		opts:   t.opts,
		pageID: page.ID,
	}
	var body strings.Builder
	doc.Find("body").Contents().Each(func(_ int, sel *goquery.Selection) {
		st.renderBlock(&body, sel)
	})

	fm := FrontMatter{
		Title:      page.Title,
		PageID:     page.ID,
		SpaceKey:   t.opts.SpaceKey,
		Version:    page.Version,
		ParentID:   page.ParentID,
		ExportedAt: t.opts.Now().UTC().Format(time.RFC3339),
	}
	if !page.ModifiedDate.IsZero() {
		fm.Modified = page.ModifiedDate.UTC().Format(time.RFC3339)
	}

	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return nil, &errors.ValidationError{Subject: "front matter for " + page.ID, Err: err}
	}

	markdown := tidyMarkdown(body.String())
	var full strings.Builder
	full.WriteString("---\n")
	full.Write(fmBytes)
	full.WriteString("---\n\n")
	if page.Title != "" {
		fmt.Fprintf(&full, "# %s\n\n", page.Title)
	}
	full.WriteString(markdown)

	return &Result{
		Content:     full.String(),
		Markdown:    markdown,
		FrontMatter: fm,
		Attachments: st.attachments,
		Links:       st.links,
	}, nil
}

// tidyMarkdown collapses runs of blank lines and guarantees a trailing
// newline.
func tidyMarkdown(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		// Keep two-space hard breaks.
		if trimmed != "" && strings.HasSuffix(line, "  ") {
			trimmed += "  "
		}
		if trimmed == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, trimmed)
	}
	result := strings.TrimLeft(strings.Join(out, "\n"), "\n")
	result = strings.TrimRight(result, "\n")
	if result != "" {
		result += "\n"
	}
	return result
}
