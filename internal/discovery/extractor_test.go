package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confex/internal/confluence"
	"confex/internal/logging"
	"confex/internal/queue"
)

// fakeWiki resolves titles and child listings from fixed maps.
type fakeWiki struct {
	confluence.Client
	children map[string][]confluence.ChildRef
	byTitle  map[string]*confluence.Page
	baseURL  string
}

func (f *fakeWiki) GetChildren(ctx context.Context, id string) ([]confluence.ChildRef, error) {
	return f.children[id], nil
}

func (f *fakeWiki) GetPageByTitle(ctx context.Context, spaceKey, title string) (*confluence.Page, error) {
	return f.byTitle[title], nil
}

func (f *fakeWiki) BaseURL() string { return f.baseURL }

func testContext() Context {
	fixed := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	return Context{
		CurrentPageID: "1000",
		SpaceKey:      "DOCS",
		BaseURL:       "https://wiki.example.com",
		Now:           func() time.Time { return fixed },
	}
}

func newTestExtractor(wiki *fakeWiki, cfg Config) *Extractor {
	return New(wiki, cfg, logging.Nop())
}

func TestExtractChildrenMacro(t *testing.T) {
	wiki := &fakeWiki{children: map[string][]confluence.ChildRef{
		"1000": {{ID: "1001", Title: "Child A"}, {ID: "1002", Title: "Child B"}},
	}}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<p>Intro</p><ac:structured-macro ac:name="children"></ac:structured-macro>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, "1001", items[0].PageID)
	assert.Equal(t, queue.SourceMacro, items[0].SourceType)
	assert.Equal(t, "1000", items[0].ParentPageID)
}

func TestExtractChildrenMacroWithPageParameter(t *testing.T) {
	wiki := &fakeWiki{
		children: map[string][]confluence.ChildRef{"2000": {{ID: "2001"}}},
		byTitle:  map[string]*confluence.Page{"Other Root": {ID: "2000"}},
	}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<ac:structured-macro ac:name="list-children">` +
		`<ac:parameter ac:name="page"><ac:link><ri:page ri:content-title="Other Root"></ri:page></ac:link></ac:parameter>` +
		`</ac:structured-macro>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "2001", items[0].PageID)
}

func TestExtractIncludeMacro(t *testing.T) {
	wiki := &fakeWiki{byTitle: map[string]*confluence.Page{
		"Shared Header": {ID: "3000"},
	}}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<ac:structured-macro ac:name="include">` +
		`<ac:parameter ac:name=""><ac:link><ri:page ri:content-title="Shared Header"></ri:page></ac:link></ac:parameter>` +
		`</ac:structured-macro>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	require.Len(t, items, 1)
	assert.Equal(t, "3000", items[0].PageID)
	assert.Equal(t, queue.SourceMacro, items[0].SourceType)
}

func TestExtractInternalLinks(t *testing.T) {
	wiki := &fakeWiki{byTitle: map[string]*confluence.Page{
		"Design Notes": {ID: "4000"},
	}}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<ac:link><ri:page ri:content-title="Design Notes"></ri:page></ac:link>` +
		`<a href="https://wiki.example.com/pages/viewpage.action?pageId=5000">by id</a>` +
		`<a href="/pages/6000">relative route</a>` +
		`<a href="https://elsewhere.com/pages/7000">external, ignored</a>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	ids := pageIDs(items)
	assert.Equal(t, []string{"4000", "5000", "6000"}, ids)
	for _, item := range items {
		assert.Equal(t, queue.SourceReference, item.SourceType)
	}
}

func TestExtractUserReferences(t *testing.T) {
	e := newTestExtractor(&fakeWiki{}, DefaultConfig())

	body := `<ac:link><ri:user ri:username="jdoe"></ri:user></ac:link>` +
		`<p>Reviewed by @asmith and the team</p>` +
		`<a href="/display/~bjones">profile</a>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	ids := pageIDs(items)
	assert.Contains(t, ids, "user:jdoe")
	assert.Contains(t, ids, "user:asmith")
	assert.Contains(t, ids, "user:bjones")
	for _, item := range items {
		assert.Equal(t, queue.SourceUser, item.SourceType)
	}
}

func TestSystemUsersFiltered(t *testing.T) {
	e := newTestExtractor(&fakeWiki{}, DefaultConfig())

	body := `<ac:link><ri:user ri:username="admin"></ri:user></ac:link>` +
		`<ac:link><ri:user ri:username="confluence"></ri:user></ac:link>` +
		`<ac:link><ri:user ri:username="real.person"></ri:user></ac:link>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	assert.Equal(t, []string{"user:real.person"}, pageIDs(items))
}

func TestMaxUsersPerPage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxUsersPerPage = 2
	e := newTestExtractor(&fakeWiki{}, cfg)

	body := `<p>@alpha @bravo @charlie @delta</p>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRuleConfigFlagsSuppress(t *testing.T) {
	wiki := &fakeWiki{
		children: map[string][]confluence.ChildRef{"1000": {{ID: "1001"}}},
		byTitle:  map[string]*confluence.Page{"Inc": {ID: "3000"}},
	}
	cfg := Config{} // everything off
	e := newTestExtractor(wiki, cfg)

	body := `<ac:structured-macro ac:name="children"></ac:structured-macro>` +
		`<ac:structured-macro ac:name="include"><ac:parameter ac:name="page">Inc</ac:parameter></ac:structured-macro>` +
		`<p>@mentioned</p><a href="/display/~profileuser">p</a>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDuplicatesCollapsedWithinCall(t *testing.T) {
	wiki := &fakeWiki{byTitle: map[string]*confluence.Page{"Dup": {ID: "9000"}}}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<ac:link><ri:page ri:content-title="Dup"></ri:page></ac:link>` +
		`<a href="/pages/9000">same page by id</a>` +
		`<a href="/pages/9000">again</a>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSelfReferenceIgnored(t *testing.T) {
	e := newTestExtractor(&fakeWiki{}, DefaultConfig())
	body := `<a href="/pages/1000">this very page</a>`
	items, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestExtractionDeterministic(t *testing.T) {
	wiki := &fakeWiki{
		children: map[string][]confluence.ChildRef{"1000": {{ID: "1001"}, {ID: "1002"}}},
		byTitle:  map[string]*confluence.Page{"Linked": {ID: "4000"}},
	}
	e := newTestExtractor(wiki, DefaultConfig())

	body := `<ac:structured-macro ac:name="children"></ac:structured-macro>` +
		`<ac:link><ri:page ri:content-title="Linked"></ri:page></ac:link>` +
		`<p>@someone</p>`

	first, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)
	second, err := e.Extract(context.Background(), body, testContext())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Rule order: macro children before references before users.
	assert.Equal(t, []string{"1001", "1002", "4000", "user:someone"}, pageIDs(first))
}

func pageIDs(items []queue.Item) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.PageID
	}
	return out
}
