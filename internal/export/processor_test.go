package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confex/internal/confluence"
	"confex/internal/discovery"
	"confex/internal/errors"
	"confex/internal/logging"
	"confex/internal/manifest"
	"confex/internal/queue"
	"confex/internal/usercache"
)

// fakeWiki serves pages, attachments and users from fixed maps.
type fakeWiki struct {
	confluence.Client
	pages       map[string]*confluence.Page
	pageErr     map[string]error
	attachments map[string][]confluence.Attachment
	downloads   map[string][]byte
	downloadErr map[string]error
	users       map[string]*confluence.User
}

func (f *fakeWiki) GetPage(ctx context.Context, id string) (*confluence.Page, error) {
	if err := f.pageErr[id]; err != nil {
		return nil, err
	}
	return f.pages[id], nil
}

func (f *fakeWiki) GetChildren(ctx context.Context, id string) ([]confluence.ChildRef, error) {
	return nil, nil
}

func (f *fakeWiki) GetPageByTitle(ctx context.Context, spaceKey, title string) (*confluence.Page, error) {
	for _, p := range f.pages {
		if p != nil && p.Title == title {
			return p, nil
		}
	}
	return nil, nil
}

func (f *fakeWiki) ListAttachments(ctx context.Context, id string) ([]confluence.Attachment, error) {
	return f.attachments[id], nil
}

func (f *fakeWiki) DownloadAttachment(ctx context.Context, url string) ([]byte, error) {
	if err := f.downloadErr[url]; err != nil {
		return nil, err
	}
	return f.downloads[url], nil
}

func (f *fakeWiki) GetUser(ctx context.Context, key string) (*confluence.User, error) {
	return f.users[key], nil
}

func (f *fakeWiki) BaseURL() string { return "https://wiki.example.com" }

func newProcessor(t *testing.T, wiki *fakeWiki) (*Processor, *manifest.Manifest, string) {
	t.Helper()
	dir := t.TempDir()
	users, err := usercache.New(wiki, usercache.Config{})
	require.NoError(t, err)
	man := manifest.New("DOCS")
	extractor := discovery.New(wiki, discovery.DefaultConfig(), logging.Nop())
	p := New(Config{SpaceKey: "DOCS", Workspace: dir, BaseURL: "https://wiki.example.com"},
		wiki, extractor, users, man, logging.Nop())
	return p, man, dir
}

func pageItem(id string) queue.Item {
	return queue.Item{PageID: id, SourceType: queue.SourceInitial, Status: queue.StatusProcessing}
}

func TestProcessPageWritesMarkdownAndManifest(t *testing.T) {
	wiki := &fakeWiki{pages: map[string]*confluence.Page{
		"100": {ID: "100", Title: "Getting Started", Version: 2,
			Body: `<p>Welcome</p><a href="/pages/200">next</a>`},
	}}
	p, man, dir := newProcessor(t, wiki)

	outcome, err := p.Process(context.Background(), pageItem("100"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "Getting-Started.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "title: Getting Started")
	assert.Contains(t, string(data), "Welcome")

	entry, ok := man.Entry("100")
	require.True(t, ok)
	assert.Equal(t, manifest.StatusExported, entry.Status)
	assert.Equal(t, 2, entry.Version)
	assert.Equal(t, manifest.HashContent(data), entry.Hash)

	require.Len(t, outcome.Discovered, 1)
	assert.Equal(t, "200", outcome.Discovered[0].PageID)
	assert.Equal(t, int64(len(data)), outcome.Bytes)
	assert.Equal(t, 1, p.Exported())
}

func TestProcessPageRestricted(t *testing.T) {
	wiki := &fakeWiki{pageErr: map[string]error{
		"42": &errors.HTTPError{StatusCode: 403, Status: "403 Forbidden", URL: "u"},
	}}
	p, _, _ := newProcessor(t, wiki)

	_, err := p.Process(context.Background(), pageItem("42"))
	require.Error(t, err)
	var restricted *errors.RestrictedError
	require.ErrorAs(t, err, &restricted)
	assert.Equal(t, "42", restricted.PageID)
}

func TestProcessPageMissing(t *testing.T) {
	p, _, _ := newProcessor(t, &fakeWiki{pages: map[string]*confluence.Page{}})

	_, err := p.Process(context.Background(), pageItem("999"))
	require.Error(t, err)
	var vErr *errors.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestProcessPageAttachments(t *testing.T) {
	wiki := &fakeWiki{
		pages: map[string]*confluence.Page{
			"100": {ID: "100", Title: "Files", Version: 1, Body: "<p>see files</p>"},
		},
		attachments: map[string][]confluence.Attachment{
			"100": {
				{ID: "a1", FileName: "ok.png", DownloadURL: "/dl/ok"},
				{ID: "a2", FileName: "bad.png", DownloadURL: "/dl/bad"},
			},
		},
		downloads:   map[string][]byte{"/dl/ok": []byte("png-bytes")},
		downloadErr: map[string]error{"/dl/bad": fmt.Errorf("connection reset")},
	}
	p, man, dir := newProcessor(t, wiki)

	outcome, err := p.Process(context.Background(), pageItem("100"))
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.AttachmentsTotal)
	require.Len(t, outcome.AttachmentFailures, 1)
	assert.Contains(t, outcome.AttachmentFailures[0], "bad.png")

	saved, err := os.ReadFile(filepath.Join(dir, "attachments", "100", "ok.png"))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(saved))

	good, ok := man.Entry("a1")
	require.True(t, ok)
	assert.Equal(t, manifest.StatusExported, good.Status)
	bad, ok := man.Entry("a2")
	require.True(t, ok)
	assert.Equal(t, manifest.StatusFailed, bad.Status)
}

func TestProcessUser(t *testing.T) {
	wiki := &fakeWiki{users: map[string]*confluence.User{
		"jdoe": {Username: "jdoe", DisplayName: "Jane Doe"},
	}}
	p, _, dir := newProcessor(t, wiki)

	outcome, err := p.Process(context.Background(), queue.Item{PageID: "user:jdoe", SourceType: queue.SourceUser})
	require.NoError(t, err)
	assert.Equal(t, "user", outcome.Kind)

	data, err := os.ReadFile(filepath.Join(dir, "users", "jdoe.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "displayName: Jane Doe")
}

func TestProcessUserMissingIsNotAnError(t *testing.T) {
	p, _, _ := newProcessor(t, &fakeWiki{})
	outcome, err := p.Process(context.Background(), queue.Item{PageID: "user:ghost", SourceType: queue.SourceUser})
	require.NoError(t, err)
	assert.Equal(t, "user", outcome.Kind)
	assert.Zero(t, outcome.Bytes)
}

func TestLinkRewritingAcrossPages(t *testing.T) {
	wiki := &fakeWiki{pages: map[string]*confluence.Page{
		"1": {ID: "1", Title: "First", Version: 1, Body: "<p>one</p>"},
		"2": {ID: "2", Title: "Second", Version: 1,
			Body: `<p><ac:link><ri:page ri:content-title="First"></ri:page></ac:link></p>`},
	}}
	p, _, dir := newProcessor(t, wiki)

	_, err := p.Process(context.Background(), pageItem("1"))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), pageItem("2"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "Second.md"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[First](First.md)")
}

func TestClaimPathCollision(t *testing.T) {
	wiki := &fakeWiki{pages: map[string]*confluence.Page{
		"1": {ID: "1", Title: "Same Title", Version: 1, Body: "<p>a</p>"},
		"2": {ID: "2", Title: "Same Title", Version: 1, Body: "<p>b</p>"},
	}}
	p, man, _ := newProcessor(t, wiki)

	_, err := p.Process(context.Background(), pageItem("1"))
	require.NoError(t, err)
	_, err = p.Process(context.Background(), pageItem("2"))
	require.NoError(t, err)

	first, _ := man.Entry("1")
	second, _ := man.Entry("2")
	assert.Equal(t, "Same-Title.md", first.Path)
	assert.Equal(t, "Same-Title-2.md", second.Path)
}

func TestSanitizeFileName(t *testing.T) {
	cases := map[string]string{
		"Getting Started":     "Getting-Started",
		"a/b\\c:d":            "abcd",
		"  spaced  ":          "spaced",
		"..hidden..":          "hidden",
		"Notes (2024) [v2]!":  "Notes-2024-v2",
		strings.Repeat("x", 3): "xxx",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeFileName(in), in)
	}
}
