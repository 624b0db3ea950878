package confluence

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"confex/internal/errors"
	"confex/internal/httpclient"
	"confex/internal/logging"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultPageLimit = 100
	maxBodyBytes     = 16 * 1024 * 1024
	maxBinaryBytes   = 256 * 1024 * 1024
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL  string
	Token    string // bearer token; empty disables the Authorization header
	Username string // used with APIToken for basic auth (Cloud)
	APIToken string
	Timeout  time.Duration
}

// RESTClient talks to the Confluence REST API.
type RESTClient struct {
	cfg    ClientConfig
	http   *http.Client
	logger logging.Logger
}

// NewRESTClient builds a client against the given base URL.
func NewRESTClient(cfg ClientConfig, logger logging.Logger) *RESTClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &RESTClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logging.OrNop(logger),
	}
}

// BaseURL returns the configured wiki base URL.
func (c *RESTClient) BaseURL() string { return c.cfg.BaseURL }

type contentResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Body struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
	Ancestors []struct {
		ID string `json:"id"`
	} `json:"ancestors"`
	History struct {
		LastUpdated struct {
			When time.Time `json:"when"`
		} `json:"lastUpdated"`
	} `json:"history"`
	Links map[string]string `json:"_links"`
}

type contentListResponse struct {
	Results []contentResponse `json:"results"`
	Size    int               `json:"size"`
	Limit   int               `json:"limit"`
	Start   int               `json:"start"`
}

type attachmentListResponse struct {
	Results []struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Metadata struct {
			MediaType string `json:"mediaType"`
		} `json:"metadata"`
		Extensions struct {
			FileSize int64 `json:"fileSize"`
		} `json:"extensions"`
		Links map[string]string `json:"_links"`
	} `json:"results"`
	Size int `json:"size"`
}

type userResponse struct {
	Username    string `json:"username"`
	UserKey     string `json:"userKey"`
	DisplayName string `json:"displayName"`
}

func (c *RESTClient) GetPage(ctx context.Context, id string) (*Page, error) {
	var resp contentResponse
	path := fmt.Sprintf("/rest/api/content/%s", url.PathEscape(id))
	query := url.Values{"expand": {"body.storage,version,ancestors,history.lastUpdated"}}
	if err := c.getJSON(ctx, path, query, &resp); err != nil {
		return nil, err
	}
	return pageFromContent(resp), nil
}

func (c *RESTClient) ListPages(ctx context.Context, spaceKey string, limit int) ([]ChildRef, error) {
	var out []ChildRef
	start := 0
	for {
		query := url.Values{
			"spaceKey": {spaceKey},
			"type":     {"page"},
			"expand":   {"version"},
			"start":    {strconv.Itoa(start)},
			"limit":    {strconv.Itoa(defaultPageLimit)},
		}
		var resp contentListResponse
		if err := c.getJSON(ctx, "/rest/api/content", query, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Results {
			out = append(out, ChildRef{ID: item.ID, Title: item.Title, Version: item.Version.Number})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if resp.Size < defaultPageLimit {
			return out, nil
		}
		start += resp.Size
	}
}

func (c *RESTClient) GetChildren(ctx context.Context, id string) ([]ChildRef, error) {
	var out []ChildRef
	start := 0
	path := fmt.Sprintf("/rest/api/content/%s/child/page", url.PathEscape(id))
	for {
		query := url.Values{
			"expand": {"version"},
			"start":  {strconv.Itoa(start)},
			"limit":  {strconv.Itoa(defaultPageLimit)},
		}
		var resp contentListResponse
		if err := c.getJSON(ctx, path, query, &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Results {
			out = append(out, ChildRef{ID: item.ID, Title: item.Title, Version: item.Version.Number})
		}
		if resp.Size < defaultPageLimit {
			return out, nil
		}
		start += resp.Size
	}
}

func (c *RESTClient) GetPageByTitle(ctx context.Context, spaceKey, title string) (*Page, error) {
	query := url.Values{
		"spaceKey": {spaceKey},
		"title":    {title},
		"expand":   {"body.storage,version,ancestors"},
	}
	var resp contentListResponse
	if err := c.getJSON(ctx, "/rest/api/content", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return pageFromContent(resp.Results[0]), nil
}

func (c *RESTClient) ListAttachments(ctx context.Context, id string) ([]Attachment, error) {
	path := fmt.Sprintf("/rest/api/content/%s/child/attachment", url.PathEscape(id))
	var resp attachmentListResponse
	if err := c.getJSON(ctx, path, url.Values{"limit": {strconv.Itoa(defaultPageLimit)}}, &resp); err != nil {
		return nil, err
	}
	out := make([]Attachment, 0, len(resp.Results))
	for _, item := range resp.Results {
		out = append(out, Attachment{
			ID:          item.ID,
			FileName:    item.Title,
			MediaType:   item.Metadata.MediaType,
			Size:        item.Extensions.FileSize,
			DownloadURL: item.Links["download"],
		})
	}
	return out, nil
}

func (c *RESTClient) DownloadAttachment(ctx context.Context, downloadURL string) ([]byte, error) {
	target := downloadURL
	if strings.HasPrefix(target, "/") {
		target = c.cfg.BaseURL + target
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp, target)
	}
	return httpclient.ReadAllWithLimit(resp.Body, maxBinaryBytes)
}

func (c *RESTClient) GetUser(ctx context.Context, usernameOrKey string) (*User, error) {
	// Try username first, then userkey (server API accepts either parameter).
	for _, param := range []string{"username", "key"} {
		var resp userResponse
		err := c.getJSON(ctx, "/rest/api/user", url.Values{param: {usernameOrKey}}, &resp)
		if err == nil {
			return &User{Username: resp.Username, UserKey: resp.UserKey, DisplayName: resp.DisplayName}, nil
		}
		var httpErr *errors.HTTPError
		if stderrors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			continue
		}
		return nil, err
	}
	return nil, nil
}

func (c *RESTClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return httpError(resp, target)
	}

	data, err := httpclient.ReadAllWithLimit(resp.Body, maxBodyBytes)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errors.ValidationError{Subject: target, Err: err}
	}
	return nil
}

func (c *RESTClient) authorize(req *http.Request) {
	switch {
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	case c.cfg.Username != "" && c.cfg.APIToken != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.APIToken)
	}
}

// httpError converts a non-200 response into a classified-friendly error,
// carrying the Retry-After hint when the server provides one.
func httpError(resp *http.Response, target string) error {
	retryAfter := time.Duration(0)
	if hint := resp.Header.Get("Retry-After"); hint != "" {
		if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return &errors.HTTPError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		URL:        target,
		RetryAfter: retryAfter,
	}
}

func pageFromContent(resp contentResponse) *Page {
	page := &Page{
		ID:           resp.ID,
		Title:        resp.Title,
		Body:         resp.Body.Storage.Value,
		Version:      resp.Version.Number,
		ModifiedDate: resp.History.LastUpdated.When,
	}
	if n := len(resp.Ancestors); n > 0 {
		page.ParentID = resp.Ancestors[n-1].ID
	}
	return page
}
