package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cvescout/internal/models"
)

const (
	apiBase  = "https://api.github.com"
	pageSize = 30 // fixed search page size

	maxCodeSampleLen = 5000
	maxReadmeLen     = 3000

	// safety margin added on top of the API's reported reset time
	resetMargin = 10 * time.Second
)

// Options tunes search behaviour; zero values mean "no delay, keep everything".
type Options struct {
	Language        string // language qualifier appended to every query
	PerResultDelay  time.Duration
	ExcludeForks    bool
	ExcludeArchived bool
}

// Client is a minimal wrapper around GitHub's REST API v3.
// It is intentionally light—just the endpoints the pipeline requires.
type Client struct {
	http  *http.Client
	token string
	opts  Options

	baseURL string
	sleep   func(time.Duration)
}

// NewClient returns a ready-to-use GitHub API client.
// token may be an empty string, but you will be subject to very low rate-limits.
func NewClient(token string, opts Options) *Client {
	return &Client{
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		token:   token,
		opts:    opts,
		baseURL: apiBase,
		sleep:   time.Sleep,
	}
}

// rateLimitError signals that the shared API quota window is exhausted.
type rateLimitError struct {
	reset time.Time
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("github: rate limit exceeded, resets at %s", e.reset.Format(time.RFC3339))
}

// ---- code search ------------------------------------------------------------

// Search runs one code-search query and consumes up to maxResults hits,
// enriching each with repository metadata, file content and the latest
// commit touching the file. A rate-limit signal blocks until the quota
// window resets and the call is retried exactly once; a second signal (or
// any other API error) yields an empty result for this pattern.
func (c *Client) Search(ctx context.Context, pattern string, maxResults int) ([]models.CodeHit, error) {
	query := c.withLanguage(pattern)

	hits := make([]models.CodeHit, 0, maxResults)
	repoCache := make(map[string]*repoDetail)
	retried := false

	for page := 1; len(hits) < maxResults; {
		items, err := c.searchPage(ctx, query, page)
		if err != nil {
			var rle *rateLimitError
			if errors.As(err, &rle) && !retried {
				c.waitForReset(rle.reset)
				retried = true
				continue // retry the same page once
			}
			return nil, err
		}
		if len(items) == 0 {
			break // no more pages
		}

		for _, it := range items {
			if len(hits) >= maxResults {
				break
			}
			hit, ok := c.enrich(ctx, it, repoCache)
			if !ok {
				continue
			}
			hits = append(hits, hit)
			if c.opts.PerResultDelay > 0 {
				c.sleep(c.opts.PerResultDelay)
			}
		}
		page++
	}

	return hits, nil
}

// withLanguage appends the configured language qualifier unless the pattern
// already carries one.
func (c *Client) withLanguage(pattern string) string {
	if c.opts.Language == "" {
		return pattern
	}
	if strings.Contains(strings.ToLower(pattern), "language:") {
		return pattern
	}
	return pattern + " language:" + c.opts.Language
}

type searchItem struct {
	Path       string `json:"path"`
	HTMLURL    string `json:"html_url"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type searchResponse struct {
	TotalCount int          `json:"total_count"`
	Items      []searchItem `json:"items"`
}

func (c *Client) searchPage(ctx context.Context, query string, page int) ([]searchItem, error) {
	u := fmt.Sprintf("%s/search/code?q=%s&per_page=%d&page=%d",
		c.baseURL, url.QueryEscape(query), pageSize, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)

	var resp searchResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

type repoDetail struct {
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	Description   string `json:"description"`
	Stars         int    `json:"stargazers_count"`
	Fork          bool   `json:"fork"`
	Archived      bool   `json:"archived"`
	DefaultBranch string `json:"default_branch"`
}

// enrich turns a raw search item into a CodeHit. Sub-fetches are best-effort:
// a failed content or commit lookup leaves the field empty, but a repository
// excluded by the fork/archive policy drops the hit entirely.
func (c *Client) enrich(ctx context.Context, it searchItem, cache map[string]*repoDetail) (models.CodeHit, bool) {
	full := it.Repository.FullName
	detail, ok := cache[full]
	if !ok {
		d, err := c.getRepo(ctx, full)
		if err != nil {
			log.Printf("github: skipping %s: %v", full, err)
			cache[full] = nil
			return models.CodeHit{}, false
		}
		cache[full] = d
		detail = d
	}
	if detail == nil {
		return models.CodeHit{}, false
	}
	if (c.opts.ExcludeForks && detail.Fork) || (c.opts.ExcludeArchived && detail.Archived) {
		return models.CodeHit{}, false
	}

	hit := models.CodeHit{
		RepoFullName: full,
		RepoURL:      detail.HTMLURL,
		Stars:        detail.Stars,
		Description:  detail.Description,
		FilePath:     it.Path,
		FileURL:      it.HTMLURL,
		CodeSample:   c.fileContent(ctx, full, it.Path),
	}

	if sha := c.latestCommit(ctx, full, it.Path, detail.DefaultBranch); sha != "" {
		hit.CommitSHA = sha
		hit.CommitURL = fmt.Sprintf("https://github.com/%s/commit/%s", full, sha)
	}
	return hit, true
}

func (c *Client) getRepo(ctx context.Context, fullName string) (*repoDetail, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/repos/"+escapePath(fullName), nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)

	var d repoDetail
	if err := c.do(req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// fileContent fetches the raw file body, truncated to maxCodeSampleLen.
// Returns "" on any failure.
func (c *Client) fileContent(ctx context.Context, fullName, path string) string {
	u := fmt.Sprintf("%s/repos/%s/contents/%s", c.baseURL, escapePath(fullName), escapePath(path))
	body, err := c.raw(ctx, u)
	if err != nil {
		return ""
	}
	return truncate(string(body), maxCodeSampleLen)
}

type commitRef struct {
	SHA string `json:"sha"`
}

// latestCommit resolves the most recent commit touching path, falling back
// to the head of the default branch.
func (c *Client) latestCommit(ctx context.Context, fullName, path, defaultBranch string) string {
	u := fmt.Sprintf("%s/repos/%s/commits?path=%s&per_page=1",
		c.baseURL, escapePath(fullName), url.QueryEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	c.addHeaders(req)

	var commits []commitRef
	if err := c.do(req, &commits); err == nil && len(commits) > 0 {
		return commits[0].SHA
	}

	if defaultBranch == "" {
		return ""
	}
	req, err = http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/branches/%s", c.baseURL, escapePath(fullName), url.PathEscape(defaultBranch)), nil)
	if err != nil {
		return ""
	}
	c.addHeaders(req)

	var branch struct {
		Commit commitRef `json:"commit"`
	}
	if err := c.do(req, &branch); err != nil {
		return ""
	}
	return branch.Commit.SHA
}

// ---- readme -----------------------------------------------------------------

// Readme fetches the repository README, truncated for model analysis.
// Best-effort: returns "" on any failure.
func (c *Client) Readme(ctx context.Context, fullName string) string {
	body, err := c.raw(ctx, c.baseURL+"/repos/"+escapePath(fullName)+"/readme")
	if err != nil {
		return ""
	}
	return truncate(string(body), maxReadmeLen)
}

// ---- quota ------------------------------------------------------------------

// Quota is a snapshot of the core API rate-limit bucket.
type Quota struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// Quota reports the current core rate-limit state. A failed check returns an
// optimistic default so callers never stall on a broken quota endpoint.
func (c *Client) Quota(ctx context.Context) Quota {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rate_limit", nil)
	if err != nil {
		return Quota{Remaining: 5000, Limit: 5000}
	}
	c.addHeaders(req)

	var resp struct {
		Resources struct {
			Core struct {
				Limit     int   `json:"limit"`
				Remaining int   `json:"remaining"`
				Reset     int64 `json:"reset"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.do(req, &resp); err != nil {
		return Quota{Remaining: 5000, Limit: 5000}
	}
	return Quota{
		Remaining: resp.Resources.Core.Remaining,
		Limit:     resp.Resources.Core.Limit,
		Reset:     time.Unix(resp.Resources.Core.Reset, 0),
	}
}

// waitForReset blocks until the quota window reopens, plus a safety margin.
func (c *Client) waitForReset(reset time.Time) {
	wait := time.Until(reset) + resetMargin
	if wait <= 0 {
		wait = time.Minute
	}
	log.Printf("github: rate limit exceeded, waiting %s for reset", wait.Round(time.Second))
	c.sleep(wait)
}

// ---- plumbing ---------------------------------------------------------------

// addHeaders sets authentication and Accept headers.
func (c *Client) addHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", "cvescout")
}

// do executes the HTTP request and decodes JSON into v.
func (c *Client) do(req *http.Request, v interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkRateLimit(resp); err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("github: unexpected status %s", resp.Status)
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// raw fetches a resource with the raw media type and returns its body.
func (c *Client) raw(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.addHeaders(req)
	req.Header.Set("Accept", "application/vnd.github.raw+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkRateLimit(resp); err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("github: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// checkRateLimit converts a quota-exhausted response into a rateLimitError.
func checkRateLimit(resp *http.Response) error {
	if resp.StatusCode != http.StatusForbidden && resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}
	if resp.Header.Get("X-RateLimit-Remaining") != "0" {
		return nil
	}
	reset := time.Now().Add(time.Minute)
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			reset = time.Unix(epoch, 0)
		}
	}
	return &rateLimitError{reset: reset}
}

// escapePath escapes each segment of a slash-separated path.
func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
