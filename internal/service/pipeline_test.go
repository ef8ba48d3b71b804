package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvescout/internal/config"
	"cvescout/internal/github"
	"cvescout/internal/models"
)

// ---- fakes ----------------------------------------------------------------

type fakeStore struct {
	records []models.VulnRecord

	results map[int][]models.RepoCandidate
	details []models.RepoCandidate
	commits int
}

func (s *fakeStore) Load() ([]models.VulnRecord, error) { return s.records, nil }

func (s *fakeStore) WriteResult(row int, matches []models.RepoCandidate) error {
	if s.results == nil {
		s.results = map[int][]models.RepoCandidate{}
	}
	s.results[row] = matches
	return nil
}

func (s *fakeStore) AppendDetail(cveID, vulnType string, m models.RepoCandidate) error {
	s.details = append(s.details, m)
	return nil
}

func (s *fakeStore) Commit(backup bool) error {
	s.commits++
	return nil
}

type fakeModel struct {
	patterns []string          // returned by ExtractPatterns
	scanners map[string]bool   // repo name -> is a scanner
	invalid  map[string]bool   // repo name -> fails similarity
	extracts int
	scans    map[string]int // IsScanner calls per repo

	clock           *fakeClock
	scanAdvance     time.Duration // wall time consumed per IsScanner call
	validateAdvance time.Duration // wall time consumed per ValidateSimilarity call
}

func (m *fakeModel) ExtractPatterns(ctx context.Context, code, vulnType string) []string {
	m.extracts++
	return m.patterns
}

func (m *fakeModel) IsScanner(ctx context.Context, repoName, description, readme string) bool {
	if m.scans == nil {
		m.scans = map[string]int{}
	}
	m.scans[repoName]++
	if m.scanAdvance > 0 {
		m.clock.advance(m.scanAdvance)
	}
	return m.scanners[repoName]
}

func (m *fakeModel) ValidateSimilarity(ctx context.Context, originalCode, foundCode, vulnType string) bool {
	if m.validateAdvance > 0 {
		m.clock.advance(m.validateAdvance)
	}
	return !m.invalid[foundCode]
}

type fakeSearch struct {
	hits  map[string][]models.CodeHit // pattern -> hits
	calls []string
	quota github.Quota
}

func (s *fakeSearch) Search(ctx context.Context, pattern string, maxResults int) ([]models.CodeHit, error) {
	s.calls = append(s.calls, pattern)
	return s.hits[pattern], nil
}

func (s *fakeSearch) Readme(ctx context.Context, repoFullName string) string {
	return "readme for " + repoFullName
}

func (s *fakeSearch) Quota(ctx context.Context) github.Quota { return s.quota }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// ---- harness ----------------------------------------------------------------

func testConfig() config.Config {
	return config.Config{
		CreateBackup:       true,
		MaxResultsPerQuery: 10,
		MaxValidated:       5,
		FilterCap:          10,
		RecordTimeout:      300 * time.Second,
		LowQuotaThreshold:  10,
		LowQuotaPause:      10 * time.Second,
		SaveInterval:       5,
	}
}

type harness struct {
	p      *Pipeline
	store  *fakeStore
	model  *fakeModel
	search *fakeSearch
	clock  *fakeClock
	slept  []time.Duration
}

func newHarness(cfg config.Config, records ...models.VulnRecord) *harness {
	h := &harness{
		store:  &fakeStore{records: records},
		model:  &fakeModel{},
		search: &fakeSearch{quota: github.Quota{Remaining: 5000, Limit: 5000}},
		clock:  &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.model.clock = h.clock
	h.p = NewPipeline(h.store, h.model, h.search, cfg)
	h.p.now = h.clock.now
	h.p.sleep = func(d time.Duration) { h.slept = append(h.slept, d) }
	return h
}

func codeHit(repo string, stars int, sample string) models.CodeHit {
	return models.CodeHit{
		RepoFullName: repo,
		RepoURL:      "https://github.com/" + repo,
		Stars:        stars,
		FilePath:     "app.py",
		FileURL:      "https://github.com/" + repo + "/blob/main/app.py",
		CodeSample:   sample,
	}
}

func record(row int, cve, vulnType, code, existing string) models.VulnRecord {
	return models.VulnRecord{Row: row, CVEID: cve, VulnType: vulnType, Code: code, Existing: existing}
}

// ---- tests --------------------------------------------------------------

func TestRun_FullMatchFlow(t *testing.T) {
	h := newHarness(testConfig(),
		record(7, "CVE-2023-1234", "SQL Injection", `cursor.execute("SELECT * FROM t WHERE id=" + uid)`, ""))
	h.model.patterns = []string{"p1", "p2"}
	h.search.hits = map[string][]models.CodeHit{
		"p1": {codeHit("big/app", 120, "snippet-a"), codeHit("small/app", 45, "snippet-b")},
		"p2": {codeHit("big/app", 120, "snippet-c")},
	}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Processed: 1, Updated: 1}, stats)
	assert.Equal(t, []string{"p1", "p2"}, h.search.calls)

	matches := h.store.results[7]
	require.Len(t, matches, 2)
	assert.Equal(t, "big/app", matches[0].RepoFullName)
	assert.Equal(t, 120, matches[0].Stars)
	assert.Equal(t, "small/app", matches[1].RepoFullName)
	assert.Len(t, matches[0].CodeSamples, 2, "both hits for big/app merged")

	assert.Len(t, h.store.details, 2, "one detail row per validated match")
	assert.Equal(t, 1, h.store.commits, "final checkpoint only")
}

func TestRun_SkipsRecordsWithExistingResults(t *testing.T) {
	h := newHarness(testConfig(),
		record(2, "CVE-1", "XSS", "code", strings.Repeat("r", 50)))

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Processed: 1, Skipped: 1}, stats)
	assert.Zero(t, h.model.extracts, "skipped records never reach the model")
	assert.Empty(t, h.search.calls)
	assert.NotContains(t, h.store.results, 2)
}

func TestRun_NoMatchMarkerIsReprocessed(t *testing.T) {
	// "None found" is exactly 10 characters, one short of the resume
	// threshold, so unmatched records stay eligible on later runs.
	h := newHarness(testConfig(),
		record(3, "CVE-1", "XSS", "code", "None found"))
	h.model.patterns = []string{"p1"}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Processed: 1}, stats)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, []string{"p1"}, h.search.calls)
}

func TestRun_NoPatternsWritesNoMatch(t *testing.T) {
	h := newHarness(testConfig(), record(4, "CVE-1", "XSS", "code", ""))
	h.model.patterns = nil

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, RunStats{Processed: 1}, stats)
	assert.Empty(t, h.search.calls)
	require.Contains(t, h.store.results, 4)
	assert.Empty(t, h.store.results[4])
}

func TestRun_MissingCodeCountsAsErrorAndContinues(t *testing.T) {
	h := newHarness(testConfig(),
		record(5, "CVE-1", "XSS", "   ", ""),
		record(6, "CVE-2", "XSS", "code", ""))
	h.model.patterns = []string{"p1"}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errored)
	assert.Equal(t, 1, stats.Processed, "second record still processed")
	assert.NotContains(t, h.store.results, 5, "errored records keep their cell untouched")
	assert.Contains(t, h.store.results, 6)
}

func TestRun_FiltersScannerRepositories(t *testing.T) {
	h := newHarness(testConfig(), record(7, "CVE-1", "XSS", "code", ""))
	h.model.patterns = []string{"p1"}
	h.model.scanners = map[string]bool{"sec/scanner": true}
	h.search.hits = map[string][]models.CodeHit{
		"p1": {codeHit("sec/scanner", 900, "s"), codeHit("real/app", 10, "r")},
	}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Updated)
	matches := h.store.results[7]
	require.Len(t, matches, 1)
	assert.Equal(t, "real/app", matches[0].RepoFullName)
}

func TestRun_ScannerVerdictCachedAcrossRecords(t *testing.T) {
	h := newHarness(testConfig(),
		record(2, "CVE-1", "XSS", "code-1", ""),
		record(3, "CVE-2", "XSS", "code-2", ""))
	h.model.patterns = []string{"p1"}
	h.search.hits = map[string][]models.CodeHit{
		"p1": {codeHit("shared/app", 10, "s")},
	}

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.model.scans["shared/app"], "verdict reused from cache")
}

func TestRun_LowQuotaPausesFiltering(t *testing.T) {
	h := newHarness(testConfig(), record(2, "CVE-1", "XSS", "code", ""))
	h.model.patterns = []string{"p1"}
	h.search.hits = map[string][]models.CodeHit{"p1": {codeHit("a/app", 10, "s")}}
	h.search.quota = github.Quota{Remaining: 3, Limit: 5000}

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Contains(t, h.slept, 10*time.Second)
}

func TestRun_TimeoutDuringFilteringDropsRemainder(t *testing.T) {
	h := newHarness(testConfig(), record(2, "CVE-1", "SQLi", "code", ""))
	h.model.patterns = []string{"p1"}
	h.model.scanAdvance = 400 * time.Second // each verdict blows the 300s budget
	h.search.hits = map[string][]models.CodeHit{
		"p1": {codeHit("a/one", 30, "s1"), codeHit("b/two", 20, "s2"), codeHit("c/three", 10, "s3")},
	}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	// one candidate was examined before the deadline, but validation then
	// started past it, so nothing survives
	assert.Equal(t, 1, h.model.scans["a/one"])
	assert.Zero(t, h.model.scans["b/two"])
	require.Contains(t, h.store.results, 2)
	assert.Empty(t, h.store.results[2])
	assert.Equal(t, RunStats{Processed: 1}, stats)
}

func TestRun_TimeoutDuringValidationKeepsPartialResult(t *testing.T) {
	h := newHarness(testConfig(), record(2, "CVE-1", "SQLi", "code", ""))
	h.model.patterns = []string{"p1"}
	h.model.validateAdvance = 400 * time.Second
	h.search.hits = map[string][]models.CodeHit{
		"p1": {codeHit("a/one", 30, "s1"), codeHit("b/two", 20, "s2")},
	}

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	matches := h.store.results[2]
	require.Len(t, matches, 1, "first validation finished before the deadline check")
	assert.Equal(t, "a/one", matches[0].RepoFullName)
	assert.Equal(t, RunStats{Processed: 1, Updated: 1}, stats)
}

func TestRun_ChecksPointEveryInterval(t *testing.T) {
	cfg := testConfig()
	cfg.SaveInterval = 2
	h := newHarness(cfg,
		record(2, "CVE-1", "XSS", "c", ""),
		record(3, "CVE-2", "XSS", "c", ""),
		record(4, "CVE-3", "XSS", "c", ""),
		record(5, "CVE-4", "XSS", "c", ""),
		record(6, "CVE-5", "XSS", "c", ""))
	h.model.patterns = nil // no-match fast path

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Processed)
	// after records 2 and 4, plus the final commit
	assert.Equal(t, 3, h.store.commits)
}

func TestRun_MaxRecordsLimitsBatch(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecords = 1
	h := newHarness(cfg,
		record(2, "CVE-1", "XSS", "c", ""),
		record(3, "CVE-2", "XSS", "c", ""))
	h.model.patterns = nil

	stats, err := h.p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Processed)
	assert.NotContains(t, h.store.results, 3)
}

func TestRun_InterruptCheckpointsAndReturns(t *testing.T) {
	h := newHarness(testConfig(),
		record(2, "CVE-1", "XSS", "c", ""),
		record(3, "CVE-2", "XSS", "c", ""))
	h.model.patterns = []string{"p1"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // interrupt before the first record

	stats, err := h.p.Run(ctx)
	require.NoError(t, err, "interrupt is a clean shutdown, not an error")

	assert.Equal(t, RunStats{}, stats)
	assert.Equal(t, 1, h.store.commits, "progress saved on interrupt")
	assert.Empty(t, h.search.calls)
}

func TestRun_CapsValidatedMatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxValidated = 2
	h := newHarness(cfg, record(2, "CVE-1", "XSS", "code", ""))
	h.model.patterns = []string{"p1"}
	h.search.hits = map[string][]models.CodeHit{
		"p1": {
			codeHit("a/one", 40, "s1"),
			codeHit("b/two", 30, "s2"),
			codeHit("c/three", 20, "s3"),
		},
	}

	_, err := h.p.Run(context.Background())
	require.NoError(t, err)

	matches := h.store.results[2]
	require.Len(t, matches, 2)
	assert.Equal(t, "a/one", matches[0].RepoFullName)
	assert.Equal(t, "b/two", matches[1].RepoFullName)
}
