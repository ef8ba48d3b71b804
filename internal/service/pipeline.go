package service

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"cvescout/internal/config"
	"cvescout/internal/github"
	"cvescout/internal/models"
)

// Existing result cells longer than this are considered real results and the
// record is not reprocessed. The no-match marker ("None found", 10 chars)
// deliberately sits on the boundary so unmatched records stay eligible.
const resumeThreshold = 10

// scanner verdicts are stable per repository, so reuse them across records
const verdictCacheSize = 512

// ---- Collaborator contracts --------------------------------------------

// RecordStore persists vulnerability records and pipeline outcomes.
type RecordStore interface {
	Load() ([]models.VulnRecord, error)
	WriteResult(row int, matches []models.RepoCandidate) error
	AppendDetail(cveID, vulnType string, m models.RepoCandidate) error
	Commit(backup bool) error
}

// LanguageModel exposes the three semantic checks the pipeline needs.
// Implementations degrade internally: extraction fails closed (empty list),
// the two boolean checks fail open.
type LanguageModel interface {
	ExtractPatterns(ctx context.Context, code, vulnType string) []string
	IsScanner(ctx context.Context, repoName, description, readme string) bool
	ValidateSimilarity(ctx context.Context, originalCode, foundCode, vulnType string) bool
}

// CodeSearcher issues code-search queries and auxiliary repo lookups.
type CodeSearcher interface {
	Search(ctx context.Context, pattern string, maxResults int) ([]models.CodeHit, error)
	Readme(ctx context.Context, repoFullName string) string
	Quota(ctx context.Context) github.Quota
}

// ---- Pipeline ------------------------------------------------------------

var errNoCode = errors.New("record has no code snippet")

// RunStats are the per-run counters reported when a batch finishes.
type RunStats struct {
	Processed int
	Updated   int
	Skipped   int
	Errored   int
}

// Pipeline drives the four stages per vulnerability record: pattern
// extraction, code search, scanner filtering and similarity validation.
// Records are processed strictly one at a time; stages within a record run
// sequentially because each depends on the previous stage's output.
type Pipeline struct {
	store RecordStore
	llm   LanguageModel
	gh    CodeSearcher
	cfg   config.Config

	verdicts *lru.Cache[string, bool]

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

// NewPipeline wires the collaborators.
func NewPipeline(store RecordStore, model LanguageModel, gh CodeSearcher, cfg config.Config) *Pipeline {
	verdicts, _ := lru.New[string, bool](verdictCacheSize)
	return &Pipeline{
		store:    store,
		llm:      model,
		gh:       gh,
		cfg:      cfg,
		verdicts: verdicts,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Run processes every loaded record, checkpointing the store periodically
// and once more at the end. A cancelled context (interrupt) triggers an
// immediate checkpoint and a clean return; no single record failure aborts
// the batch.
func (p *Pipeline) Run(ctx context.Context) (RunStats, error) {
	records, err := p.store.Load()
	if err != nil {
		return RunStats{}, err
	}
	if p.cfg.MaxRecords > 0 && len(records) > p.cfg.MaxRecords {
		log.Printf("limiting run to first %d of %d records", p.cfg.MaxRecords, len(records))
		records = records[:p.cfg.MaxRecords]
	}

	var stats RunStats
	total := len(records)

	for i, rec := range records {
		select {
		case <-ctx.Done():
			log.Printf("interrupted, saving progress...")
			if err := p.store.Commit(p.cfg.CreateBackup); err != nil {
				log.Printf("ERROR saving progress: %v", err)
			}
			return stats, nil
		default:
		}

		log.Printf("[%d/%d] processing row %d (CVE: %s)", i+1, total, rec.Row, orNA(rec.CVEID))

		if len(rec.Existing) > resumeThreshold {
			log.Printf("  already has results, skipping")
			stats.Skipped++
			stats.Processed++
			continue
		}

		matches, err := p.processRecord(ctx, rec)
		if err != nil {
			log.Printf("  ERROR processing row %d: %v", rec.Row, err)
			stats.Errored++
			continue
		}

		if err := p.persist(rec, matches); err != nil {
			log.Printf("  ERROR writing results for row %d: %v", rec.Row, err)
			stats.Errored++
			continue
		}
		stats.Processed++
		if len(matches) > 0 {
			stats.Updated++
		}

		if p.cfg.SaveInterval > 0 && stats.Processed%p.cfg.SaveInterval == 0 {
			log.Printf("saving progress (%d/%d)...", stats.Processed, total)
			if err := p.store.Commit(p.cfg.CreateBackup); err != nil {
				log.Printf("ERROR saving progress: %v", err)
			}
		}
	}

	if err := p.store.Commit(p.cfg.CreateBackup); err != nil {
		return stats, err
	}
	return stats, nil
}

// persist writes the record outcome: the result column always, plus one
// detail row per validated match.
func (p *Pipeline) persist(rec models.VulnRecord, matches []models.RepoCandidate) error {
	if err := p.store.WriteResult(rec.Row, matches); err != nil {
		return err
	}
	for _, m := range matches {
		if err := p.store.AppendDetail(rec.CVEID, rec.VulnType, m); err != nil {
			return err
		}
	}
	return nil
}

// processRecord runs the four stages for one record under a soft wall-clock
// budget. The deadline is cooperative: it is checked at stage boundaries and
// per candidate inside the filter/validate loops, so whatever survived
// before it fires is returned as a partial result.
func (p *Pipeline) processRecord(ctx context.Context, rec models.VulnRecord) ([]models.RepoCandidate, error) {
	start := p.now()

	if strings.TrimSpace(rec.Code) == "" {
		return nil, errNoCode
	}
	log.Printf("  vulnerability: %s (%d chars of code)", orNA(rec.VulnType), len(rec.Code))

	log.Printf("  [1/4] extracting search patterns...")
	patterns := p.llm.ExtractPatterns(ctx, rec.Code, rec.VulnType)
	if len(patterns) == 0 {
		log.Printf("  no search patterns extracted")
		return nil, nil
	}
	if p.expired(start) {
		log.Printf("  timeout reached after extraction")
		return nil, nil
	}
	log.Printf("  found %d search patterns", len(patterns))

	log.Printf("  [2/4] searching GitHub repositories...")
	var hits []models.CodeHit
	for _, pat := range patterns {
		log.Printf("    searching: %.80s", pat)
		res, err := p.gh.Search(ctx, pat, p.cfg.MaxResultsPerQuery)
		if err != nil {
			log.Printf("    search failed: %v", err)
			continue
		}
		hits = append(hits, res...)
		if p.cfg.InterQueryDelay > 0 {
			p.sleep(p.cfg.InterQueryDelay)
		}
	}
	if p.expired(start) {
		log.Printf("  timeout reached after search")
		return nil, nil
	}

	candidates := github.AggregateByRepository(hits)
	if len(candidates) == 0 {
		log.Printf("  no repositories found")
		return nil, nil
	}
	log.Printf("  found %d unique repositories", len(candidates))

	log.Printf("  [3/4] filtering out vulnerability scanners...")
	survivors := p.filterScanners(ctx, start, candidates)
	log.Printf("  %d repositories after filtering", len(survivors))
	if len(survivors) == 0 {
		return nil, nil
	}

	log.Printf("  [4/4] validating code similarity...")
	validated := p.validateMatches(ctx, start, rec, survivors)
	log.Printf("  %d repositories validated", len(validated))

	// Multi-stage filtering must not disturb the popularity ranking.
	sort.SliceStable(validated, func(i, j int) bool {
		return validated[i].Stars > validated[j].Stars
	})
	return github.TopN(validated, p.cfg.MaxValidated), nil
}

// filterScanners drops candidates that are themselves security-scanning
// tools. Candidates are examined in popularity order until the deadline
// fires or FilterCap survivors are collected; low remaining API quota pauses
// the loop briefly rather than cancelling it.
func (p *Pipeline) filterScanners(ctx context.Context, start time.Time, candidates []models.RepoCandidate) []models.RepoCandidate {
	var kept []models.RepoCandidate
	for _, cand := range candidates {
		if p.expired(start) {
			log.Printf("  timeout reached during filtering, keeping %d survivors", len(kept))
			break
		}
		if q := p.gh.Quota(ctx); q.Remaining < p.cfg.LowQuotaThreshold {
			log.Printf("  low API quota (%d remaining), pausing...", q.Remaining)
			p.sleep(p.cfg.LowQuotaPause)
		}

		scanner, cached := p.verdicts.Get(cand.RepoFullName)
		if !cached {
			readme := p.gh.Readme(ctx, cand.RepoFullName)
			scanner = p.llm.IsScanner(ctx, cand.RepoFullName, cand.Description, readme)
			p.verdicts.Add(cand.RepoFullName, scanner)
		}
		if scanner {
			log.Printf("    filtered out scanner: %s", cand.RepoFullName)
			continue
		}

		kept = append(kept, cand)
		if len(kept) >= p.cfg.FilterCap {
			break // bound downstream model cost
		}
	}
	return kept
}

// validateMatches keeps the candidates whose representative code sample
// exhibits the same vulnerability mechanism as the record, stopping once
// MaxValidated are accepted or the deadline fires.
func (p *Pipeline) validateMatches(ctx context.Context, start time.Time, rec models.VulnRecord, survivors []models.RepoCandidate) []models.RepoCandidate {
	var validated []models.RepoCandidate
	for _, cand := range survivors {
		if p.expired(start) {
			log.Printf("  timeout reached during validation, keeping %d matches", len(validated))
			break
		}
		if p.llm.ValidateSimilarity(ctx, rec.Code, cand.CodeSample, rec.VulnType) {
			log.Printf("    validated: %s", cand.RepoFullName)
			validated = append(validated, cand)
		} else {
			log.Printf("    rejected: %s (different vulnerability pattern)", cand.RepoFullName)
		}
		if len(validated) >= p.cfg.MaxValidated {
			break
		}
	}
	return validated
}

func (p *Pipeline) expired(start time.Time) bool {
	return p.cfg.RecordTimeout > 0 && p.now().Sub(start) > p.cfg.RecordTimeout
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
