package github

import (
	"sort"

	"cvescout/internal/models"
)

// AggregateByRepository collapses code hits into one candidate per unique
// repository. The first hit seen for a repository seeds its display fields;
// subsequent hits only extend the CodeSamples and FileURLs collections.
// The result is sorted by stars descending, ties keeping first-seen order.
func AggregateByRepository(hits []models.CodeHit) []models.RepoCandidate {
	byRepo := make(map[string]int) // full name -> index in repos
	var repos []models.RepoCandidate

	for _, h := range hits {
		if i, ok := byRepo[h.RepoFullName]; ok {
			repos[i].CodeSamples = append(repos[i].CodeSamples, h.CodeSample)
			repos[i].FileURLs = append(repos[i].FileURLs, h.FileURL)
			continue
		}
		byRepo[h.RepoFullName] = len(repos)
		repos = append(repos, models.RepoCandidate{
			RepoFullName: h.RepoFullName,
			RepoURL:      h.RepoURL,
			Stars:        h.Stars,
			Description:  h.Description,
			CodeSamples:  []string{h.CodeSample},
			FileURLs:     []string{h.FileURL},
			FilePath:     h.FilePath,
			CodeSample:   h.CodeSample,
			CommitSHA:    h.CommitSHA,
			CommitURL:    h.CommitURL,
		})
	}

	sort.SliceStable(repos, func(i, j int) bool {
		return repos[i].Stars > repos[j].Stars
	})
	return repos
}

// TopN truncates a candidate list to its first n entries.
func TopN(repos []models.RepoCandidate, n int) []models.RepoCandidate {
	if n < 0 {
		n = 0
	}
	if len(repos) <= n {
		return repos
	}
	return repos[:n]
}
