package models

// CodeHit is one GitHub code-search result enriched with repository metadata.
// Several hits may point into the same repository.
type CodeHit struct {
	RepoFullName string `json:"repo_name"` // e.g. "torvalds/linux"
	RepoURL      string `json:"repo_url"`
	Stars        int    `json:"stars"`
	Description  string `json:"description"`
	FilePath     string `json:"file_path"`
	FileURL      string `json:"file_url"`
	CodeSample   string `json:"code_snippet"` // file content, truncated
	CommitSHA    string `json:"commit_sha"`
	CommitURL    string `json:"commit_url"`
}

// RepoCandidate is one unique repository built from all of its code hits.
// The display fields (FilePath, CodeSample, CommitSHA, CommitURL) come from
// the first hit seen for the repository; later hits only extend CodeSamples
// and FileURLs.
type RepoCandidate struct {
	RepoFullName string   `json:"repo_name"`
	RepoURL      string   `json:"repo_url"`
	Stars        int      `json:"stars"`
	Description  string   `json:"description"`
	CodeSamples  []string `json:"code_samples"`
	FileURLs     []string `json:"file_urls"`
	FilePath     string   `json:"file_path"`
	CodeSample   string   `json:"code_snippet"`
	CommitSHA    string   `json:"commit_sha"`
	CommitURL    string   `json:"commit_url"`
}
