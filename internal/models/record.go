package models

// VulnRecord is one vulnerability entry loaded from the record store.
// Row is the 1-based spreadsheet row the record came from and is the
// record's identity for result writes.
type VulnRecord struct {
	Row      int
	CVEID    string
	VulnType string
	Code     string // vulnerable code snippet ("code-before")
	Existing string // prior content of the result column; gates reprocessing
}
