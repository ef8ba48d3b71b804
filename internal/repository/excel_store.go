// Package repository implements persistence for vulnerability records and
// search results. The backing store is an Excel workbook: one source sheet
// holding the vulnerability dataset with a result column, plus a separate
// "Search Results" sheet collecting one row per validated match.
package repository

import (
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"cvescout/internal/models"
)

const (
	sourceSheet  = "Sheet1"
	detailSheet  = "Search Results"
	resultColumn = "Found in other projects"

	noMatchMarker = "None found"

	// Excel caps cell content at 32767 characters; stay safely below.
	maxCellCodeLen = 30000
)

var detailHeaders = []string{
	"CVE ID",
	"Vulnerability Type",
	"Repository Name",
	"Stars",
	"Repository URL",
	"Commit URL",
	"File Path",
	"Code Snippet",
}

// ExcelStore reads and writes the vulnerability workbook.
type ExcelStore struct {
	path string
	f    *excelize.File

	sheet         string
	resultCol     int // 1-based column of the result cell
	nextDetailRow int // 0 until the detail sheet has been prepared
}

// OpenExcelStore opens the workbook at path. The source sheet must carry a
// header row including the result column.
func OpenExcelStore(path string) (*ExcelStore, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook %s: %w", path, err)
	}

	sheet := sourceSheet
	list := f.GetSheetList()
	if len(list) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}
	found := false
	for _, name := range list {
		if name == sheet {
			found = true
			break
		}
	}
	if !found {
		sheet = list[0]
	}

	return &ExcelStore{path: path, f: f, sheet: sheet}, nil
}

// Load reads every non-empty data row into a VulnRecord. Row identity is the
// 1-based workbook row, so results land back where the record came from.
func (s *ExcelStore) Load() ([]models.VulnRecord, error) {
	rows, err := s.f.GetRows(s.sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", s.sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", s.sheet)
	}

	headers := rows[0]
	col := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		return -1
	}

	resultIdx := col(resultColumn)
	if resultIdx < 0 {
		return nil, fmt.Errorf("column %q not found in sheet %s", resultColumn, s.sheet)
	}
	s.resultCol = resultIdx + 1

	cveIdx, typeIdx, codeIdx := col("cve_id"), col("Vulnerability"), col("code")

	cell := func(row []string, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		return row[idx]
	}

	var records []models.VulnRecord
	for i, row := range rows[1:] {
		rec := models.VulnRecord{
			Row:      i + 2, // 1-based, after the header row
			CVEID:    cell(row, cveIdx),
			VulnType: cell(row, typeIdx),
			Code:     cell(row, codeIdx),
			Existing: cell(row, resultIdx),
		}
		if rec.CVEID == "" && rec.VulnType == "" && rec.Code == "" && rec.Existing == "" {
			continue // blank filler row
		}
		records = append(records, rec)
	}
	return records, nil
}

// WriteResult overwrites the record's result cell. An empty match list
// writes the explicit no-match marker so the record is not reprocessed by
// a later run.
func (s *ExcelStore) WriteResult(row int, matches []models.RepoCandidate) error {
	if s.resultCol == 0 {
		return fmt.Errorf("store not loaded")
	}

	text := noMatchMarker
	if len(matches) > 0 {
		lines := make([]string, len(matches))
		for i, m := range matches {
			lines[i] = fmt.Sprintf("%s (%d stars) | %s", m.RepoFullName, m.Stars, m.RepoURL)
		}
		text = strings.Join(lines, "\n")
	}

	cell, err := excelize.CoordinatesToCellName(s.resultCol, row)
	if err != nil {
		return err
	}
	return s.f.SetCellValue(s.sheet, cell, text)
}

// AppendDetail adds one validated match to the detail sheet, creating the
// sheet and its header row on first use.
func (s *ExcelStore) AppendDetail(cveID, vulnType string, m models.RepoCandidate) error {
	if s.nextDetailRow == 0 {
		if err := s.prepareDetailSheet(); err != nil {
			return err
		}
	}

	code := m.CodeSample
	if len(code) > maxCellCodeLen {
		code = code[:maxCellCodeLen] + "\n... (truncated)"
	}

	values := []interface{}{
		cveID,
		vulnType,
		m.RepoFullName,
		m.Stars,
		m.RepoURL,
		m.CommitURL,
		m.FilePath,
		code,
	}
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, s.nextDetailRow)
		if err != nil {
			return err
		}
		if err := s.f.SetCellValue(detailSheet, cell, v); err != nil {
			return err
		}
	}
	s.nextDetailRow++
	return nil
}

func (s *ExcelStore) prepareDetailSheet() error {
	idx, err := s.f.GetSheetIndex(detailSheet)
	if err != nil {
		return err
	}
	if idx < 0 {
		if _, err := s.f.NewSheet(detailSheet); err != nil {
			return err
		}
		for i, h := range detailHeaders {
			cell, err := excelize.CoordinatesToCellName(i+1, 1)
			if err != nil {
				return err
			}
			if err := s.f.SetCellValue(detailSheet, cell, h); err != nil {
				return err
			}
		}
		style, err := s.f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
		if err != nil {
			return err
		}
		last, err := excelize.CoordinatesToCellName(len(detailHeaders), 1)
		if err != nil {
			return err
		}
		if err := s.f.SetCellStyle(detailSheet, "A1", last, style); err != nil {
			return err
		}
	}

	rows, err := s.f.GetRows(detailSheet)
	if err != nil {
		return err
	}
	s.nextDetailRow = len(rows) + 1
	return nil
}

// Commit flushes the workbook to disk. With backup set, the previous durable
// state is first preserved under a .bak sibling.
func (s *ExcelStore) Commit(backup bool) error {
	if backup {
		if prev, err := os.ReadFile(s.path); err == nil {
			if err := os.WriteFile(s.path+".bak", prev, 0o644); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
		}
	}
	if err := s.f.Save(); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

// Close releases the workbook handle without saving.
func (s *ExcelStore) Close() error {
	return s.f.Close()
}
