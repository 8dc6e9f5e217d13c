// Package filesystem loads the lesson catalog from disk. Two formats are
// supported: a nested JSON document and a flat XLSX sheet with one row per
// question.
package filesystem

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xuri/excelize/v2"

	"github.com/alem-hub/progress-engine/internal/domain/answer"
	"github.com/alem-hub/progress-engine/internal/domain/content"
)

var (
	// ErrUnsupportedFormat is returned for catalog files that are neither JSON nor XLSX.
	ErrUnsupportedFormat = errors.New("filesystem: unsupported catalog format")

	// ErrMissingColumn is returned when a required XLSX header is absent.
	ErrMissingColumn = errors.New("filesystem: missing column")
)

// OptionSeparator splits the options cell of an XLSX row.
const OptionSeparator = "|"

// XLSX header names, matched case-insensitively.
const (
	colUnitID      = "unit_id"
	colUnitTitle   = "unit_title"
	colLessonID    = "lesson_id"
	colLessonTitle = "lesson_title"
	colQuestionID  = "question_id"
	colType        = "type"
	colPrompt      = "prompt"
	colAnswer      = "answer"
	colOptions     = "options"
)

var requiredColumns = []string{colUnitID, colLessonID, colQuestionID, colAnswer}

// LoaderConfig configures catalog loading.
type LoaderConfig struct {
	// Sheet is the XLSX sheet to read. Empty means the first sheet.
	Sheet  string
	Logger *slog.Logger
}

// LoadCatalog reads path and picks the decoder by extension. An empty path
// yields an empty catalog.
func LoadCatalog(path string, cfg LoaderConfig) (*content.Catalog, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if path == "" {
		cfg.Logger.Warn("no content catalog configured, unit completion is disabled")
		return content.Empty(), nil
	}

	var (
		catalog *content.Catalog
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var f *os.File
		f, err = os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open catalog: %w", err)
		}
		defer f.Close()
		catalog, err = DecodeJSON(f)
	case ".xlsx":
		catalog, err = LoadXLSX(path, cfg.Sheet)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, err
	}

	units, lessons, questions := catalog.Stats()
	cfg.Logger.Info("content catalog loaded",
		"path", path,
		"units", units,
		"lessons", lessons,
		"questions", questions,
	)
	return catalog, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// JSON
// ══════════════════════════════════════════════════════════════════════════════

type catalogDocument struct {
	Units []content.Unit `json:"units"`
}

// DecodeJSON reads a {"units":[{"lessons":[{"questions":[...]}]}]} document.
func DecodeJSON(r io.Reader) (*content.Catalog, error) {
	var doc catalogDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	for ui := range doc.Units {
		for li := range doc.Units[ui].Lessons {
			qs := doc.Units[ui].Lessons[li].Questions
			for qi := range qs {
				qs[qi].Type = answer.ParseQuestionType(string(qs[qi].Type))
			}
		}
	}
	return content.NewCatalog(doc.Units)
}

// ══════════════════════════════════════════════════════════════════════════════
// XLSX
// ══════════════════════════════════════════════════════════════════════════════

// LoadXLSX reads one question per row. The first row is the header; rows of
// the same unit and lesson are grouped in first-seen order.
func LoadXLSX(path, sheet string) (*content.Catalog, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open XLSX file: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	return unitsFromRows(rows)
}

func unitsFromRows(rows [][]string) (*content.Catalog, error) {
	if len(rows) == 0 {
		return content.Empty(), nil
	}

	index := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, c)
		}
	}
	cell := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var units []content.Unit
	unitPos := map[string]int{}
	lessonPos := map[string][2]int{}

	for n, row := range rows[1:] {
		unitID, lessonID := cell(row, colUnitID), cell(row, colLessonID)
		if unitID == "" && lessonID == "" && cell(row, colQuestionID) == "" {
			continue
		}
		if unitID == "" || lessonID == "" {
			return nil, fmt.Errorf("row %d: unit_id and lesson_id are required", n+2)
		}

		ui, ok := unitPos[unitID]
		if !ok {
			ui = len(units)
			unitPos[unitID] = ui
			units = append(units, content.Unit{ID: unitID, Title: cell(row, colUnitTitle)})
		}

		pos, ok := lessonPos[lessonID]
		if !ok {
			pos = [2]int{ui, len(units[ui].Lessons)}
			lessonPos[lessonID] = pos
			units[ui].Lessons = append(units[ui].Lessons, content.Lesson{ID: lessonID, Title: cell(row, colLessonTitle)})
		} else if pos[0] != ui {
			return nil, fmt.Errorf("row %d: lesson %s already belongs to unit %s", n+2, lessonID, units[pos[0]].ID)
		}

		lesson := &units[pos[0]].Lessons[pos[1]]
		lesson.Questions = append(lesson.Questions, content.Question{
			ID:      cell(row, colQuestionID),
			Type:    answer.ParseQuestionType(cell(row, colType)),
			Prompt:  cell(row, colPrompt),
			Answer:  cell(row, colAnswer),
			Options: splitOptions(cell(row, colOptions)),
		})
	}
	return content.NewCatalog(units)
}

func splitOptions(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, OptionSeparator)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
