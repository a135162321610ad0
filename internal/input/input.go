// Package input reads the user's CSV of works to retrieve and writes result
// columns back into the same file without disturbing anything else in it.
package input

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/natefinch/atomic"
)

// Column aliases accepted for each logical field, checked in order.
var (
	titleColumns   = []string{"short_title", "Title", "title"}
	creatorColumns = []string{"main_author", "Creator", "creator"}
	yearColumns    = []string{"year", "Year", "date"}
)

const (
	colEntryID     = "entry_id"
	colRetrievable = "retrievable"
	colLink        = "link"
	colProvider    = "download_provider"
	colTimestamp   = "download_timestamp"
)

// Manager holds the parsed input file and performs in-place result
// writeback. The original rows, including columns the pipeline never
// interprets, are preserved verbatim.
type Manager struct {
	mu      sync.Mutex
	path    string
	header  []string
	rows    [][]string
	byEntry map[string]int
	records []domain.InputRecord
}

// Load parses and validates the input CSV. Missing required columns and
// duplicate entry IDs are input errors.
func Load(path string) (*Manager, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	m := &Manager{
		path:    path,
		header:  all[0],
		rows:    all[1:],
		byEntry: map[string]int{},
	}

	entryIdx := m.columnIndex(colEntryID)
	if entryIdx < 0 {
		return nil, fmt.Errorf("%s: required column %q not found", path, colEntryID)
	}
	titleIdx := m.firstColumn(titleColumns)
	if titleIdx < 0 {
		return nil, fmt.Errorf("%s: no title column (one of %s) found", path, strings.Join(titleColumns, ", "))
	}
	creatorIdx := m.firstColumn(creatorColumns)
	yearIdx := m.firstColumn(yearColumns)
	linkIdx := m.columnIndex(colLink)

	for i, row := range m.rows {
		entryID := strings.TrimSpace(m.cell(row, entryIdx))
		if entryID == "" {
			return nil, fmt.Errorf("%s: row %d has an empty %s", path, i+2, colEntryID)
		}
		if prev, dup := m.byEntry[entryID]; dup {
			return nil, fmt.Errorf("%s: duplicate %s %q (rows %d and %d)", path, colEntryID, entryID, prev+2, i+2)
		}
		m.byEntry[entryID] = i

		rec := domain.InputRecord{
			EntryID: entryID,
			Title:   strings.TrimSpace(m.cell(row, titleIdx)),
			Creator: strings.TrimSpace(m.cell(row, creatorIdx)),
			Year:    strings.TrimSpace(m.cell(row, yearIdx)),
			Link:    strings.TrimSpace(m.cell(row, linkIdx)),
			Extra:   map[string]string{},
		}
		for c, name := range m.header {
			rec.Extra[name] = m.cell(row, c)
		}
		m.records = append(m.records, rec)
	}

	return m, nil
}

// Records returns the parsed input rows in file order.
func (m *Manager) Records() []domain.InputRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InputRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Retrievable reports whether the record's retrievable column reads true.
func (m *Manager) Retrievable(entryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.columnIndex(colRetrievable)
	row, ok := m.byEntry[entryID]
	if idx < 0 || !ok {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(m.cell(m.rows[row], idx)), "true")
}

// MarkSuccess records a completed download in the input file: retrievable,
// link, provider and timestamp, staged to a temp file then renamed over the
// original.
func (m *Manager) MarkSuccess(entryID, providerKey, link string, now time.Time) error {
	return m.writeback(entryID, map[string]string{
		colRetrievable: "True",
		colLink:        link,
		colProvider:    providerKey,
		colTimestamp:   now.UTC().Format(time.RFC3339),
	})
}

// MarkFailed records a failed or unmatched work.
func (m *Manager) MarkFailed(entryID string) error {
	return m.writeback(entryID, map[string]string{colRetrievable: "False"})
}

func (m *Manager) writeback(entryID string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rowIdx, ok := m.byEntry[entryID]
	if !ok {
		return fmt.Errorf("unknown entry_id %q", entryID)
	}

	for col, value := range values {
		idx := m.columnIndex(col)
		if idx < 0 {
			m.header = append(m.header, col)
			idx = len(m.header) - 1
		}
		for m.rows[rowIdx] == nil || len(m.rows[rowIdx]) <= idx {
			m.rows[rowIdx] = append(m.rows[rowIdx], "")
		}
		m.rows[rowIdx][idx] = value
	}

	return m.flush()
}

// flush rewrites the whole file atomically; rows shorter than the header
// are padded so the output is rectangular.
func (m *Manager) flush() error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(m.header); err != nil {
		return err
	}
	for _, row := range m.rows {
		padded := row
		for len(padded) < len(m.header) {
			padded = append(padded, "")
		}
		if err := w.Write(padded); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	if err := atomic.WriteFile(m.path, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("rewriting %s: %w", m.path, err)
	}
	return nil
}

func (m *Manager) columnIndex(name string) int {
	for i, h := range m.header {
		if h == name {
			return i
		}
	}
	return -1
}

func (m *Manager) firstColumn(names []string) int {
	for _, name := range names {
		if i := m.columnIndex(name); i >= 0 {
			return i
		}
	}
	return -1
}

func (m *Manager) cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
