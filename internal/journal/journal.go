package journal

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// indexColumns is the canonical index.csv schema. Existing files with extra
// columns are tolerated; rows are padded to the wider header.
var indexColumns = []string{
	"work_id", "entry_id", "work_dir", "title", "creator",
	"selected_provider", "selected_provider_key", "selected_source_id",
	"selected_dir", "work_json", "item_url", "status",
}

// Journal manages the on-disk layout under one output root. All index.csv
// mutation goes through its lock.
type Journal struct {
	mu     sync.Mutex
	root   string
	naming config.NamingConfig
	lock   *flock.Flock
	log    *logger.Logger
}

func New(root string, naming config.NamingConfig, log *logger.Logger) *Journal {
	return &Journal{
		root:   root,
		naming: naming,
		lock:   flock.New(filepath.Join(root, ".index.csv.lock")),
		log:    log,
	}
}

func (j *Journal) Root() string { return j.root }

// WorkDir returns the deterministic directory for a record.
func (j *Journal) WorkDir(rec domain.InputRecord) string {
	return filepath.Join(j.root, WorkDirName(rec, j.naming))
}

// Stem returns the filename prefix shared by all of a record's artifacts.
func (j *Journal) Stem(rec domain.InputRecord) string {
	return Stem(rec, j.naming.TitleSlugMaxLen)
}

// EnsureLayout creates the work directory with its objects and metadata
// subdirectories.
func (j *Journal) EnsureLayout(workDir string) error {
	for _, dir := range []string{workDir, filepath.Join(workDir, objectsDir), filepath.Join(workDir, metadataDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating work layout: %w", err)
		}
	}
	return nil
}

// ObjectsDir returns the artifact directory of a work.
func ObjectsDir(workDir string) string { return filepath.Join(workDir, objectsDir) }

// MetadataDir returns the metadata directory of a work.
func MetadataDir(workDir string) string { return filepath.Join(workDir, metadataDir) }

// SaveWork persists work.json atomically inside the work directory.
func (j *Journal) SaveWork(w *domain.Work) error {
	if err := j.EnsureLayout(w.WorkDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding work.json: %w", err)
	}
	path := filepath.Join(w.WorkDir, workFile)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// LoadWork reads work.json from a work directory. A missing file returns
// fs.ErrNotExist.
func (j *Journal) LoadWork(workDir string) (*domain.Work, error) {
	data, err := os.ReadFile(filepath.Join(workDir, workFile))
	if err != nil {
		return nil, err
	}

	var w domain.Work
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("corrupt work.json in %s: %w", workDir, err)
	}
	w.WorkDir = workDir
	return &w, nil
}

// HasObjects reports whether the work directory already holds at least one
// downloaded artifact.
func (j *Journal) HasObjects(workDir string) bool {
	entries, err := os.ReadDir(filepath.Join(workDir, objectsDir))
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return true
		}
	}
	return false
}

// IndexPath returns the shared index location under the output root.
func (j *Journal) IndexPath() string { return filepath.Join(j.root, "index.csv") }

// AppendIndex adds one row for a finished work, writing the header when the
// file does not exist yet. The append runs under both the process mutex and
// a cross-process file lock.
func (j *Journal) AppendIndex(w *domain.Work) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.root, 0755); err != nil {
		return err
	}
	if err := j.lock.Lock(); err != nil {
		return fmt.Errorf("index lock: %w", err)
	}
	defer j.lock.Unlock()

	header, err := j.readIndexHeader()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(j.IndexPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if header == nil {
		header = indexColumns
		if err := cw.Write(header); err != nil {
			return err
		}
	}

	row := j.indexRow(w)
	for len(row) < len(header) {
		row = append(row, "")
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (j *Journal) readIndexHeader() ([]string, error) {
	f, err := os.Open(j.IndexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		// Empty or truncated file: rewrite the header on append.
		return nil, nil
	}
	return header, nil
}

func (j *Journal) indexRow(w *domain.Work) []string {
	var provider, providerKey, sourceID, itemURL string
	if w.Selected != nil {
		provider = w.Selected.Provider
		providerKey = w.Selected.ProviderKey
		sourceID = w.Selected.SourceID
		itemURL = w.Selected.ItemURL
	}
	return []string{
		w.WorkID,
		w.Input.EntryID,
		w.WorkDir,
		w.Input.Title,
		w.Input.Creator,
		provider,
		providerKey,
		sourceID,
		ObjectsDir(w.WorkDir),
		filepath.Join(w.WorkDir, workFile),
		itemURL,
		string(w.Status),
	}
}

// ReadIndex loads every row of the index keyed by column name, for tests and
// the status report.
func (j *Journal) ReadIndex() ([]map[string]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.IndexPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil || len(rows) == 0 {
		return nil, err
	}

	header := rows[0]
	out := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		m := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				m[col] = row[i]
			}
		}
		out = append(out, m)
	}
	return out, nil
}
