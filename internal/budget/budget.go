package budget

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
)

// Class is the content class a byte is accounted under.
type Class string

const (
	ClassPDF      Class = "pdf"
	ClassImage    Class = "image"
	ClassMetadata Class = "metadata"
)

// ClassForExt maps a file extension to its content class. Bundled document
// formats count as pdf, structured payloads as metadata, everything else as
// image.
func ClassForExt(ext string) Class {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "pdf", "epub":
		return ClassPDF
	case "json", "xml", "csv", "txt":
		return ClassMetadata
	default:
		return ClassImage
	}
}

// ClassForFile maps a file path to its content class.
func ClassForFile(path string) Class {
	return ClassForExt(filepath.Ext(path))
}

type Policy string

const (
	PolicySkip Policy = "skip"
	PolicyStop Policy = "stop"
)

// Limits holds byte caps per content class. Zero means unlimited.
type Limits struct {
	Total   map[Class]int64
	PerWork map[Class]int64
	Policy  Policy
}

// Counter is the consumption of one (scope, class) cell.
type Counter struct {
	Files int64
	Bytes int64
}

// Accountant tracks bytes and files per content class at total and per-work
// scope, and grants or denies pre-flight reservations. Safe for concurrent
// use; works running in parallel each get their own per-work cell.
type Accountant struct {
	mu      sync.Mutex
	limits  Limits
	total   map[Class]*Counter
	perWork map[string]map[Class]*Counter
	stopped bool
	log     *logger.Logger
}

func NewAccountant(limits Limits, log *logger.Logger) *Accountant {
	if limits.Policy == "" {
		limits.Policy = PolicySkip
	}
	return &Accountant{
		limits:  limits,
		total:   map[Class]*Counter{},
		perWork: map[string]map[Class]*Counter{},
		log:     log,
	}
}

// BeginWork resets the per-work counters for workID.
func (a *Accountant) BeginWork(workID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perWork[workID] = map[Class]*Counter{}
}

// Reserve is the pre-flight check before a body stream is opened. A zero
// estimate reserves nothing; the streaming path then accounts chunk by
// chunk. Returns ErrBudgetExceeded when any applicable limit cannot admit
// the estimate.
func (a *Accountant) Reserve(class Class, workID string, estimate int64) error {
	if estimate <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.admits(class, workID, estimate) {
		a.noteExceeded(class, workID)
		return domain.ErrBudgetExceeded
	}
	return nil
}

// Stream accounts n bytes mid-download and re-checks the limits. On the
// first violation the bytes are not recorded and ErrBudgetExceeded is
// returned; the caller truncates and deletes the partial file.
func (a *Accountant) Stream(class Class, workID string, n int64) error {
	if n <= 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.admits(class, workID, n) {
		a.noteExceeded(class, workID)
		return domain.ErrBudgetExceeded
	}

	a.cell(a.total, class).Bytes += n
	a.workCell(workID, class).Bytes += n
	return nil
}

// Account commits a completed artifact: its file count, plus any bytes not
// already recorded through Stream.
func (a *Accountant) Account(class Class, workID string, unstreamedBytes int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	tc := a.cell(a.total, class)
	wc := a.workCell(workID, class)
	tc.Files++
	wc.Files++
	if unstreamedBytes > 0 {
		tc.Bytes += unstreamedBytes
		wc.Bytes += unstreamedBytes
	}
}

// Release returns streamed bytes to the budget after a failed download is
// deleted, so invariant accounting matches the files actually on disk.
func (a *Accountant) Release(class Class, workID string, n int64) {
	if n <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if tc := a.cell(a.total, class); tc.Bytes >= n {
		tc.Bytes -= n
	} else {
		tc.Bytes = 0
	}
	if wc := a.workCell(workID, class); wc.Bytes >= n {
		wc.Bytes -= n
	} else {
		wc.Bytes = 0
	}
}

// Stopped reports whether a violation under the stop policy has fired. The
// scheduler drains and the process exits once this is set.
func (a *Accountant) Stopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopped
}

// Totals returns a copy of the total-scope counters for the run summary.
func (a *Accountant) Totals() map[Class]Counter {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[Class]Counter, len(a.total))
	for class, c := range a.total {
		out[class] = *c
	}
	return out
}

func (a *Accountant) admits(class Class, workID string, add int64) bool {
	if limit := a.limits.Total[class]; limit > 0 {
		if a.cell(a.total, class).Bytes+add > limit {
			return false
		}
	}
	if limit := a.limits.PerWork[class]; limit > 0 && workID != "" {
		if a.workCell(workID, class).Bytes+add > limit {
			return false
		}
	}
	return true
}

func (a *Accountant) noteExceeded(class Class, workID string) {
	a.log.Warn("[Budget] %s limit reached (work %s)", class, workID)
	if a.limits.Policy == PolicyStop && !a.stopped {
		a.stopped = true
		a.log.Error("[Budget] stop policy tripped, run will drain")
	}
}

func (a *Accountant) cell(bucket map[Class]*Counter, class Class) *Counter {
	c, ok := bucket[class]
	if !ok {
		c = &Counter{}
		bucket[class] = c
	}
	return c
}

func (a *Accountant) workCell(workID string, class Class) *Counter {
	m, ok := a.perWork[workID]
	if !ok {
		m = map[Class]*Counter{}
		a.perWork[workID] = m
	}
	return a.cell(m, class)
}
