// Package provider defines the adapter contract every digital-library
// backend implements, the registry that resolves adapters by key, and the
// shared download building blocks (manifest renderings, page images,
// metadata dumps) the concrete adapters compose.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/chronofetch/chronofetch/internal/domain"
)

// Query is the search side of one work: what the input record asked for.
type Query struct {
	Title   string
	Creator string
}

// Options carries the download behavior knobs from configuration.
type Options struct {
	PreferPDFOverImages        bool
	DownloadManifestRenderings bool
	MaxRenderingsPerManifest   int
	RenderingMIMEWhitelist     []string
	MaxPages                   int
	AllowedExtensions          []string
	OverwriteExisting          bool
	IncludeMetadata            bool
}

// ExtensionAllowed applies the allowed_object_extensions filter. An empty
// list allows everything.
func (o Options) ExtensionAllowed(ext string) bool {
	if len(o.AllowedExtensions) == 0 {
		return true
	}
	ext = normalizeExt(ext)
	for _, allowed := range o.AllowedExtensions {
		if normalizeExt(allowed) == ext {
			return true
		}
	}
	return false
}

// Request is one download attempt handed to an adapter.
type Request struct {
	Candidate domain.Candidate
	WorkID    string
	WorkDir   string
	Name      domain.NameContext
	Options   Options
}

// Outcome reports what a download attempt produced. Skipped carries the
// reason when the adapter wrote nothing without failing.
type Outcome struct {
	Files   []string
	Bytes   int64
	Skipped string
}

func (o *Outcome) add(path string, bytes int64) {
	o.Files = append(o.Files, path)
	o.Bytes += bytes
}

// Adapter is the capability set of one provider. Implementations route all
// HTTP through their executor so pacing, breaker, retries and budgets apply,
// and hold no cross-call state beyond the provider-keyed services they were
// built with.
type Adapter interface {
	Key() string
	DisplayName() string
	Search(ctx context.Context, q Query, maxResults int) ([]domain.Candidate, error)
	Download(ctx context.Context, req Request) (*Outcome, error)
}

// Registry resolves adapters by provider key.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Key()] = a
}

func (r *Registry) Get(key string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	return a, ok
}

// Keys lists the registered provider keys, sorted for determinism.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.adapters))
	for key := range r.adapters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeExt(ext string) string {
	for len(ext) > 0 && ext[0] == '.' {
		ext = ext[1:]
	}
	return ext
}
