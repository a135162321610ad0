package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/iiif"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/network"
	"github.com/natefinch/atomic"
)

// Env bundles the per-provider services an adapter composes the shared
// download paths from.
type Env struct {
	Exec *network.Executor
	Acct *budget.Accountant
	Log  *logger.Logger
}

// FetchManifest downloads and parses a IIIF Presentation manifest.
func FetchManifest(ctx context.Context, env Env, url string) (*iiif.Manifest, []byte, error) {
	data, err := env.Exec.FetchBytes(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}
	m, err := iiif.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	return m, data, nil
}

// SaveMetadata writes one raw metadata payload into the work's metadata
// directory under budget control.
func SaveMetadata(env Env, req Request, payload []byte, seq int) (string, error) {
	name := journal.MetadataFileName(req.Name, seq)
	dest := filepath.Join(journal.MetadataDir(req.WorkDir), name)

	if !req.Options.OverwriteExisting {
		if _, err := os.Stat(dest); err == nil {
			return dest, nil
		}
	}

	if err := env.Acct.Stream(budget.ClassMetadata, req.WorkID, int64(len(payload))); err != nil {
		return "", domain.NewTaskError(domain.KindBudgetExceeded, req.Candidate.ProviderKey, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", domain.NewTaskError(domain.KindIOError, req.Candidate.ProviderKey, err)
	}
	if err := atomic.WriteFile(dest, strings.NewReader(string(payload))); err != nil {
		env.Acct.Release(budget.ClassMetadata, req.WorkID, int64(len(payload)))
		return "", domain.NewTaskError(domain.KindIOError, req.Candidate.ProviderKey, err)
	}
	env.Acct.Account(budget.ClassMetadata, req.WorkID, 0)
	return dest, nil
}

// SaveMetadataSoft saves metadata but downgrades a budget rejection to a
// warning: a missing metadata dump should not fail an otherwise healthy
// download unless the stop policy has tripped.
func SaveMetadataSoft(env Env, req Request, payload []byte, seq int, out *Outcome) {
	if !req.Options.IncludeMetadata || len(payload) == 0 {
		return
	}
	path, err := SaveMetadata(env, req, payload, seq)
	if err != nil {
		env.Log.Warn("[Download] %s: metadata dump skipped: %v", req.Candidate.ProviderKey, err)
		return
	}
	out.add(path, 0)
}

// DownloadRenderings fetches the manifest-level bundled documents (PDF,
// EPUB) into objects/. Transient failures move on to the next rendering;
// budget violations and cancellation abort.
func DownloadRenderings(ctx context.Context, env Env, m *iiif.Manifest, req Request, out *Outcome) error {
	renderings := m.Renderings(req.Options.RenderingMIMEWhitelist, req.Options.MaxRenderingsPerManifest)

	seq := 0
	for _, r := range renderings {
		ext := renderingExt(r)
		if !req.Options.ExtensionAllowed(ext) {
			continue
		}
		seq++

		dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ObjectFileName(req.Name, ext, seq))
		if SkipExisting(req, dest, out) {
			continue
		}

		n, err := env.Exec.Download(ctx, r.URL, dest, req.WorkID, nil)
		if err != nil {
			if Abortable(err) {
				return err
			}
			env.Log.Warn("[Download] %s: rendering %s failed: %v", req.Candidate.ProviderKey, r.URL, err)
			seq--
			continue
		}
		out.add(dest, n)
	}
	return nil
}

// DownloadPageImages walks the manifest's canvases and fetches one image per
// page, trying each URL spelling until one works. Pages are capped by
// MaxPages; a page that fails every spelling is skipped.
func DownloadPageImages(ctx context.Context, env Env, m *iiif.Manifest, req Request, out *Outcome) error {
	services := m.ImageServices()
	if len(services) > 0 {
		return downloadViaServices(ctx, env, services, req, out)
	}

	urls := m.DirectImageURLs()
	if len(urls) == 0 {
		return nil
	}
	if max := req.Options.MaxPages; max > 0 && len(urls) > max {
		urls = urls[:max]
	}

	for page, u := range urls {
		ext := imageExt(u)
		if !req.Options.ExtensionAllowed(ext) {
			continue
		}
		dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ImageFileName(req.Name, page+1, ext))
		if SkipExisting(req, dest, out) {
			continue
		}

		n, err := env.Exec.Download(ctx, u, dest, req.WorkID, nil)
		if err != nil {
			if Abortable(err) {
				return err
			}
			env.Log.Warn("[Download] %s: page %d failed: %v", req.Candidate.ProviderKey, page+1, err)
			continue
		}
		out.add(dest, n)
	}
	return nil
}

func downloadViaServices(ctx context.Context, env Env, services []string, req Request, out *Outcome) error {
	if max := req.Options.MaxPages; max > 0 && len(services) > max {
		services = services[:max]
	}

	for page, svc := range services {
		info := fetchInfo(ctx, env, svc)

		downloaded := false
		for _, u := range iiif.ImageURLCandidates(svc, info) {
			ext := imageExt(u)
			if !req.Options.ExtensionAllowed(ext) {
				continue
			}
			dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ImageFileName(req.Name, page+1, ext))
			if SkipExisting(req, dest, out) {
				downloaded = true
				break
			}

			n, err := env.Exec.Download(ctx, u, dest, req.WorkID, nil)
			if err != nil {
				if Abortable(err) {
					return err
				}
				continue
			}
			out.add(dest, n)
			downloaded = true
			break
		}
		if !downloaded {
			env.Log.Warn("[Download] %s: no working image URL for page %d", req.Candidate.ProviderKey, page+1)
		}
	}
	return nil
}

// fetchInfo grabs the service's info.json. It is an optimization only, so
// any failure just means the generic URL spellings are used.
func fetchInfo(ctx context.Context, env Env, serviceBase string) *iiif.Info {
	data, err := env.Exec.FetchBytes(ctx, strings.TrimRight(serviceBase, "/")+"/info.json", nil)
	if err != nil {
		return nil
	}
	info, err := iiif.ParseInfo(data)
	if err != nil {
		return nil
	}
	return info
}

// DownloadFromManifest is the standard IIIF flow: metadata dump, then
// renderings when the configuration prefers bundles, then page images when
// nothing bundled was written.
func DownloadFromManifest(ctx context.Context, env Env, req Request, manifestURL string) (*Outcome, error) {
	m, raw, err := FetchManifest(ctx, env, manifestURL)
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	SaveMetadataSoft(env, req, raw, 1, out)

	objectsBefore := objectCount(out)
	if req.Options.DownloadManifestRenderings && req.Options.PreferPDFOverImages {
		if err := DownloadRenderings(ctx, env, m, req, out); err != nil {
			return out, err
		}
	}
	if objectCount(out) == objectsBefore {
		if err := DownloadPageImages(ctx, env, m, req, out); err != nil {
			return out, err
		}
	}

	if objectCount(out) == 0 {
		return out, domain.NewTaskError(domain.KindTransient, req.Candidate.ProviderKey,
			fmt.Errorf("manifest %s yielded no downloadable artifacts", manifestURL))
	}
	return out, nil
}

// objectCount counts artifacts written under objects/, excluding metadata.
func objectCount(out *Outcome) int {
	n := 0
	for _, f := range out.Files {
		if filepath.Base(filepath.Dir(f)) == "objects" {
			n++
		}
	}
	return n
}

func SkipExisting(req Request, dest string, out *Outcome) bool {
	if req.Options.OverwriteExisting {
		return false
	}
	st, err := os.Stat(dest)
	if err != nil || st.Size() == 0 {
		return false
	}
	out.add(dest, 0)
	return true
}

// Abortable reports errors that must stop the whole attempt instead of
// moving on to the next artifact.
func Abortable(err error) bool {
	return errors.Is(err, domain.ErrBudgetExceeded) ||
		errors.Is(err, domain.ErrCircuitOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func renderingExt(r iiif.Rendering) string {
	if strings.Contains(r.Format, "epub") || strings.HasSuffix(strings.ToLower(r.URL), ".epub") {
		return "epub"
	}
	return "pdf"
}

func imageExt(url string) string {
	u := strings.ToLower(url)
	switch {
	case strings.HasSuffix(u, ".png"):
		return "png"
	case strings.HasSuffix(u, ".tif"), strings.HasSuffix(u, ".tiff"):
		return "tif"
	default:
		return "jpg"
	}
}
