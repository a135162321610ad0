// Package ia is the Internet Archive adapter: advancedsearch for discovery,
// the metadata API plus IIIF for retrieval. Download preference runs
// manifest renderings, then direct files (pdf, epub, djvu), then page
// images, then the cover as a last resort.
package ia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/iiif"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/provider"
)

const (
	Key         = "ia"
	defaultBase = "https://archive.org"
)

// manifestHosts are tried in order when the item metadata does not name its
// own IIIF manifest.
var manifestHosts = []string{
	"https://iiif.archive.org/iiif/%s/manifest.json",
	"https://iiif.archivelab.org/iiif/%s/manifest.json",
}

type Adapter struct {
	env     provider.Env
	baseURL string
	hosts   []string
}

func New(env provider.Env, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &Adapter{
		env:     env,
		baseURL: strings.TrimRight(baseURL, "/"),
		hosts:   manifestHosts,
	}
}

func (a *Adapter) Key() string         { return Key }
func (a *Adapter) DisplayName() string { return "Internet Archive" }

type searchResponse struct {
	Response struct {
		Docs []searchDoc `json:"docs"`
	} `json:"response"`
}

// searchDoc tolerates IA's habit of returning either a string or a list for
// most fields.
type searchDoc struct {
	Identifier string          `json:"identifier"`
	Title      json.RawMessage `json:"title"`
	Creator    json.RawMessage `json:"creator"`
	Year       json.RawMessage `json:"year"`
}

func (a *Adapter) Search(ctx context.Context, q provider.Query, maxResults int) ([]domain.Candidate, error) {
	parts := []string{fmt.Sprintf("title:(%q)", q.Title)}
	if q.Creator != "" {
		parts = append(parts, fmt.Sprintf("creator:(%q)", q.Creator))
	}
	parts = append(parts, "mediatype:(texts)")

	params := url.Values{}
	params.Set("q", strings.Join(parts, " AND "))
	params.Add("fl[]", "identifier")
	params.Add("fl[]", "title")
	params.Add("fl[]", "creator")
	params.Add("fl[]", "year")
	params.Set("rows", fmt.Sprint(maxResults))
	params.Set("page", "1")
	params.Set("output", "json")

	var resp searchResponse
	if err := a.env.Exec.GetJSON(ctx, a.baseURL+"/advancedsearch.php?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	var out []domain.Candidate
	for _, doc := range resp.Response.Docs {
		if doc.Identifier == "" {
			continue
		}
		out = append(out, domain.Candidate{
			ProviderKey: Key,
			Provider:    a.DisplayName(),
			Title:       firstString(doc.Title),
			Creators:    allStrings(doc.Creator),
			Date:        firstString(doc.Year),
			SourceID:    doc.Identifier,
			ItemURL:     a.baseURL + "/details/" + doc.Identifier,
			Hint:        map[string]string{"identifier": doc.Identifier},
		})
	}
	return out, nil
}

// itemMetadata is the subset of the metadata API payload the download path
// reads.
type itemMetadata struct {
	Files []itemFile `json:"files"`
	Misc  struct {
		IIIFURL string `json:"ia_iiif_url"`
		Image   string `json:"image"`
	} `json:"misc"`
}

type itemFile struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

func (a *Adapter) Download(ctx context.Context, req provider.Request) (*provider.Outcome, error) {
	id := req.Candidate.Hint["identifier"]
	if id == "" {
		id = req.Candidate.SourceID
	}
	if id == "" {
		return nil, domain.NewTaskError(domain.KindClientError, Key,
			fmt.Errorf("candidate carries no identifier"))
	}

	raw, err := a.env.Exec.FetchBytes(ctx, a.baseURL+"/metadata/"+id, nil)
	if err != nil {
		return nil, err
	}
	var meta itemMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("metadata for %s: %w", id, err))
	}

	out := &provider.Outcome{}
	provider.SaveMetadataSoft(a.env, req, raw, 1, out)

	manifest, manifestRaw := a.fetchManifest(ctx, id, meta.Misc.IIIFURL)
	if manifest != nil {
		provider.SaveMetadataSoft(a.env, req, manifestRaw, 2, out)
	}

	if manifest != nil && req.Options.DownloadManifestRenderings && req.Options.PreferPDFOverImages {
		if err := provider.DownloadRenderings(ctx, a.env, manifest, req, out); err != nil {
			return out, err
		}
	}

	if objectCount(out) == 0 {
		if err := a.downloadDirectFiles(ctx, id, meta.Files, req, out); err != nil {
			return out, err
		}
	}

	if objectCount(out) == 0 && manifest != nil {
		if err := provider.DownloadPageImages(ctx, a.env, manifest, req, out); err != nil {
			return out, err
		}
	}

	if objectCount(out) == 0 {
		if err := a.downloadCover(ctx, id, meta, req, out); err != nil {
			return out, err
		}
	}

	if objectCount(out) == 0 {
		return out, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("item %s yielded no downloadable artifacts", id))
	}
	return out, nil
}

// fetchManifest tries the item's declared manifest first, then the known
// IIIF hosts. A missing manifest is not an error; the direct-file path still
// applies.
func (a *Adapter) fetchManifest(ctx context.Context, id, declared string) (*iiif.Manifest, []byte) {
	urls := make([]string, 0, len(a.hosts)+1)
	if declared != "" {
		urls = append(urls, declared)
	}
	for _, host := range a.hosts {
		urls = append(urls, fmt.Sprintf(host, id))
	}

	for _, u := range urls {
		data, err := a.env.Exec.FetchBytes(ctx, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			continue
		}
		m, err := iiif.Parse(data)
		if err != nil {
			continue
		}
		return m, data
	}
	return nil, nil
}

// downloadDirectFiles walks the metadata file list in preference order. One
// artifact per preferred extension is enough; with prefer_pdf_over_images
// the first hit ends the walk.
func (a *Adapter) downloadDirectFiles(ctx context.Context, id string, files []itemFile, req provider.Request, out *provider.Outcome) error {
	seq := 0
	for _, ext := range []string{"pdf", "epub", "djvu"} {
		if !req.Options.ExtensionAllowed(ext) {
			continue
		}
		for _, f := range files {
			if f.Name == "" || !matchesExt(f, ext) {
				continue
			}
			seq++

			dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ObjectFileName(req.Name, ext, seq))
			if provider.SkipExisting(req, dest, out) {
				break
			}

			fileURL := a.baseURL + "/download/" + id + "/" + url.PathEscape(f.Name)
			n, err := a.env.Exec.Download(ctx, fileURL, dest, req.WorkID, nil)
			if err != nil {
				if provider.Abortable(err) {
					return err
				}
				a.env.Log.Warn("[Download] ia: file %s failed: %v", f.Name, err)
				seq--
				continue
			}
			out.Files = append(out.Files, dest)
			out.Bytes += n
			break
		}
		if objectCount(out) > 0 && req.Options.PreferPDFOverImages {
			return nil
		}
	}
	return nil
}

// downloadCover fetches the item's preview image when nothing else worked.
func (a *Adapter) downloadCover(ctx context.Context, id string, meta itemMetadata, req provider.Request, out *provider.Outcome) error {
	coverURL := meta.Misc.Image
	if coverURL == "" {
		for _, f := range meta.Files {
			if f.Format == "Thumbnail" && f.Name != "" {
				coverURL = a.baseURL + "/download/" + id + "/" + url.PathEscape(f.Name)
				break
			}
		}
	}
	if coverURL == "" {
		return nil
	}
	if !strings.HasPrefix(coverURL, "http") {
		coverURL = a.baseURL + coverURL
	}
	if !req.Options.ExtensionAllowed("jpg") {
		return nil
	}

	dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ImageFileName(req.Name, 1, "jpg"))
	if provider.SkipExisting(req, dest, out) {
		return nil
	}
	n, err := a.env.Exec.Download(ctx, coverURL, dest, req.WorkID, nil)
	if err != nil {
		if provider.Abortable(err) {
			return err
		}
		a.env.Log.Warn("[Download] ia: cover for %s failed: %v", id, err)
		return nil
	}
	out.Files = append(out.Files, dest)
	out.Bytes += n
	return nil
}

func matchesExt(f itemFile, ext string) bool {
	if strings.HasSuffix(strings.ToLower(f.Name), "."+ext) {
		return true
	}
	return strings.Contains(strings.ToLower(f.Format), ext)
}

func objectCount(out *provider.Outcome) int {
	n := 0
	for _, f := range out.Files {
		if filepath.Base(filepath.Dir(f)) == "objects" {
			n++
		}
	}
	return n
}

// firstString decodes a JSON value that may be a string or a list of
// strings, returning the first entry.
func firstString(raw json.RawMessage) string {
	all := allStrings(raw)
	if len(all) == 0 {
		return ""
	}
	return all[0]
}

func allStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return []string{n.String()}
	}
	return nil
}
