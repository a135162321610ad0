// Package annas is the Anna's Archive style adapter. Search scrapes the
// HTML result page for md5 identifiers; download goes through the member
// fast-download JSON API when an api_key is configured, gated by the daily
// quota ledger, and falls back to scraping the md5 page otherwise.
package annas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/journal"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/chronofetch/chronofetch/internal/quota"
)

const (
	Key         = "annas"
	defaultBase = "https://annas-archive.org"
)

var (
	md5LinkPattern = regexp.MustCompile(`href="/md5/([0-9a-fA-F]{32})[^"]*"[^>]*>(.*?)</a>`)
	tagPattern     = regexp.MustCompile(`<[^>]+>`)
	filePattern    = regexp.MustCompile(`href="(https?://[^"]+\.(?:pdf|epub))"`)
)

type Adapter struct {
	env     provider.Env
	ledger  *quota.Ledger
	baseURL string
	apiKey  string
}

func New(env provider.Env, ledger *quota.Ledger, baseURL, apiKey string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &Adapter{
		env:     env,
		ledger:  ledger,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (a *Adapter) Key() string         { return Key }
func (a *Adapter) DisplayName() string { return "Anna's Archive" }

func (a *Adapter) Search(ctx context.Context, q provider.Query, maxResults int) ([]domain.Candidate, error) {
	term := q.Title
	if q.Creator != "" {
		term += " " + q.Creator
	}

	params := url.Values{}
	params.Set("q", term)
	params.Set("display", "table")

	page, err := a.env.Exec.FetchBytes(ctx, a.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	var out []domain.Candidate
	for _, m := range md5LinkPattern.FindAllStringSubmatch(string(page), -1) {
		md5 := strings.ToLower(m[1])
		if _, dup := seen[md5]; dup {
			continue
		}
		seen[md5] = struct{}{}

		title := strings.TrimSpace(tagPattern.ReplaceAllString(m[2], " "))
		title = strings.Join(strings.Fields(title), " ")
		if len(title) < 3 {
			title = "Book " + md5[:8]
		}

		out = append(out, domain.Candidate{
			ProviderKey: Key,
			Provider:    a.DisplayName(),
			Title:       title,
			SourceID:    md5,
			ItemURL:     a.baseURL + "/md5/" + md5,
			Hint:        map[string]string{"md5": md5},
		})
		if len(out) >= maxResults {
			break
		}
	}
	return out, nil
}

// fastDownloadResponse is the member API payload. Error is set for quota
// exhaustion, an invalid key or an unknown md5.
type fastDownloadResponse struct {
	DownloadURL string `json:"download_url"`
	Error       string `json:"error"`
}

func (a *Adapter) Download(ctx context.Context, req provider.Request) (*provider.Outcome, error) {
	md5 := req.Candidate.Hint["md5"]
	if md5 == "" {
		md5 = req.Candidate.SourceID
	}
	if md5 == "" {
		return nil, domain.NewTaskError(domain.KindClientError, Key,
			fmt.Errorf("candidate carries no md5"))
	}

	if a.apiKey != "" {
		return a.fastDownload(ctx, req, md5)
	}
	return a.scrapeDownload(ctx, req, md5)
}

// fastDownload is the member path. The quota gate runs before any request
// goes out so an exhausted window never burns an attempt.
func (a *Adapter) fastDownload(ctx context.Context, req provider.Request, md5 string) (*provider.Outcome, error) {
	if ok, resetAt := a.ledger.Allow(Key); !ok {
		return nil, &domain.TaskError{
			Kind:     domain.KindQuotaExhausted,
			Provider: Key,
			RetryAt:  resetAt,
			Err:      domain.ErrQuotaExhausted,
		}
	}

	params := url.Values{}
	params.Set("md5", md5)
	params.Set("key", a.apiKey)

	raw, err := a.env.Exec.FetchBytes(ctx, a.baseURL+"/dyn/api/fast_download.json?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp fastDownloadResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("fast download response for %s: %w", md5, err))
	}

	if resp.Error != "" {
		low := strings.ToLower(resp.Error)
		if strings.Contains(low, "quota") || strings.Contains(low, "limit") {
			_, resetAt := a.ledger.Allow(Key)
			return nil, &domain.TaskError{
				Kind:     domain.KindQuotaExhausted,
				Provider: Key,
				RetryAt:  resetAt,
				Err:      fmt.Errorf("server reports %s", resp.Error),
			}
		}
		return nil, domain.NewTaskError(domain.KindClientError, Key,
			fmt.Errorf("fast download rejected: %s", resp.Error))
	}
	if resp.DownloadURL == "" {
		return nil, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("no fast download available for %s", md5))
	}

	out := &provider.Outcome{}
	provider.SaveMetadataSoft(a.env, req, raw, 1, out)

	if err := a.fetchObject(ctx, req, resp.DownloadURL, out); err != nil {
		return out, err
	}
	if len(out.Files) == 0 {
		return out, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("md5 %s yielded no downloadable artifacts", md5))
	}
	return out, nil
}

// scrapeDownload is the keyless path: pull the md5 page and try each direct
// file link until one works.
func (a *Adapter) scrapeDownload(ctx context.Context, req provider.Request, md5 string) (*provider.Outcome, error) {
	page, err := a.env.Exec.FetchBytes(ctx, a.baseURL+"/md5/"+md5, nil)
	if err != nil {
		return nil, err
	}

	out := &provider.Outcome{}
	for _, m := range filePattern.FindAllStringSubmatch(string(page), -1) {
		if err := a.fetchObject(ctx, req, m[1], out); err != nil {
			if provider.Abortable(err) {
				return out, err
			}
			continue
		}
		if len(out.Files) > 0 {
			return out, nil
		}
	}
	return out, domain.NewTaskError(domain.KindTransient, Key,
		fmt.Errorf("no working download link on md5 page %s", md5))
}

func (a *Adapter) fetchObject(ctx context.Context, req provider.Request, fileURL string, out *provider.Outcome) error {
	ext := objectExt(fileURL)
	if !req.Options.ExtensionAllowed(ext) {
		return domain.NewTaskError(domain.KindClientError, Key,
			fmt.Errorf("extension %s not allowed", ext))
	}

	dest := filepath.Join(journal.ObjectsDir(req.WorkDir), journal.ObjectFileName(req.Name, ext, 1))
	if provider.SkipExisting(req, dest, out) {
		return nil
	}

	n, err := a.env.Exec.Download(ctx, fileURL, dest, req.WorkID, nil)
	if err != nil {
		return err
	}
	out.Files = append(out.Files, dest)
	out.Bytes += n
	return nil
}

func objectExt(fileURL string) string {
	if u, err := url.Parse(fileURL); err == nil {
		if ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), "."); ext != "" {
			return ext
		}
	}
	return "pdf"
}
