// Package gallica is the BnF Gallica adapter. Discovery goes through the
// SRU endpoint (Dublin Core records, ark identifiers); retrieval is the
// standard IIIF manifest flow keyed by ark.
package gallica

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/provider"
)

const (
	Key         = "gallica"
	defaultBase = "https://gallica.bnf.fr"
)

var arkPattern = regexp.MustCompile(`ark:/12148/([^/\s"<>]+)`)

type Adapter struct {
	env     provider.Env
	baseURL string
}

func New(env provider.Env, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBase
	}
	return &Adapter{env: env, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *Adapter) Key() string         { return Key }
func (a *Adapter) DisplayName() string { return "BnF Gallica" }

// sruResponse maps the searchRetrieve envelope down to the Dublin Core
// records. Element paths match on local names, so the sru/oai_dc namespace
// prefixes in the payload are irrelevant here.
type sruResponse struct {
	Records []dcRecord `xml:"records>record>recordData>dc"`
}

type dcRecord struct {
	Titles      []string `xml:"title"`
	Creators    []string `xml:"creator"`
	Dates       []string `xml:"date"`
	Identifiers []string `xml:"identifier"`
}

func (a *Adapter) Search(ctx context.Context, q provider.Query, maxResults int) ([]domain.Candidate, error) {
	query := fmt.Sprintf("gallica all %q", sruLiteral(q.Title))
	if q.Creator != "" {
		query += fmt.Sprintf(" and dc.creator all %q", sruLiteral(q.Creator))
	}

	params := url.Values{}
	params.Set("version", "1.2")
	params.Set("operation", "searchRetrieve")
	params.Set("query", query)
	params.Set("maximumRecords", fmt.Sprint(maxResults))
	params.Set("recordSchema", "oai_dc")

	data, err := a.env.Exec.FetchBytes(ctx, a.baseURL+"/SRU?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp sruResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, domain.NewTaskError(domain.KindTransient, Key,
			fmt.Errorf("SRU response: %w", err))
	}

	var out []domain.Candidate
	for _, rec := range resp.Records {
		ark := arkOf(rec.Identifiers)
		if ark == "" {
			continue
		}
		c := domain.Candidate{
			ProviderKey: Key,
			Provider:    a.DisplayName(),
			Title:       first(rec.Titles),
			Creators:    nonEmpty(rec.Creators),
			Date:        first(rec.Dates),
			SourceID:    ark,
			ItemURL:     a.baseURL + "/ark:/12148/" + ark,
			ManifestURL: a.manifestURL(ark),
			Hint:        map[string]string{"ark": ark},
		}
		out = append(out, c)
	}
	return out, nil
}

func (a *Adapter) Download(ctx context.Context, req provider.Request) (*provider.Outcome, error) {
	manifestURL := req.Candidate.ManifestURL
	if manifestURL == "" {
		ark := req.Candidate.Hint["ark"]
		if ark == "" {
			ark = req.Candidate.SourceID
		}
		if ark == "" {
			return nil, domain.NewTaskError(domain.KindClientError, Key,
				fmt.Errorf("candidate carries no ark identifier"))
		}
		manifestURL = a.manifestURL(ark)
	}
	return provider.DownloadFromManifest(ctx, a.env, req, manifestURL)
}

func (a *Adapter) manifestURL(ark string) string {
	return a.baseURL + "/iiif/ark:/12148/" + ark + "/manifest.json"
}

func arkOf(identifiers []string) string {
	for _, id := range identifiers {
		if m := arkPattern.FindStringSubmatch(id); m != nil {
			return m[1]
		}
	}
	return ""
}

// sruLiteral strips characters that break a quoted CQL literal.
func sruLiteral(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\':
			return ' '
		}
		return r
	}, s)
}

func first(ss []string) string {
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func nonEmpty(ss []string) []string {
	var out []string
	for _, s := range ss {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}
