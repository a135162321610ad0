package provider

import (
	"context"
	"errors"

	"github.com/chronofetch/chronofetch/internal/domain"
)

// DirectKey is the pseudo-provider key for downloads that bypass search
// because the input already names a IIIF manifest.
const DirectKey = "direct"

// Direct downloads straight from a manifest URL carried on the candidate.
// It has no search side.
type Direct struct {
	env Env
}

func NewDirect(env Env) *Direct {
	return &Direct{env: env}
}

func (d *Direct) Key() string         { return DirectKey }
func (d *Direct) DisplayName() string { return "Direct IIIF" }

func (d *Direct) Search(context.Context, Query, int) ([]domain.Candidate, error) {
	return nil, errors.New("direct manifests are not searchable")
}

func (d *Direct) Download(ctx context.Context, req Request) (*Outcome, error) {
	url := req.Candidate.ManifestURL
	if url == "" {
		url = req.Candidate.Hint["manifest_url"]
	}
	if url == "" {
		return nil, domain.NewTaskError(domain.KindClientError, DirectKey,
			errors.New("candidate carries no manifest URL"))
	}
	return DownloadFromManifest(ctx, d.env, req, url)
}
