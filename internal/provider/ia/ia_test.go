package ia

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chronofetch/chronofetch/internal/budget"
	"github.com/chronofetch/chronofetch/internal/clock"
	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/logger"
	"github.com/chronofetch/chronofetch/internal/network"
	"github.com/chronofetch/chronofetch/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pdfPayload = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func testEnv(t *testing.T) provider.Env {
	t.Helper()
	clk := clock.System()
	acct := budget.NewAccountant(budget.Limits{}, logger.Nop())
	policy := network.Policy{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		Multiplier:  2,
		MaxBackoff:  10 * time.Millisecond,
		Timeout:     2 * time.Second,
	}
	exec := network.NewExecutor(Key, policy,
		network.NewLimiter(0, 0, clk),
		network.NewBreaker(Key, true, 10, time.Minute, clk, logger.Nop()),
		nil, acct, clk, logger.Nop())
	return provider.Env{Exec: exec, Acct: acct, Log: logger.Nop()}
}

func testRequest(t *testing.T, opts provider.Options) provider.Request {
	t.Helper()
	dir := t.TempDir()
	return provider.Request{
		Candidate: domain.Candidate{ProviderKey: Key, SourceID: "raven01", Hint: map[string]string{"identifier": "raven01"}},
		WorkID:    "w1",
		WorkDir:   dir,
		Name:      domain.NameContext{EntryID: "E1", Stem: "e1_the_raven", ProviderKey: Key},
		Options:   opts,
	}
}

func TestSearchParsesDocs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/advancedsearch.php", r.URL.Path)
		q := r.URL.Query().Get("q")
		assert.Contains(t, q, `title:("The Raven")`)
		assert.Contains(t, q, `creator:("Poe")`)
		assert.Contains(t, q, "mediatype:(texts)")

		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"docs": []map[string]any{
					{"identifier": "raven01", "title": "The Raven", "creator": []string{"Edgar Allan Poe"}, "year": 1845},
					{"identifier": "raven02", "title": []string{"The Raven", "other"}},
					{"title": "no identifier, dropped"},
				},
			},
		})
	}))
	defer srv.Close()

	a := New(testEnv(t), srv.URL)
	got, err := a.Search(context.Background(), provider.Query{Title: "The Raven", Creator: "Poe"}, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "raven01", got[0].SourceID)
	assert.Equal(t, "The Raven", got[0].Title)
	assert.Equal(t, []string{"Edgar Allan Poe"}, got[0].Creators)
	assert.Equal(t, "1845", got[0].Date)
	assert.Equal(t, srv.URL+"/details/raven01", got[0].ItemURL)
	assert.Equal(t, "The Raven", got[1].Title, "list titles collapse to the first entry")
}

func TestDownloadPrefersDirectPDF(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/metadata/raven01", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"name": "raven.djvu", "format": "DjVu"},
				{"name": "raven.pdf", "format": "Text PDF"},
			},
		})
	})
	mux.HandleFunc("/download/raven01/raven.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pdfPayload)
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	a := New(testEnv(t), srv.URL)
	a.hosts = nil

	req := testRequest(t, provider.Options{
		PreferPDFOverImages: true,
		IncludeMetadata:     true,
	})
	out, err := a.Download(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, out.Files, 2, "metadata dump plus one pdf")
	pdf := filepath.Join(req.WorkDir, "objects", "e1_the_raven_ia.pdf")
	assert.FileExists(t, pdf)
	data, err := os.ReadFile(pdf)
	require.NoError(t, err)
	assert.Equal(t, pdfPayload, data)
}

func TestDownloadFallsBackToPageImages(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	manifest := map[string]any{
		"sequences": []any{map[string]any{
			"canvases": []any{
				map[string]any{"images": []any{map[string]any{"resource": map[string]any{
					"@id":     srv.URL + "/img/p1/full/full/0/default.jpg",
					"service": map[string]any{"@id": srv.URL + "/img/p1"},
				}}}},
				map[string]any{"images": []any{map[string]any{"resource": map[string]any{
					"@id":     srv.URL + "/img/p2/full/full/0/default.jpg",
					"service": map[string]any{"@id": srv.URL + "/img/p2"},
				}}}},
			},
		}},
	}

	mux.HandleFunc("/metadata/raven01", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"misc": map[string]any{"ia_iiif_url": srv.URL + "/iiif/raven01/manifest.json"},
		})
	})
	mux.HandleFunc("/iiif/raven01/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/img/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/p1/info.json" || r.URL.Path == "/img/p2/info.json" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "jpegbytes")
	})

	a := New(testEnv(t), srv.URL)
	a.hosts = nil

	req := testRequest(t, provider.Options{PreferPDFOverImages: true, DownloadManifestRenderings: true})
	out, err := a.Download(context.Background(), req)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(req.WorkDir, "objects", "e1_the_raven_ia_image_001.jpg"))
	assert.FileExists(t, filepath.Join(req.WorkDir, "objects", "e1_the_raven_ia_image_002.jpg"))
	assert.Positive(t, out.Bytes)
}

func TestDownloadNothingAvailable(t *testing.T) {
	var mux http.ServeMux
	mux.HandleFunc("/metadata/raven01", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"files": []map[string]any{}})
	})
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	a := New(testEnv(t), srv.URL)
	a.hosts = nil

	_, err := a.Download(context.Background(), testRequest(t, provider.Options{}))
	require.Error(t, err)
	assert.Equal(t, domain.KindTransient, domain.KindOf(err))
}
