package iiif

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const manifestV2 = `{
  "@context": "http://iiif.io/api/presentation/2/context.json",
  "@id": "https://example.org/ark:/12148/btv1b001/manifest.json",
  "rendering": [
    {"@id": "https://example.org/doc.pdf", "format": "application/pdf", "label": "PDF"},
    {"@id": "https://example.org/doc.txt", "format": "text/plain"},
    {"@id": "https://example.org/doc.pdf", "format": "application/pdf"}
  ],
  "sequences": [
    {
      "canvases": [
        {
          "images": [
            {
              "resource": {
                "@id": "https://gallica.example/iiif/ark:/12148/btv1b001/f1/full/full/0/native.jpg",
                "service": {"@id": "https://gallica.example/iiif/ark:/12148/btv1b001/f1"}
              }
            }
          ]
        },
        {
          "images": [
            {
              "resource": {
                "@id": "https://gallica.example/iiif/ark:/12148/btv1b001/f2/full/full/0/native.jpg"
              }
            }
          ]
        },
        {"images": []}
      ]
    }
  ]
}`

const manifestV3 = `{
  "@context": "http://iiif.io/api/presentation/3/context.json",
  "id": "https://example.org/manifest",
  "rendering": {"id": "https://example.org/whole.epub", "format": "application/epub+zip"},
  "items": [
    {
      "items": [
        {
          "items": [
            {
              "body": {
                "id": "https://images.example/iiif/p1/full/max/0/default.jpg",
                "service": [{"id": "https://images.example/iiif/p1"}]
              }
            }
          ]
        }
      ]
    },
    {
      "items": [
        {
          "items": [
            {
              "body": [
                {
                  "id": "https://images.example/iiif/p2/full/max/0/default.jpg",
                  "services": {"@id": "https://images.example/iiif/p2"}
                }
              ]
            }
          ]
        }
      ]
    }
  ]
}`

func TestImageServicesV2(t *testing.T) {
	m, err := Parse([]byte(manifestV2))
	require.NoError(t, err)

	bases := m.ImageServices()
	assert.Equal(t, []string{
		"https://gallica.example/iiif/ark:/12148/btv1b001/f1",
		"https://gallica.example/iiif/ark:/12148/btv1b001/f2",
	}, bases, "second canvas has no service and falls back to the image URL")
}

func TestImageServicesV3(t *testing.T) {
	m, err := Parse([]byte(manifestV3))
	require.NoError(t, err)

	bases := m.ImageServices()
	assert.Equal(t, []string{
		"https://images.example/iiif/p1",
		"https://images.example/iiif/p2",
	}, bases)
}

func TestImageServicesDeduplicates(t *testing.T) {
	m, err := Parse([]byte(`{
	  "sequences": [{"canvases": [
	    {"images": [{"resource": {"service": {"@id": "https://x/iiif/a"}}}]},
	    {"images": [{"resource": {"service": {"@id": "https://x/iiif/a"}}}]}
	  ]}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://x/iiif/a"}, m.ImageServices())
}

func TestDirectImageURLs(t *testing.T) {
	m, err := Parse([]byte(manifestV2))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://gallica.example/iiif/ark:/12148/btv1b001/f1/full/full/0/native.jpg",
		"https://gallica.example/iiif/ark:/12148/btv1b001/f2/full/full/0/native.jpg",
	}, m.DirectImageURLs())

	m3, err := Parse([]byte(manifestV3))
	require.NoError(t, err)
	assert.Len(t, m3.DirectImageURLs(), 2)
}

func TestRenderingsFiltersAndDeduplicates(t *testing.T) {
	m, err := Parse([]byte(manifestV2))
	require.NoError(t, err)

	got := m.Renderings([]string{"application/pdf", "application/epub+zip"}, 0)
	require.Len(t, got, 1, "text/plain rejected, duplicate pdf collapsed")
	assert.Equal(t, "https://example.org/doc.pdf", got[0].URL)
	assert.Equal(t, "application/pdf", got[0].Format)
}

func TestRenderingsSingleObjectForm(t *testing.T) {
	m, err := Parse([]byte(manifestV3))
	require.NoError(t, err)

	got := m.Renderings([]string{"application/epub+zip"}, 0)
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.org/whole.epub", got[0].URL)
}

func TestRenderingsSuffixFallback(t *testing.T) {
	m, err := Parse([]byte(`{"rendering": [
	  {"@id": "https://x/book.pdf"},
	  {"@id": "https://x/book.mobi"}
	]}`))
	require.NoError(t, err)

	got := m.Renderings([]string{"application/pdf"}, 0)
	require.Len(t, got, 1, "undeclared format passes only on .pdf/.epub suffix")
	assert.Equal(t, "https://x/book.pdf", got[0].URL)
}

func TestRenderingsLimit(t *testing.T) {
	m, err := Parse([]byte(`{"rendering": [
	  {"@id": "https://x/a.pdf", "format": "application/pdf"},
	  {"@id": "https://x/b.pdf", "format": "application/pdf"},
	  {"@id": "https://x/c.pdf", "format": "application/pdf"}
	]}`))
	require.NoError(t, err)
	assert.Len(t, m.Renderings(nil, 2), 2)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("not json"))
	assert.Error(t, err)
}

func TestImageURLCandidatesNoInfo(t *testing.T) {
	got := ImageURLCandidates("https://x/iiif/a/", nil)
	assert.Equal(t, []string{
		"https://x/iiif/a/full/full/0/default.jpg",
		"https://x/iiif/a/full/max/0/default.jpg",
		"https://x/iiif/a/full/pct:100/0/default.jpg",
		"https://x/iiif/a/full/full/0/native.jpg",
		"https://x/iiif/a/full/full/0/color.jpg",
	}, got)
}

func TestImageURLCandidatesWithSizes(t *testing.T) {
	info, err := ParseInfo([]byte(`{"sizes": [{"width": 800, "height": 1200}, {"width": 3000, "height": 4500}]}`))
	require.NoError(t, err)

	got := ImageURLCandidates("https://x/iiif/a", info)
	require.True(t, len(got) >= 2)
	assert.Equal(t, "https://x/iiif/a/full/3000,/0/default.jpg", got[0])
	assert.Equal(t, "https://x/iiif/a/full/3000,/0/native.jpg", got[1])
}

func TestImageURLCandidatesNoSizesAppendsFixedWidths(t *testing.T) {
	info, err := ParseInfo([]byte(`{}`))
	require.NoError(t, err)

	got := ImageURLCandidates("https://x/iiif/a", info)
	assert.Contains(t, got, "https://x/iiif/a/full/2000,/0/default.jpg")
	assert.Contains(t, got, "https://x/iiif/a/full/1000,/0/default.jpg")
}

func TestImageURLCandidatesPNGPreferred(t *testing.T) {
	info, err := ParseInfo([]byte(`{"width": 2400, "profile": ["level2", {"formats": ["jpg", "png"]}]}`))
	require.NoError(t, err)

	got := ImageURLCandidates("https://x/iiif/a", info)
	require.NotEmpty(t, got)
	assert.Equal(t, "https://x/iiif/a/full/2400,/0/default.png", got[0], "png spellings lead when advertised")

	jpgAt := -1
	for i, c := range got {
		if c == "https://x/iiif/a/full/2400,/0/default.jpg" {
			jpgAt = i
		}
	}
	require.NotEqual(t, -1, jpgAt)
	assert.Greater(t, jpgAt, 0)
}

func TestParseInfoFormats(t *testing.T) {
	info, err := ParseInfo([]byte(`{"formats": ["PNG"], "maxWidth": 1500}`))
	require.NoError(t, err)
	assert.True(t, info.prefersPNG())
	assert.Equal(t, 1500, info.bestWidth())
}
