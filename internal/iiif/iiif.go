// Package iiif reads IIIF Presentation manifests (v2 and v3) just deeply
// enough to find page image services, direct image URLs and manifest-level
// renderings. Manifests in the wild are loosely shaped, so traversal stays
// defensive and never fails on a malformed canvas.
package iiif

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Manifest wraps a decoded Presentation manifest.
type Manifest struct {
	doc map[string]any
}

// Rendering is one manifest-level alternate format, typically a bundled
// PDF or EPUB of the whole object.
type Rendering struct {
	URL    string
	Format string
}

func Parse(data []byte) (*Manifest, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	return &Manifest{doc: doc}, nil
}

// ImageServices returns the Image API service base for every canvas,
// deduplicated in page order. Both v2 and v3 layouts are walked; a canvas
// without a service falls back to deriving the base from its direct image
// URL.
func (m *Manifest) ImageServices() []string {
	var bases []string

	// v2: sequences[0].canvases[].images[0].resource.service
	if sequences := asList(m.doc["sequences"]); len(sequences) > 0 {
		for _, c := range asList(asMap(sequences[0])["canvases"]) {
			canvas := asMap(c)
			images := asList(canvas["images"])
			if len(images) == 0 {
				continue
			}
			res := asMap(asMap(images[0])["resource"])
			base := idOf(asMap(res["service"]))
			if base == "" {
				base = serviceFromImageURL(idOf(res))
			}
			if base != "" {
				bases = append(bases, base)
			}
		}
	}

	// v3: items[].items[0].items[0].body.service
	for _, c := range asList(m.doc["items"]) {
		canvas := asMap(c)
		pages := asList(canvas["items"])
		if len(pages) == 0 {
			continue
		}
		annos := asList(asMap(pages[0])["items"])
		if len(annos) == 0 {
			continue
		}
		body := asMap(asMap(annos[0])["body"])
		if body == nil {
			if bodies := asList(asMap(annos[0])["body"]); len(bodies) > 0 {
				body = asMap(bodies[0])
			}
		}
		if body == nil {
			continue
		}

		svc := body["service"]
		if svc == nil {
			svc = body["services"]
		}
		svcMap := asMap(svc)
		if svcMap == nil {
			if list := asList(svc); len(list) > 0 {
				svcMap = asMap(list[0])
			}
		}

		base := idOf(svcMap)
		if base == "" {
			base = serviceFromImageURL(asString(body["id"]))
		}
		if base != "" {
			bases = append(bases, base)
		}
	}

	return dedupe(bases)
}

// DirectImageURLs returns the full-size image URL of every canvas for
// servers that publish plain image links without an Image API service.
func (m *Manifest) DirectImageURLs() []string {
	var urls []string

	if sequences := asList(m.doc["sequences"]); len(sequences) > 0 {
		for _, c := range asList(asMap(sequences[0])["canvases"]) {
			images := asList(asMap(c)["images"])
			if len(images) == 0 {
				continue
			}
			if u := idOf(asMap(asMap(images[0])["resource"])); u != "" {
				urls = append(urls, u)
			}
		}
	}

	for _, c := range asList(m.doc["items"]) {
		pages := asList(asMap(c)["items"])
		if len(pages) == 0 {
			continue
		}
		annos := asList(asMap(pages[0])["items"])
		if len(annos) == 0 {
			continue
		}
		body := asMap(asMap(annos[0])["body"])
		if body == nil {
			if bodies := asList(asMap(annos[0])["body"]); len(bodies) > 0 {
				body = asMap(bodies[0])
			}
		}
		if u := asString(body["id"]); u != "" {
			urls = append(urls, u)
		}
	}

	return dedupe(urls)
}

// Renderings returns manifest-level alternates whose MIME type matches the
// whitelist, up to limit. A rendering without a declared format passes when
// its URL ends in .pdf or .epub.
func (m *Manifest) Renderings(whitelist []string, limit int) []Rendering {
	var raw []map[string]any
	switch r := m.doc["rendering"].(type) {
	case []any:
		for _, it := range r {
			if rm := asMap(it); rm != nil {
				raw = append(raw, rm)
			}
		}
	case map[string]any:
		raw = append(raw, r)
	}

	lowered := make([]string, 0, len(whitelist))
	for _, w := range whitelist {
		if w != "" {
			lowered = append(lowered, strings.ToLower(w))
		}
	}

	seen := map[string]struct{}{}
	var out []Rendering
	for _, it := range raw {
		if limit > 0 && len(out) >= limit {
			break
		}
		url := idOf(it)
		if url == "" {
			continue
		}
		format := strings.ToLower(asString(it["format"]))
		if format == "" {
			format = strings.ToLower(asString(it["type"]))
		}

		if len(lowered) > 0 && !matchesAny(format, lowered) {
			low := strings.ToLower(url)
			if !strings.HasSuffix(low, ".pdf") && !strings.HasSuffix(low, ".epub") {
				continue
			}
		}
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, Rendering{URL: url, Format: format})
	}
	return out
}

func matchesAny(format string, whitelist []string) bool {
	for _, w := range whitelist {
		if strings.Contains(format, w) {
			return true
		}
	}
	return false
}

func serviceFromImageURL(imageURL string) string {
	if i := strings.Index(imageURL, "/full/"); i > 0 {
		return imageURL[:i]
	}
	return ""
}

func idOf(m map[string]any) string {
	if m == nil {
		return ""
	}
	if id := asString(m["@id"]); id != "" {
		return id
	}
	return asString(m["id"])
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
