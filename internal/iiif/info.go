package iiif

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Info carries the parts of an Image API info.json that influence URL
// selection: advertised sizes and output formats.
type Info struct {
	Sizes    []Size
	MaxWidth int
	Formats  []string
}

type Size struct {
	Width  int
	Height int
}

func ParseInfo(data []byte) (*Info, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("info parse: %w", err)
	}

	info := &Info{}
	for _, s := range asList(doc["sizes"]) {
		sm := asMap(s)
		info.Sizes = append(info.Sizes, Size{
			Width:  asInt(sm["width"]),
			Height: asInt(sm["height"]),
		})
	}
	info.MaxWidth = asInt(doc["maxWidth"])
	if info.MaxWidth == 0 {
		info.MaxWidth = asInt(doc["width"])
	}

	for _, f := range asList(doc["formats"]) {
		if s := asString(f); s != "" {
			info.Formats = append(info.Formats, strings.ToLower(s))
		}
	}
	// v2 nests formats inside profile entries.
	for _, p := range asList(doc["profile"]) {
		for _, f := range asList(asMap(p)["formats"]) {
			if s := asString(f); s != "" {
				info.Formats = append(info.Formats, strings.ToLower(s))
			}
		}
	}
	return info, nil
}

func (i *Info) prefersPNG() bool {
	for _, f := range i.Formats {
		if strings.Contains(f, "png") {
			return true
		}
	}
	return false
}

// bestWidth is the largest advertised size, or the declared max width when
// the server lists none.
func (i *Info) bestWidth() int {
	w := 0
	for _, s := range i.Sizes {
		if s.Width > w {
			w = s.Width
		}
	}
	if w == 0 {
		w = i.MaxWidth
	}
	return w
}

// ImageURLCandidates returns download URLs for one Image API service in
// preference order. With no info.json the generic spellings are tried
// largest-first; size hints move an exact-width request to the front, and
// servers that advertise PNG get the PNG spelling of every candidate ahead
// of the JPEG one.
func ImageURLCandidates(serviceBase string, info *Info) []string {
	b := strings.TrimRight(serviceBase, "/")
	candidates := []string{
		b + "/full/full/0/default.jpg",
		b + "/full/max/0/default.jpg",
		b + "/full/pct:100/0/default.jpg",
		b + "/full/full/0/native.jpg",
		b + "/full/full/0/color.jpg",
	}

	if info != nil {
		if w := info.bestWidth(); w > 0 {
			candidates = append([]string{
				fmt.Sprintf("%s/full/%d,/0/default.jpg", b, w),
				fmt.Sprintf("%s/full/%d,/0/native.jpg", b, w),
			}, candidates...)
		} else {
			candidates = append(candidates,
				b+"/full/2000,/0/default.jpg",
				b+"/full/1000,/0/default.jpg",
			)
		}
		if info.prefersPNG() {
			png := make([]string, len(candidates))
			for i, c := range candidates {
				png[i] = strings.TrimSuffix(c, ".jpg") + ".png"
			}
			candidates = append(png, candidates...)
		}
	}

	return dedupe(candidates)
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
