// Package journal owns everything that touches the on-disk work layout: the
// deterministic directory and file names, work.json persistence, and the
// shared index.csv.
package journal

import (
	"fmt"
	"strings"

	"github.com/chronofetch/chronofetch/internal/domain"
	"github.com/chronofetch/chronofetch/internal/infra/config"
	"github.com/chronofetch/chronofetch/internal/match"
)

const (
	objectsDir  = "objects"
	metadataDir = "metadata"
	workFile    = "work.json"
)

// Slug folds s to a filesystem-safe token: NFKC with diacritics stripped,
// lowercased, runs of anything outside [a-z0-9] collapsed to single
// underscores, trimmed, and capped at maxLen (0 = uncapped). Two inputs can
// only collide when at least one was truncated.
func Slug(s string, maxLen int) string {
	slug := strings.ReplaceAll(match.Normalize(s), " ", "_")
	if maxLen > 0 && len(slug) > maxLen {
		slug = strings.TrimRight(slug[:maxLen], "_")
	}
	return slug
}

// Stem is the common filename prefix of everything belonging to one work:
// "<entry_slug>_<title_slug>".
func Stem(rec domain.InputRecord, titleMaxLen int) string {
	entry := Slug(rec.EntryID, 0)
	title := Slug(rec.Title, titleMaxLen)
	if title == "" {
		return entry
	}
	return entry + "_" + title
}

// WorkDirName builds the per-work directory name, optionally extended with
// creator and year slugs.
func WorkDirName(rec domain.InputRecord, naming config.NamingConfig) string {
	name := Stem(rec, naming.TitleSlugMaxLen)
	if naming.IncludeCreatorInWorkDir && rec.Creator != "" {
		if creator := Slug(rec.Creator, naming.CreatorSlugMaxLen); creator != "" {
			name += "_" + creator
		}
	}
	if naming.IncludeYearInWorkDir && rec.Year != "" {
		if year := Slug(rec.Year, 0); year != "" {
			name += "_" + year
		}
	}
	return name
}

// ObjectFileName names a bundled artifact:
// "<stem>_<provider>[_<seq>].<ext>". The sequence suffix appears from the
// second artifact of the same type on.
func ObjectFileName(nc domain.NameContext, ext string, seq int) string {
	name := nc.Stem + "_" + nc.ProviderKey
	if seq > 1 {
		name = fmt.Sprintf("%s_%d", name, seq)
	}
	return name + "." + strings.TrimPrefix(ext, ".")
}

// ImageFileName names one page image with a zero-padded page counter:
// "<stem>_<provider>_image_<NNN>.<ext>".
func ImageFileName(nc domain.NameContext, page int, ext string) string {
	return fmt.Sprintf("%s_%s_image_%03d.%s", nc.Stem, nc.ProviderKey, page, strings.TrimPrefix(ext, "."))
}

// MetadataFileName names a provider metadata dump.
func MetadataFileName(nc domain.NameContext, seq int) string {
	return ObjectFileName(nc, "json", seq)
}
