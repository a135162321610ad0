package input

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "works.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMapsColumns(t *testing.T) {
	path := writeCSV(t,
		"entry_id,short_title,main_author,year,shelf_mark\n"+
			"E1,The Raven,Poe,1845,PS2609\n"+
			"E2,Faust,,,\n")

	m, err := Load(path)
	require.NoError(t, err)

	recs := m.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "E1", recs[0].EntryID)
	assert.Equal(t, "The Raven", recs[0].Title)
	assert.Equal(t, "Poe", recs[0].Creator)
	assert.Equal(t, "1845", recs[0].Year)
	assert.Equal(t, "PS2609", recs[0].Extra["shelf_mark"], "unknown columns are preserved")
	assert.Empty(t, recs[1].Creator)
}

func TestLoadAlternateColumnNames(t *testing.T) {
	path := writeCSV(t, "entry_id,Title,Creator\nE1,Faust,Goethe\n")

	m, err := Load(path)
	require.NoError(t, err)
	recs := m.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "Faust", recs[0].Title)
	assert.Equal(t, "Goethe", recs[0].Creator)
}

func TestLoadRejectsMissingColumns(t *testing.T) {
	_, err := Load(writeCSV(t, "id,short_title\n1,Faust\n"))
	assert.ErrorContains(t, err, "entry_id")

	_, err = Load(writeCSV(t, "entry_id,author\nE1,Goethe\n"))
	assert.ErrorContains(t, err, "title")
}

func TestLoadRejectsDuplicateEntryIDs(t *testing.T) {
	_, err := Load(writeCSV(t, "entry_id,short_title\nE1,Faust\nE1,Faust II\n"))
	assert.ErrorContains(t, err, "duplicate")
}

func TestRetrievable(t *testing.T) {
	path := writeCSV(t,
		"entry_id,short_title,retrievable\n"+
			"E1,Faust,True\n"+
			"E2,The Raven,false\n"+
			"E3,Hamlet,\n")

	m, err := Load(path)
	require.NoError(t, err)

	assert.True(t, m.Retrievable("E1"))
	assert.False(t, m.Retrievable("E2"))
	assert.False(t, m.Retrievable("E3"))
	assert.False(t, m.Retrievable("E9"))
}

func TestMarkSuccessRoundTrip(t *testing.T) {
	path := writeCSV(t,
		"entry_id,short_title,shelf_mark\n"+
			"E1,The Raven,PS2609\n"+
			"E2,Faust,X99\n")

	m, err := Load(path)
	require.NoError(t, err)

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, m.MarkSuccess("E1", "ia", "https://example/ia/raven", now))
	require.NoError(t, m.MarkFailed("E2"))

	// Reload from disk: result columns were added, originals untouched.
	m2, err := Load(path)
	require.NoError(t, err)

	recs := m2.Records()
	require.Len(t, recs, 2)
	assert.True(t, m2.Retrievable("E1"))
	assert.False(t, m2.Retrievable("E2"))
	assert.Equal(t, "https://example/ia/raven", recs[0].Link)
	assert.Equal(t, "ia", recs[0].Extra["download_provider"])
	assert.Equal(t, "2024-03-01T08:00:00Z", recs[0].Extra["download_timestamp"])
	assert.Equal(t, "PS2609", recs[0].Extra["shelf_mark"])
	assert.Equal(t, "X99", recs[1].Extra["shelf_mark"])
}

func TestMarkUnknownEntry(t *testing.T) {
	m, err := Load(writeCSV(t, "entry_id,short_title\nE1,Faust\n"))
	require.NoError(t, err)
	assert.Error(t, m.MarkFailed("E9"))
}
