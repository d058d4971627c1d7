package gtfsmerge

import (
	"context"
	"path/filepath"
	"testing"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportsValid(t *testing.T) {
	dir := testTempdir(t)
	input := filepath.Join(dir, "sample-feed.zip")
	writeTestZip(t, input, sampleFeedFiles)
	output := filepath.Join(dir, "sample-feed.db")

	findings, err := Import(context.Background(), input, output, &ImportOpts{SourceName: "Demo Transit", Version: 3})
	require.NoError(t, err)
	assert.Empty(t, findings)

	db, err := OpenFeedDB(output)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, FeedMeta{SourceName: "Demo Transit", Version: 3}, db.Meta())

	tables, err := db.TableNames()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agency", "stops", "routes", "trips", "stop_times", "calendar", "calendar_dates"}, tables)

	trips, err := db.RowCount("trips")
	require.NoError(t, err)
	assert.Equal(t, 5, trips)

	window, err := db.ValidityWindow()
	require.NoError(t, err)
	assert.Equal(t, "20070101-20101231", window.String())
}

func TestImportDefaultsMeta(t *testing.T) {
	dir := testTempdir(t)
	input := filepath.Join(dir, "Fake Agency.zip")
	writeTestZip(t, input, sampleFeedFiles)
	output := filepath.Join(dir, "out.db")

	_, err := Import(context.Background(), input, output, nil)
	require.NoError(t, err)

	db, err := OpenFeedDB(output)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	assert.Equal(t, "Fake Agency", db.Meta().SourceName)
	assert.Equal(t, 1, db.Meta().Version)
	assert.Equal(t, "Fake_Agency1", db.Meta().ScopeToken())
}

func TestImportsEmptyAsNull(t *testing.T) {
	dir := testTempdir(t)
	input := filepath.Join(dir, "sample-feed.zip")
	writeTestZip(t, input, sampleFeedFiles)
	output := filepath.Join(dir, "sample-feed.db")

	_, err := Import(context.Background(), input, output, &ImportOpts{})
	require.NoError(t, err)

	conn, err := sqlite.OpenConn(output, sqlite.SQLITE_OPEN_READONLY)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var count int64
	err = sqlitex.Exec(conn, "SELECT count(*) FROM routes WHERE route_color IS NULL", func(stmt *sqlite.Stmt) error {
		count = stmt.ColumnInt64(0)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestImportStripsBOMAndPreservesOtherFiles(t *testing.T) {
	dir := testTempdir(t)
	input := filepath.Join(dir, "sample-feed.zip")
	writeTestZip(t, input, withFiles(sampleFeedFiles, map[string]string{
		"agency.txt":  "\ufeff" + sampleFeedFiles["agency.txt"],
		"LICENSE.md":  "CC-BY 4.0\n",
		"notices.pdf": "%PDF-1.4",
	}))

	feed, err := ReadZip(input, FeedMeta{SourceName: "Demo"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"DTA"}, columnValues(t, feed, "agency", "agency_id"))

	files, err := feed.otherFiles()
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"LICENSE.md", "notices.pdf"}, names)
}

var invalidTripsTxt = `route_id,service_id,trip_id,trip_headsign,direction_id,block_id,shape_id
AB,FULLW,AB1,to Bullfrog,0,1,
AB,FULLW,AB2,to Airport,1,2,
STBA,FULLW,STBA,Shuttle,,,
MISSING,FULLW,CITY1,,0,,
AAMV,WE,AAMV1,to Amargosa Valley,0,,
`

func TestImportInvalid(t *testing.T) {
	dir := testTempdir(t)
	input := filepath.Join(dir, "invalid.zip")
	writeTestZip(t, input, withFiles(sampleFeedFiles, map[string]string{"trips.txt": invalidTripsTxt}))

	t.Run("nofix", func(t *testing.T) {
		output := filepath.Join(dir, "nofix.db")
		findings, err := Import(context.Background(), input, output, &ImportOpts{})
		require.ErrorIs(t, err, ErrInvalidInput)
		require.Len(t, findings, 1)
		assert.Equal(t, FindingReferentialIntegrity, findings[0].Type)
		assert.Equal(t, "trips", findings[0].Table)
		assert.Equal(t, "MISSING", findings[0].Key)
		assert.NoFileExists(t, output)
	})

	t.Run("ignore", func(t *testing.T) {
		output := filepath.Join(dir, "ignore.db")
		findings, err := Import(context.Background(), input, output, &ImportOpts{IgnoreInvalid: true})
		require.NoError(t, err)
		assert.Len(t, findings, 1)

		db, err := OpenFeedDB(output)
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		assert.True(t, db.Meta().BlockingErrors)

		trips, err := db.RowCount("trips")
		require.NoError(t, err)
		assert.Equal(t, 5, trips)
	})

	t.Run("fix", func(t *testing.T) {
		output := filepath.Join(dir, "fix.db")
		findings, err := Import(context.Background(), input, output, &ImportOpts{ForceValid: true})
		require.NoError(t, err)
		assert.Len(t, findings, 1)

		db, err := OpenFeedDB(output)
		require.NoError(t, err)
		defer func() { _ = db.Close() }()
		assert.False(t, db.Meta().BlockingErrors)

		trips, err := db.RowCount("trips")
		require.NoError(t, err)
		assert.Equal(t, 4, trips)

		// The stop times of the deleted trip go on the next pass.
		stopTimes, err := db.RowCount("stop_times")
		require.NoError(t, err)
		assert.Equal(t, 8, stopTimes)
	})
}
