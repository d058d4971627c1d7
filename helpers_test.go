package gtfsmerge

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTempdir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "")
	require.NoError(t, err)
	t.Cleanup(func() {
		if t.Failed() {
			fmt.Println("Preserving tempdir after failed test", dir)
		} else {
			_ = os.RemoveAll(dir)
		}
	})
	return dir
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// testFeed builds an in-memory feed from CSV file contents keyed by file name.
func testFeed(t *testing.T, source string, version int, files map[string]string) *Feed {
	t.Helper()
	feed := NewFeed(source, FeedMeta{SourceName: source, Version: version})
	for _, name := range sortedNames(files) {
		table, err := readCSV(strings.TrimSuffix(name, ".txt"), strings.NewReader(files[name]))
		require.NoError(t, err, name)
		require.NotNil(t, table, name)
		feed.AddTable(table)
	}
	return feed
}

// writeTestZip writes a GTFS zip holding the given files.
func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for _, name := range sortedNames(files) {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(entry, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func withFiles(base map[string]string, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		if v == "" {
			delete(out, k)
		} else {
			out[k] = v
		}
	}
	return out
}

// sampleFeedFiles is a small single agency feed.
var sampleFeedFiles = map[string]string{
	"agency.txt": `agency_id,agency_name,agency_url,agency_timezone
DTA,Demo Transit Authority,http://google.com,America/Los_Angeles
`,
	"stops.txt": `stop_id,stop_name,stop_desc,stop_lat,stop_lon,zone_id,stop_url
FUR_CREEK_RES,Furnace Creek Resort (Demo),,36.425288,-117.133162,,
BEATTY_AIRPORT,Nye County Airport (Demo),,36.868446,-116.784582,,
BULLFROG,Bullfrog (Demo),,36.88108,-116.81797,,
STAGECOACH,Stagecoach Hotel & Casino (Demo),,36.915682,-116.751677,,
AMV,Amargosa Valley (Demo),,36.641496,-116.40094,,
`,
	"routes.txt": `route_id,agency_id,route_short_name,route_long_name,route_desc,route_type,route_url,route_color,route_text_color
AB,DTA,10,Airport - Bullfrog,,3,,,
STBA,DTA,30,Stagecoach - Airport Shuttle,,3,,,
CITY,DTA,40,City,,3,,,
AAMV,DTA,50,Airport - Amargosa Valley,,3,,,
`,
	"trips.txt": `route_id,service_id,trip_id,trip_headsign,direction_id,block_id,shape_id
AB,FULLW,AB1,to Bullfrog,0,1,
AB,FULLW,AB2,to Airport,1,2,
STBA,FULLW,STBA,Shuttle,,,
CITY,FULLW,CITY1,,0,,
AAMV,WE,AAMV1,to Amargosa Valley,0,,
`,
	"stop_times.txt": `trip_id,arrival_time,departure_time,stop_id,stop_sequence
STBA,6:00:00,6:00:00,STAGECOACH,1
STBA,6:20:00,6:20:00,BEATTY_AIRPORT,2
CITY1,6:00:00,6:00:00,STAGECOACH,1
CITY1,6:05:00,6:07:00,BEATTY_AIRPORT,2
AB1,8:00:00,8:00:00,BEATTY_AIRPORT,1
AB1,8:10:00,8:15:00,BULLFROG,2
AB2,12:05:00,12:05:00,BULLFROG,1
AB2,12:15:00,12:15:00,BEATTY_AIRPORT,2
AAMV1,8:00:00,8:00:00,BEATTY_AIRPORT,1
AAMV1,9:00:00,9:00:00,AMV,2
`,
	"calendar.txt": `service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date
FULLW,1,1,1,1,1,1,1,20070101,20101231
WE,0,0,0,0,0,1,1,20070101,20101231
`,
	"calendar_dates.txt": `service_id,date,exception_type
FULLW,20070604,2
`,
}

func assertGTFSEqual(t *testing.T, expected, actual string) {
	t.Helper()

	expectedZip, err := zip.OpenReader(expected)
	if err != nil {
		panic(err)
	}
	defer func() { _ = expectedZip.Close() }()
	actualZip, err := zip.OpenReader(actual)
	if err != nil {
		panic(err)
	}
	defer func() { _ = actualZip.Close() }()

	var expectedFiles []string
	for _, entry := range expectedZip.File {
		expectedFiles = append(expectedFiles, entry.Name)
	}
	var actualFiles []string
	for _, entry := range actualZip.File {
		actualFiles = append(actualFiles, entry.Name)
	}

	var removedFiles []string
	for _, file := range expectedFiles {
		if !slices.Contains(actualFiles, file) {
			removedFiles = append(removedFiles, file)
		}
	}
	slices.Sort(removedFiles)
	var addedFiles []string
	for _, file := range actualFiles {
		if !slices.Contains(expectedFiles, file) {
			addedFiles = append(addedFiles, file)
		}
	}
	slices.Sort(addedFiles)
	var filesToCheck []string
	for _, file := range actualFiles {
		if !slices.Contains(removedFiles, file) && !slices.Contains(addedFiles, file) {
			filesToCheck = append(filesToCheck, file)
		}
	}
	slices.Sort(filesToCheck)

	var out strings.Builder

	if len(addedFiles) > 0 || len(removedFiles) > 0 {
		t.Fail()
	}
	for _, name := range addedFiles {
		fmt.Fprintf(&out, "ADDED FILE %s\n", name)
	}
	for _, name := range removedFiles {
		fmt.Fprintf(&out, "REMOVED FILE %s\n", name)
	}

	for _, file := range filesToCheck {
		expectedF, err := expectedZip.Open(file)
		if err != nil {
			panic(err)
		}
		actualF, err := actualZip.Open(file)
		if err != nil {
			panic(err)
		}

		var expectedContent []byte
		var actualContent []byte
		if strings.HasSuffix(file, ".txt") {
			var baseColumns []string
			if schema, ok := lookupSchema(strings.TrimSuffix(file, ".txt")); ok {
				baseColumns = schema.columnNames()
			}

			expectedContent, err = normalizeCSV(expectedF, baseColumns)
			if err != nil {
				panic(err)
			}
			actualContent, err = normalizeCSV(actualF, baseColumns)
			if err != nil {
				panic(err)
			}
		} else {
			expectedContent, err = io.ReadAll(expectedF)
			if err != nil {
				panic(err)
			}
			actualContent, err = io.ReadAll(actualF)
			if err != nil {
				panic(err)
			}
		}

		edits := myers.ComputeEdits(span.URIFromPath(file), string(expectedContent), string(actualContent))
		if len(edits) > 0 {
			t.Fail()
			fmt.Fprint(&out, gotextdiff.ToUnified("expected/"+file, "actual/"+file, string(expectedContent), edits))
		}
	}

	if out.Len() > 0 {
		t.Log(expected, "!=", actual, "\n", out.String())
	}
}

// normalizeCSV sorts columns and adds any missing base column so files differing only in layout compare equal.
func normalizeCSV(input io.Reader, baseColumns []string) ([]byte, error) {
	r := csv.NewReader(input)
	r.FieldsPerRecord = -1

	var out bytes.Buffer
	w := csv.NewWriter(&out)

	srcHeader, err := r.Read()
	if err != nil {
		return nil, err
	}

	headerOccurrences := make(map[string]int)
	for _, col := range srcHeader {
		headerOccurrences[col]++
	}
	for _, count := range headerOccurrences {
		if count > 1 {
			return nil, errors.New("normalizeCSV doesn't currently support duplicated column names")
		}
	}

	header := slices.Clone(srcHeader)
	for _, col := range baseColumns {
		if !slices.Contains(header, col) {
			header = append(header, col)
		}
	}
	slices.Sort(header)

	headerSort := make([]int, len(srcHeader))
	for srcI, col := range srcHeader {
		headerSort[srcI] = slices.Index(header, col)
	}

	if err := w.Write(header); err != nil {
		return nil, err
	}

	for {
		srcRow, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}

		row := make([]string, len(header))
		for srcI := range srcRow {
			if srcI < len(headerSort) {
				row[headerSort[srcI]] = srcRow[srcI]
			}
		}

		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return out.Bytes(), w.Error()
}

func TestHelperNormalizeCSV(t *testing.T) {
	sample := "a,c,b\n1,3,2\n1,0,1"
	expected := "a,b,c,d\n1,2,3,\n1,1,0,\n"

	got, err := normalizeCSV(bytes.NewReader([]byte(sample)), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, expected, string(got))
}

func TestHelperAssertGTFSEqual(t *testing.T) {
	dir := testTempdir(t)
	path := filepath.Join(dir, "sample-feed.zip")
	writeTestZip(t, path, sampleFeedFiles)
	assertGTFSEqual(t, path, path)
}

// rowsOf returns the rows of a table as maps from column to value.
func rowsOf(t *testing.T, feed *Feed, table string) []map[string]string {
	t.Helper()
	tbl := feed.Table(table)
	require.NotNil(t, tbl, "table %s", table)
	out := make([]map[string]string, len(tbl.Rows))
	for i, r := range tbl.Rows {
		m := make(map[string]string, len(tbl.Columns))
		for _, c := range tbl.Columns {
			m[c] = tbl.Get(r, c)
		}
		out[i] = m
	}
	return out
}

func columnValues(t *testing.T, feed *Feed, table, column string) []string {
	t.Helper()
	var out []string
	for _, r := range rowsOf(t, feed, table) {
		out = append(out, r[column])
	}
	return out
}

func findRow(t *testing.T, feed *Feed, table, column, value string) map[string]string {
	t.Helper()
	for _, r := range rowsOf(t, feed, table) {
		if r[column] == value {
			return r
		}
	}
	require.Failf(t, "row not found", "%s.%s = %s", table, column, value)
	return nil
}
