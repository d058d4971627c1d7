package gtfsmerge

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJob(t *testing.T) {
	job, err := ParseJob([]byte(`
id: 0b6f7d2e-8f3a-4c55-9a4e-2f1d3c4b5a69
kind: service_period_merge
service_period:
  inputs: [current.db, next.db]
  output: fake-agency
`))
	require.NoError(t, err)
	assert.Equal(t, "0b6f7d2e-8f3a-4c55-9a4e-2f1d3c4b5a69", job.ID)
	assert.Equal(t, JobServicePeriodMerge, job.Kind)
	require.NotNil(t, job.ServicePeriod)
	assert.Equal(t, []string{"current.db", "next.db"}, job.ServicePeriod.Inputs)
	assert.Equal(t, "fake-agency", job.ServicePeriod.Output)
}

func TestParseJobAssignsID(t *testing.T) {
	job, err := ParseJob([]byte("kind: clip\nclip: {input: a.db, feature_file: area.json, output: a_area}\n"))
	require.NoError(t, err)
	_, err = uuid.Parse(job.ID)
	assert.NoError(t, err)
}

func TestParseJobInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{name: "unknown kind", yaml: "kind: shuffle\n"},
		{name: "bad id", yaml: "id: job-1\nkind: regional_merge\nregional: {inputs: [a.db], output: m}\n"},
		{name: "missing block", yaml: "kind: regional_merge\nservice_period: {inputs: [a.db, b.db], output: m}\n"},
		{name: "missing output", yaml: "kind: regional_merge\nregional: {inputs: [a.db]}\n"},
		{
			name: "two blocks",
			yaml: "kind: regional_merge\nregional: {inputs: [a.db], output: m}\nclip: {input: a.db, feature_file: f.json, output: c}\n",
			want: ErrJobParams,
		},
		{
			name: "three feeds for a service period merge",
			yaml: "kind: service_period_merge\nservice_period: {inputs: [a.db, b.db, c.db], output: m}\n",
			want: ErrInputCount,
		},
		{name: "not yaml", yaml: "kind: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob([]byte(tt.yaml))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestLoadJob(t *testing.T) {
	dir := testTempdir(t)
	path := filepath.Join(dir, "job.yml")
	require.NoError(t, os.WriteFile(path, []byte("kind: regional_merge\nregional: {inputs: [a.db, b.db], output: bay}\n"), 0o644))

	job, err := LoadJob(path)
	require.NoError(t, err)
	assert.Equal(t, JobRegionalMerge, job.Kind)

	_, err = LoadJob(filepath.Join(dir, "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type captureReporter struct {
	results []JobResult
}

func (r *captureReporter) Report(res JobResult) {
	r.results = append(r.results, res)
}

// writeTestDB stores an in-memory feed as a feed database.
func writeTestDB(t *testing.T, path string, feed *Feed) string {
	t.Helper()
	require.NoError(t, writeFeedDB(path, feed))
	return path
}

func TestRunRegionalMergeJob(t *testing.T) {
	dir := testTempdir(t)
	a := writeTestDB(t, filepath.Join(dir, "a.db"), testFeed(t, "Agency A", 1, regionalA))
	c := writeTestDB(t, filepath.Join(dir, "c.db"), testFeed(t, "Agency C", 3, regionalC))

	reporter := &captureReporter{}
	sink := DBSink{Dir: filepath.Join(dir, "out")}
	job := Job{ID: uuid.NewString(), Kind: JobRegionalMerge, Regional: &MergeJob{Inputs: []string{a, c}, Output: "bay"}}

	res := RunJob(context.Background(), job, JobDeps{Sink: sink, Reporter: reporter})

	require.False(t, res.Failed, res.FailureReasons)
	assert.Equal(t, job.ID, res.JobID)
	assert.Equal(t, "bay", res.Output)
	require.NotNil(t, res.Merge)
	assert.Equal(t, 2, res.Merge.RowCounts["trips"])
	assert.FileExists(t, sink.Path("bay"))

	require.Len(t, reporter.results, 1)
	assert.Equal(t, job.ID, reporter.results[0].JobID)
}

func TestRunServicePeriodJobConflict(t *testing.T) {
	dir := testTempdir(t)
	active := writeTestDB(t, filepath.Join(dir, "v1.db"), testFeed(t, "Fake Agency", 1, fakeFeedFiles(
		tripsTxt("t1/s1"), stopTimesTxt("t1"), "s1,1,1,1,1,1,0,0,20170801,20170930\n")))
	future := writeTestDB(t, filepath.Join(dir, "v2.db"), testFeed(t, "Fake Agency", 2, fakeFeedFiles(
		tripsTxt("t1/s1"),
		strings.Replace(stopTimesTxt("t1"), "t1,07:20:00,07:20:00,C", "t1,07:20:00,07:20:00,A", 1),
		"s1,1,1,1,1,1,0,0,20170920,20171231\n")))

	reporter := &captureReporter{}
	sink := DBSink{Dir: filepath.Join(dir, "out")}
	job := Job{Kind: JobServicePeriodMerge, ServicePeriod: &MergeJob{Inputs: []string{active, future}, Output: "fake"}}

	res := RunJob(context.Background(), job, JobDeps{Sink: sink, Reporter: reporter})

	assert.True(t, res.Failed)
	require.Len(t, res.FailureReasons, 1)
	assert.Contains(t, res.FailureReasons[0], "trip t1 has different stop times")
	assert.Empty(t, res.Output)
	assert.NoFileExists(t, sink.Path("fake"))
	require.Len(t, reporter.results, 1)
	assert.True(t, reporter.results[0].Failed)
}

func TestRunJobMissingInput(t *testing.T) {
	dir := testTempdir(t)
	job := Job{Kind: JobRegionalMerge, Regional: &MergeJob{Inputs: []string{filepath.Join(dir, "nope.db")}, Output: "m"}}

	res := RunJob(context.Background(), job, JobDeps{Sink: DBSink{Dir: dir}})
	assert.True(t, res.Failed)
	assert.Nil(t, res.Merge)
}

func TestRunJobRejectsInvalidJob(t *testing.T) {
	reporter := &captureReporter{}
	res := RunJob(context.Background(), Job{Kind: JobClip}, JobDeps{Reporter: reporter})
	assert.True(t, res.Failed)
	require.Len(t, reporter.results, 1)
}

func TestRunPreserveFieldsJob(t *testing.T) {
	dir := testTempdir(t)
	input := writeTestDB(t, filepath.Join(dir, "demo.db"), testFeed(t, "Demo", 1, sampleFeedFiles))
	csvPath := filepath.Join(dir, "routes_extra.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("route_id,brand\nAB,Airport Express\n"), 0o644))

	sink := DBSink{Dir: filepath.Join(dir, "out")}
	res := RunJob(context.Background(), Job{
		Kind:           JobPreserveCustomFields,
		PreserveFields: &PreserveFieldsJob{Input: input, Table: "routes", CSVFile: csvPath, Output: "demo-branded"},
	}, JobDeps{Sink: sink})
	require.False(t, res.Failed, res.FailureReasons)

	db, err := OpenFeedDB(sink.Path("demo-branded"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	feed, err := LoadFeed(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, "Airport Express", findRow(t, feed, "routes", "route_id", "AB")["brand"])
	assert.Equal(t, "", findRow(t, feed, "routes", "route_id", "CITY")["brand"])
	assert.Equal(t, FeedMeta{SourceName: "Demo", Version: 1}, feed.Meta())
}

func TestRunClipJob(t *testing.T) {
	dir := testTempdir(t)
	input := writeTestDB(t, filepath.Join(dir, "demo.db"), testFeed(t, "Demo", 1, sampleFeedFiles))
	featurePath := filepath.Join(dir, "bullfrog.json")
	require.NoError(t, os.WriteFile(featurePath, []byte(bullfrogFeature), 0o644))

	sink := ZipSink{Dir: filepath.Join(dir, "out")}
	res := RunJob(context.Background(), Job{
		Kind: JobClip,
		Clip: &ClipJob{Input: input, FeatureFile: featurePath, Output: "demo_bullfrog"},
	}, JobDeps{Sink: sink})
	require.False(t, res.Failed, res.FailureReasons)

	clipped, err := ReadZip(sink.Path("demo_bullfrog"), FeedMeta{SourceName: "clipped"}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AB1", "AB2"}, columnValues(t, clipped, "trips", "trip_id"))
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	r := LogReporter{Logger: logger.New(zerolog.InfoLevel, &buf)}

	r.Report(JobResult{JobID: "j1", Kind: JobClip, Output: "out"})
	r.Report(JobResult{JobID: "j2", Kind: JobRegionalMerge, Failed: true, FailureReasons: []string{"boom"}})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"Job done"`)
	assert.Contains(t, lines[0], `"job":"j1"`)
	assert.Contains(t, lines[1], `"level":"error"`)
	assert.Contains(t, lines[1], `"boom"`)
}
