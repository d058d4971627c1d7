package gtfsmerge

import (
	"context"
	"testing"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findingsOf(findings []Finding, typ FindingType) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func TestValidateSampleFeed(t *testing.T) {
	findings, err := Validate(context.Background(), testFeed(t, "Demo", 1, sampleFeedFiles))
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestValidateFindings(t *testing.T) {
	feed := testFeed(t, "Demo", 1, withFiles(sampleFeedFiles, map[string]string{
		"stops.txt": sampleFeedFiles["stops.txt"] + "AMV,Amargosa Valley again,,36.641496,-116.40094,,\n",
		"trips.txt": sampleFeedFiles["trips.txt"] + "NOPE,FULLW,X1,,,,\n",
		"calendar.txt": sampleFeedFiles["calendar.txt"] +
			"HOLIDAY,0,0,0,0,0,0,0,20070101,20101231\n",
		"calendar_dates.txt": sampleFeedFiles["calendar_dates.txt"] + "FULLW,20070704\n",
	}))

	findings, err := Validate(context.Background(), feed)
	require.NoError(t, err)

	dups := findingsOf(findings, FindingDuplicateID)
	require.Len(t, dups, 1)
	assert.Equal(t, "stops", dups[0].Table)
	assert.Equal(t, "AMV", dups[0].Key)

	refs := findingsOf(findings, FindingReferentialIntegrity)
	require.Len(t, refs, 1)
	assert.Equal(t, "trips", refs[0].Table)
	assert.Equal(t, "NOPE", refs[0].Key)
	assert.Contains(t, refs[0].Message, "trip_id: X1")

	unused := findingsOf(findings, FindingServiceUnused)
	require.Len(t, unused, 1)
	assert.Equal(t, "HOLIDAY", unused[0].Key)
	assert.False(t, unused[0].Type.Fatal())

	ragged := findingsOf(findings, FindingWrongNumberOfFields)
	require.Len(t, ragged, 1)
	assert.Equal(t, "calendar_dates", ragged[0].Table)

	assert.True(t, hasFatal(findings))
	assert.False(t, hasFatal(append(unused, ragged...)))
}

func TestValidateServiceFromCalendarDatesOnly(t *testing.T) {
	feed := testFeed(t, "Demo", 1, withFiles(sampleFeedFiles, map[string]string{
		"trips.txt":          sampleFeedFiles["trips.txt"] + "CITY,EXTRA,CITY9,,,,\n",
		"calendar_dates.txt": sampleFeedFiles["calendar_dates.txt"] + "EXTRA,20070704,1\n",
	}))

	findings, err := Validate(context.Background(), feed)
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestValidateImportForceDeletesDanglingRows(t *testing.T) {
	feed := testFeed(t, "Demo", 1, withFiles(sampleFeedFiles, map[string]string{"trips.txt": invalidTripsTxt}))

	issues, blocking, err := validateImport(context.Background(), feed, validateOpts{force: true, log: logger.Nop()})
	require.NoError(t, err)
	assert.False(t, blocking)
	require.Len(t, issues, 1)
	assert.Equal(t, 4, len(feed.Table("trips").Rows))
	assert.Equal(t, 8, len(feed.Table("stop_times").Rows))
}

func TestValidateImportWithoutForce(t *testing.T) {
	feed := testFeed(t, "Demo", 1, withFiles(sampleFeedFiles, map[string]string{"trips.txt": invalidTripsTxt}))

	_, blocking, err := validateImport(context.Background(), feed, validateOpts{log: logger.Nop()})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, blocking)

	_, blocking, err = validateImport(context.Background(), feed, validateOpts{ignore: true, log: logger.Nop()})
	assert.NoError(t, err)
	assert.True(t, blocking)
	assert.Equal(t, 5, len(feed.Table("trips").Rows))
}
