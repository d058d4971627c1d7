package gtfsmerge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"github.com/tidwall/geojson"
	"github.com/tidwall/geojson/geometry"
)

// Clip returns a copy of feed keeping only trips that call at a stop inside the GeoJSON feature,
// along with everything those trips reference.
func Clip(ctx context.Context, feed *Feed, clipFeature string, log logger.Logger) (*Feed, error) {
	if log == nil {
		log = logger.Nop()
	}
	feature, err := geojson.Parse(clipFeature, &geojson.ParseOptions{RequireValid: true})
	if err != nil {
		return nil, fmt.Errorf("parse clip feature: %w", err)
	}

	log.Info(fmt.Sprintf("Clipping %s (clipFeature has %d points)", feed.Name, feature.NumPoints()))

	out := NewFeed(feed.Name, feed.Meta())
	for _, name := range feed.order {
		out.AddTable(feed.tables[name].Clone())
	}
	out.files = feed.files

	inside := make(map[string]bool)
	stops := out.Table("stops")
	if stops != nil {
		for _, r := range stops.Rows {
			stopID := stops.Get(r, "stop_id")
			lng, err := strconv.ParseFloat(stops.Get(r, "stop_lon"), 64)
			if err != nil {
				log.Warn("Failed to parse stop_lon", "stop_id", stopID)
				continue
			}
			lat, err := strconv.ParseFloat(stops.Get(r, "stop_lat"), 64)
			if err != nil {
				log.Warn("Failed to parse stop_lat", "stop_id", stopID)
				continue
			}
			if feature.Contains(geojson.NewPoint(geometry.Point{X: lng, Y: lat})) {
				inside[stopID] = true
			}
		}
		log.Info(fmt.Sprintf("%d of %d stops are inside", len(inside), len(stops.Rows)))
	}

	keptTrips := make(map[string]bool)
	if st := out.Table("stop_times"); st != nil {
		for _, r := range st.Rows {
			if inside[st.Get(r, "stop_id")] {
				keptTrips[st.Get(r, "trip_id")] = true
			}
		}
	}
	keepByColumn(out.Table("trips"), "trip_id", keptTrips)
	dropDangling(out)

	// Stops used by the remaining stop times, and their stations.
	usedStops := valuesOf(out.Table("stop_times"), "stop_id")
	if stops != nil {
		parents := make(map[string]string)
		for _, r := range stops.Rows {
			parents[stops.Get(r, "stop_id")] = stops.Get(r, "parent_station")
		}
		for id := range usedStops {
			for p := parents[id]; p != "" && !usedStops[p]; p = parents[p] {
				usedStops[p] = true
			}
		}
		keepByColumn(stops, "stop_id", usedStops)
	}

	trips := out.Table("trips")
	keepByColumn(out.Table("routes"), "route_id", valuesOf(trips, "route_id"))
	keepByColumn(out.Table("shapes"), "shape_id", valuesOf(trips, "shape_id"))
	services := valuesOf(trips, "service_id")
	for _, name := range []string{"calendar", "calendar_dates", "calendar_attributes"} {
		keepByColumn(out.Table(name), "service_id", services)
	}
	if routes := out.Table("routes"); routes != nil && routes.HasColumn("agency_id") {
		agencies := valuesOf(routes, "agency_id")
		if !hasBlank(routes, "agency_id") {
			keepByColumn(out.Table("agency"), "agency_id", agencies)
		}
	}
	dropDangling(out)

	if sa := out.Table("stop_areas"); sa != nil {
		keepByColumn(out.Table("areas"), "area_id", valuesOf(sa, "area_id"))
	}
	if fr := out.Table("fare_rules"); fr != nil {
		keepByColumn(out.Table("fare_attributes"), "fare_id", valuesOf(fr, "fare_id"))
	}
	dropDangling(out)

	findings, err := Validate(ctx, out)
	if err != nil {
		return nil, err
	}
	if hasFatal(findings) {
		for _, f := range findings {
			if f.Type.Fatal() {
				log.Error(f.Message, "type", string(f.Type))
			}
		}
		return nil, ErrInvalidInput
	}

	for _, name := range out.order {
		log.Debug("Clipped table", "table", name, "before", len(feed.tables[name].Rows), "after", len(out.tables[name].Rows))
	}
	return out, nil
}

// ClipFile writes a clipped copy of the feed database at inputPath to outputPath.
func ClipFile(ctx context.Context, inputPath, outputPath, clipFeature string, log logger.Logger) error {
	if log == nil {
		log = logger.Nop()
	}
	db, err := OpenFeedDB(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	feed, err := LoadFeed(ctx, db)
	if err != nil {
		return err
	}
	clipped, err := Clip(ctx, feed, clipFeature, log)
	if err != nil {
		return err
	}
	if err := publishFile(outputPath, func(tmp string) error { return writeFeedDB(tmp, clipped) }); err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

func keepByColumn(t *Table, column string, keep map[string]bool) {
	if t == nil || !t.HasColumn(column) {
		return
	}
	kept := t.Rows[:0]
	for _, r := range t.Rows {
		if keep[t.Get(r, column)] {
			kept = append(kept, r)
		}
	}
	t.Rows = kept
}

func valuesOf(t *Table, column string) map[string]bool {
	return primaryIDs(t, column)
}

func hasBlank(t *Table, column string) bool {
	for _, r := range t.Rows {
		if t.Get(r, column) == "" {
			return true
		}
	}
	return false
}

// dropDangling removes rows whose references no longer resolve, following the catalog's foreign keys.
func dropDangling(feed *Feed) {
	for {
		targets := newTargetIndex(feed)
		removed := 0
		for _, name := range feed.order {
			s, ok := lookupSchema(name)
			if !ok {
				continue
			}
			t := feed.tables[name]
			kept := t.Rows[:0]
			for _, r := range t.Rows {
				if resolves(t, s, r, targets) {
					kept = append(kept, r)
				} else {
					removed++
				}
			}
			t.Rows = kept
		}
		if removed == 0 {
			return
		}
	}
}

func resolves(t *Table, s *tableSchema, row Row, targets targetIndex) bool {
	for _, c := range s.Columns {
		if c.ForeignID == nil {
			continue
		}
		value := t.Get(row, c.Name)
		if value == "" {
			continue
		}
		found := false
		for _, o := range expandForeignID(*c.ForeignID) {
			if targets[o.Table+"."+o.Column][value] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
