package gtfsmerge

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// requiredColumns are written even when no input declares them.
var requiredColumns = map[string][]string{
	"agency":              {"agency_id"},
	"calendar":            {"service_id", "start_date", "end_date"},
	"calendar_dates":      {"service_id", "date", "exception_type"},
	"calendar_attributes": {"service_id"},
	"trips":               {"route_id", "service_id", "trip_id"},
}

// unionColumns lists the columns of every given table in first-seen order.
func unionColumns(name string, tables ...*Table) []string {
	var out []string
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, c := range t.Columns {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	for _, c := range requiredColumns[name] {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// projectRow copies row from src's column layout into dst's.
func projectRow(src *Table, row Row, dst *Table) Row {
	out := make(Row, len(dst.Columns))
	for i, c := range dst.Columns {
		out[i] = src.Get(row, c)
	}
	return out
}

type tableMerger struct {
	mode  MergeMode
	scope *ScopeMap
	feeds []*Feed
	// plan is set for service period merges.
	plan *servicePlan
	// future is the index of the future feed in a service period merge.
	future int
	// dropped holds, per feed, trips whose rows are not carried over.
	dropped []map[string]bool
	// gone holds, per feed, dropped trips missing from the output. Rows of any table referring to them are skipped.
	gone []map[string]bool

	mu    sync.Mutex
	notes []string
}

func (m *tableMerger) note(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes = append(m.notes, fmt.Sprintf(format, args...))
}

// tableNames lists the output tables: catalog tables in catalog order, then unknown tables as first seen.
func (m *tableMerger) tableNames() []string {
	present := make(map[string]bool)
	var unknown []string
	for _, f := range m.feeds {
		for _, name := range f.order {
			if !present[name] {
				present[name] = true
				if _, ok := lookupSchema(name); !ok {
					unknown = append(unknown, name)
				}
			}
		}
	}
	var out []string
	for _, s := range catalog {
		if present[s.Name] {
			out = append(out, s.Name)
		}
	}
	return append(out, unknown...)
}

func (m *tableMerger) inputs(name string) []*Table {
	out := make([]*Table, len(m.feeds))
	for i, f := range m.feeds {
		out[i] = f.Table(name)
	}
	return out
}

// merge produces every output table. Trip tables and independent tables are merged concurrently.
func (m *tableMerger) merge(ctx context.Context) ([]*Table, error) {
	names := m.tableNames()
	results := make([]*Table, len(names))

	var tripPipeline []int
	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		if s, ok := lookupSchema(name); ok && (s.Family == familyTrips || s.Family == familyTripDependent) {
			tripPipeline = append(tripPipeline, i)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := m.mergeTable(name)
			if err != nil {
				return fmt.Errorf("merge %s: %w", name, err)
			}
			results[i] = t
			return nil
		})
	}
	g.Go(func() error {
		for _, i := range tripPipeline {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := m.mergeTable(names[i])
			if err != nil {
				return fmt.Errorf("merge %s: %w", names[i], err)
			}
			results[i] = t
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := results[:0]
	for _, t := range results {
		if t != nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *tableMerger) mergeTable(name string) (*Table, error) {
	s, known := lookupSchema(name)
	if !known {
		return m.concat(name, nil), nil
	}
	switch s.Family {
	case familyTrips:
		return m.mergeTrips(s), nil
	case familyTripDependent:
		return m.concat(name, s), nil
	case familyCalendar, familyCalendarDates, familyCalendarShadow:
		if m.plan != nil {
			switch name {
			case "calendar":
				return m.plan.Calendar, nil
			case "calendar_dates":
				return m.plan.CalendarDates, nil
			default:
				return m.plan.CalendarAttributes, nil
			}
		}
		return m.concat(name, s), nil
	case familySingleton:
		return m.mergeSingleton(name)
	default:
		return m.concat(name, s), nil
	}
}

// concat appends the rewritten rows of every input. Rows of dropped trips are skipped.
func (m *tableMerger) concat(name string, s *tableSchema) *Table {
	inputs := m.inputs(name)
	out := NewTable(name, unionColumns(name, inputs...))
	d := newDeduper(m, out, s)
	for ds, t := range inputs {
		if t == nil {
			continue
		}
		for _, row := range t.Rows {
			if s != nil && s.Owner == scopeTrip && m.dropped[ds][t.Get(row, "trip_id")] {
				continue
			}
			if s != nil && m.refersToGone(ds, t, s, row) {
				continue
			}
			d.add(projectRow(t, m.scope.rewriteRow(ds, t, row), out))
		}
	}
	return out
}

func (m *tableMerger) refersToGone(ds int, t *Table, s *tableSchema, row Row) bool {
	if ds >= len(m.gone) || len(m.gone[ds]) == 0 {
		return false
	}
	for _, c := range t.Columns {
		if s.scopeOf(c) == scopeTrip && m.gone[ds][t.Get(row, c)] {
			return true
		}
	}
	return false
}

func (m *tableMerger) mergeTrips(s *tableSchema) *Table {
	inputs := m.inputs(s.Name)
	out := NewTable(s.Name, unionColumns(s.Name, inputs...))
	d := newDeduper(m, out, s)
	serviceCol := out.Col("service_id")
	for ds, t := range inputs {
		if t == nil {
			continue
		}
		for _, row := range t.Rows {
			tripID := t.Get(row, "trip_id")
			if m.dropped[ds][tripID] {
				continue
			}
			r := projectRow(t, m.scope.rewriteRow(ds, t, row), out)
			if m.plan != nil && ds == m.future {
				if svc, ok := m.plan.tripService[tripID]; ok {
					r[serviceCol] = svc
				}
			}
			d.add(r)
		}
	}
	return out
}

// mergeSingleton keeps one feed_info row, widened to cover every input.
func (m *tableMerger) mergeSingleton(name string) (*Table, error) {
	inputs := m.inputs(name)
	out := NewTable(name, unionColumns(name, inputs...))
	base := 0
	if m.plan != nil {
		base = m.future
	}
	order := append([]int{base}, slices.DeleteFunc(seq(len(inputs)), func(i int) bool { return i == base })...)

	var row Row
	var start, end string
	for _, ds := range order {
		t := inputs[ds]
		if t == nil || len(t.Rows) == 0 {
			continue
		}
		if row == nil {
			row = projectRow(t, t.Rows[0], out)
		}
		for _, r := range t.Rows {
			if v := t.Get(r, "feed_start_date"); v != "" && (start == "" || v < start) {
				start = v
			}
			if v := t.Get(r, "feed_end_date"); v != "" && (end == "" || v > end) {
				end = v
			}
		}
	}
	if row == nil {
		return out, nil
	}
	if c := out.Col("feed_start_date"); c >= 0 && start != "" {
		if _, err := parseDate(start); err != nil {
			return nil, err
		}
		row[c] = start
	}
	if c := out.Col("feed_end_date"); c >= 0 && end != "" {
		if _, err := parseDate(end); err != nil {
			return nil, err
		}
		row[c] = end
	}
	out.Append(row)
	return out, nil
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// deduper collapses rows sharing a primary key in service period merges.
//
// Regional merges keep every row: all per-feed identifiers after the first feed are scoped, so keys can't collide.
// In service period merges identical rows collapse to one and a differing row for the same key replaces the earlier one.
type deduper struct {
	m     *tableMerger
	t     *Table
	key   []string
	seen  map[string]int
	exact bool
}

func newDeduper(m *tableMerger, t *Table, s *tableSchema) *deduper {
	d := &deduper{m: m, t: t, seen: make(map[string]int)}
	switch {
	case m.mode == Regional:
	case s == nil, len(s.PrimaryKey) == 0:
		d.key, d.exact = t.Columns, true
	default:
		d.key = s.PrimaryKey
	}
	return d
}

func (d *deduper) add(row Row) {
	if d.key == nil {
		d.t.Append(row)
		return
	}
	k := d.t.keyOf(row, d.key)
	i, dup := d.seen[k]
	if !dup {
		d.seen[k] = len(d.t.Rows)
		d.t.Append(row)
		return
	}
	if d.exact || slices.Equal(d.t.Rows[i], row) {
		return
	}
	d.t.Rows[i] = row
	d.m.note("%s row %s superseded by the future feed", d.t.Name, displayKey(d.key, k))
}

func displayKey(columns []string, k string) string {
	return fmt.Sprintf("(%s)=(%s)", strings.Join(columns, ","), strings.ReplaceAll(k, "\x1f", ","))
}
