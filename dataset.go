package gtfsmerge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Dataset is a read-only feed version.
type Dataset interface {
	Meta() FeedMeta
	TableNames() ([]string, error)
	// ScanTable calls fn for each row of the table in a stable order. Scanning an absent table is not an error.
	ScanTable(table string, fn func(columns []string, row Row) error) error
	RowCount(table string) (int, error)
	ValidityWindow() (ValidityWindow, error)
}

// FeedMeta describes where a feed version came from.
type FeedMeta struct {
	SourceName     string `yaml:"source_name" validate:"required"`
	Version        int    `yaml:"version" validate:"gte=0"`
	BlockingErrors bool   `yaml:"blocking_errors"`
}

// ScopeToken is the prefix used when this feed's identifiers have to be scoped, e.g. "Fake_Agency2".
func (m FeedMeta) ScopeToken() string {
	return strings.Join(strings.Fields(m.SourceName), "_") + strconv.Itoa(m.Version)
}

func (m FeedMeta) String() string {
	return fmt.Sprintf("%s (version %d)", m.SourceName, m.Version)
}

// Row holds one record, aligned with its table's columns. The empty string is null.
type Row []string

// Table is an in-memory GTFS table.
type Table struct {
	Name    string
	Columns []string
	Rows    []Row

	index map[string]int
}

func NewTable(name string, columns []string) *Table {
	t := &Table{Name: name, Columns: slices.Clone(columns)}
	t.reindex()
	return t
}

func (t *Table) reindex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		if _, dup := t.index[c]; !dup {
			t.index[c] = i
		}
	}
}

// Col returns the position of a column, or -1.
func (t *Table) Col(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	return -1
}

func (t *Table) HasColumn(name string) bool {
	return t.Col(name) != -1
}

// Get returns the value of column in row, or "" when the column or value is missing.
func (t *Table) Get(row Row, column string) string {
	i := t.Col(column)
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func (t *Table) Append(row Row) {
	t.Rows = append(t.Rows, row)
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := NewTable(t.Name, t.Columns)
	out.Rows = make([]Row, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = slices.Clone(r)
	}
	return out
}

// keyOf joins the values of the given columns.
func (t *Table) keyOf(row Row, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = t.Get(row, c)
	}
	return strings.Join(parts, "\x1f")
}

// Feed is an in-memory Dataset. Feeds returned by Merge are never modified afterwards.
type Feed struct {
	Name string

	meta   FeedMeta
	tables map[string]*Table
	order  []string
	files  []otherFile
}

func NewFeed(name string, meta FeedMeta) *Feed {
	return &Feed{Name: name, meta: meta, tables: make(map[string]*Table)}
}

// AddTable adds or replaces a table while the feed is being built.
func (f *Feed) AddTable(t *Table) {
	if _, exists := f.tables[t.Name]; !exists {
		f.order = append(f.order, t.Name)
	}
	f.tables[t.Name] = t
}

// AddFile attaches a non-table file, such as a license, that is written out with the feed.
func (f *Feed) AddFile(name string, contents []byte) {
	f.files = append(f.files, otherFile{Name: name, Contents: contents})
}

func (f *Feed) otherFiles() ([]otherFile, error) {
	return f.files, nil
}

// Table returns the named table or nil.
func (f *Feed) Table(name string) *Table {
	return f.tables[name]
}

func (f *Feed) Meta() FeedMeta {
	return f.meta
}

func (f *Feed) TableNames() ([]string, error) {
	return slices.Clone(f.order), nil
}

func (f *Feed) ScanTable(table string, fn func(columns []string, row Row) error) error {
	t := f.tables[table]
	if t == nil {
		return nil
	}
	for _, r := range t.Rows {
		if err := fn(t.Columns, r); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) RowCount(table string) (int, error) {
	if t := f.tables[table]; t != nil {
		return len(t.Rows), nil
	}
	return 0, nil
}

func (f *Feed) ValidityWindow() (ValidityWindow, error) {
	return windowOf(f.tables["calendar"], f.tables["calendar_dates"])
}

// RowCounts reports rows per table.
func (f *Feed) RowCounts() map[string]int {
	out := make(map[string]int, len(f.tables))
	for name, t := range f.tables {
		out[name] = len(t.Rows)
	}
	return out
}

// LoadFeed copies every table of a dataset into memory.
func LoadFeed(ctx context.Context, ds Dataset) (*Feed, error) {
	if f, ok := ds.(*Feed); ok {
		return f, nil
	}
	names, err := ds.TableNames()
	if err != nil {
		return nil, err
	}
	feed := NewFeed(ds.Meta().SourceName, ds.Meta())
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var t *Table
		err := ds.ScanTable(name, func(columns []string, row Row) error {
			if t == nil {
				t = NewTable(name, columns)
			}
			t.Append(slices.Clone(row))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		if t == nil {
			// Empty tables still carry a header.
			t = NewTable(name, nil)
			if s, ok := lookupSchema(name); ok {
				t = NewTable(name, s.columnNames())
			}
		}
		feed.AddTable(t)
	}
	if src, ok := ds.(fileSource); ok {
		files, err := src.otherFiles()
		if err != nil {
			return nil, err
		}
		feed.files = files
	}
	return feed, nil
}

// fileSource is implemented by datasets that carry non-table files.
type fileSource interface {
	otherFiles() ([]otherFile, error)
}

// ValidityWindow is the first and last service date of a feed.
type ValidityWindow struct {
	Start time.Time
	End   time.Time
}

func (w ValidityWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

func (w ValidityWindow) String() string {
	if w.IsZero() {
		return "empty"
	}
	return formatDate(w.Start) + "-" + formatDate(w.End)
}

var errBadDate = errors.New("invalid date")

const dateLayout = "20060102"

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q", errBadDate, s)
	}
	return t, nil
}

func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func dayBefore(t time.Time) time.Time {
	return t.AddDate(0, 0, -1)
}

func windowOf(calendar, calendarDates *Table) (ValidityWindow, error) {
	var w ValidityWindow
	extend := func(s string) error {
		if s == "" {
			return nil
		}
		d, err := parseDate(s)
		if err != nil {
			return err
		}
		if w.Start.IsZero() || d.Before(w.Start) {
			w.Start = d
		}
		if w.End.IsZero() || d.After(w.End) {
			w.End = d
		}
		return nil
	}
	if calendar != nil {
		for _, r := range calendar.Rows {
			if err := extend(calendar.Get(r, "start_date")); err != nil {
				return w, err
			}
			if err := extend(calendar.Get(r, "end_date")); err != nil {
				return w, err
			}
		}
	}
	if calendarDates != nil {
		for _, r := range calendarDates.Rows {
			if err := extend(calendarDates.Get(r, "date")); err != nil {
				return w, err
			}
		}
	}
	return w, nil
}
