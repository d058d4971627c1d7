package gtfsmerge

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrNoCSVData = errors.New("custom field CSV is empty")

// PreserveCustomFields returns a copy of feed where table carries the non-standard columns of csvData.
// CSV rows are matched to table rows by primary key; rows without a match get blank values.
// When the CSV has no non-standard columns the feed is returned unchanged.
func PreserveCustomFields(feed *Feed, table string, csvData string) (*Feed, error) {
	if strings.TrimSpace(csvData) == "" {
		return nil, ErrNoCSVData
	}
	s, ok := lookupSchema(table)
	if !ok || len(s.PrimaryKey) == 0 {
		return nil, fmt.Errorf("%w: %s has no known primary key", ErrInvalidInput, table)
	}
	target := feed.Table(table)
	if target == nil {
		return nil, fmt.Errorf("%w: source feed does not contain table %s.txt", ErrMissingTable, table)
	}

	custom, err := readCSV(table, strings.NewReader(csvData))
	if err != nil {
		return nil, fmt.Errorf("read custom fields: %w", err)
	}
	if custom == nil {
		return nil, ErrNoCSVData
	}
	for _, k := range s.PrimaryKey {
		if !custom.HasColumn(k) {
			return nil, fmt.Errorf("%w: custom field CSV lacks key column %s", ErrInvalidInput, k)
		}
	}

	var customFields []string
	for _, c := range custom.Columns {
		if s.column(c) == nil && !slices.Contains(customFields, c) {
			customFields = append(customFields, c)
		}
	}
	if len(customFields) == 0 {
		return feed, nil
	}

	lookup := make(map[string]Row, len(custom.Rows))
	for _, r := range custom.Rows {
		lookup[customKey(custom, r, s.PrimaryKey)] = r
	}

	columns := slices.Clone(target.Columns)
	for _, c := range customFields {
		if !slices.Contains(columns, c) {
			columns = append(columns, c)
		}
	}
	merged := NewTable(table, columns)
	for _, r := range target.Rows {
		row := projectRow(target, r, merged)
		match, found := lookup[customKey(target, r, s.PrimaryKey)]
		for _, c := range customFields {
			value := ""
			if found {
				value = custom.Get(match, c)
			}
			row[merged.Col(c)] = value
		}
		merged.Append(row)
	}

	out := NewFeed(feed.Name, feed.Meta())
	for _, name := range feed.order {
		if name == table {
			out.AddTable(merged)
		} else {
			out.AddTable(feed.tables[name])
		}
	}
	out.files = feed.files
	return out, nil
}

func customKey(t *Table, row Row, key []string) string {
	parts := make([]string, len(key))
	for i, c := range key {
		parts[i] = t.Get(row, c)
	}
	return strings.Join(parts, "_")
}
