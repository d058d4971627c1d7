package gtfsmerge

import (
	"slices"
	"strconv"
	"strings"
)

const defaultSeparator = ":"

type scopeKey struct {
	dataset int
	kind    scopeKind
	id      string
}

// ScopeMap maps (dataset, identifier kind, original id) to the id written to the merged feed.
type ScopeMap struct {
	sep    string
	tokens []string
	// scopeAll marks datasets whose every identifier is scoped (regional merges).
	scopeAll []bool
	scoped   map[scopeKey]bool
	renamed  map[scopeKey]string
}

func newScopeMap(metas []FeedMeta, sep string) *ScopeMap {
	if sep == "" {
		sep = defaultSeparator
	}
	m := &ScopeMap{
		sep:      sep,
		tokens:   make([]string, len(metas)),
		scopeAll: make([]bool, len(metas)),
		scoped:   make(map[scopeKey]bool),
		renamed:  make(map[scopeKey]string),
	}
	for i, meta := range metas {
		m.tokens[i] = meta.ScopeToken()
	}
	return m
}

// Resolve returns the final id. Resolving an already resolved id returns it unchanged.
func (m *ScopeMap) Resolve(dataset int, kind scopeKind, id string) string {
	if id == "" {
		return ""
	}
	k := scopeKey{dataset, kind, id}
	if r, ok := m.renamed[k]; ok {
		return r
	}
	if m.scopeAll[dataset] || m.scoped[k] {
		return m.scope(dataset, id)
	}
	return id
}

// Scoped reports whether id is rewritten for dataset.
func (m *ScopeMap) Scoped(dataset int, kind scopeKind, id string) bool {
	return m.Resolve(dataset, kind, id) != id
}

func (m *ScopeMap) prefix(dataset int) string {
	return m.tokens[dataset] + m.sep
}

func (m *ScopeMap) scope(dataset int, id string) string {
	p := m.prefix(dataset)
	if strings.HasPrefix(id, p) {
		return id
	}
	return p + id
}

func (m *ScopeMap) rename(dataset int, kind scopeKind, id, to string) {
	m.renamed[scopeKey{dataset, kind, id}] = to
}

// rewriteRow returns a copy of row with every scoped column of table resolved for dataset.
func (m *ScopeMap) rewriteRow(dataset int, t *Table, row Row) Row {
	out := slices.Clone(row)
	s, ok := lookupSchema(t.Name)
	if !ok {
		return out
	}
	for i, c := range t.Columns {
		if i >= len(out) {
			break
		}
		if kind := s.scopeOf(c); kind != scopeNone {
			out[i] = m.Resolve(dataset, kind, out[i])
		}
	}
	return out
}

// normalizeAgencies fills blank agency ids and attaches agency-less routes to the feed's first agency.
// The returned feed shares untouched tables with the input.
func normalizeAgencies(feed *Feed, token, sep string) *Feed {
	agency := feed.Table("agency")
	if agency == nil {
		return feed
	}

	out := NewFeed(feed.Name, feed.Meta())
	for _, name := range feed.order {
		out.AddTable(feed.tables[name])
	}

	agency = agency.Clone()
	if !agency.HasColumn("agency_id") {
		agency.Columns = append([]string{"agency_id"}, agency.Columns...)
		agency.reindex()
		for i, r := range agency.Rows {
			agency.Rows[i] = append(Row{""}, r...)
		}
	}
	idCol := agency.Col("agency_id")
	var first string
	n := 0
	for _, r := range agency.Rows {
		if idCol >= len(r) {
			continue
		}
		if strings.TrimSpace(r[idCol]) == "" {
			n++
			r[idCol] = token + sep + "agency" + strconv.Itoa(n)
		}
		if first == "" {
			first = r[idCol]
		}
	}
	out.AddTable(agency)

	if routes := feed.Table("routes"); routes != nil && first != "" {
		routes = routes.Clone()
		if !routes.HasColumn("agency_id") {
			routes.Columns = append(routes.Columns, "agency_id")
			routes.reindex()
			for i := range routes.Rows {
				routes.Rows[i] = append(routes.Rows[i], "")
			}
		}
		c := routes.Col("agency_id")
		for _, r := range routes.Rows {
			if c < len(r) && strings.TrimSpace(r[c]) == "" {
				r[c] = first
			}
		}
		out.AddTable(routes)
	}
	return out
}

// primaryIDs collects the values of a table's identifying column.
func primaryIDs(t *Table, column string) map[string]bool {
	out := make(map[string]bool)
	if t == nil {
		return out
	}
	c := t.Col(column)
	if c < 0 {
		return out
	}
	for _, r := range t.Rows {
		if c < len(r) && r[c] != "" {
			out[r[c]] = true
		}
	}
	return out
}

// serviceIDs collects the service ids defined by calendar and calendar_dates.
func serviceIDs(feed *Feed) map[string]bool {
	out := primaryIDs(feed.Table("calendar"), "service_id")
	for id := range primaryIDs(feed.Table("calendar_dates"), "service_id") {
		out[id] = true
	}
	return out
}

// entityRows groups a table's rows by the value of column, preserving row order.
func entityRows(t *Table, column string) map[string][]Row {
	out := make(map[string][]Row)
	if t == nil {
		return out
	}
	for _, r := range t.Rows {
		id := t.Get(r, column)
		if id != "" {
			out[id] = append(out[id], r)
		}
	}
	return out
}

// sameEntity compares the rows two tables hold for one identifier, column by column.
func sameEntity(ta *Table, ra []Row, tb *Table, rb []Row, ignore ...string) bool {
	if len(ra) != len(rb) {
		return false
	}
	cols := slices.Clone(ta.Columns)
	for _, c := range tb.Columns {
		if !slices.Contains(cols, c) {
			cols = append(cols, c)
		}
	}
	cols = slices.DeleteFunc(cols, func(c string) bool { return slices.Contains(ignore, c) })
	for i := range ra {
		for _, c := range cols {
			if ta.Get(ra[i], c) != tb.Get(rb[i], c) {
				return false
			}
		}
	}
	return true
}

// scopeCollisions builds the service period ScopeMap entries for agencies, routes, stops and shapes.
// Colliding ids naming the same entity are unified; the rest are scoped on the active side.
func scopeCollisions(m *ScopeMap, active, future *Feed, activeIdx int) (unified map[scopeKind][]string) {
	unified = make(map[scopeKind][]string)
	for _, kind := range []scopeKind{scopeAgency, scopeRoute, scopeStop, scopeShape} {
		table := primaryTable[kind]
		ta, tf := active.Table(table), future.Table(table)
		if ta == nil || tf == nil {
			continue
		}
		column := kind.String()
		rowsA, rowsF := entityRows(ta, column), entityRows(tf, column)
		ids := make([]string, 0, len(rowsA))
		for id := range rowsA {
			if _, ok := rowsF[id]; ok {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			if sameEntity(ta, rowsA[id], tf, rowsF[id]) {
				unified[kind] = append(unified[kind], id)
				continue
			}
			m.scoped[scopeKey{activeIdx, kind, id}] = true
		}
	}
	return unified
}
