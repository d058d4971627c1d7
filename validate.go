package gtfsmerge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidInput = errors.New("invalid input")

type FindingType string

const (
	FindingDuplicateID          FindingType = "DUPLICATE_ID"
	FindingReferentialIntegrity FindingType = "REFERENTIAL_INTEGRITY"
	FindingServiceUnused        FindingType = "SERVICE_UNUSED"
	FindingWrongNumberOfFields  FindingType = "WRONG_NUMBER_OF_FIELDS"
)

// Fatal reports whether findings of this type block a merge or mark a feed as having blocking errors.
func (t FindingType) Fatal() bool {
	return t == FindingDuplicateID || t == FindingReferentialIntegrity
}

// Finding is one structural problem in a feed.
type Finding struct {
	Type    FindingType
	Table   string
	Key     string
	Message string

	row int
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

func hasFatal(findings []Finding) bool {
	return slices.ContainsFunc(findings, func(f Finding) bool { return f.Type.Fatal() })
}

// Validate checks a feed for duplicate keys, dangling references, unused services and ragged rows.
// Tables are checked concurrently; findings are returned in table order.
func Validate(ctx context.Context, feed *Feed) ([]Finding, error) {
	names, _ := feed.TableNames()
	perTable := make([][]Finding, len(names))

	targets := newTargetIndex(feed)

	g, ctx := errgroup.WithContext(ctx)
	for i, name := range names {
		t := feed.Table(name)
		s, ok := lookupSchema(name)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var out []Finding
			out = append(out, checkFieldCounts(t)...)
			if ok {
				out = append(out, checkDuplicates(t, s)...)
				out = append(out, checkReferences(t, s, targets)...)
			}
			perTable[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, f := range perTable {
		findings = append(findings, f...)
	}
	return append(findings, checkUnusedServices(feed)...), nil
}

// targetIndex holds the values referenced columns can resolve to. It is built before checks start and only read afterwards.
type targetIndex map[string]map[string]bool

func newTargetIndex(feed *Feed) targetIndex {
	idx := make(targetIndex)
	for _, s := range catalog {
		for _, c := range s.Columns {
			if c.ForeignID == nil {
				continue
			}
			for _, target := range expandForeignID(*c.ForeignID) {
				k := target.Table + "." + target.Column
				if _, done := idx[k]; !done {
					idx[k] = primaryIDs(feed.Table(target.Table), target.Column)
				}
			}
		}
	}
	return idx
}

func expandForeignID(schema foreignIDSchema) []foreignIDSchema {
	if len(schema.AnyOf) > 0 {
		return schema.AnyOf
	}
	return []foreignIDSchema{{Table: schema.Table, Column: schema.Column}}
}

func checkFieldCounts(t *Table) []Finding {
	var out []Finding
	for i, r := range t.Rows {
		if len(r) != len(t.Columns) {
			out = append(out, Finding{
				Type:    FindingWrongNumberOfFields,
				Table:   t.Name,
				Message: fmt.Sprintf("row %d of %s.txt has %d fields, expected %d", i+1, t.Name, len(r), len(t.Columns)),
				row:     i,
			})
		}
	}
	return out
}

func checkDuplicates(t *Table, s *tableSchema) []Finding {
	if len(s.PrimaryKey) == 0 {
		return nil
	}
	var present []string
	for _, c := range s.PrimaryKey {
		if t.HasColumn(c) {
			present = append(present, c)
		}
	}
	if len(present) == 0 {
		return nil
	}

	var out []Finding
	seen := make(map[string]bool, len(t.Rows))
	for i, r := range t.Rows {
		k := t.keyOf(r, present)
		if strings.Trim(k, "\x1f") == "" {
			continue
		}
		if seen[k] {
			out = append(out, Finding{
				Type:    FindingDuplicateID,
				Table:   t.Name,
				Key:     strings.ReplaceAll(k, "\x1f", ","),
				Message: fmt.Sprintf("duplicate %s in %s.txt [%s]", strings.Join(present, ","), t.Name, prettyPrintRow(t, r)),
				row:     i,
			})
			continue
		}
		seen[k] = true
	}
	return out
}

func checkReferences(t *Table, s *tableSchema, targets targetIndex) []Finding {
	var out []Finding
	for _, c := range s.Columns {
		if c.ForeignID == nil || !t.HasColumn(c.Name) {
			continue
		}
		options := expandForeignID(*c.ForeignID)
		for i, r := range t.Rows {
			value := t.Get(r, c.Name)
			if value == "" {
				continue
			}
			found := slices.ContainsFunc(options, func(o foreignIDSchema) bool {
				return targets[o.Table+"."+o.Column][value]
			})
			if !found {
				out = append(out, Finding{
					Type:    FindingReferentialIntegrity,
					Table:   t.Name,
					Key:     value,
					Message: fmt.Sprintf("%s in %s.txt is not a valid %s [%s]", value, t.Name, c.Name, prettyPrintRow(t, r)),
					row:     i,
				})
			}
		}
	}
	return out
}

func checkUnusedServices(feed *Feed) []Finding {
	used := primaryIDs(feed.Table("trips"), "service_id")
	var out []Finding
	seen := make(map[string]bool)
	for _, name := range []string{"calendar", "calendar_dates"} {
		t := feed.Table(name)
		if t == nil {
			continue
		}
		for i, r := range t.Rows {
			id := t.Get(r, "service_id")
			if id == "" || used[id] || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Finding{
				Type:    FindingServiceUnused,
				Table:   name,
				Key:     id,
				Message: fmt.Sprintf("service %s in %s.txt is not used by any trip", id, name),
				row:     i,
			})
		}
	}
	return out
}

func prettyPrintRow(t *Table, row Row) string {
	var out []string
	for i, column := range t.Columns {
		if i < len(row) && row[i] != "" {
			out = append(out, fmt.Sprintf("%s: %s", column, row[i]))
		}
	}
	return strings.Join(out, ", ")
}

type validateOpts struct {
	force  bool
	ignore bool
	log    logger.Logger
}

// validateImport validates a freshly read feed. With force, rows holding dangling references are
// deleted until the feed is consistent. Without force or ignore, any fatal finding is an error.
// blocking reports whether fatal findings remain in the feed.
func validateImport(ctx context.Context, feed *Feed, opts validateOpts) (issues []Finding, blocking bool, err error) {
	opts.log.Info("Validating", "feed", feed.Name)

	for pass := 0; ; pass++ {
		findings, err := Validate(ctx, feed)
		if err != nil {
			return nil, false, err
		}
		blocking = hasFatal(findings)
		if pass == 0 {
			issues = findings
			for _, f := range findings {
				if f.Type.Fatal() {
					opts.log.Warn(f.Message, "type", string(f.Type))
				} else {
					opts.log.Debug(f.Message, "type", string(f.Type))
				}
			}
		}
		if !opts.force {
			break
		}

		toDelete := make(map[string][]int)
		for _, f := range findings {
			if f.Type == FindingReferentialIntegrity {
				toDelete[f.Table] = append(toDelete[f.Table], f.row)
			}
		}
		if len(toDelete) == 0 {
			break
		}
		deleted := 0
		for table, rows := range toDelete {
			t := feed.Table(table)
			slices.Sort(rows)
			rows = slices.Compact(rows)
			for j := len(rows) - 1; j >= 0; j-- {
				t.Rows = slices.Delete(t.Rows, rows[j], rows[j]+1)
				deleted++
			}
		}
		opts.log.Info(fmt.Sprintf("Re-validating after force deleting %d row(s)", deleted))
	}

	if hasFatal(issues) && !opts.force && !opts.ignore {
		return issues, blocking, ErrInvalidInput
	}
	return issues, blocking, nil
}
