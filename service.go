package gtfsmerge

import (
	"fmt"
	"slices"
	"time"
)

// servicePlan holds the calendar family of a service period merge.
type servicePlan struct {
	Strategy           MergeStrategy
	Calendar           *Table
	CalendarDates      *Table
	CalendarAttributes *Table

	// tripService is the service of each unified trip, keyed by trip id.
	tripService map[string]string
	// supersededTrips are active trips whose service has no day left before the cutoff.
	supersededTrips map[string]bool

	Notes   []string
	Reasons []string
}

type servicePair struct {
	active, future string
}

type serviceResolver struct {
	scope          *ScopeMap
	active, future *Feed
	ai, fi         int
	cutoff         time.Time
	unified        map[string]bool
}

func (r *serviceResolver) lastActiveDay() time.Time {
	return dayBefore(r.cutoff)
}

func tripServices(trips *Table) map[string]string {
	out := make(map[string]string)
	if trips == nil {
		return out
	}
	for _, row := range trips.Rows {
		out[trips.Get(row, "trip_id")] = trips.Get(row, "service_id")
	}
	return out
}

func (r *serviceResolver) cloneID(p servicePair) string {
	if p.active == p.future {
		return r.scope.prefix(r.fi) + p.future
	}
	return r.scope.prefix(r.fi) + p.active + "+" + p.future
}

func (r *serviceResolver) resolve() (*servicePlan, error) {
	plan := &servicePlan{
		Strategy:        StrategyDefault,
		tripService:     make(map[string]string),
		supersededTrips: make(map[string]bool),
	}
	if len(r.unified) > 0 {
		plan.Strategy = StrategyCheckStopTimes
	}

	tripsA := tripServices(r.active.Table("trips"))
	tripsF := tripServices(r.future.Table("trips"))

	unified := make([]string, 0, len(r.unified))
	for id := range r.unified {
		unified = append(unified, id)
	}
	slices.Sort(unified)

	var pairs []servicePair
	clones := make(map[servicePair]string)
	inPairA, inPairF := make(map[string]bool), make(map[string]bool)
	for _, tripID := range unified {
		p := servicePair{tripsA[tripID], tripsF[tripID]}
		if _, seen := clones[p]; !seen {
			clones[p] = r.cloneID(p)
			pairs = append(pairs, p)
		}
		inPairA[p.active], inPairF[p.future] = true, true
		plan.tripService[tripID] = clones[p]
	}

	usedA, usedF := make(map[string]bool), make(map[string]bool)
	for tripID, s := range tripsA {
		if !r.unified[tripID] {
			usedA[s] = true
		}
	}
	for tripID, s := range tripsF {
		if !r.unified[tripID] {
			usedF[s] = true
		}
	}
	dropA := func(s string) bool { return inPairA[s] && !usedA[s] }
	dropF := func(s string) bool { return inPairF[s] && !usedF[s] }

	futureServices := serviceIDs(r.future)
	for s := range serviceIDs(r.active) {
		if futureServices[s] {
			r.scope.scoped[scopeKey{r.ai, scopeService, s}] = true
		}
	}

	calA, calF := r.active.Table("calendar"), r.future.Table("calendar")
	datesA, datesF := r.active.Table("calendar_dates"), r.future.Table("calendar_dates")
	attrA, attrF := r.active.Table("calendar_attributes"), r.future.Table("calendar_attributes")
	rowsCalA, rowsCalF := entityRows(calA, "service_id"), entityRows(calF, "service_id")
	rowsDatesA, rowsDatesF := entityRows(datesA, "service_id"), entityRows(datesF, "service_id")

	for _, p := range pairs {
		if len(rowsCalA[p.active]) == 0 && len(rowsCalF[p.future]) == 0 &&
			len(rowsDatesA[p.active]) == 0 && len(rowsDatesF[p.future]) == 0 {
			plan.Reasons = append(plan.Reasons, fmt.Sprintf(
				"service %s/%s of unified trips has no calendar or calendar_dates rows in either feed; merge needs clarification",
				p.active, p.future))
		}
	}
	if len(plan.Reasons) > 0 {
		return plan, nil
	}

	last := r.lastActiveDay()

	// calendar
	var calendar *Table
	hasCalendar, hasDates := make(map[string]bool), make(map[string]bool)
	var emptied []string
	if calA != nil || calF != nil {
		calendar = NewTable("calendar", unionColumns("calendar", calA, calF))
		if calA != nil {
			for _, row := range calA.Rows {
				s := calA.Get(row, "service_id")
				if dropA(s) {
					continue
				}
				out := projectRow(calA, r.scope.rewriteRow(r.ai, calA, row), calendar)
				keep, err := r.truncate(calendar, out)
				if err != nil {
					return nil, fmt.Errorf("calendar %s: %w", s, err)
				}
				if !keep {
					plan.Notes = append(plan.Notes, fmt.Sprintf(
						"calendar %s of %s ends before it starts after truncation to %s; row dropped",
						s, r.active.Meta(), formatDate(last)))
					emptied = append(emptied, s)
					continue
				}
				hasCalendar[calendar.Get(out, "service_id")] = true
				calendar.Append(out)
			}
		}
		for _, p := range pairs {
			out := r.cloneCalendar(calendar, calA, firstRow(rowsCalA[p.active]), calF, firstRow(rowsCalF[p.future]), clones[p])
			if out != nil {
				hasCalendar[clones[p]] = true
				calendar.Append(out)
			}
		}
		if calF != nil {
			for _, row := range calF.Rows {
				s := calF.Get(row, "service_id")
				if dropF(s) {
					continue
				}
				out := projectRow(calF, r.scope.rewriteRow(r.fi, calF, row), calendar)
				hasCalendar[calendar.Get(out, "service_id")] = true
				calendar.Append(out)
			}
		}
	}
	plan.Calendar = calendar

	// calendar_dates
	if datesA != nil || datesF != nil {
		dates := NewTable("calendar_dates", unionColumns("calendar_dates", datesA, datesF))
		seen := make(map[string]bool)
		add := func(row Row) {
			k := dates.keyOf(row, []string{"service_id", "date"})
			if seen[k] {
				return
			}
			seen[k] = true
			hasDates[dates.Get(row, "service_id")] = true
			dates.Append(row)
		}

		if datesA != nil {
			retained := make(map[string][]Row)
			var order []string
			for _, row := range datesA.Rows {
				s := datesA.Get(row, "service_id")
				if dropA(s) {
					continue
				}
				if _, ok := retained[s]; !ok {
					order = append(order, s)
				}
				retained[s] = append(retained[s], projectRow(datesA, r.scope.rewriteRow(r.ai, datesA, row), dates))
			}
			for _, s := range order {
				rows := retained[s]
				final := r.scope.Resolve(r.ai, scopeService, s)
				kept := make([]Row, 0, len(rows))
				for _, row := range rows {
					d, err := parseDate(dates.Get(row, "date"))
					if err != nil {
						return nil, fmt.Errorf("calendar_dates %s: %w", s, err)
					}
					if d.Before(r.cutoff) {
						kept = append(kept, row)
					}
				}
				if len(kept) == 0 && !hasCalendar[final] {
					kept = rows
				} else if trimmed := len(rows) - len(kept); trimmed > 0 {
					plan.Notes = append(plan.Notes, fmt.Sprintf(
						"trimmed %d calendar_dates rows of service %s dated on or after %s", trimmed, final, formatDate(r.cutoff)))
				}
				for _, row := range kept {
					add(row)
				}
			}
		}

		for _, p := range pairs {
			id := clones[p]
			late := 0
			for _, row := range rowsDatesA[p.active] {
				d, err := parseDate(datesA.Get(row, "date"))
				if err != nil {
					return nil, fmt.Errorf("calendar_dates %s: %w", p.active, err)
				}
				if !d.Before(r.cutoff) {
					late++
					continue
				}
				out := projectRow(datesA, row, dates)
				out[dates.Col("service_id")] = id
				add(out)
			}
			for _, row := range rowsDatesF[p.future] {
				out := projectRow(datesF, row, dates)
				out[dates.Col("service_id")] = id
				add(out)
			}
			if late > 0 {
				plan.Notes = append(plan.Notes, fmt.Sprintf(
					"%d calendar_dates rows of active service %s dated on or after %s superseded by service %s",
					late, p.active, formatDate(r.cutoff), id))
			}
		}

		if datesF != nil {
			for _, row := range datesF.Rows {
				if dropF(datesF.Get(row, "service_id")) {
					continue
				}
				add(projectRow(datesF, r.scope.rewriteRow(r.fi, datesF, row), dates))
			}
		}
		plan.CalendarDates = dates
	}

	// A service left without any row belongs to the future feed's period, and so do its trips.
	for _, s := range emptied {
		final := r.scope.Resolve(r.ai, scopeService, s)
		if hasCalendar[final] || hasDates[final] {
			continue
		}
		n := 0
		for tripID, ts := range tripsA {
			if ts == s && !r.unified[tripID] && !plan.supersededTrips[tripID] {
				plan.supersededTrips[tripID] = true
				n++
			}
		}
		if n > 0 {
			plan.Notes = append(plan.Notes, fmt.Sprintf(
				"service %s of %s has no days before %s; %d trips superseded by the future feed",
				final, r.active.Meta(), formatDate(r.cutoff), n))
		}
	}

	// calendar_attributes follows the calendar rows one to one.
	if attrA != nil || attrF != nil {
		attrs := NewTable("calendar_attributes", unionColumns("calendar_attributes", attrA, attrF))
		rowsAttrA, rowsAttrF := entityRows(attrA, "service_id"), entityRows(attrF, "service_id")
		if attrA != nil {
			for _, row := range attrA.Rows {
				if dropA(attrA.Get(row, "service_id")) {
					continue
				}
				out := projectRow(attrA, r.scope.rewriteRow(r.ai, attrA, row), attrs)
				if hasCalendar[attrs.Get(out, "service_id")] {
					attrs.Append(out)
				}
			}
		}
		for _, p := range pairs {
			id := clones[p]
			if !hasCalendar[id] {
				continue
			}
			var out Row
			if src := firstRow(rowsAttrA[p.active]); src != nil {
				out = projectRow(attrA, src, attrs)
			} else if src := firstRow(rowsAttrF[p.future]); src != nil {
				out = projectRow(attrF, src, attrs)
			}
			if out != nil {
				out[attrs.Col("service_id")] = id
				attrs.Append(out)
			}
		}
		if attrF != nil {
			for _, row := range attrF.Rows {
				if dropF(attrF.Get(row, "service_id")) {
					continue
				}
				attrs.Append(projectRow(attrF, r.scope.rewriteRow(r.fi, attrF, row), attrs))
			}
		}
		plan.CalendarAttributes = attrs
	}

	return plan, nil
}

// truncate ends an active calendar row on the last active day. It reports false when the row no longer covers any day.
func (r *serviceResolver) truncate(t *Table, row Row) (bool, error) {
	end, err := parseDate(t.Get(row, "end_date"))
	if err != nil {
		return false, err
	}
	if end.Before(r.cutoff) {
		return true, nil
	}
	last := r.lastActiveDay()
	start, err := parseDate(t.Get(row, "start_date"))
	if err != nil {
		return false, err
	}
	if last.Before(start) {
		return false, nil
	}
	row[t.Col("end_date")] = formatDate(last)
	return true, nil
}

// cloneCalendar builds the calendar row of a service spanning both periods.
func (r *serviceResolver) cloneCalendar(dst, calA *Table, rowA Row, calF *Table, rowF Row, id string) Row {
	var out Row
	switch {
	case rowA != nil && rowF != nil:
		out = projectRow(calA, rowA, dst)
		out[dst.Col("end_date")] = calF.Get(rowF, "end_date")
	case rowA != nil:
		out = projectRow(calA, rowA, dst)
	case rowF != nil:
		out = projectRow(calF, rowF, dst)
	default:
		return nil
	}
	out[dst.Col("service_id")] = id
	return out
}

func firstRow(rows []Row) Row {
	if len(rows) == 0 {
		return nil
	}
	return rows[0]
}
