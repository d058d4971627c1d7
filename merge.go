package gtfsmerge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
)

var (
	ErrNoInputs       = errors.New("no input feeds")
	ErrInputCount     = errors.New("service period merge needs exactly two feeds")
	ErrBlockingErrors = errors.New("feed has blocking errors")
	ErrAmbiguousOrder = errors.New("feeds start on the same date")
	ErrMissingTable   = errors.New("feed is missing a required table")
	ErrSameScope      = errors.New("feeds share a source name and version")
)

type MergeMode int

const (
	// Regional combines feeds of different agencies into one.
	Regional MergeMode = iota
	// ServicePeriod combines two chronological versions of the same feed.
	ServicePeriod
)

func (m MergeMode) String() string {
	switch m {
	case Regional:
		return "regional"
	case ServicePeriod:
		return "service_period"
	default:
		return fmt.Sprintf("MergeMode(%d)", int(m))
	}
}

func ParseMergeMode(s string) (MergeMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regional":
		return Regional, nil
	case "service_period", "service-period":
		return ServicePeriod, nil
	default:
		return 0, fmt.Errorf("unknown merge mode %q", s)
	}
}

// MergeStrategy is how a service period merge reconciled the two feeds.
type MergeStrategy int

const (
	StrategyNone MergeStrategy = iota
	StrategyDefault
	StrategyCheckStopTimes
)

func (s MergeStrategy) String() string {
	switch s {
	case StrategyDefault:
		return "DEFAULT"
	case StrategyCheckStopTimes:
		return "CHECK_STOP_TIMES"
	default:
		return "NONE"
	}
}

// ConflictError reports a trip id shared by both feeds of a service period merge whose stop times differ.
type ConflictError struct {
	TripID          string
	Active, Future  FeedMeta
	ActiveSignature TripSignature
	FutureSignature TripSignature
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("trip %s has different stop times in %s (%s) and %s (%s)",
		e.TripID, e.Active, e.ActiveSignature, e.Future, e.FutureSignature)
}

type MergeResult struct {
	Failed         bool
	FailureReasons []string
	RowCounts      map[string]int
	Strategy       MergeStrategy
	Findings       []Finding
	Notes          []string
	// Output is nil when the merge failed.
	Output *Feed

	errs []error
}

// Err joins the failure reasons, so callers can match them with errors.Is and errors.As.
func (r *MergeResult) Err() error {
	return errors.Join(r.errs...)
}

func (r *MergeResult) fail(err error) *MergeResult {
	r.Failed = true
	r.FailureReasons = append(r.FailureReasons, err.Error())
	r.errs = append(r.errs, err)
	r.Output = nil
	return r
}

type MergeOptions struct {
	Logger logger.Logger
	// Separator joins a scope token and an identifier. Defaults to ":".
	Separator string
}

// Merger runs merges. A Merger holds no per-merge state and can be shared.
type Merger struct {
	log logger.Logger
	sep string
}

func NewMerger(opts MergeOptions) *Merger {
	m := &Merger{log: opts.Logger, sep: opts.Separator}
	if m.log == nil {
		m.log = logger.Nop()
	}
	if m.sep == "" {
		m.sep = defaultSeparator
	}
	return m
}

// Merge combines inputs into a new feed named outputName.
//
// Merge problems (bad preconditions, conflicting trips, an inconsistent result)
// are reported in the result. The error is only set when an input can't be read.
func (m *Merger) Merge(ctx context.Context, inputs []Dataset, mode MergeMode, outputName string) (*MergeResult, error) {
	res := &MergeResult{}
	if len(inputs) == 0 {
		return res.fail(ErrNoInputs), nil
	}
	if mode == ServicePeriod && len(inputs) != 2 {
		return res.fail(fmt.Errorf("%w, got %d", ErrInputCount, len(inputs))), nil
	}

	feeds := make([]*Feed, len(inputs))
	for i, ds := range inputs {
		f, err := LoadFeed(ctx, ds)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", ds.Meta(), err)
		}
		feeds[i] = f
	}
	tokens := make(map[string]FeedMeta, len(feeds))
	for _, f := range feeds {
		if err := checkRequiredTables(f); err != nil {
			res.fail(err)
		}
		tok := f.Meta().ScopeToken()
		if prev, ok := tokens[tok]; ok {
			res.fail(fmt.Errorf("%w: %s and %s both scope ids with %q", ErrSameScope, prev, f.Meta(), tok))
		}
		tokens[tok] = f.Meta()
	}
	if res.Failed {
		return res, nil
	}

	m.log.Info("Merging feeds", "mode", mode.String(), "inputs", len(feeds), "output", outputName)

	var merger *tableMerger
	var meta FeedMeta
	switch mode {
	case Regional:
		merger, meta = m.planRegional(feeds, outputName)
	case ServicePeriod:
		var ok bool
		merger, meta, ok = m.planServicePeriod(feeds, outputName, res)
		if !ok {
			return res, nil
		}
	default:
		return res.fail(fmt.Errorf("unknown merge mode %v", mode)), nil
	}

	tables, err := merger.merge(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return res.fail(err), nil
	}
	res.Notes = append(res.Notes, merger.notes...)

	out := NewFeed(outputName, meta)
	for _, t := range tables {
		out.AddTable(t)
	}

	findings, err := Validate(ctx, out)
	if err != nil {
		return nil, err
	}
	res.Findings = findings
	for _, f := range findings {
		if f.Type.Fatal() {
			res.fail(errors.New(f.String()))
		} else {
			m.log.Warn("Merged feed finding", "type", string(f.Type), "message", f.Message)
		}
	}
	if res.Failed {
		m.log.Error("Merged feed is inconsistent", "output", outputName, "reasons", len(res.FailureReasons))
		return res, nil
	}

	res.Output = out
	res.RowCounts = out.RowCounts()
	m.log.Info("Merged feeds", "output", outputName, "strategy", res.Strategy.String(),
		"trips", res.RowCounts["trips"], "notes", len(res.Notes))
	return res, nil
}

// MergeAndPublish merges and, only if the merge succeeded, publishes the output through sink.
func (m *Merger) MergeAndPublish(ctx context.Context, inputs []Dataset, mode MergeMode, outputName string, sink Sink) (*MergeResult, error) {
	res, err := m.Merge(ctx, inputs, mode, outputName)
	if err != nil || res.Failed {
		return res, err
	}
	if err := sink.Publish(outputName, res.Output); err != nil {
		return res, fmt.Errorf("publish %s: %w", outputName, err)
	}
	m.log.Info("Published merged feed", "output", outputName)
	return res, nil
}

func checkRequiredTables(f *Feed) error {
	for _, name := range requiredTables {
		if f.Table(name) == nil {
			return fmt.Errorf("%w: %s has no %s.txt", ErrMissingTable, f.Meta(), name)
		}
	}
	if f.Table("calendar") == nil && f.Table("calendar_dates") == nil {
		return fmt.Errorf("%w: %s has neither calendar.txt nor calendar_dates.txt", ErrMissingTable, f.Meta())
	}
	return nil
}

func (m *Merger) planRegional(feeds []*Feed, outputName string) (*tableMerger, FeedMeta) {
	metas := make([]FeedMeta, len(feeds))
	for i, f := range feeds {
		metas[i] = f.Meta()
	}
	scope := newScopeMap(metas, m.sep)

	normalized := make([]*Feed, len(feeds))
	dropped := make([]map[string]bool, len(feeds))
	for i, f := range feeds {
		normalized[i] = normalizeAgencies(f, scope.tokens[i], m.sep)
		scope.scopeAll[i] = i > 0
		dropped[i] = map[string]bool{}
	}

	merger := &tableMerger{mode: Regional, scope: scope, feeds: normalized, dropped: dropped}
	return merger, FeedMeta{SourceName: outputName, Version: 1}
}

func (m *Merger) planServicePeriod(feeds []*Feed, outputName string, res *MergeResult) (*tableMerger, FeedMeta, bool) {
	for _, f := range feeds {
		if f.Meta().BlockingErrors {
			res.fail(fmt.Errorf("%w: %s", ErrBlockingErrors, f.Meta()))
		}
	}
	if res.Failed {
		return nil, FeedMeta{}, false
	}

	windows := make([]ValidityWindow, 2)
	for i, f := range feeds {
		w, err := f.ValidityWindow()
		if err != nil {
			res.fail(fmt.Errorf("%s: %w", f.Meta(), err))
			return nil, FeedMeta{}, false
		}
		windows[i] = w
	}
	if windows[0].Start.Equal(windows[1].Start) {
		res.fail(fmt.Errorf("%w: %s and %s both start %s", ErrAmbiguousOrder, feeds[0].Meta(), feeds[1].Meta(), formatDate(windows[0].Start)))
		return nil, FeedMeta{}, false
	}
	ai, fi := 0, 1
	if windows[1].Start.Before(windows[0].Start) {
		ai, fi = 1, 0
	}
	active, future := feeds[ai], feeds[fi]
	m.log.Debug("Ordered feeds", "active", active.Meta().String(), "active_window", windows[ai].String(),
		"future", future.Meta().String(), "future_window", windows[fi].String())

	scope := newScopeMap([]FeedMeta{feeds[0].Meta(), feeds[1].Meta()}, m.sep)
	unifiedEntities := scopeCollisions(scope, active, future, ai)
	for kind, ids := range unifiedEntities {
		m.log.Debug("Unified identical entities", "kind", kind.String(), "count", len(ids))
	}

	unified, ok := m.unifyTrips(active, future, res)
	if !ok {
		return nil, FeedMeta{}, false
	}

	resolver := &serviceResolver{
		scope:   scope,
		active:  active,
		future:  future,
		ai:      ai,
		fi:      fi,
		cutoff:  windows[fi].Start,
		unified: unified,
	}
	plan, err := resolver.resolve()
	if err != nil {
		res.fail(err)
		return nil, FeedMeta{}, false
	}
	res.Strategy = plan.Strategy
	res.Notes = append(res.Notes, plan.Notes...)
	for _, reason := range plan.Reasons {
		res.fail(errors.New(reason))
	}
	if res.Failed {
		return nil, FeedMeta{}, false
	}
	m.log.Info("Resolved service periods", "strategy", plan.Strategy.String(), "unified_trips", len(unified),
		"cutoff", formatDate(resolver.cutoff))

	dropped := make([]map[string]bool, 2)
	dropped[ai] = maps.Clone(unified)
	maps.Copy(dropped[ai], plan.supersededTrips)
	dropped[fi] = map[string]bool{}
	gone := make([]map[string]bool, 2)
	gone[ai] = plan.supersededTrips

	merger := &tableMerger{
		mode:    ServicePeriod,
		scope:   scope,
		feeds:   feeds,
		plan:    plan,
		future:  fi,
		dropped: dropped,
		gone:    gone,
	}
	return merger, FeedMeta{SourceName: outputName, Version: future.Meta().Version + 1}, true
}

// unifyTrips finds trip ids present in both feeds. Every shared trip must have the same stop times.
func (m *Merger) unifyTrips(active, future *Feed, res *MergeResult) (map[string]bool, bool) {
	idsA := primaryIDs(active.Table("trips"), "trip_id")
	idsF := primaryIDs(future.Table("trips"), "trip_id")
	shared := make(map[string]bool)
	for id := range idsA {
		if idsF[id] {
			shared[id] = true
		}
	}
	if len(shared) == 0 {
		return shared, true
	}

	sigA, err := tripSignatures(active.Table("stop_times"), shared)
	if err != nil {
		res.fail(fmt.Errorf("%s: %w", active.Meta(), err))
		return nil, false
	}
	sigF, err := tripSignatures(future.Table("stop_times"), shared)
	if err != nil {
		res.fail(fmt.Errorf("%s: %w", future.Meta(), err))
		return nil, false
	}

	ids := make([]string, 0, len(shared))
	for id := range shared {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if !sigA[id].Equal(sigF[id]) {
			res.fail(&ConflictError{
				TripID:          id,
				Active:          active.Meta(),
				Future:          future.Meta(),
				ActiveSignature: sigA[id],
				FutureSignature: sigF[id],
			})
		}
	}
	if res.Failed {
		m.log.Error("Shared trips differ between feeds", "conflicts", len(res.FailureReasons))
		return nil, false
	}
	return shared, true
}
