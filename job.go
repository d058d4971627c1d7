package gtfsmerge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type JobKind string

const (
	JobRegionalMerge        JobKind = "regional_merge"
	JobServicePeriodMerge   JobKind = "service_period_merge"
	JobPreserveCustomFields JobKind = "preserve_custom_fields"
	JobClip                 JobKind = "clip"
)

// Job is one unit of work. Exactly the parameters matching Kind are set.
type Job struct {
	ID   string  `yaml:"id" validate:"omitempty,uuid"`
	Kind JobKind `yaml:"kind" validate:"required,oneof=regional_merge service_period_merge preserve_custom_fields clip"`

	Regional       *MergeJob          `yaml:"regional" validate:"required_if=Kind regional_merge"`
	ServicePeriod  *MergeJob          `yaml:"service_period" validate:"required_if=Kind service_period_merge"`
	PreserveFields *PreserveFieldsJob `yaml:"preserve_fields" validate:"required_if=Kind preserve_custom_fields"`
	Clip           *ClipJob           `yaml:"clip" validate:"required_if=Kind clip"`
}

type MergeJob struct {
	// Inputs are feed database paths.
	Inputs []string `yaml:"inputs" validate:"required,min=1,dive,required"`
	Output string   `yaml:"output" validate:"required"`
}

type PreserveFieldsJob struct {
	Input   string `yaml:"input" validate:"required"`
	Table   string `yaml:"table" validate:"required"`
	CSVFile string `yaml:"csv_file" validate:"required"`
	Output  string `yaml:"output" validate:"required"`
}

type ClipJob struct {
	Input       string `yaml:"input" validate:"required"`
	FeatureFile string `yaml:"feature_file" validate:"required"`
	Output      string `yaml:"output" validate:"required"`
}

var ErrJobParams = errors.New("job parameters do not match its kind")

func (j *Job) Validate() error {
	if err := validator.New().Struct(j); err != nil {
		return err
	}
	set := 0
	for _, p := range []bool{j.Regional != nil, j.ServicePeriod != nil, j.PreserveFields != nil, j.Clip != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %s job has %d parameter blocks", ErrJobParams, j.Kind, set)
	}
	if j.Kind == JobServicePeriodMerge && len(j.ServicePeriod.Inputs) != 2 {
		return fmt.Errorf("%w, got %d", ErrInputCount, len(j.ServicePeriod.Inputs))
	}
	return nil
}

// LoadJob reads and validates a YAML job file. Jobs without an id get a new one.
func LoadJob(path string) (Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Job{}, err
	}
	return ParseJob(data)
}

func ParseJob(data []byte) (Job, error) {
	var j Job
	if err := yaml.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("parse job: %w", err)
	}
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if err := j.Validate(); err != nil {
		return Job{}, fmt.Errorf("invalid job: %w", err)
	}
	return j, nil
}

type JobResult struct {
	JobID          string
	Kind           JobKind
	Failed         bool
	FailureReasons []string
	// Merge is set for merge jobs that got as far as merging.
	Merge *MergeResult
	// Output is the published feed's name.
	Output   string
	Duration time.Duration
}

func (r *JobResult) fail(err error) {
	r.Failed = true
	r.FailureReasons = append(r.FailureReasons, err.Error())
}

// Reporter receives job outcomes.
type Reporter interface {
	Report(JobResult)
}

type LogReporter struct {
	Logger logger.Logger
}

func (r LogReporter) Report(res JobResult) {
	if res.Failed {
		r.Logger.Error("Job failed", "job", res.JobID, "kind", string(res.Kind), "reasons", res.FailureReasons,
			"duration", res.Duration.String())
		return
	}
	r.Logger.Info("Job done", "job", res.JobID, "kind", string(res.Kind), "output", res.Output,
		"duration", res.Duration.String())
}

type JobDeps struct {
	Merger   *Merger
	Sink     Sink
	Logger   logger.Logger
	Reporter Reporter
}

// RunJob runs one job and reports its result.
func RunJob(ctx context.Context, job Job, deps JobDeps) JobResult {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if deps.Merger == nil {
		deps.Merger = NewMerger(MergeOptions{Logger: log})
	}
	if deps.Sink == nil {
		deps.Sink = DBSink{Dir: ".", Logger: log}
	}
	start := time.Now()
	res := JobResult{JobID: job.ID, Kind: job.Kind}

	if err := job.Validate(); err != nil {
		res.fail(err)
	} else {
		log.Info("Running job", "job", job.ID, "kind", string(job.Kind))
		switch job.Kind {
		case JobRegionalMerge:
			runMergeJob(ctx, Regional, job.Regional, deps, &res)
		case JobServicePeriodMerge:
			runMergeJob(ctx, ServicePeriod, job.ServicePeriod, deps, &res)
		case JobPreserveCustomFields:
			runPreserveFieldsJob(ctx, job.PreserveFields, deps, &res)
		case JobClip:
			runClipJob(ctx, job.Clip, deps, &res)
		}
	}

	res.Duration = time.Since(start)
	if deps.Reporter != nil {
		deps.Reporter.Report(res)
	}
	return res
}

func openInputs(paths []string) ([]Dataset, func(), error) {
	var dbs []*FeedDB
	closeAll := func() {
		for _, db := range dbs {
			_ = db.Close()
		}
	}
	out := make([]Dataset, 0, len(paths))
	for _, p := range paths {
		db, err := OpenFeedDB(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		dbs = append(dbs, db)
		out = append(out, db)
	}
	return out, closeAll, nil
}

func runMergeJob(ctx context.Context, mode MergeMode, params *MergeJob, deps JobDeps, res *JobResult) {
	inputs, closeAll, err := openInputs(params.Inputs)
	if err != nil {
		res.fail(err)
		return
	}
	defer closeAll()

	merged, err := deps.Merger.MergeAndPublish(ctx, inputs, mode, params.Output, deps.Sink)
	res.Merge = merged
	if err != nil {
		res.fail(err)
		return
	}
	if merged.Failed {
		res.Failed = true
		res.FailureReasons = append(res.FailureReasons, merged.FailureReasons...)
		return
	}
	res.Output = params.Output
}

func loadInput(ctx context.Context, path string) (*Feed, error) {
	db, err := OpenFeedDB(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()
	return LoadFeed(ctx, db)
}

func runPreserveFieldsJob(ctx context.Context, params *PreserveFieldsJob, deps JobDeps, res *JobResult) {
	feed, err := loadInput(ctx, params.Input)
	if err != nil {
		res.fail(err)
		return
	}
	csvData, err := os.ReadFile(params.CSVFile)
	if err != nil {
		res.fail(err)
		return
	}
	out, err := PreserveCustomFields(feed, params.Table, string(csvData))
	if err != nil {
		res.fail(err)
		return
	}
	if err := deps.Sink.Publish(params.Output, out); err != nil {
		res.fail(err)
		return
	}
	res.Output = params.Output
}

func runClipJob(ctx context.Context, params *ClipJob, deps JobDeps, res *JobResult) {
	feed, err := loadInput(ctx, params.Input)
	if err != nil {
		res.fail(err)
		return
	}
	feature, err := os.ReadFile(params.FeatureFile)
	if err != nil {
		res.fail(err)
		return
	}
	out, err := Clip(ctx, feed, string(feature), deps.Logger)
	if err != nil {
		res.fail(err)
		return
	}
	if err := deps.Sink.Publish(params.Output, out); err != nil {
		res.fail(err)
		return
	}
	res.Output = params.Output
}
