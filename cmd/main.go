package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path"
	"strings"

	"github.com/dzfranklin/gtfsmerge"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

func usageAndDie() {
	fmt.Println("Example usage:\n" +
		"    gtfsmerge --import <timetable.zip> [--source-name <name>] [--feed-version <n>]\n" +
		"    gtfsmerge --export <timetable.db>\n" +
		"    gtfsmerge --clip <timetable.db> --clip-feature <feature_geojson.json>\n" +
		"    gtfsmerge --merge regional <a.db> <b.db> [<c.db>...] --out <name>\n" +
		"    gtfsmerge --merge service_period <current.db> <next.db> --out <name>\n" +
		"    gtfsmerge --job <job.yml>")
	os.Exit(1)
}

func main() {
	importPath := pflag.StringP("import", "i", "", "Import from a GTFS file")
	exportPath := pflag.StringP("export", "e", "", "Export to a GTFS file")
	clipPath := pflag.StringP("clip", "c", "", "Clip a database")
	mergeMode := pflag.StringP("merge", "m", "", "Merge the databases given as arguments (regional or service_period)")
	jobPath := pflag.StringP("job", "j", "", "Run the job described in a YAML file")
	primaryOptions := []*string{importPath, exportPath, clipPath, mergeMode, jobPath}

	output := pflag.StringP("out", "o", "", "Path to write output to (for --merge, the merged feed's name)")
	forceMode := pflag.BoolP("force-valid", "f", false, "Whether to fix issues by deleting data during import")
	ignoreInvalidMode := pflag.Bool("ignore-invalid", false, "Ignore any issues during import")
	clipFeaturePath := pflag.String("clip-feature", "", "If --clip is specified clips to the GeoJSON feature in the file specified")
	sourceName := pflag.String("source-name", "", "Name of the feed's publisher, used to scope its identifiers in merges")
	feedVersion := pflag.Int("feed-version", 1, "Version number of the imported feed")
	configPath := pflag.String("config", "", "Path to a YAML config file")

	pflag.Parse()

	primaryCount := 0
	for _, opt := range primaryOptions {
		if *opt != "" {
			primaryCount++
		}
	}
	if primaryCount != 1 {
		usageAndDie()
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	cfg, err := gtfsmerge.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *importPath != "" {
		outputPath := outputPathOrDefault(*importPath, *output, ".zip", ".db")
		opts := &gtfsmerge.ImportOpts{
			SourceName:    *sourceName,
			Version:       *feedVersion,
			ForceValid:    *forceMode,
			IgnoreInvalid: *ignoreInvalidMode,
			Logger:        log,
		}
		_, err = gtfsmerge.Import(ctx, *importPath, outputPath, opts)
	} else if *exportPath != "" {
		outputPath := outputPathOrDefault(*exportPath, *output, ".db", ".zip")
		err = gtfsmerge.Export(*exportPath, outputPath, &gtfsmerge.ExportOpts{Logger: log})
	} else if *clipPath != "" {
		if *clipFeaturePath == "" {
			usageAndDie()
		}
		var feature []byte
		feature, err = os.ReadFile(*clipFeaturePath)
		if err != nil {
			panic(err)
		}
		featureName := trimFileExt(path.Base(*clipFeaturePath))

		outputPath := outputPathOrDefault(*clipPath, *output, ".db", fmt.Sprintf("_%s.db", featureName))
		err = gtfsmerge.ClipFile(ctx, *clipPath, outputPath, string(feature), log)
	} else if *mergeMode != "" {
		mode, perr := gtfsmerge.ParseMergeMode(*mergeMode)
		if perr != nil || pflag.NArg() == 0 || *output == "" {
			usageAndDie()
		}
		job := gtfsmerge.Job{Kind: gtfsmerge.JobRegionalMerge, Regional: &gtfsmerge.MergeJob{Inputs: pflag.Args(), Output: *output}}
		if mode == gtfsmerge.ServicePeriod {
			job = gtfsmerge.Job{Kind: gtfsmerge.JobServicePeriodMerge, ServicePeriod: job.Regional}
		}
		err = runJob(ctx, job, cfg)
	} else if *jobPath != "" {
		var job gtfsmerge.Job
		job, err = gtfsmerge.LoadJob(*jobPath)
		if err == nil {
			err = runJob(ctx, job, cfg)
		}
	} else {
		usageAndDie()
	}

	if err != nil {
		fmt.Printf("Error: %s\n", err)
		os.Exit(1)
	} else {
		fmt.Println("All done")
	}
}

func runJob(ctx context.Context, job gtfsmerge.Job, cfg gtfsmerge.Config) error {
	log := cfg.Logger()
	res := gtfsmerge.RunJob(ctx, job, gtfsmerge.JobDeps{
		Merger:   gtfsmerge.NewMerger(gtfsmerge.MergeOptions{Logger: log, Separator: cfg.Merge.Separator}),
		Sink:     cfg.Sink(log),
		Logger:   log,
		Reporter: gtfsmerge.LogReporter{Logger: log},
	})
	if res.Merge != nil {
		for _, note := range res.Merge.Notes {
			fmt.Println("Note: " + note)
		}
	}
	if res.Failed {
		return errors.New(strings.Join(res.FailureReasons, "\n"))
	}
	return nil
}

func outputPathOrDefault(inputPath string, outputPath string, suffixToTrim string, newSuffix string) string {
	if outputPath != "" {
		return outputPath
	}
	inputPath = path.Clean(inputPath)
	return strings.TrimSuffix(path.Base(inputPath), suffixToTrim) + newSuffix
}

func trimFileExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return name
	} else {
		return name[:i]
	}
}
