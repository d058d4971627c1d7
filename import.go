package gtfsmerge

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
)

type ImportOpts struct {
	// SourceName defaults to the zip's file name without extension.
	SourceName string
	// Version defaults to 1.
	Version       int
	ForceValid    bool
	IgnoreInvalid bool
	Logger        logger.Logger
}

// Import loads a GTFS zip into a new feed database at outputPath and validates it.
// The validator's findings are returned; the feed is marked as having blocking errors
// when fatal findings remain.
func Import(ctx context.Context, inputPath string, outputPath string, opts *ImportOpts) ([]Finding, error) {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}
	if opts == nil {
		opts = &ImportOpts{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	meta := FeedMeta{SourceName: opts.SourceName, Version: opts.Version}
	if meta.SourceName == "" {
		meta.SourceName = trimFileExt(filepath.Base(inputPath))
	}
	if meta.Version == 0 {
		meta.Version = 1
	}

	log.Info(fmt.Sprintf("Importing %s to %s", inputPath, outputPath), "feed", meta.String())

	feed, err := ReadZip(inputPath, meta, log)
	if err != nil {
		return nil, err
	}

	findings, blocking, err := validateImport(ctx, feed, validateOpts{
		force:  opts.ForceValid,
		ignore: opts.IgnoreInvalid,
		log:    log,
	})
	if err != nil {
		return findings, err
	}
	feed.meta.BlockingErrors = blocking
	if blocking {
		log.Warn("Feed has blocking errors and can't be used in service period merges", "feed", meta.String())
	}

	if err := publishFile(outputPath, func(tmp string) error { return writeFeedDB(tmp, feed) }); err != nil {
		return findings, err
	}
	log.Info(fmt.Sprintf("Wrote %s", outputPath))
	return findings, nil
}

// ReadZip reads every file of a GTFS zip into memory. Files other than .txt tables are kept as they are.
func ReadZip(inputPath string, meta FeedMeta, log logger.Logger) (*Feed, error) {
	if log == nil {
		log = logger.Nop()
	}
	inputZip, err := zip.OpenReader(inputPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = inputZip.Close() }()

	feed := NewFeed(meta.SourceName, meta)
	for _, file := range inputZip.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if err := readFileIn(inputZip, feed, file.Name, log); err != nil {
			return nil, fmt.Errorf("read %s: %w", file.Name, err)
		}
	}
	return feed, nil
}

func readFileIn(inputZip *zip.ReadCloser, feed *Feed, filename string, log logger.Logger) error {
	inputF, err := inputZip.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = inputF.Close() }()

	if !strings.HasSuffix(filename, ".txt") {
		log.Info("Importing other file " + filename)
		contents, err := io.ReadAll(inputF)
		if err != nil {
			return err
		}
		feed.AddFile(filename, contents)
		return nil
	}

	table, err := readCSV(strings.TrimSuffix(filepath.Base(filename), ".txt"), inputF)
	if err != nil {
		return err
	}
	if table == nil {
		log.Warn("Skipping file without a header", "file", filename)
		return nil
	}
	log.Debug(fmt.Sprintf("Importing %s: %s", filename, strings.Join(table.Columns, ",")))
	log.Info(fmt.Sprintf("Read %d rows from %s", len(table.Rows), filename))
	feed.AddTable(table)
	return nil
}

// readCSV parses one GTFS table. It returns nil when the file has no header.
func readCSV(name string, r io.Reader) (*Table, error) {
	inputCSV := csv.NewReader(r)
	inputCSV.FieldsPerRecord = -1 // Allow variable numbers of fields

	header, err := inputCSV.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	for i, column := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(column, "\ufeff"))
	}

	table := NewTable(name, header)
	for {
		row, err := inputCSV.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
		table.Append(row)
	}
	return table, nil
}

func trimFileExt(name string) string {
	i := strings.LastIndex(name, ".")
	if i == -1 {
		return name
	}
	return name[:i]
}
