package gtfsmerge

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
)

type ExportOpts struct {
	Logger logger.Logger
}

// Export writes a feed database back out as a GTFS zip.
func Export(inputPath string, outputPath string, opts *ExportOpts) error {
	if inputPath == "" {
		panic("Missing inputPath")
	}
	if outputPath == "" {
		panic("Missing outputPath")
	}
	if opts == nil {
		opts = &ExportOpts{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	log.Info(fmt.Sprintf("Exporting %s to %s", inputPath, outputPath))

	db, err := OpenFeedDB(inputPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	err = publishFile(outputPath, func(tmp string) error { return writeZipFile(tmp, db, log) })
	if err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Wrote %s", outputPath))
	return nil
}

func writeZipFile(path string, ds Dataset, log logger.Logger) error {
	outputF, err := os.Create(path)
	if err != nil {
		return err
	}
	outputZip := zip.NewWriter(outputF)
	defer func() {
		_ = outputZip.Close()
		_ = outputF.Close()
	}()

	if src, ok := ds.(fileSource); ok {
		files, err := src.otherFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			w, err := outputZip.Create(f.Name)
			if err != nil {
				return err
			}
			if _, err := w.Write(f.Contents); err != nil {
				return err
			}
			log.Info(fmt.Sprintf("Exported other file %s (%d bytes)", f.Name, len(f.Contents)))
		}
	}

	tables, err := ds.TableNames()
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := exportTableIn(ds, outputZip, table, log); err != nil {
			return fmt.Errorf("export %s: %w", table, err)
		}
	}

	if err := outputZip.Close(); err != nil {
		return err
	}
	return outputF.Close()
}

func exportTableIn(ds Dataset, outputZip *zip.Writer, table string, log logger.Logger) error {
	outputName := table + ".txt"
	outputF, err := outputZip.Create(outputName)
	if err != nil {
		return err
	}
	outputCSV := csv.NewWriter(outputF)

	rowCount := 0
	err = ds.ScanTable(table, func(columns []string, row Row) error {
		if rowCount == 0 {
			if err := outputCSV.Write(columns); err != nil {
				return err
			}
		}
		rowCount++
		return outputCSV.Write(row)
	})
	if err != nil {
		return err
	}
	if rowCount == 0 {
		// Empty tables still get their header.
		if err := outputCSV.Write(emptyTableHeader(ds, table)); err != nil {
			return err
		}
	}
	log.Info(fmt.Sprintf("Wrote %d rows to %s", rowCount, outputName))

	outputCSV.Flush()
	return outputCSV.Error()
}

func emptyTableHeader(ds Dataset, table string) []string {
	switch ds := ds.(type) {
	case *Feed:
		if t := ds.Table(table); t != nil {
			return t.Columns
		}
	case *FeedDB:
		ds.mu.Lock()
		defer ds.mu.Unlock()
		if cols, err := ds.columns(table); err == nil {
			return cols
		}
	}
	if s, ok := lookupSchema(table); ok {
		return s.columnNames()
	}
	return nil
}
