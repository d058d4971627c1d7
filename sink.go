package gtfsmerge

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dzfranklin/gtfsmerge/internal/logger"
)

// Sink receives merged feeds. Publish must be atomic: readers see the whole feed or nothing.
type Sink interface {
	Publish(name string, feed *Feed) error
}

// DBSink publishes each feed as a sqlite database named <name>.db in Dir.
type DBSink struct {
	Dir    string
	Logger logger.Logger
}

func (s DBSink) Path(name string) string {
	return filepath.Join(s.Dir, name+".db")
}

func (s DBSink) Publish(name string, feed *Feed) error {
	path := s.Path(name)
	if err := publishFile(path, func(tmp string) error { return writeFeedDB(tmp, feed) }); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info(fmt.Sprintf("Wrote %s", path))
	}
	return nil
}

// ZipSink publishes each feed as a GTFS zip named <name>.zip in Dir.
type ZipSink struct {
	Dir    string
	Logger logger.Logger
}

func (s ZipSink) Path(name string) string {
	return filepath.Join(s.Dir, name+".zip")
}

func (s ZipSink) Publish(name string, feed *Feed) error {
	log := s.Logger
	if log == nil {
		log = logger.Nop()
	}
	path := s.Path(name)
	if err := publishFile(path, func(tmp string) error { return writeZipFile(tmp, feed, log) }); err != nil {
		return err
	}
	log.Info(fmt.Sprintf("Wrote %s", path))
	return nil
}

// publishFile lets write fill a temporary file next to dest, then renames it into place.
func publishFile(dest string, write func(tmp string) error) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(dest)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	// A zero length file opens as an empty sqlite database.
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
