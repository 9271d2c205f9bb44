package store

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
)

// Init prepares the data directory for use by the store, and removes files
// left in the tmp directory, e.g. by a crash during an attachment write. Must
// be called before accounts are opened.
func Init(log mlog.Log) error {
	for _, dir := range []string{"accounts", "tmp"} {
		if err := os.MkdirAll(pigeon.DataDirPath(dir), 0770); err != nil {
			return err
		}
	}

	tmpdir := pigeon.DataDirPath("tmp")
	l, err := os.ReadDir(tmpdir)
	if err != nil {
		return err
	}
	for _, e := range l {
		p := filepath.Join(tmpdir, e.Name())
		err := os.Remove(p)
		log.Check(err, "removing stale temporary file", slog.String("path", p))
	}
	if len(l) > 0 {
		log.Info("removed stale temporary files", slog.Int("count", len(l)))
	}
	return nil
}
