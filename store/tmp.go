package store

import (
	"log/slog"
	"os"

	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
)

// CreateTemp creates a temporary file, e.g. for writing an attachment. The
// file is created in subdirectory tmp of the data directory, so the file is on
// the same file system as the accounts directory, so renaming files can
// succeed. The caller is responsible for closing and possibly removing the file.
func CreateTemp(log mlog.Log, pattern string) (*os.File, error) {
	dir := pigeon.DataDirPath("tmp")
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	err = f.Chmod(0660)
	if err != nil {
		xerr := f.Close()
		log.Check(xerr, "closing temp file after chmod error")
		return nil, err
	}
	return f, err
}

// CloseRemoveTempFile closes and removes f, a file described by descr. Often
// used in a defer after creating a temporary file.
func CloseRemoveTempFile(log mlog.Log, f *os.File, descr string) {
	name := f.Name()
	err := f.Close()
	log.Check(err, "closing temporary file", slog.String("kind", descr))
	err = os.Remove(name)
	if err != nil && !os.IsNotExist(err) {
		log.Errorx("removing temporary file", err, slog.String("kind", descr))
	}
}
