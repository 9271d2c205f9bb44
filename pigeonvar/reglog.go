package pigeonvar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietNewDatabases = testing.Testing()

// RegisterLogger is passed as bstore.Options.RegisterLogger when opening
// account databases. Tests create many fresh databases, their schema
// registration is not logged.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietNewDatabases {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
