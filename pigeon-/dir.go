package pigeon

import (
	"path/filepath"
)

// DataDirPath returns p within the data directory. An absolute p is returned
// as is. A relative DataDir is relative to the directory of the config file.
func DataDirPath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	dataDir := Conf.Static.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(ConfigStaticPath), dataDir)
	}
	return filepath.Join(dataDir, p)
}

// AccountDirPath returns the directory with the database and attachments of
// an account.
func AccountDirPath(account string) string {
	return DataDirPath(filepath.Join("accounts", account))
}
