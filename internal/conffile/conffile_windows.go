//go:build windows
// +build windows

package conffile

import (
	"os"
	"path/filepath"
)

const (
	appDirEnv = "APPDATA"
	homeEnv   = "USERPROFILE"
)

func appDir() string {
	dir := os.Getenv(appDirEnv)
	if dir == "" {
		dir = filepath.Join(homeDir(), "AppData")
	}
	return dir
}
