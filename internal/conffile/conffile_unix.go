//go:build !windows
// +build !windows

package conffile

import (
	"os"
	"path/filepath"
)

const (
	appDirEnv = "XDG_CONFIG_HOME"
	homeEnv   = "HOME"
)

func appDir() string {
	dir := os.Getenv(appDirEnv)
	if dir == "" {
		dir = filepath.Join(homeDir(), ".config")
	}
	return dir
}
