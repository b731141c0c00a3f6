// Package version returns details on the build of the running binary
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

const (
	stateClean = "clean"
	stateDirty = "dirty"
	unknown    = "unknown"
)

// Info describes the build
type Info struct {
	GoVer      string    `json:"goVersion"`
	GoCompiler string    `json:"goCompiler"`
	Platform   string    `json:"platform"`
	Module     string    `json:"module"`
	VCSRef     string    `json:"vcsRef"`
	VCSCommit  string    `json:"vcsCommit"`
	VCSState   string    `json:"vcsState"`
	VCSDate    time.Time `json:"vcsDate"`
	VCSTag     string    `json:"vcsTag"`
}

// VCSTag is set with -ldflags during a release build
var VCSTag = ""

// GetInfo returns the build details from the embedded build info
func GetInfo() Info {
	i := Info{
		GoVer:      runtime.Version(),
		GoCompiler: runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		VCSRef:     unknown,
		VCSCommit:  unknown,
		VCSState:   unknown,
		VCSTag:     VCSTag,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return i
	}
	i.Module = bi.Main.Path
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			i.VCSCommit = s.Value
			i.VCSRef = s.Value
			if len(i.VCSRef) > 12 {
				i.VCSRef = i.VCSRef[:12]
			}
		case "vcs.modified":
			if s.Value == "true" {
				i.VCSState = stateDirty
			} else {
				i.VCSState = stateClean
			}
		case "vcs.time":
			if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
				i.VCSDate = t
			}
		}
	}
	if i.VCSTag == "" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.VCSTag = bi.Main.Version
	}
	return i
}
