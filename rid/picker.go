package rid

import (
	"os"

	"github.com/containerd/containerd/platforms"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/types/manifest"
)

// RIDForPlatform returns the runtime identifier for an image platform.
// Unsupported operating systems return false.
func RIDForPlatform(p ociv1.Platform) (string, bool) {
	p = platforms.Normalize(p)
	var osName string
	switch p.OS {
	case "linux":
		osName = "linux"
	case "windows":
		osName = "win"
	default:
		return "", false
	}
	var arch string
	switch p.Architecture {
	case "amd64":
		arch = "x64"
	case "386":
		arch = "x86"
	case "arm":
		arch = "arm"
		if p.Variant != "" && p.Variant != "v7" {
			arch = arch + p.Variant
		}
	case "arm64", "ppc64le", "s390x":
		arch = p.Architecture
	default:
		return "", false
	}
	return osName + "-" + arch, true
}

// AvailableRIDs lists the runtime identifiers of each entry in a manifest list
func AvailableRIDs(entries []manifest.PlatformSpecificManifest) []string {
	ret := []string{}
	for _, e := range entries {
		if e.Platform == nil {
			continue
		}
		if r, ok := RIDForPlatform(*e.Platform); ok {
			ret = append(ret, r)
		}
	}
	return ret
}

// Picker selects manifest list entries using a runtime graph
type Picker struct {
	graph *Graph
	log   *logrus.Logger
}

// PickerOpts configures a Picker
type PickerOpts func(*Picker)

// WithLog overrides the default logrus Logger
func WithLog(log *logrus.Logger) PickerOpts {
	return func(p *Picker) {
		p.log = log
	}
}

// NewPicker returns a picker for a graph
func NewPicker(g *Graph, opts ...PickerOpts) *Picker {
	p := &Picker{
		graph: g,
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PickBestManifestForRid returns the entry matching the nearest compatible runtime of rid
func (p *Picker) PickBestManifestForRid(entries []manifest.PlatformSpecificManifest, rid string) (manifest.PlatformSpecificManifest, bool) {
	byRID := map[string]int{}
	for i, e := range entries {
		if e.Platform == nil {
			continue
		}
		r, ok := RIDForPlatform(*e.Platform)
		if !ok {
			continue
		}
		if _, exists := byRID[r]; !exists {
			byRID[r] = i
		}
	}
	for _, candidate := range p.graph.Expand(rid) {
		if i, ok := byRID[candidate]; ok {
			p.log.WithFields(logrus.Fields{
				"rid":      rid,
				"match":    candidate,
				"platform": platforms.Format(*entries[i].Platform),
				"digest":   entries[i].Digest.String(),
			}).Debug("Selected manifest for runtime")
			return entries[i], true
		}
	}
	return manifest.PlatformSpecificManifest{}, false
}
