package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/pkg/archive"
	"github.com/regclient/regbuild/types/ref"
)

// archiveManifest is an entry of manifest.json in a docker save archive
type archiveManifest struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// RepoTag is the name given to the image by the daemon
func RepoTag(dst ref.Ref) string {
	tag := dst.Tag
	if tag == "" {
		tag = "latest"
	}
	return dst.Repository + ":" + tag
}

// WriteArchive writes the image in the docker save format.
// layerPaths holds the local file of each layer in built.Layers.
func WriteArchive(ctx context.Context, w io.Writer, built image.BuiltImage, dst ref.Ref, layerPaths []string) error {
	if len(layerPaths) != len(built.Layers) {
		return fmt.Errorf("Failed to write archive: %d layer paths provided for %d layers", len(layerPaths), len(built.Layers))
	}
	am := archiveManifest{
		Config:   built.ConfigDesc.Digest.Encoded() + ".json",
		RepoTags: []string{RepoTag(dst)},
		Layers:   make([]string, 0, len(built.Layers)),
	}
	layerEntries := make([]archive.TarEntry, 0, len(built.Layers)*2)
	seen := map[string]bool{}
	for i, l := range built.Layers {
		dir := l.Descriptor.Digest.Encoded()
		name := dir + "/layer.tar"
		am.Layers = append(am.Layers, name)
		if seen[name] {
			continue
		}
		seen[name] = true
		layerEntries = append(layerEntries,
			archive.TarEntry{Name: dir + "/", Mode: 0o755},
			archive.TarEntry{Name: name, Source: layerPaths[i], Mode: 0o644},
		)
	}
	amB, err := json.Marshal([]archiveManifest{am})
	if err != nil {
		return fmt.Errorf("Failed to write archive: %w", err)
	}
	entries := []archive.TarEntry{
		{Name: "manifest.json", Content: amB, Mode: 0o644},
		{Name: am.Config, Content: built.Config, Mode: 0o644},
	}
	entries = append(entries, layerEntries...)
	if err := archive.Tar(ctx, w, entries); err != nil {
		return fmt.Errorf("Failed to write archive for %s: %w", RepoTag(dst), err)
	}
	return nil
}
