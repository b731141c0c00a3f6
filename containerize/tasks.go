package containerize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/registry"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/manifest"
	"github.com/regclient/regbuild/types/ref"
)

// ManifestSource resolves manifests and caches them in a content store
type ManifestSource interface {
	ManifestGet(ctx context.Context, r ref.Ref) (manifest.Response, error)
	GetManifestAndConfig(ctx context.Context, r ref.Ref, runtimeID string, picker registry.Picker) (manifest.Response, []byte, error)
	Store() *contentstore.Store
}

// ManifestItem is the content store entry of a resolved manifest
type ManifestItem struct {
	Path      string
	Digest    digest.Digest
	Tag       string
	MediaType types.MediaType
}

// ConfigItem is the content store entry of an image config
type ConfigItem struct {
	Path   string
	Digest digest.Digest
	Tag    string
}

// LayerItem is a layer blob, the path may not exist until the layer is downloaded
type LayerItem struct {
	Path      string
	Digest    digest.Digest
	Size      int64
	MediaType types.MediaType
}

// BaseImage describes the single platform base image selected for a runtime
type BaseImage struct {
	Manifest ManifestItem
	Config   ConfigItem
	Layers   []LayerItem
}

// ResolveBaseImage selects the base image for a runtime and caches its manifest and config
func ResolveBaseImage(ctx context.Context, reg ManifestSource, fullRef, runtimeID string, picker registry.Picker) (BaseImage, error) {
	r, err := ref.New(fullRef)
	if err != nil {
		return BaseImage{}, fmt.Errorf("%s is not a valid fully qualified image reference: %w", fullRef, err)
	}
	m, _, err := reg.GetManifestAndConfig(ctx, r, runtimeID, picker)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrNotFound):
			return BaseImage{}, &RepositoryNotFoundError{Name: r.Repository, Reference: r.Ref(), Registry: r.Registry, Err: err}
		case errors.Is(err, types.ErrUnauthorized):
			return BaseImage{}, &UnableToAccessRepositoryError{Name: r.Repository, Registry: r.Registry, Err: err}
		}
		return BaseImage{}, err
	}
	store := reg.Store()
	bi := BaseImage{
		Manifest: ManifestItem{
			Digest:    m.Desc.Digest,
			Tag:       r.Tag,
			MediaType: m.Desc.MediaType,
		},
		Config: ConfigItem{
			Digest: m.Manifest.Config.Digest,
			Tag:    r.Tag,
		},
		Layers: make([]LayerItem, 0, len(m.Manifest.Layers)),
	}
	if bi.Manifest.Path, err = store.PathForDigest(m.Desc.Digest); err != nil {
		return bi, err
	}
	if bi.Config.Path, err = store.PathForDigest(m.Manifest.Config.Digest); err != nil {
		return bi, err
	}
	for _, l := range m.Manifest.Layers {
		p, err := store.PathForLayer(l)
		if err != nil {
			return bi, err
		}
		bi.Layers = append(bi.Layers, LayerItem{Path: p, Digest: l.Digest, Size: l.Size, MediaType: l.MediaType})
	}
	return bi, nil
}

// ManifestFile is a manifest written by GetManifest
type ManifestFile struct {
	Path         string
	Digest       digest.Digest
	OS           string
	Architecture string
	Variant      string
}

// ManifestFiles are the files written by GetManifest, List is nil for a single platform image
type ManifestFiles struct {
	List      *ManifestFile
	Manifests []ManifestFile
}

// GetManifest saves a manifest to storagePath as "<repository with / replaced by .>.<tag>.manifest.json".
// Each entry of a manifest list is saved as "<name>.<os>.<arch>[.<variant>].manifest.json".
func GetManifest(ctx context.Context, reg ManifestSource, registryName, repository, tag, storagePath string) (ManifestFiles, error) {
	r, err := ref.FromParts(registryName, repository, tag)
	if err != nil {
		return ManifestFiles{}, err
	}
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return ManifestFiles{}, fmt.Errorf("Failed to create %s: %w", storagePath, err)
	}
	m, err := reg.ManifestGet(ctx, r)
	if err != nil {
		return ManifestFiles{}, err
	}
	name := strings.ReplaceAll(repository, "/", ".") + "." + tag
	output := filepath.Join(storagePath, name+".manifest.json")
	switch m.Desc.MediaType.Kind() {
	case types.KindDockerManifest, types.KindOCIManifest:
		if err := os.WriteFile(output, m.Raw, 0o644); err != nil {
			return ManifestFiles{}, fmt.Errorf("Failed to write manifest: %w", err)
		}
		return ManifestFiles{Manifests: []ManifestFile{{Path: output, Digest: m.Desc.Digest}}}, nil
	case types.KindDockerManifestList, types.KindOCIIndex:
		mf := ManifestFiles{Manifests: make([]ManifestFile, 0, len(m.List.Manifests))}
		for _, entry := range m.List.Manifests {
			f := ManifestFile{Digest: entry.Digest}
			fileName := "unknown"
			if entry.Platform != nil {
				f.OS = entry.Platform.OS
				f.Architecture = entry.Platform.Architecture
				f.Variant = entry.Platform.Variant
				fileName = f.OS + "." + f.Architecture
				if f.Variant != "" {
					fileName += "." + f.Variant
				}
			}
			f.Path = filepath.Join(storagePath, name+"."+fileName+".manifest.json")
			b, err := json.Marshal(entry)
			if err != nil {
				return ManifestFiles{}, err
			}
			if err := os.WriteFile(f.Path, b, 0o644); err != nil {
				return ManifestFiles{}, fmt.Errorf("Failed to write manifest: %w", err)
			}
			mf.Manifests = append(mf.Manifests, f)
		}
		if err := os.WriteFile(output, m.Raw, 0o644); err != nil {
			return ManifestFiles{}, fmt.Errorf("Failed to write manifest list: %w", err)
		}
		mf.List = &ManifestFile{Path: output, Digest: m.Desc.Digest}
		return mf, nil
	}
	return ManifestFiles{}, fmt.Errorf("%w: %s", types.ErrUnsupportedMediaType, m.Desc.MediaType)
}

// CreateAppLayer builds a layer from files below fileRoot and copies the blob to outputPath.
// Relative file names are resolved against fileRoot.
func CreateAppLayer(ctx context.Context, store *contentstore.Store, fileRoot string, files []string, workingDir string, isWindows bool, mt types.MediaType, outputPath string) (LayerItem, error) {
	lf := make([]layer.File, 0, len(files))
	for _, f := range files {
		src := f
		if !filepath.IsAbs(src) {
			src = filepath.Join(fileRoot, src)
		}
		rel, err := filepath.Rel(fileRoot, src)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return LayerItem{}, fmt.Errorf("file %s is not below %s", f, fileRoot)
		}
		lf = append(lf, layer.File{Source: src, Target: filepath.ToSlash(rel)})
	}
	l, err := layer.FromFiles(ctx, store, lf, workingDir, isWindows, mt)
	if err != nil {
		return LayerItem{}, err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return LayerItem{}, fmt.Errorf("Failed to create output directory: %w", err)
	}
	if err := copyFile(l.Path, outputPath); err != nil {
		return LayerItem{}, fmt.Errorf("Failed to copy layer to %s: %w", outputPath, err)
	}
	return LayerItem{
		Path:      outputPath,
		Digest:    l.Descriptor.Digest,
		Size:      l.Descriptor.Size,
		MediaType: l.Descriptor.MediaType,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
