// Package layer builds filesystem layer blobs from application files
package layer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/internal/units"
	"github.com/regclient/regbuild/pkg/archive"
	"github.com/regclient/regbuild/types"
)

// builtinUsersSecurityDescriptor grants BUILTIN\Users access to files in Windows layers
const builtinUsersSecurityDescriptor = "AQAAgBQAAAAkAAAAAAAAAAAAAAABAgAAAAAABSAAAAAhAgAAAQEAAAAAAAUSAAAA"

// Layer is a layer blob written to the content store
type Layer struct {
	Descriptor types.Descriptor
	DiffID     digest.Digest
	Path       string
}

// Open returns a reader for the layer blob
func (l Layer) Open() (io.ReadCloser, error) {
	return os.Open(l.Path)
}

// File maps a file on disk to a path relative to the working directory in the image
type File struct {
	Source string
	Target string
}

type options struct {
	log *logrus.Logger
}

// Opts configures a layer build
type Opts func(*options)

// WithLog overrides the default logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(o *options) {
		o.log = log
	}
}

func newOptions(opts []Opts) options {
	o := options{
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromDirectory creates a layer containing every regular file below sourceDir,
// placed under workingDir in the image
func FromDirectory(ctx context.Context, store *contentstore.Store, sourceDir, workingDir string, isWindows bool, mt types.MediaType, opts ...Opts) (Layer, error) {
	files := []File{}
	err := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		files = append(files, File{Source: p, Target: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return Layer{}, fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		return Layer{}, fmt.Errorf("Failed to read directory %s: %w", sourceDir, err)
	}
	return FromFiles(ctx, store, files, workingDir, isWindows, mt, opts...)
}

// FromFiles creates a layer from a list of files.
// Output for the same files, paths, and media type is byte for byte identical.
func FromFiles(ctx context.Context, store *contentstore.Store, files []File, workingDir string, isWindows bool, mt types.MediaType, opts ...Opts) (Layer, error) {
	o := newOptions(opts)
	if !mt.IsLayer() {
		return Layer{}, fmt.Errorf("%w: %s", types.ErrUnsupportedMediaType, mt.String())
	}
	entries, err := tarEntries(files, workingDir, isWindows)
	if err != nil {
		return Layer{}, err
	}

	tmp, err := store.GetTempFile()
	if err != nil {
		return Layer{}, err
	}
	l, err := writeLayer(ctx, tmp, entries, mt)
	if err != nil {
		os.Remove(tmp)
		if ctx.Err() != nil {
			return Layer{}, fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())
		}
		return Layer{}, err
	}
	final, err := store.PathForDescriptor(l.Descriptor)
	if err != nil {
		os.Remove(tmp)
		return Layer{}, err
	}
	if err = store.Commit(tmp, final); err != nil {
		return Layer{}, err
	}
	l.Path = final
	o.log.WithFields(logrus.Fields{
		"digest": l.Descriptor.Digest.String(),
		"size":   units.HumanSize(float64(l.Descriptor.Size)),
		"files":  len(files),
	}).Debug("Layer created")
	return l, nil
}

func writeLayer(ctx context.Context, tmp string, entries []archive.TarEntry, mt types.MediaType) (Layer, error) {
	f, err := os.Create(tmp)
	if err != nil {
		return Layer{}, err
	}
	defer f.Close()

	// blob digest covers the compressed bytes, diff id covers the tar stream
	blobDigester := digest.Canonical.Digester()
	blobCounter := &countWriter{}
	cw, err := archive.NewWriter(io.MultiWriter(f, blobDigester.Hash(), blobCounter), compressType(mt))
	if err != nil {
		return Layer{}, err
	}
	diffDigester := digest.Canonical.Digester()
	if err = archive.Tar(ctx, io.MultiWriter(cw, diffDigester.Hash()), entries); err != nil {
		cw.Close()
		return Layer{}, err
	}
	if err = cw.Close(); err != nil {
		return Layer{}, err
	}
	if err = f.Close(); err != nil {
		return Layer{}, err
	}
	return Layer{
		Descriptor: types.Descriptor{
			MediaType: mt,
			Digest:    blobDigester.Digest(),
			Size:      blobCounter.n,
		},
		DiffID: diffDigester.Digest(),
	}, nil
}

func compressType(mt types.MediaType) archive.CompressType {
	switch mt.Compression() {
	case types.CompressionGzip:
		return archive.CompressGzip
	case types.CompressionZstd:
		return archive.CompressZstd
	default:
		return archive.CompressNone
	}
}

// tarEntries computes the sorted entry list.
// Windows layers place content under Files/, include a Hives/ directory, list every parent
// directory explicitly, and attach a security descriptor to each entry.
func tarEntries(files []File, workingDir string, isWindows bool) ([]archive.TarEntry, error) {
	base := strings.Trim(filepath.ToSlash(workingDir), "/")
	if isWindows {
		base = strings.Trim(strings.ReplaceAll(base, "\\", "/"), "/")
		// C:\app and \app both land in Files/app
		if len(base) >= 2 && base[1] == ':' {
			base = strings.Trim(base[2:], "/")
		}
	}
	seen := map[string]bool{}
	entries := []archive.TarEntry{}
	for _, file := range files {
		target := strings.Trim(filepath.ToSlash(file.Target), "/")
		if target == "" {
			return nil, fmt.Errorf("empty target path for %s", file.Source)
		}
		name := path.Clean(path.Join(base, target))
		if name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("target path %s escapes the working directory", file.Target)
		}
		if isWindows {
			name = path.Join("Files", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate target path %s", name)
		}
		seen[name] = true
		mode := int64(0o644)
		if fi, err := os.Stat(file.Source); err != nil {
			return nil, err
		} else if !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", file.Source)
		} else if fi.Mode().Perm()&0o111 != 0 {
			mode = 0o755
		}
		entries = append(entries, archive.TarEntry{Name: name, Source: file.Source, Mode: mode})
	}
	if isWindows {
		dirs := map[string]bool{"Files": true, "Hives": true}
		for _, e := range entries {
			for d := path.Dir(e.Name); d != "." && d != "/"; d = path.Dir(d) {
				dirs[d] = true
			}
		}
		for d := range dirs {
			if seen[d] {
				return nil, fmt.Errorf("target path %s conflicts with a directory", d)
			}
			entries = append(entries, archive.TarEntry{Name: d, Mode: 0o755})
		}
		for i := range entries {
			entries[i].PAXRecords = map[string]string{"MSWINDOWS.rawsd": builtinUsersSecurityDescriptor}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

type countWriter struct {
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
