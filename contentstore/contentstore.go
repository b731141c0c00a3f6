// Package contentstore is a filesystem cache of blobs and manifests addressed by digest
package contentstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/types"
)

const (
	contentDir    = "Content"
	tempDir       = "Temp"
	referencesDir = "References"
)

// Store resolves paths for content under a root directory.
// Directories are created on first use.
type Store struct {
	root string
}

// New returns a store rooted at the given directory
func New(root string) *Store {
	return &Store{root: root}
}

// Default returns a store under the system temp directory
func Default() *Store {
	return New(filepath.Join(os.TempDir(), "Containers"))
}

// Root returns the store root
func (s *Store) Root() string {
	return s.root
}

// ContentRoot returns the directory holding blobs, creating it if needed
func (s *Store) ContentRoot() (string, error) {
	return s.mkdir(filepath.Join(s.root, contentDir))
}

// TempRoot returns the directory holding in-progress files, creating it if needed
func (s *Store) TempRoot() (string, error) {
	return s.mkdir(filepath.Join(s.root, tempDir))
}

func (s *Store) mkdir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("Failed to create store directory %s: %w", dir, err)
	}
	return dir, nil
}

// PathForDigest returns the path for content with a digest and no extension
func (s *Store) PathForDigest(d digest.Digest) (string, error) {
	if err := types.ValidateDigest(d); err != nil {
		return "", err
	}
	root, err := s.ContentRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, d.Encoded()), nil
}

// PathForDescriptor returns the path for a layer, including the extension for its media type
func (s *Store) PathForDescriptor(desc types.Descriptor) (string, error) {
	ext, err := desc.MediaType.Ext()
	if err != nil {
		return "", err
	}
	p, err := s.PathForDigest(desc.Digest)
	if err != nil {
		return "", err
	}
	return p + ext, nil
}

// PathForLayer returns the path for a layer blob
func (s *Store) PathForLayer(desc types.Descriptor) (string, error) {
	return s.PathForDescriptor(desc)
}

// PathForRepositoryReference returns the path used to record a named reference
func (s *Store) PathForRepositoryReference(registry, repository, reference string) (string, error) {
	root, err := s.ContentRoot()
	if err != nil {
		return "", err
	}
	for _, part := range []string{registry, repository, reference} {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("%w: invalid reference component %q", types.ErrInvalidReference, part)
		}
	}
	dir, err := s.mkdir(filepath.Join(root, referencesDir, registry, filepath.FromSlash(repository)))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, reference), nil
}

// GetTempFile returns a new unique path in the temp directory, the file is not created
func (s *Store) GetTempFile() (string, error) {
	root, err := s.TempRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, uuid.NewString()), nil
}

// Commit moves a completed temp file to its final path.
// An existing entry is kept since the content for a digest never changes.
func (s *Store) Commit(tmp, final string) error {
	if _, err := os.Stat(final); err == nil {
		return os.Remove(tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("Failed to commit %s: %w", final, err)
	}
	return nil
}

// Exists reports whether content for a descriptor is stored with the expected size
func (s *Store) Exists(desc types.Descriptor) bool {
	var p string
	var err error
	if desc.MediaType.IsLayer() {
		p, err = s.PathForDescriptor(desc)
	} else {
		p, err = s.PathForDigest(desc.Digest)
	}
	if err != nil {
		return false
	}
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && (desc.Size <= 0 || fi.Size() == desc.Size)
}

// WriteBlob stores a small document such as a manifest or config by its digest
func (s *Store) WriteBlob(desc types.Descriptor, b []byte) (string, error) {
	if desc.Digest != digest.Canonical.FromBytes(b) {
		return "", fmt.Errorf("%w: expected %s", types.ErrDigestMismatch, desc.Digest)
	}
	final, err := s.PathForDigest(desc.Digest)
	if err != nil {
		return "", err
	}
	if s.Exists(desc) {
		return final, nil
	}
	return final, s.writeAtomic(final, func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	})
}

// ReadBlob returns a previously stored document
func (s *Store) ReadBlob(d digest.Digest) ([]byte, error) {
	p, err := s.PathForDigest(d)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, d)
	}
	return b, err
}

// WriteReference records the digest a named reference resolved to
func (s *Store) WriteReference(registry, repository, reference string, d digest.Digest) error {
	p, err := s.PathForRepositoryReference(registry, repository, reference)
	if err != nil {
		return err
	}
	return s.writeAtomic(p, func(w io.Writer) error {
		_, err := io.WriteString(w, d.String())
		return err
	})
}

func (s *Store) writeAtomic(final string, fn func(io.Writer) error) error {
	tmp, err := s.GetTempFile()
	if err != nil {
		return err
	}
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err = fn(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err = os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
