// Package conffile locates and opens the config file
package conffile

import (
	"io"
	"os"
	"path/filepath"
)

// File is a located config file
type File struct {
	fullname string
}

// Opt sets a location to search, the first option that resolves to a name wins
type Opt func(*File)

// New returns a File, or nil when none of the options resolve to a name
func New(opts ...Opt) *File {
	f := File{}
	for _, opt := range opts {
		if f.fullname != "" {
			break
		}
		opt(&f)
	}
	if f.fullname == "" {
		return nil
	}
	return &f
}

// WithFullname uses a specific filename
func WithFullname(fullname string) Opt {
	return func(f *File) {
		f.fullname = fullname
	}
}

// WithEnvFile uses the filename in an environment variable
func WithEnvFile(envFile string) Opt {
	return func(f *File) {
		f.fullname = os.Getenv(envFile)
	}
}

// WithEnvDir uses a file within the directory in an environment variable
func WithEnvDir(envDir, filename string) Opt {
	return func(f *File) {
		if dir := os.Getenv(envDir); dir != "" {
			f.fullname = filepath.Join(dir, filename)
		}
	}
}

// WithHomeDir uses a file under the user's home directory.
// Unless always is set, the file must already exist.
func WithHomeDir(dir, filename string, always bool) Opt {
	return func(f *File) {
		setIfExists(f, filepath.Join(homeDir(), dir, filename), always)
	}
}

// WithAppDir uses a file under the platform application config directory.
// Unless always is set, the file must already exist.
func WithAppDir(dir, filename string, always bool) Opt {
	return func(f *File) {
		setIfExists(f, filepath.Join(appDir(), dir, filename), always)
	}
}

func setIfExists(f *File, name string, always bool) {
	if !always {
		if _, err := os.Stat(name); err != nil {
			return
		}
	}
	f.fullname = name
}

// Name returns the full filename
func (f *File) Name() string {
	return f.fullname
}

// Open returns a reader for the file
func (f *File) Open() (io.ReadCloser, error) {
	return os.Open(f.fullname)
}

func homeDir() string {
	home := os.Getenv(homeEnv)
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	return home
}
