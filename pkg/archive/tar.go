package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

// TarEntry is a single item written by Tar.
// Entries without a Source or Content are written as directories.
type TarEntry struct {
	Name       string
	Source     string // file copied into the archive
	Content    []byte // in memory content, used when Source is empty
	Mode       int64
	PAXRecords map[string]string
}

// TarOpts configures options for Tar
type TarOpts func(*tarOpts)

type tarOpts struct {
	modTime time.Time
}

// WithModTime sets the modification time on every entry, the default is the unix epoch
func WithModTime(t time.Time) TarOpts {
	return func(to *tarOpts) {
		to.modTime = t
	}
}

// Tar writes the entries in order with normalized ownership and timestamps
func Tar(ctx context.Context, w io.Writer, entries []TarEntry, opts ...TarOpts) error {
	to := tarOpts{
		modTime: time.Unix(0, 0).UTC(),
	}
	for _, opt := range opts {
		opt(&to)
	}

	tw := tar.NewWriter(w)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		header := &tar.Header{
			Name:       e.Name,
			Mode:       e.Mode,
			ModTime:    to.modTime,
			Format:     tar.FormatPAX,
			PAXRecords: e.PAXRecords,
		}
		var f *os.File
		if e.Source == "" && e.Content != nil {
			header.Typeflag = tar.TypeReg
			header.Size = int64(len(e.Content))
		} else if e.Source == "" {
			header.Typeflag = tar.TypeDir
		} else {
			var err error
			f, err = os.Open(e.Source)
			if err != nil {
				return err
			}
			fi, err := f.Stat()
			if err != nil {
				f.Close()
				return err
			}
			if !fi.Mode().IsRegular() {
				f.Close()
				return fmt.Errorf("%s is not a regular file", e.Source)
			}
			header.Typeflag = tar.TypeReg
			header.Size = fi.Size()
		}
		if err := tw.WriteHeader(header); err != nil {
			if f != nil {
				f.Close()
			}
			return err
		}
		if f != nil {
			_, err := io.Copy(tw, ctxReader{ctx: ctx, r: f})
			f.Close()
			if err != nil {
				return err
			}
		} else if e.Content != nil {
			if _, err := tw.Write(e.Content); err != nil {
				return err
			}
		}
	}
	return tw.Close()
}

// ctxReader stops a copy when the context is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
