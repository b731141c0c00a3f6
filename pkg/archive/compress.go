package archive

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/regclient/regbuild/types"
)

// CompressType identifies the detected compression type
type CompressType int

const (
	// CompressNone detected no compression
	CompressNone CompressType = iota
	// CompressBzip2 compression
	CompressBzip2
	// CompressGzip compression
	CompressGzip
	// CompressXz compression
	CompressXz
	// CompressZstd compression
	CompressZstd
)

// compressHeaders are used to detect the compression type
var compressHeaders = map[CompressType][]byte{
	CompressBzip2: []byte("\x42\x5A\x68"),
	CompressGzip:  []byte("\x1F\x8B\x08"),
	CompressXz:    []byte("\xFD\x37\x7A\x58\x5A\x00"),
	CompressZstd:  []byte("\x28\xB5\x2F\xFD"),
}

func (ct CompressType) String() string {
	b, _ := ct.MarshalText()
	return string(b)
}

// MarshalText converts the compression type to a string
func (ct CompressType) MarshalText() ([]byte, error) {
	switch ct {
	case CompressNone:
		return []byte("none"), nil
	case CompressBzip2:
		return []byte("bzip2"), nil
	case CompressGzip:
		return []byte("gzip"), nil
	case CompressXz:
		return []byte("xz"), nil
	case CompressZstd:
		return []byte("zstd"), nil
	}
	return nil, fmt.Errorf("unknown compression type %d", int(ct))
}

// UnmarshalText parses a compression type
func (ct *CompressType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "none", "":
		*ct = CompressNone
	case "bzip2":
		*ct = CompressBzip2
	case "gzip":
		*ct = CompressGzip
	case "xz":
		*ct = CompressXz
	case "zstd":
		*ct = CompressZstd
	default:
		return fmt.Errorf("unknown compression type %s", string(text))
	}
	return nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewWriter returns a writer that compresses to w.
// Output is deterministic: gzip headers carry no name or timestamp and zstd uses a single encoder goroutine.
// Close must be called to flush the stream, it does not close w.
func NewWriter(w io.Writer, algo CompressType) (io.WriteCloser, error) {
	switch algo {
	case CompressNone:
		return nopWriteCloser{Writer: w}, nil
	case CompressGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CompressZstd:
		return zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
	case CompressXz:
		return nil, ErrXzUnsupported
	}
	return nil, fmt.Errorf("%w: compression %s", types.ErrUnsupported, algo)
}

// Compress returns a reader of the compressed content of r
func Compress(r io.Reader, algo CompressType) (io.Reader, error) {
	if algo == CompressNone {
		return r, nil
	}
	pr, pw := io.Pipe()
	cw, err := NewWriter(pw, algo)
	if err != nil {
		return nil, err
	}
	go func() {
		_, err := io.Copy(cw, r)
		if err == nil {
			err = cw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

type zstdReader struct {
	*zstd.Decoder
}

func (z zstdReader) Close() error {
	z.Decoder.Close()
	return nil
}

// Decompress extracts gzip, bzip2, and zstd streams
func Decompress(r io.Reader) (io.Reader, error) {
	// create bufio to peak on first few bytes
	br := bufio.NewReader(r)
	head, err := br.Peek(10)
	if err != nil && err != io.EOF {
		return br, err
	}

	// compare peaked data against known compression types
	switch DetectCompression(head) {
	case CompressBzip2:
		return bzip2.NewReader(br), nil
	case CompressGzip:
		return gzip.NewReader(br)
	case CompressZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return zstdReader{Decoder: zr}, nil
	case CompressXz:
		return br, ErrXzUnsupported
	default:
		return br, nil
	}
}

// DetectCompression identifies the compression type based on the first few bytes
func DetectCompression(head []byte) CompressType {
	for c, b := range compressHeaders {
		if bytes.HasPrefix(head, b) {
			return c
		}
	}
	return CompressNone
}
