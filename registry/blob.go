package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/internal/units"
	"github.com/regclient/regbuild/pkg/retryable"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

// BlobHead verifies a blob exists, returning its size
func (c *Client) BlobHead(ctx context.Context, r ref.Ref, d digest.Digest) (int64, error) {
	resp, err := c.do(ctx, r, "HEAD", c.apiURL(r, "blobs/"+d.String(), nil))
	if err != nil {
		return 0, fmt.Errorf("Failed to request blob head, digest %s, ref %s: %w", d, r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return 0, fmt.Errorf("Failed to request blob head, digest %s, ref %s: %w", d, r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	return resp.HTTPResponse().ContentLength, nil
}

// BlobGet retrieves a blob, the digest is verified when the reader reaches EOF
func (c *Client) BlobGet(ctx context.Context, r ref.Ref, d digest.Digest) (io.ReadCloser, error) {
	resp, err := c.do(ctx, r, "GET", c.apiURL(r, "blobs/"+d.String(), nil), retryable.WithDigest(d))
	if err != nil {
		return nil, fmt.Errorf("Failed to get blob, digest %s, ref %s: %w", d, r.CommonName(), err)
	}
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		drainClose(resp)
		return nil, fmt.Errorf("Failed to get blob, digest %s, ref %s: %w", d, r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	return resp, nil
}

// BlobFile downloads a blob into the content store and returns its path.
// Content already in the store is not downloaded again.
func (c *Client) BlobFile(ctx context.Context, r ref.Ref, desc types.Descriptor) (string, error) {
	final, err := c.storePath(desc)
	if err != nil {
		return "", err
	}
	if c.store.Exists(desc) {
		return final, nil
	}
	_, err, _ = c.downloads.Do(desc.Digest.String(), func() (interface{}, error) {
		if c.store.Exists(desc) {
			return nil, nil
		}
		tmp, err := c.store.GetTempFile()
		if err != nil {
			return nil, err
		}
		rdr, err := c.BlobGet(ctx, r, desc.Digest)
		if err != nil {
			return nil, err
		}
		defer rdr.Close()
		f, err := os.Create(tmp)
		if err != nil {
			return nil, err
		}
		n, err := io.Copy(f, rdr)
		errC := f.Close()
		if err == nil {
			err = errC
		}
		if err == nil && desc.Size > 0 && n != desc.Size {
			err = fmt.Errorf("%w: expected size %d, received %d", types.ErrDigestMismatch, desc.Size, n)
		}
		if err != nil {
			os.Remove(tmp)
			return nil, fmt.Errorf("Failed to download blob %s from %s: %w", desc.Digest, r.CommonName(), err)
		}
		c.log.WithFields(logrus.Fields{
			"ref":    r.CommonName(),
			"digest": desc.Digest.String(),
			"size":   units.HumanSize(float64(n)),
		}).Debug("Blob downloaded")
		return nil, c.store.Commit(tmp, final)
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

func (c *Client) storePath(desc types.Descriptor) (string, error) {
	if desc.MediaType.IsLayer() {
		return c.store.PathForDescriptor(desc)
	}
	return c.store.PathForDigest(desc.Digest)
}

// BlobMount performs a server side copy of a blob from another repository on the same registry
func (c *Client) BlobMount(ctx context.Context, src, dst ref.Ref, d digest.Digest) error {
	if src.Registry != dst.Registry {
		return fmt.Errorf("%w: mount between registries %s and %s", types.ErrUnsupported, src.Registry, dst.Registry)
	}
	query := url.Values{}
	query.Set("mount", d.String())
	query.Set("from", src.Repository)
	resp, err := c.do(ctx, dst, "POST", c.apiURL(dst, "blobs/uploads/", query), retryable.WithContentLen(0))
	if err != nil {
		return fmt.Errorf("Failed to mount blob, digest %s, ref %s: %w", d, dst.CommonName(), err)
	}
	defer drainClose(resp)
	// 201 indicates the blob mount succeeded
	if resp.HTTPResponse().StatusCode == http.StatusCreated {
		c.log.WithFields(logrus.Fields{
			"digest": d.String(),
			"source": src.CommonName(),
			"target": dst.CommonName(),
		}).Debug("Blob mounted")
		return nil
	}
	// 202 indicates blob mount failed but server ready to receive an upload at location
	if resp.HTTPResponse().StatusCode == http.StatusAccepted {
		if u, errL := resolveLocation(resp.HTTPResponse()); errL == nil {
			c.uploadCancel(ctx, dst, u)
		}
		return fmt.Errorf("Failed to mount blob, digest %s, ref %s: %w", d, dst.CommonName(), types.ErrMountReturnedLocation)
	}
	return fmt.Errorf("Failed to mount blob, digest %s, ref %s: %w", d, dst.CommonName(), statusError(dst, resp.HTTPResponse()))
}

// blobPut uploads a blob if the registry does not already have it.
// Uploads of the same blob to the same repository are shared between concurrent callers.
func (c *Client) blobPut(ctx context.Context, r ref.Ref, desc types.Descriptor, open func() (io.ReadCloser, error)) error {
	key := r.Registry + "/" + r.Repository + "@" + desc.Digest.String()
	_, err, shared := c.uploads.Do(key, func() (interface{}, error) {
		if _, err := c.BlobHead(ctx, r, desc.Digest); err == nil {
			c.log.WithFields(logrus.Fields{
				"ref":    r.CommonName(),
				"digest": desc.Digest.String(),
			}).Debug("Blob exists, skipping upload")
			return nil, nil
		} else if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		return nil, c.blobUpload(ctx, r, desc, open)
	})
	if shared {
		c.log.WithFields(logrus.Fields{
			"ref":    r.CommonName(),
			"digest": desc.Digest.String(),
		}).Debug("Shared blob upload")
	}
	return err
}

func (c *Client) blobUpload(ctx context.Context, r ref.Ref, desc types.Descriptor, open func() (io.ReadCloser, error)) error {
	q := c.QuirksFor(r.Registry)
	putURL, minChunk, err := c.blobUploadStart(ctx, r)
	if err != nil {
		return err
	}
	chunked := false
	if minChunk > 0 && q.SupportsChunked {
		chunked = true
		if minChunk > q.ChunkSize {
			q.ChunkSize = minChunk
		}
	} else if q.BlobMax > 0 && desc.Size > q.BlobMax && q.SupportsChunked {
		chunked = true
	}
	log := c.log.WithFields(logrus.Fields{
		"ref":     r.CommonName(),
		"digest":  desc.Digest.String(),
		"size":    units.HumanSize(float64(desc.Size)),
		"chunked": chunked,
	})
	log.Debug("Uploading blob")

	if !chunked {
		err = c.blobUploadFull(ctx, r, desc, *putURL, open)
		if err == nil {
			return nil
		}
		if !q.SupportsChunked || errors.Is(err, types.ErrCanceled) {
			c.uploadCancel(ctx, r, putURL)
			return err
		}
		log.WithFields(logrus.Fields{
			"err": err,
		}).Info("Atomic upload failed, retrying with chunks")
		// the failed session may be unusable, start a new one
		c.uploadCancel(ctx, r, putURL)
		putURL, _, err = c.blobUploadStart(ctx, r)
		if err != nil {
			return err
		}
	}
	lastURL, err := c.blobUploadChunked(ctx, r, desc, *putURL, q.ChunkSize, open)
	if err != nil {
		c.uploadCancel(ctx, r, lastURL)
		return err
	}
	return nil
}

// blobUploadStart requests an upload session, returning the location and any minimum chunk size
func (c *Client) blobUploadStart(ctx context.Context, r ref.Ref) (*url.URL, int64, error) {
	resp, err := c.do(ctx, r, "POST", c.apiURL(r, "blobs/uploads/", nil), retryable.WithContentLen(0))
	if err != nil {
		return nil, 0, fmt.Errorf("Failed to send blob post, ref %s: %w", r.CommonName(), err)
	}
	defer drainClose(resp)
	if resp.HTTPResponse().StatusCode != http.StatusAccepted {
		return nil, 0, fmt.Errorf("Failed to send blob post, ref %s: %w", r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	putURL, err := resolveLocation(resp.HTTPResponse())
	if err != nil {
		return nil, 0, fmt.Errorf("Failed to send blob post, ref %s: %w", r.CommonName(), err)
	}
	var minChunk int64
	if v := resp.HTTPResponse().Header.Get("OCI-Chunk-Min-Length"); v != "" {
		if n, errP := strconv.ParseInt(v, 10, 64); errP == nil && n > 0 {
			minChunk = n
		}
	}
	c.log.WithFields(logrus.Fields{
		"location": putURL.String(),
		"minChunk": minChunk,
	}).Debug("Upload location received")
	return putURL, minChunk, nil
}

func (c *Client) blobUploadFull(ctx context.Context, r ref.Ref, desc types.Descriptor, putURL url.URL, open func() (io.ReadCloser, error)) error {
	queryAdd(&putURL, "digest", desc.Digest.String())
	resp, err := c.do(ctx, r, "PUT", putURL,
		retryable.WithBodyFunc(open),
		retryable.WithContentLen(desc.Size),
		retryable.WithHeader("Content-Type", []string{"application/octet-stream"}),
	)
	if err != nil {
		return fmt.Errorf("Failed to send blob (put), digest %s, ref %s: %w", desc.Digest, r.CommonName(), err)
	}
	defer drainClose(resp)
	// 201 follows distribution-spec, 204 is listed as possible in the Docker registry spec
	if resp.HTTPResponse().StatusCode != http.StatusCreated && resp.HTTPResponse().StatusCode != http.StatusNoContent {
		return fmt.Errorf("Failed to send blob (put), digest %s, ref %s: %w", desc.Digest, r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	return nil
}

// blobUploadChunked sends the blob with PATCH requests followed by a closing PUT.
// The last known upload location is returned for cancellation on failure.
func (c *Client) blobUploadChunked(ctx context.Context, r ref.Ref, desc types.Descriptor, chunkURL url.URL, chunkSize int64, open func() (io.ReadCloser, error)) (*url.URL, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultBlobChunk
	}
	rdr, err := open()
	if err != nil {
		return &chunkURL, err
	}
	defer rdr.Close()
	buf := make([]byte, chunkSize)
	var chunkStart int64
	for {
		n, errR := io.ReadFull(rdr, buf)
		if errR != nil && errR != io.EOF && errR != io.ErrUnexpectedEOF {
			return &chunkURL, fmt.Errorf("Failed to read blob chunk, ref %s: %w", r.CommonName(), errR)
		}
		if n > 0 {
			chunk := buf[:n]
			resp, err := c.do(ctx, r, "PATCH", chunkURL,
				retryable.WithBodyBytes(chunk),
				retryable.WithHeader("Content-Type", []string{"application/octet-stream"}),
				retryable.WithHeader("Content-Range", []string{fmt.Sprintf("%d-%d", chunkStart, chunkStart+int64(n)-1)}),
			)
			if err != nil {
				return &chunkURL, fmt.Errorf("Failed to send blob (chunk), ref %s: %w", r.CommonName(), err)
			}
			drainClose(resp)
			// distribution-spec is 202, AWS ECR returns a 201
			if resp.HTTPResponse().StatusCode == http.StatusCreated {
				c.log.WithFields(logrus.Fields{
					"ref":        r.CommonName(),
					"chunkStart": chunkStart,
					"chunkSize":  n,
				}).Debug("Early accept of chunk in PATCH before PUT request")
			} else if resp.HTTPResponse().StatusCode != http.StatusAccepted {
				return &chunkURL, fmt.Errorf("Failed to send blob (chunk), ref %s: %w", r.CommonName(), statusError(r, resp.HTTPResponse()))
			}
			chunkStart += int64(n)
			if resp.HTTPResponse().Header.Get("Location") != "" {
				next, err := resolveLocation(resp.HTTPResponse())
				if err != nil {
					return &chunkURL, fmt.Errorf("Failed to send blob (parse next chunk location), ref %s: %w", r.CommonName(), err)
				}
				chunkURL = *next
			}
		}
		if errR != nil {
			break
		}
	}
	if desc.Size > 0 && chunkStart != desc.Size {
		return &chunkURL, fmt.Errorf("%w: expected size %d, read %d", types.ErrDigestMismatch, desc.Size, chunkStart)
	}

	putURL := chunkURL
	queryAdd(&putURL, "digest", desc.Digest.String())
	resp, err := c.do(ctx, r, "PUT", putURL,
		retryable.WithContentLen(0),
		retryable.WithHeader("Content-Type", []string{"application/octet-stream"}),
	)
	if err != nil {
		return &chunkURL, fmt.Errorf("Failed to send blob (chunk digest), digest %s, ref %s: %w", desc.Digest, r.CommonName(), err)
	}
	defer drainClose(resp)
	if resp.HTTPResponse().StatusCode != http.StatusCreated && resp.HTTPResponse().StatusCode != http.StatusNoContent {
		return &chunkURL, fmt.Errorf("Failed to send blob (chunk digest), digest %s, ref %s: %w", desc.Digest, r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	return nil, nil
}

// uploadCancel deletes an upload session, failures are only logged
func (c *Client) uploadCancel(ctx context.Context, r ref.Ref, u *url.URL) {
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	resp, err := c.getRetryable(r.Registry).DoRequest(ctx, "DELETE", *u, retryable.WithContentLen(0))
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"ref": r.CommonName(),
			"err": err,
		}).Debug("Failed to cancel upload")
		return
	}
	drainClose(resp)
	c.log.WithFields(logrus.Fields{
		"ref":    r.CommonName(),
		"status": resp.HTTPResponse().StatusCode,
	}).Debug("Upload canceled")
}

func bytesOpener(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func fileOpener(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}
