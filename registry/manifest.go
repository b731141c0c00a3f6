package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/pkg/retryable"
	"github.com/regclient/regbuild/rid"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/manifest"
	"github.com/regclient/regbuild/types/ref"
)

// maxManifestSize limits the size of a manifest or config read into memory
const maxManifestSize int64 = 8 * 1024 * 1024

var manifestAccept = []string{
	string(types.MediaTypeDocker2Manifest),
	string(types.MediaTypeDocker2ManifestList),
	string(types.MediaTypeOCI1Manifest),
	string(types.MediaTypeOCI1ManifestList),
}

// Picker selects a manifest list entry for a runtime identifier
type Picker interface {
	PickBestManifestForRid(entries []manifest.PlatformSpecificManifest, rid string) (manifest.PlatformSpecificManifest, bool)
}

// ManifestGet retrieves a manifest or manifest list
func (c *Client) ManifestGet(ctx context.Context, r ref.Ref) (manifest.Response, error) {
	u := c.apiURL(r, "manifests/"+r.Ref(), nil)
	opts := []retryable.OptsReq{retryable.WithHeader("Accept", manifestAccept)}
	if r.Digest != "" {
		opts = append(opts, retryable.WithDigest(digest.Digest(r.Digest)))
	}
	resp, err := c.do(ctx, r, "GET", u, opts...)
	if err != nil {
		return manifest.Response{}, fmt.Errorf("Failed to get manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return manifest.Response{}, fmt.Errorf("Failed to get manifest %s: %w", r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	raw, err := io.ReadAll(io.LimitReader(resp, maxManifestSize))
	if err != nil {
		return manifest.Response{}, fmt.Errorf("Error reading manifest for %s: %w", r.CommonName(), err)
	}
	m, err := manifest.Parse(
		manifest.WithHeader(resp.HTTPResponse().Header),
		manifest.WithRaw(raw),
	)
	if err != nil {
		return m, fmt.Errorf("Failed to parse manifest %s: %w", r.CommonName(), err)
	}
	c.log.WithFields(logrus.Fields{
		"ref":       r.CommonName(),
		"mediaType": m.Desc.MediaType.String(),
		"digest":    m.Desc.Digest.String(),
	}).Debug("Manifest retrieved")
	return m, nil
}

// ManifestHead returns the descriptor of a manifest without the content
func (c *Client) ManifestHead(ctx context.Context, r ref.Ref) (types.Descriptor, error) {
	resp, err := c.do(ctx, r, "HEAD", c.apiURL(r, "manifests/"+r.Ref(), nil), retryable.WithHeader("Accept", manifestAccept))
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("Failed to request manifest head %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	if resp.HTTPResponse().StatusCode != http.StatusOK {
		return types.Descriptor{}, fmt.Errorf("Failed to request manifest head %s: %w", r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	h := resp.HTTPResponse().Header
	d, err := digest.Parse(h.Get("Docker-Content-Digest"))
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("Failed to request manifest head %s: %w: %v", r.CommonName(), types.ErrParsingFailed, err)
	}
	return types.Descriptor{
		MediaType: types.ParseMediaType(h.Get("Content-Type")),
		Digest:    d,
		Size:      resp.HTTPResponse().ContentLength,
	}, nil
}

// ManifestPut uploads a manifest to a tag or digest
func (c *Client) ManifestPut(ctx context.Context, r ref.Ref, mt types.MediaType, raw []byte) error {
	resp, err := c.do(ctx, r, "PUT", c.apiURL(r, "manifests/"+r.Ref(), nil),
		retryable.WithBodyBytes(raw),
		retryable.WithHeader("Content-Type", []string{string(mt)}),
	)
	if err != nil {
		return fmt.Errorf("Failed to put manifest %s: %w", r.CommonName(), err)
	}
	defer drainClose(resp)
	if resp.HTTPResponse().StatusCode != http.StatusCreated {
		return fmt.Errorf("Failed to put manifest %s: %w", r.CommonName(), statusError(r, resp.HTTPResponse()))
	}
	c.log.WithFields(logrus.Fields{
		"ref":    r.CommonName(),
		"digest": digest.Canonical.FromBytes(raw).String(),
	}).Debug("Manifest pushed")
	return nil
}

// GetManifestAndConfig resolves a reference to a single platform manifest and its config.
// Manifest lists are resolved with the picker for the runtime identifier.
// The manifest and config are cached in the content store.
func (c *Client) GetManifestAndConfig(ctx context.Context, r ref.Ref, runtimeID string, picker Picker) (manifest.Response, []byte, error) {
	m, err := c.ManifestGet(ctx, r)
	if err != nil {
		return m, nil, err
	}
	if m.IsList() {
		c.cacheManifest(r, m)
		entry, ok := picker.PickBestManifestForRid(m.List.Manifests, runtimeID)
		if !ok {
			return m, nil, fmt.Errorf("%w: %s for runtime %s, available runtimes: %s", types.ErrNoCompatiblePlatform, r.CommonName(), runtimeID, strings.Join(rid.AvailableRIDs(m.List.Manifests), ", "))
		}
		child := r.SetDigest(entry.Digest.String())
		m, err = c.ManifestGet(ctx, child)
		if err != nil {
			return m, nil, err
		}
		if m.IsList() {
			return m, nil, fmt.Errorf("%w: nested manifest list %s", types.ErrUnsupportedMediaType, entry.Digest)
		}
		c.cacheManifest(child, m)
	} else {
		c.cacheManifest(r, m)
	}

	conf := m.Manifest.Config
	confB, err := c.store.ReadBlob(conf.Digest)
	if err != nil {
		rdr, err := c.BlobGet(ctx, r, conf.Digest)
		if err != nil {
			return m, nil, fmt.Errorf("Failed to get config for %s: %w", r.CommonName(), err)
		}
		defer rdr.Close()
		confB, err = io.ReadAll(io.LimitReader(rdr, maxManifestSize))
		if err != nil {
			return m, nil, fmt.Errorf("Failed to read config for %s: %w", r.CommonName(), err)
		}
		if _, err = c.store.WriteBlob(conf, confB); err != nil {
			c.log.WithFields(logrus.Fields{
				"digest": conf.Digest.String(),
				"err":    err,
			}).Warn("Failed to cache config")
		}
	}
	return m, confB, nil
}

// GetImageManifest returns an image builder for the base image matching the runtime identifier
func (c *Client) GetImageManifest(ctx context.Context, r ref.Ref, runtimeID string, picker Picker) (*image.Builder, error) {
	m, confB, err := c.GetManifestAndConfig(ctx, r, runtimeID, picker)
	if err != nil {
		return nil, err
	}
	return image.NewBuilder(*m.Manifest, confB, image.WithLog(c.log))
}

func (c *Client) cacheManifest(r ref.Ref, m manifest.Response) {
	if _, err := c.store.WriteBlob(m.Desc, m.Raw); err != nil {
		c.log.WithFields(logrus.Fields{
			"ref": r.CommonName(),
			"err": err,
		}).Warn("Failed to cache manifest")
		return
	}
	if r.Tag != "" {
		if err := c.store.WriteReference(r.Registry, r.Repository, r.Tag, m.Desc.Digest); err != nil {
			c.log.WithFields(logrus.Fields{
				"ref": r.CommonName(),
				"err": err,
			}).Debug("Failed to record reference")
		}
	}
}
