package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

// PartialPushError is returned when every blob was pushed but the manifest was rejected
type PartialPushError struct {
	Ref    ref.Ref
	Digest digest.Digest
	Err    error
}

func (e *PartialPushError) Error() string {
	return fmt.Sprintf("blobs pushed to %s but manifest %s failed: %v", e.Ref.CommonName(), e.Digest, e.Err)
}

// Is matches types.ErrManifestPush
func (e *PartialPushError) Is(target error) bool {
	return target == types.ErrManifestPush
}

func (e *PartialPushError) Unwrap() error {
	return e.Err
}

// PushLayer uploads a layer from the content store.
// No upload is made when the registry already has the blob.
func (c *Client) PushLayer(ctx context.Context, r ref.Ref, l layer.Layer) error {
	if l.Path == "" {
		return fmt.Errorf("%w: layer %s is not in the content store", types.ErrNotFound, l.Descriptor.Digest)
	}
	return c.blobPut(ctx, r, l.Descriptor, fileOpener(l.Path))
}

// Push uploads a built image to dst.
// Base layers are mounted from src when both are on the same registry, otherwise they are
// downloaded into the content store and uploaded.
func (c *Client) Push(ctx context.Context, built image.BuiltImage, src, dst ref.Ref) error {
	log := c.log.WithFields(logrus.Fields{
		"source": src.CommonName(),
		"target": dst.CommonName(),
		"digest": built.ManifestDesc.Digest.String(),
	})
	log.Info("Pushing image")
	if err := c.blobPut(ctx, dst, built.ConfigDesc, bytesOpener(built.Config)); err != nil {
		return fmt.Errorf("Failed to push config to %s: %w", dst.CommonName(), err)
	}

	q := c.QuirksFor(dst.Registry)
	parallel := q.ParallelUploads
	if parallel < 1 {
		parallel = 1
	}
	sem := semaphore.NewWeighted(int64(parallel))
	eg, egCtx := errgroup.WithContext(ctx)
	for _, l := range built.Layers {
		l := l
		eg.Go(func() error {
			if err := sem.Acquire(egCtx, 1); err != nil {
				return canceled(err)
			}
			defer sem.Release(1)
			return c.pushLayerFrom(egCtx, l, src, dst)
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("Failed to push layers to %s: %w", dst.CommonName(), err)
	}

	if err := c.ManifestPut(ctx, dst, built.ManifestDesc.MediaType, built.Manifest); err != nil {
		return &PartialPushError{Ref: dst, Digest: built.ManifestDesc.Digest, Err: err}
	}
	log.Info("Pushed image")
	return nil
}

func (c *Client) pushLayerFrom(ctx context.Context, l layer.Layer, src, dst ref.Ref) error {
	if l.Path != "" {
		return c.PushLayer(ctx, dst, l)
	}
	if _, err := c.BlobHead(ctx, dst, l.Descriptor.Digest); err == nil {
		return nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if src.Registry == dst.Registry {
		err := c.BlobMount(ctx, src, dst, l.Descriptor.Digest)
		if err == nil {
			return nil
		}
		c.log.WithFields(logrus.Fields{
			"digest": l.Descriptor.Digest.String(),
			"err":    err,
		}).Debug("Mount failed, copying layer")
	}
	p, err := c.BlobFile(ctx, src, l.Descriptor)
	if err != nil {
		return err
	}
	l.Path = p
	return c.PushLayer(ctx, dst, l)
}

func canceled(err error) error {
	if errors.Is(err, types.ErrCanceled) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrCanceled, err)
}
