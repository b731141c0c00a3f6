// Package daemon loads built images into a local container engine
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

const (
	// KindDocker is the Docker engine
	KindDocker = "docker"
	// KindPodman is the podman service, reached through its Docker compatible API
	KindPodman = "podman"
)

// SupportedKinds lists the daemon kinds accepted by New
var SupportedKinds = []string{KindDocker, KindPodman}

// API is the part of the Docker engine API used to load images
type API interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ImageLoad(ctx context.Context, input io.Reader, quiet bool) (dockertypes.ImageLoadResponse, error)
	Close() error
}

// BlobSource fetches base layers that are not yet in the content store
type BlobSource interface {
	BlobFile(ctx context.Context, r ref.Ref, desc types.Descriptor) (string, error)
}

// Daemon is a local container engine
type Daemon struct {
	kind  string
	host  string
	api   API
	blobs BlobSource
	log   *logrus.Logger
}

// Opts configures New
type Opts func(*Daemon)

// WithAPI uses an existing engine API client
func WithAPI(api API) Opts {
	return func(d *Daemon) {
		d.api = api
	}
}

// WithBlobSource sets the source used to fetch base layers
func WithBlobSource(bs BlobSource) Opts {
	return func(d *Daemon) {
		d.blobs = bs
	}
}

// WithHost overrides the engine address, e.g. unix:///var/run/docker.sock
func WithHost(host string) Opts {
	return func(d *Daemon) {
		d.host = host
	}
}

// WithLog injects a logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(d *Daemon) {
		d.log = log
	}
}

// New returns a client for a daemon kind, the connection is not checked until used
func New(kind string, opts ...Opts) (*Daemon, error) {
	if kind != KindDocker && kind != KindPodman {
		return nil, fmt.Errorf("%w: %q, supported types are %v", types.ErrUnknownDaemonType, kind, SupportedKinds)
	}
	d := &Daemon{
		kind: kind,
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.api == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		host := d.host
		if host == "" && kind == KindPodman {
			host = podmanHost()
		}
		if host != "" {
			clientOpts = append(clientOpts, client.WithHost(host))
		}
		api, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("Failed to create %s client: %w", kind, err)
		}
		d.api = api
	}
	return d, nil
}

// podmanHost returns the podman socket from the environment, preferring the rootless socket
func podmanHost() string {
	if h := os.Getenv("CONTAINER_HOST"); h != "" {
		return h
	}
	if os.Getenv("DOCKER_HOST") != "" {
		return ""
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		sock := filepath.Join(dir, "podman", "podman.sock")
		if _, err := os.Stat(sock); err == nil {
			return "unix://" + sock
		}
	}
	return "unix:///run/podman/podman.sock"
}

// Kind returns the daemon kind
func (d *Daemon) Kind() string {
	return d.kind
}

// Close releases the engine client
func (d *Daemon) Close() error {
	return d.api.Close()
}

// IsAvailable pings the daemon
func (d *Daemon) IsAvailable(ctx context.Context) bool {
	_, err := d.api.Ping(ctx)
	if err != nil {
		d.log.WithFields(logrus.Fields{
			"daemon": d.kind,
			"err":    err,
		}).Debug("Daemon is not available")
		return false
	}
	return true
}

// Load streams the image into the daemon, tagged with the repository and tag of dst.
// Base layers without a local path are fetched from src with the blob source.
func (d *Daemon) Load(ctx context.Context, built image.BuiltImage, src, dst ref.Ref) error {
	layerPaths, err := d.localLayers(ctx, built, src)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	writeErr := make(chan error, 1)
	go func() {
		err := WriteArchive(ctx, pw, built, dst, layerPaths)
		_ = pw.CloseWithError(err)
		writeErr <- err
	}()
	resp, err := d.api.ImageLoad(ctx, pr, true)
	if err != nil {
		_ = pr.CloseWithError(err)
		<-writeErr
		return fmt.Errorf("Failed to load image %s into %s: %w", dst.CommonName(), d.kind, err)
	}
	defer resp.Body.Close()
	if resp.JSON {
		err = jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil)
	} else {
		_, err = io.Copy(io.Discard, resp.Body)
	}
	_ = pr.CloseWithError(io.ErrClosedPipe)
	if errW := <-writeErr; errW != nil && err == nil {
		err = errW
	}
	if err != nil {
		return fmt.Errorf("Failed to load image %s into %s: %w", dst.CommonName(), d.kind, err)
	}
	d.log.WithFields(logrus.Fields{
		"daemon": d.kind,
		"image":  dst.Repository + ":" + dst.Tag,
		"digest": built.ManifestDesc.Digest.String(),
	}).Info("Image loaded")
	return nil
}

// localLayers returns the content store path of every layer, downloading missing base layers
func (d *Daemon) localLayers(ctx context.Context, built image.BuiltImage, src ref.Ref) ([]string, error) {
	paths := make([]string, len(built.Layers))
	for i, l := range built.Layers {
		if l.Path != "" {
			paths[i] = l.Path
			continue
		}
		if d.blobs == nil {
			return nil, fmt.Errorf("%w: base layer %s is not local and no blob source is configured", types.ErrNotFound, l.Descriptor.Digest)
		}
		p, err := d.blobs.BlobFile(ctx, src, l.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("Failed to fetch base layer %s: %w", l.Descriptor.Digest, err)
		}
		paths[i] = p
	}
	return paths, nil
}
