// Package containerize builds an image from a publish directory and sends it to each destination
package containerize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/regclient/regbuild/contentstore"
	"github.com/regclient/regbuild/daemon"
	"github.com/regclient/regbuild/image"
	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/registry"
	"github.com/regclient/regbuild/rid"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/ref"
)

// Exit codes returned in Result
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitDaemonUnavailable = 7
)

// Registry pulls the base image and pushes the result
type Registry interface {
	GetImageManifest(ctx context.Context, r ref.Ref, runtimeID string, picker registry.Picker) (*image.Builder, error)
	Push(ctx context.Context, built image.BuiltImage, src, dst ref.Ref) error
	BlobFile(ctx context.Context, r ref.Ref, desc types.Descriptor) (string, error)
}

// Daemon is a local container engine
type Daemon interface {
	IsAvailable(ctx context.Context) bool
	Load(ctx context.Context, built image.BuiltImage, src, dst ref.Ref) error
}

// Port is an exposed port
type Port struct {
	Number int
	Type   image.PortType
}

// ParsePort parses "<number>[/<tcp|udp>]", the protocol defaults to tcp
func ParsePort(s string) (Port, error) {
	num, proto, found := strings.Cut(s, "/")
	p := Port{Type: image.PortTCP}
	if found {
		p.Type = image.PortType(strings.ToLower(proto))
		if p.Type != image.PortTCP && p.Type != image.PortUDP {
			return p, fmt.Errorf("%w: protocol %q in %q", types.ErrInvalidPort, proto, s)
		}
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 65535 {
		return p, fmt.Errorf("%w: %q", types.ErrInvalidPort, s)
	}
	p.Number = n
	return p, nil
}

// Options are the inputs to Containerize
type Options struct {
	PublishDir     string
	WorkingDir     string
	BaseRegistry   string
	BaseImage      string
	BaseTag        string
	Entrypoint     []string
	EntrypointArgs []string
	ImageName      string
	ImageTags      []string
	// OutputRegistry is the destination registry, an empty value loads the image into LocalDaemon
	OutputRegistry string
	Labels         map[string]string
	Ports          []Port
	Env            map[string]string
	RuntimeID      string
	RIDGraphPath   string
	LocalDaemon    string
	User           string
	// ArchivePath additionally writes a docker save archive of the first tag
	ArchivePath string

	// Store holds pulled and created blobs, defaults to contentstore.Default
	Store *contentstore.Store
	// Registry defaults to a registry.Client using Store and docker credentials
	Registry Registry
	// NewDaemon defaults to daemon.New
	NewDaemon func(kind string) (Daemon, error)
	Log       *logrus.Logger
}

// Targets returns a push target for each image tag
func (o Options) Targets() ([]ref.PushTarget, error) {
	if len(o.ImageTags) == 0 {
		return nil, fmt.Errorf("%w: no image tags provided for %s", types.ErrInvalidReference, o.ImageName)
	}
	targets := make([]ref.PushTarget, 0, len(o.ImageTags))
	for _, tag := range o.ImageTags {
		if o.OutputRegistry != "" {
			r, err := ref.FromParts(o.OutputRegistry, o.ImageName, tag)
			if err != nil {
				return nil, err
			}
			targets = append(targets, ref.Registry(r))
			continue
		}
		r, err := ref.New(o.ImageName + ":" + tag)
		if err != nil {
			return nil, err
		}
		targets = append(targets, ref.LocalDaemon(o.LocalDaemon, localRef(o.ImageName, r)))
	}
	return targets, nil
}

// localRef keeps the image name given by the user for images loaded into a daemon
func localRef(name string, r ref.Ref) ref.Ref {
	return ref.Ref{Reference: name + ":" + r.Tag, Repository: name, Tag: r.Tag}
}

// DestinationResult is the outcome of a single push target
type DestinationResult struct {
	Name       string
	Target     ref.PushTarget
	Err        error
	Canceled   bool
	Diagnostic *Diagnostic
}

// Result aggregates the outcome of Containerize
type Result struct {
	ExitCode     int
	Canceled     bool
	Digest       digest.Digest
	Destinations []DestinationResult
	Diagnostics  []Diagnostic
}

// Succeeded is true when the image was built and every destination received it
func (r Result) Succeeded() bool {
	return r.ExitCode == ExitSuccess && !r.Canceled
}

// Containerize resolves the base image, adds a layer for the publish directory, and pushes the
// result to every destination. Destinations are independent, a failure of one does not stop the others.
func Containerize(ctx context.Context, opts Options) Result {
	log := opts.Log
	if log == nil {
		log = &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		}
	}
	res := Result{}
	fail := func(code Code, err error) Result {
		if isCanceled(ctx, err) {
			log.WithFields(logrus.Fields{
				"err": err,
			}).Info("Build canceled")
			res.Canceled = true
			res.ExitCode = ExitFailure
			return res
		}
		res.Diagnostics = append(res.Diagnostics, Diagnostic{Code: codeFor(err, code), Message: err.Error()})
		res.ExitCode = ExitFailure
		return res
	}

	if fi, err := os.Stat(opts.PublishDir); err != nil || !fi.IsDir() {
		return fail(CodePublishDirMissing, fmt.Errorf("publish directory %q does not exist", opts.PublishDir))
	}
	if opts.BaseRegistry == "" {
		return fail(CodeImagePullNotSupported, fmt.Errorf("pulling the base image %s from a local daemon is not supported", opts.BaseImage))
	}
	src, err := ref.FromParts(opts.BaseRegistry, opts.BaseImage, opts.BaseTag)
	if err != nil {
		return fail(CodeInvalidReference, err)
	}
	targets, err := opts.Targets()
	if err != nil {
		return fail(CodeInvalidReference, err)
	}

	store := opts.Store
	if store == nil {
		store = contentstore.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = registry.New(
			registry.WithStore(store),
			registry.WithLog(log),
			registry.WithDockerCreds(),
		)
	}
	newDaemon := opts.NewDaemon
	if newDaemon == nil {
		newDaemon = func(kind string) (Daemon, error) {
			d, err := daemon.New(kind, daemon.WithLog(log), daemon.WithBlobSource(reg))
			if err != nil {
				return nil, err
			}
			return d, nil
		}
	}
	var d Daemon
	if opts.OutputRegistry == "" {
		d, err = newDaemon(opts.LocalDaemon)
		if err != nil {
			return fail(CodeUnknownDaemonType, err)
		}
	}

	graph, err := rid.LoadGraph(opts.RIDGraphPath)
	if err != nil {
		return fail(CodeBuildFailed, err)
	}
	picker := rid.NewPicker(graph, rid.WithLog(log))
	b, err := reg.GetImageManifest(ctx, src, opts.RuntimeID, picker)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			err = fmt.Errorf("unable to find base image %s for runtime %s: %w", src.CommonName(), opts.RuntimeID, err)
		}
		return fail(CodeBaseImageNotFound, err)
	}
	log.WithFields(logrus.Fields{
		"image": opts.ImageName,
		"tags":  strings.Join(opts.ImageTags, ","),
		"base":  src.CommonName(),
	}).Info("Building image")

	built, err := build(ctx, b, store, opts, log)
	if err != nil {
		return fail(CodeBuildFailed, err)
	}
	res.Digest = built.Digest()

	// each goroutine only writes its own entry, errors are recorded in the result
	n := len(targets)
	if opts.ArchivePath != "" {
		n++
	}
	res.Destinations = make([]DestinationResult, n)
	eg := errgroup.Group{}
	for i, t := range targets {
		i, t := i, t
		eg.Go(func() error {
			res.Destinations[i] = pushTarget(ctx, reg, d, built, src, t, log)
			return nil
		})
	}
	if opts.ArchivePath != "" {
		eg.Go(func() error {
			res.Destinations[n-1] = writeArchive(ctx, reg, built, src, targets[0].Ref, opts.ArchivePath, log)
			return nil
		})
	}
	_ = eg.Wait()

	for _, dr := range res.Destinations {
		switch {
		case dr.Canceled:
			res.Canceled = true
			if res.ExitCode == ExitSuccess {
				res.ExitCode = ExitFailure
			}
		case dr.Diagnostic != nil:
			res.Diagnostics = append(res.Diagnostics, *dr.Diagnostic)
			if dr.Diagnostic.Code == CodeDaemonUnavailable {
				res.ExitCode = ExitDaemonUnavailable
			} else if res.ExitCode == ExitSuccess {
				res.ExitCode = ExitFailure
			}
		}
	}
	return res
}

// build adds the application layer and the image settings to the base image
func build(ctx context.Context, b *image.Builder, store *contentstore.Store, opts Options, log *logrus.Logger) (image.BuiltImage, error) {
	l, err := layer.FromDirectory(ctx, store, opts.PublishDir, opts.WorkingDir, b.IsWindows(), b.LayerMediaType(), layer.WithLog(log))
	if err != nil {
		return image.BuiltImage{}, err
	}
	b.AddLayer(l)
	b.SetWorkingDirectory(opts.WorkingDir)
	b.SetEntryPoint(opts.Entrypoint, opts.EntrypointArgs)
	for _, k := range sortedKeys(opts.Labels) {
		b.AddLabel(k, opts.Labels[k])
	}
	for _, k := range sortedKeys(opts.Env) {
		b.AddEnvironmentVariable(k, opts.Env[k])
	}
	for _, p := range opts.Ports {
		b.ExposePort(p.Number, p.Type)
	}
	if opts.User != "" {
		b.SetUser(opts.User)
	}
	return b.Build()
}

func pushTarget(ctx context.Context, reg Registry, d Daemon, built image.BuiltImage, src ref.Ref, t ref.PushTarget, log *logrus.Logger) DestinationResult {
	dr := DestinationResult{Name: t.String(), Target: t}
	var code Code
	switch t.Kind {
	case ref.TargetLocalDaemon:
		if !d.IsAvailable(ctx) {
			dr.Err = fmt.Errorf("%w: %s", types.ErrDaemonUnavailable, t.Daemon)
			code = CodeDaemonUnavailable
			break
		}
		dr.Err = d.Load(ctx, built, src, t.Ref)
		code = CodeDaemonLoadFailed
	default:
		dr.Err = reg.Push(ctx, built, src, t.Ref)
		code = pushCode(dr.Err)
	}
	if dr.Err == nil {
		log.WithFields(logrus.Fields{
			"target": dr.Name,
			"digest": built.Digest().String(),
		}).Info("Pushed image")
		return dr
	}
	if isCanceled(ctx, dr.Err) {
		log.WithFields(logrus.Fields{
			"target": dr.Name,
		}).Info("Push canceled")
		dr.Canceled = true
		return dr
	}
	dr.Diagnostic = &Diagnostic{Code: codeFor(dr.Err, code), Message: dr.Err.Error(), Destination: dr.Name}
	log.WithFields(logrus.Fields{
		"target": dr.Name,
		"err":    dr.Err,
	}).Warn("Push failed")
	return dr
}

// pushCode classifies registry push failures
func pushCode(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, types.ErrNotFound):
		return CodeRepositoryNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return CodeUnableToAccessRepository
	}
	return CodeRegistryPushFailed
}

func writeArchive(ctx context.Context, reg Registry, built image.BuiltImage, src, dst ref.Ref, path string, log *logrus.Logger) DestinationResult {
	dr := DestinationResult{Name: "archive:" + path}
	dr.Err = ExportArchive(ctx, reg, built, src, dst, path)
	if dr.Err == nil {
		log.WithFields(logrus.Fields{
			"path":  path,
			"image": daemon.RepoTag(dst),
		}).Info("Wrote image archive")
		return dr
	}
	if isCanceled(ctx, dr.Err) {
		dr.Canceled = true
		return dr
	}
	dr.Diagnostic = &Diagnostic{Code: CodeDaemonLoadFailed, Message: dr.Err.Error(), Destination: dr.Name}
	return dr
}

// ExportArchive writes the image to a docker save archive at path, base layers are fetched with blobs
func ExportArchive(ctx context.Context, blobs daemon.BlobSource, built image.BuiltImage, src, dst ref.Ref, path string) error {
	paths := make([]string, len(built.Layers))
	for i, l := range built.Layers {
		if l.Path != "" {
			paths[i] = l.Path
			continue
		}
		p, err := blobs.BlobFile(ctx, src, l.Descriptor)
		if err != nil {
			return fmt.Errorf("Failed to fetch base layer %s: %w", l.Descriptor.Digest, err)
		}
		paths[i] = p
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("Failed to create archive %s: %w", path, err)
	}
	err = daemon.WriteArchive(ctx, f, built, dst, paths)
	errC := f.Close()
	if err == nil {
		err = errC
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

func isCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, types.ErrCanceled) || errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
