// Package image composes a new image from a base manifest, its config, and added layers
package image

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/regclient/regbuild/layer"
	"github.com/regclient/regbuild/types"
	"github.com/regclient/regbuild/types/imageconfig"
	"github.com/regclient/regbuild/types/manifest"
)

// CreatedBy is the history entry recorded for each added layer
const CreatedBy = "regbuild"

// PortType is the protocol of an exposed port
type PortType string

const (
	// PortTCP exposes a tcp port
	PortTCP PortType = "tcp"
	// PortUDP exposes a udp port
	PortUDP PortType = "udp"
)

// Builder edits a base image and produces a BuiltImage once
type Builder struct {
	manifest manifest.Manifest
	config   *imageconfig.ImageConfig
	layers   []layer.Layer
	errs     []error
	built    bool
	log      *logrus.Logger
}

// Opts configures a Builder
type Opts func(*Builder)

// WithLog overrides the default logrus Logger
func WithLog(log *logrus.Logger) Opts {
	return func(b *Builder) {
		b.log = log
	}
}

// NewBuilder starts from a base manifest and the raw bytes of its config
func NewBuilder(m manifest.Manifest, configBytes []byte, opts ...Opts) (*Builder, error) {
	if !m.MediaType.IsManifest() || m.MediaType.IsList() {
		return nil, fmt.Errorf("%w: base manifest %s", types.ErrUnsupportedMediaType, m.MediaType)
	}
	conf, err := imageconfig.Parse(configBytes)
	if err != nil {
		return nil, err
	}
	diffIDs := conf.DiffIDs()
	if len(diffIDs) != len(m.Layers) {
		return nil, fmt.Errorf("%w: config lists %d diff ids for %d layers", types.ErrParsingFailed, len(diffIDs), len(m.Layers))
	}
	b := &Builder{
		manifest: m,
		config:   conf,
		log: &logrus.Logger{
			Out:       os.Stderr,
			Formatter: new(logrus.TextFormatter),
			Hooks:     make(logrus.LevelHooks),
			Level:     logrus.WarnLevel,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	// base layers are located in the content store or a registry when needed
	for i, l := range m.Layers {
		b.layers = append(b.layers, layer.Layer{Descriptor: l, DiffID: diffIDs[i]})
	}
	return b, nil
}

// IsWindows is true for Windows base images
func (b *Builder) IsWindows() bool {
	return b.config.IsWindows()
}

// ManifestMediaType is the media type of the base manifest, also used for the output
func (b *Builder) ManifestMediaType() types.MediaType {
	return b.manifest.MediaType
}

// LayerMediaType is the media type to use for new layers matching the manifest family
func (b *Builder) LayerMediaType() types.MediaType {
	return manifest.LayerMediaType(b.manifest.MediaType)
}

// AddLayer appends a new layer
func (b *Builder) AddLayer(l layer.Layer) {
	b.layers = append(b.layers, l)
	b.config.AddLayer(l.DiffID, CreatedBy)
	b.log.WithFields(logrus.Fields{
		"digest": l.Descriptor.Digest.String(),
		"diffID": l.DiffID.String(),
		"size":   l.Descriptor.Size,
	}).Debug("Added layer")
}

// SetWorkingDirectory sets the directory the container starts in
func (b *Builder) SetWorkingDirectory(dir string) {
	b.config.SetWorkingDir(dir)
}

// SetEntryPoint replaces the entrypoint and its default arguments.
// With an empty entrypoint, only the arguments are replaced and the base entrypoint is kept.
func (b *Builder) SetEntryPoint(entrypoint, args []string) {
	if len(entrypoint) == 0 {
		if len(args) == 0 {
			return
		}
		entrypoint = b.config.Entrypoint()
	}
	b.config.SetEntrypoint(entrypoint, args)
}

// AddLabel adds or replaces a label
func (b *Builder) AddLabel(key, value string) {
	b.config.SetLabel(key, value)
}

// AddEnvironmentVariable adds or replaces an environment variable
func (b *Builder) AddEnvironmentVariable(key, value string) {
	b.config.AddEnv(key, value)
}

// ExposePort adds an exposed port, invalid values are reported by Build
func (b *Builder) ExposePort(number int, t PortType) {
	if number < 1 || number > 65535 {
		b.errs = append(b.errs, fmt.Errorf("%w: port number %d", types.ErrInvalidPort, number))
		return
	}
	pt := PortType(strings.ToLower(string(t)))
	if pt != PortTCP && pt != PortUDP {
		b.errs = append(b.errs, fmt.Errorf("%w: port type %q", types.ErrInvalidPort, string(t)))
		return
	}
	b.config.ExposePort(fmt.Sprintf("%d/%s", number, pt))
}

// SetUser sets the user the container runs as
func (b *Builder) SetUser(user string) {
	b.config.SetUser(user)
}

// Build serializes the config and manifest.
// The builder may only be built once.
func (b *Builder) Build() (BuiltImage, error) {
	if b.built {
		return BuiltImage{}, types.ErrBuilderConsumed
	}
	b.built = true
	if len(b.errs) > 0 {
		return BuiltImage{}, errors.Join(b.errs...)
	}
	if !b.config.HasEntrypoint() {
		return BuiltImage{}, types.ErrMissingEntrypoint
	}
	confB, err := b.config.Marshal()
	if err != nil {
		return BuiltImage{}, fmt.Errorf("Failed to marshal config: %w", err)
	}
	confDesc := types.DescriptorFromBytes(manifest.ConfigMediaType(b.manifest.MediaType), confB)

	m := manifest.Manifest{
		SchemaVersion: 2,
		MediaType:     b.manifest.MediaType,
		Config:        confDesc,
		Layers:        make([]types.Descriptor, 0, len(b.layers)),
		Annotations:   b.manifest.Annotations,
	}
	for _, l := range b.layers {
		m.Layers = append(m.Layers, l.Descriptor)
	}
	mB, mDesc, err := m.Marshal()
	if err != nil {
		return BuiltImage{}, fmt.Errorf("Failed to marshal manifest: %w", err)
	}
	plat := ociv1.Platform{
		OS:           b.config.OS(),
		Architecture: b.config.Architecture(),
		Variant:      b.config.Variant(),
	}
	mDesc.Platform = &plat
	b.log.WithFields(logrus.Fields{
		"manifest": mDesc.Digest.String(),
		"config":   confDesc.Digest.String(),
		"layers":   len(m.Layers),
	}).Info("Built image")
	return BuiltImage{
		Config:       confB,
		ConfigDesc:   confDesc,
		Manifest:     mB,
		ManifestDesc: mDesc,
		Layers:       append([]layer.Layer{}, b.layers...),
		Platform:     plat,
	}, nil
}

// BuiltImage is the read-only result of a build
type BuiltImage struct {
	Config       []byte
	ConfigDesc   types.Descriptor
	Manifest     []byte
	ManifestDesc types.Descriptor
	// Layers are in manifest order, base layers have an empty Path until fetched
	Layers   []layer.Layer
	Platform ociv1.Platform
}

// Digest returns the manifest digest
func (bi BuiltImage) Digest() digest.Digest {
	return bi.ManifestDesc.Digest
}
