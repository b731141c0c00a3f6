// Package manifest models image manifests and manifest lists.
// Supported types include OCI index and image, and Docker manifest list and manifest.
package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opencontainers/go-digest"

	"github.com/regclient/regbuild/types"
)

// Manifest is a single platform image manifest (Docker schema2 or OCI image)
type Manifest struct {
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     types.MediaType    `json:"mediaType,omitempty"`
	Config        types.Descriptor   `json:"config"`
	Layers        []types.Descriptor `json:"layers"`
	Annotations   map[string]string  `json:"annotations,omitempty"`
}

// PlatformSpecificManifest is an entry of a manifest list, a descriptor with a platform
type PlatformSpecificManifest = types.Descriptor

// List is a multi-platform manifest list (Docker manifest list or OCI index)
type List struct {
	SchemaVersion int                        `json:"schemaVersion"`
	MediaType     types.MediaType            `json:"mediaType,omitempty"`
	Manifests     []PlatformSpecificManifest `json:"manifests"`
	Annotations   map[string]string          `json:"annotations,omitempty"`
}

// Response is a parsed manifest document, exactly one of Manifest or List is set
type Response struct {
	Desc     types.Descriptor
	Raw      []byte
	Manifest *Manifest
	List     *List
}

type config struct {
	raw    []byte
	header http.Header
	mt     types.MediaType
}

// Opts configures Parse
type Opts func(*config)

// WithRaw provides the manifest bytes or HTTP response body
func WithRaw(raw []byte) Opts {
	return func(c *config) {
		c.raw = raw
	}
}

// WithHeader provides the headers from the response when pulling the manifest
func WithHeader(header http.Header) Opts {
	return func(c *config) {
		c.header = header
	}
}

// WithMediaType sets the media type, overriding any Content-Type header
func WithMediaType(mt types.MediaType) Opts {
	return func(c *config) {
		c.mt = mt
	}
}

// Parse selects the manifest variant from the media type and decodes the raw content.
// The digest is computed from the raw bytes and compared to any Docker-Content-Digest header.
func Parse(opts ...Opts) (Response, error) {
	c := config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.mt == "" && c.header != nil {
		c.mt = types.ParseMediaType(c.header.Get("Content-Type"))
	}
	r := Response{
		Desc: types.DescriptorFromBytes(c.mt, c.raw),
		Raw:  c.raw,
	}
	if c.header != nil {
		if hd := c.header.Get("Docker-Content-Digest"); hd != "" {
			if d, err := digest.Parse(hd); err == nil && d.Algorithm() == r.Desc.Digest.Algorithm() && d != r.Desc.Digest {
				return r, fmt.Errorf("%w: header %s, content %s", types.ErrDigestMismatch, d, r.Desc.Digest)
			}
		}
	}
	switch c.mt.Kind() {
	case types.KindDockerManifest, types.KindOCIManifest:
		m := Manifest{}
		if err := json.Unmarshal(c.raw, &m); err != nil {
			return r, fmt.Errorf("%w: %v", types.ErrParsingFailed, err)
		}
		if m.MediaType == "" {
			m.MediaType = c.mt
		}
		r.Manifest = &m
	case types.KindDockerManifestList, types.KindOCIIndex:
		l := List{}
		if err := json.Unmarshal(c.raw, &l); err != nil {
			return r, fmt.Errorf("%w: %v", types.ErrParsingFailed, err)
		}
		if l.MediaType == "" {
			l.MediaType = c.mt
		}
		r.List = &l
	default:
		return r, fmt.Errorf("%w: %s", types.ErrUnsupportedMediaType, c.mt.String())
	}
	return r, nil
}

// IsList is true when the response holds a manifest list or index
func (r Response) IsList() bool {
	return r.List != nil
}

// Marshal serializes a manifest and returns the bytes with their descriptor
func (m Manifest) Marshal() ([]byte, types.Descriptor, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, types.Descriptor{}, err
	}
	return b, types.DescriptorFromBytes(m.MediaType, b), nil
}

// ConfigMediaType returns the config media type matching a manifest media type
func ConfigMediaType(manifestMT types.MediaType) types.MediaType {
	if manifestMT.IsDocker() {
		return types.MediaTypeDocker2ImageConfig
	}
	return types.MediaTypeOCI1ImageConfig
}

// LayerMediaType returns the default gzip layer media type matching a manifest media type
func LayerMediaType(manifestMT types.MediaType) types.MediaType {
	if manifestMT.IsDocker() {
		return types.MediaTypeDocker2Layer
	}
	return types.MediaTypeOCI1LayerGzip
}
