package types

import (
	"fmt"
	"strings"

	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// MediaType identifies the format of a manifest, config, or layer blob.
// Unrecognized values are retained as-is and report KindUnknown.
type MediaType string

const (
	// MediaTypeDocker2Manifest is the media type when pulling manifests from a v2 registry
	MediaTypeDocker2Manifest MediaType = "application/vnd.docker.distribution.manifest.v2+json"
	// MediaTypeDocker2ManifestList is the media type when pulling a manifest list from a v2 registry
	MediaTypeDocker2ManifestList MediaType = "application/vnd.docker.distribution.manifest.list.v2+json"
	// MediaTypeDocker2ImageConfig is for the configuration json object media type
	MediaTypeDocker2ImageConfig MediaType = "application/vnd.docker.container.image.v1+json"
	// MediaTypeDocker2Layer is the default compressed layer for docker schema2
	MediaTypeDocker2Layer MediaType = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	// MediaTypeDocker2ForeignLayer is a compressed layer that may be served from external urls
	MediaTypeDocker2ForeignLayer MediaType = "application/vnd.docker.image.rootfs.foreign.diff.tar.gzip"
	// MediaTypeDocker2LayerTar is an uncompressed docker layer
	MediaTypeDocker2LayerTar MediaType = "application/vnd.docker.image.rootfs.diff.tar"
	// MediaTypeOCI1Manifest OCI v1 manifest media type
	MediaTypeOCI1Manifest MediaType = ociv1.MediaTypeImageManifest
	// MediaTypeOCI1ManifestList OCI v1 manifest list media type
	MediaTypeOCI1ManifestList MediaType = ociv1.MediaTypeImageIndex
	// MediaTypeOCI1ImageConfig OCI v1 configuration json object media type
	MediaTypeOCI1ImageConfig MediaType = ociv1.MediaTypeImageConfig
	// MediaTypeOCI1Layer is the uncompressed layer for OCIv1
	MediaTypeOCI1Layer MediaType = ociv1.MediaTypeImageLayer
	// MediaTypeOCI1LayerGzip is the gzip compressed layer for OCI v1
	MediaTypeOCI1LayerGzip MediaType = ociv1.MediaTypeImageLayerGzip
	// MediaTypeOCI1LayerZstd is the zstd compressed layer for OCI v1
	MediaTypeOCI1LayerZstd MediaType = ociv1.MediaTypeImageLayerZstd
)

// Kind is the closed set of media types understood by this module.
type Kind int

const (
	KindUnknown Kind = iota
	KindDockerManifest
	KindDockerManifestList
	KindOCIManifest
	KindOCIIndex
	KindDockerConfig
	KindOCIConfig
	KindDockerLayerGzip
	KindDockerForeignLayerGzip
	KindDockerLayerTar
	KindOCILayerTar
	KindOCILayerGzip
	KindOCILayerZstd
)

// Compression of a layer blob
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
)

type kindInfo struct {
	kind     Kind
	ext      string
	layer    bool
	compress Compression
}

var kindTable = map[MediaType]kindInfo{
	MediaTypeDocker2Manifest:     {kind: KindDockerManifest},
	MediaTypeDocker2ManifestList: {kind: KindDockerManifestList},
	MediaTypeOCI1Manifest:        {kind: KindOCIManifest},
	MediaTypeOCI1ManifestList:    {kind: KindOCIIndex},
	MediaTypeDocker2ImageConfig:  {kind: KindDockerConfig},
	MediaTypeOCI1ImageConfig:     {kind: KindOCIConfig},
	MediaTypeDocker2Layer:        {kind: KindDockerLayerGzip, ext: ".tar.gz", layer: true, compress: CompressionGzip},
	MediaTypeDocker2ForeignLayer: {kind: KindDockerForeignLayerGzip, ext: ".tar.gz", layer: true, compress: CompressionGzip},
	MediaTypeDocker2LayerTar:     {kind: KindDockerLayerTar, ext: ".tar", layer: true},
	MediaTypeOCI1Layer:           {kind: KindOCILayerTar, ext: ".tar", layer: true},
	MediaTypeOCI1LayerGzip:       {kind: KindOCILayerGzip, ext: ".tar.gz", layer: true, compress: CompressionGzip},
	MediaTypeOCI1LayerZstd:       {kind: KindOCILayerZstd, ext: ".tar.zst", layer: true, compress: CompressionZstd},
}

// ParseMediaType returns the base media type from a Content-Type style value,
// removing any parameters and whitespace
func ParseMediaType(s string) MediaType {
	i := strings.Index(s, ";")
	if i >= 0 {
		s = s[:i]
	}
	return MediaType(strings.ToLower(strings.TrimSpace(s)))
}

// Kind returns the enumerated kind, KindUnknown for unrecognized values
func (m MediaType) Kind() Kind {
	return kindTable[m].kind
}

// String returns the raw media type
func (m MediaType) String() string {
	return string(m)
}

// IsList is true for manifest lists and OCI indexes
func (m MediaType) IsList() bool {
	k := m.Kind()
	return k == KindDockerManifestList || k == KindOCIIndex
}

// IsManifest is true for single platform image manifests
func (m MediaType) IsManifest() bool {
	k := m.Kind()
	return k == KindDockerManifest || k == KindOCIManifest
}

// IsLayer is true for all recognized layer media types
func (m MediaType) IsLayer() bool {
	return kindTable[m].layer
}

// IsDocker is true for media types from the docker schema2 family
func (m MediaType) IsDocker() bool {
	switch m.Kind() {
	case KindDockerManifest, KindDockerManifestList, KindDockerConfig,
		KindDockerLayerGzip, KindDockerForeignLayerGzip, KindDockerLayerTar:
		return true
	}
	return false
}

// Compression returns the compression applied to a layer media type
func (m MediaType) Compression() Compression {
	return kindTable[m].compress
}

// Ext returns the content store file extension for a layer media type
func (m MediaType) Ext() (string, error) {
	ki, ok := kindTable[m]
	if !ok || !ki.layer {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMediaType, string(m))
	}
	return ki.ext, nil
}
