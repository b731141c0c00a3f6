package types

import (
	// crypto libraries included for go-digest
	_ "crypto/sha256"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is used in manifests to refer to content by media type, size, and digest.
type Descriptor struct {
	// MediaType describe the type of the content.
	MediaType MediaType `json:"mediaType"`

	// Size in bytes of content.
	Size int64 `json:"size"`

	// Digest uniquely identifies the content.
	Digest digest.Digest `json:"digest"`

	// URLs contains the source URLs of this content.
	URLs []string `json:"urls,omitempty"`

	// Annotations contains arbitrary metadata relating to the targeted content.
	Annotations map[string]string `json:"annotations,omitempty"`

	// Platform describes the platform which the image in the manifest runs on.
	// This should only be used when referring to a manifest.
	Platform *ociv1.Platform `json:"platform,omitempty"`
}

// DescriptorFromBytes computes the descriptor for serialized content
func DescriptorFromBytes(mt MediaType, b []byte) Descriptor {
	return Descriptor{
		MediaType: mt,
		Size:      int64(len(b)),
		Digest:    digest.Canonical.FromBytes(b),
	}
}

// ValidateDigest verifies a digest is a well formed sha256 digest
func ValidateDigest(d digest.Digest) error {
	if !strings.HasPrefix(string(d), digest.SHA256.String()+":") {
		return fmt.Errorf("%w: %q must start with \"sha256:\"", ErrInvalidDigest, string(d))
	}
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	return nil
}
