// Package ref parses image references and describes push destinations
package ref

import (
	"fmt"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/regclient/regbuild/types"
)

// Ref reference to a registry/repository
// If the tag or digest is available, it's also included in the reference.
// Reference itself is the unparsed string.
type Ref struct {
	Reference  string // unparsed string
	Registry   string // server, host:port
	Repository string // path on server
	Tag        string
	Digest     string
}

// New parses a reference, defaulting to Docker Hub and the "latest" tag
func New(s string) (Ref, error) {
	ret := Ref{Reference: s}
	parsed, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return ret, fmt.Errorf("%w: %s: %v", types.ErrInvalidReference, s, err)
	}
	ret.Registry = reference.Domain(parsed)
	ret.Repository = reference.Path(parsed)
	if canonical, ok := parsed.(reference.Canonical); ok {
		ret.Digest = canonical.Digest().String()
	}
	if tagged, ok := parsed.(reference.Tagged); ok {
		ret.Tag = tagged.Tag()
	}
	if ret.Tag == "" && ret.Digest == "" {
		ret.Tag = "latest"
	}
	return ret, nil
}

// FromParts assembles and validates a reference from separate registry, repository, and tag values.
// A tag beginning with an algorithm prefix ("sha256:") is treated as a digest.
func FromParts(registry, repository, tagOrDigest string) (Ref, error) {
	if registry == "" || repository == "" {
		return Ref{}, fmt.Errorf("%w: registry and repository are required", types.ErrInvalidReference)
	}
	// ParseNormalizedNamed would treat a short name as a repository on Docker Hub
	if !strings.ContainsAny(registry, ".:") && registry != "localhost" {
		return Ref{}, fmt.Errorf("%w: registry %q is not a hostname", types.ErrInvalidReference, registry)
	}
	s := registry + "/" + repository
	if strings.Contains(tagOrDigest, ":") {
		s = s + "@" + tagOrDigest
	} else if tagOrDigest != "" {
		s = s + ":" + tagOrDigest
	}
	return New(s)
}

// CommonName outputs a parsable name from a reference
func (r Ref) CommonName() string {
	cn := ""
	if r.Registry != "" {
		cn = r.Registry + "/"
	}
	if r.Repository == "" {
		return ""
	}
	cn = cn + r.Repository
	if r.Digest != "" {
		cn = cn + "@" + r.Digest
	} else if r.Tag != "" {
		cn = cn + ":" + r.Tag
	}
	return cn
}

// Ref returns the tag or digest used to query the manifest, preferring the tag
func (r Ref) Ref() string {
	if r.Tag != "" {
		return r.Tag
	}
	if r.Digest != "" {
		return r.Digest
	}
	return "latest"
}

// SetTag returns a copy of the reference pointing to a new tag
func (r Ref) SetTag(tag string) Ref {
	r.Tag = tag
	r.Digest = ""
	r.Reference = r.CommonName()
	return r
}

// SetDigest returns a copy of the reference pointing to a digest
func (r Ref) SetDigest(d string) Ref {
	r.Digest = d
	r.Tag = ""
	r.Reference = r.CommonName()
	return r
}

// EqualRepository is true when both references point to the same repository
func EqualRepository(a, b Ref) bool {
	return a.Registry == b.Registry && a.Repository == b.Repository
}
