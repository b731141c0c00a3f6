package registry

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	// EnvChunkSize overrides the chunk size used for chunked uploads
	EnvChunkSize = "REGBUILD_CHUNK_SIZE"
	// EnvParallel overrides the number of concurrent layer uploads
	EnvParallel = "REGBUILD_PARALLEL"

	// ecrChunkSize is the ECR minimum chunk size of 5MiB plus a small margin
	ecrChunkSize int64 = 5248080
)

var ecrHostRe = regexp.MustCompile(`^\d{12}\.dkr\.ecr(-fips)?\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

// IsAmazonECRRegistry is true for public ECR and private ECR hosts
func IsAmazonECRRegistry(host string) bool {
	host = strings.ToLower(host)
	return host == "public.ecr.aws" || ecrHostRe.MatchString(host)
}

// IsGoogleArtifactRegistry is true for Google Artifact Registry docker hosts
func IsGoogleArtifactRegistry(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), "-docker.pkg.dev")
}

// Quirks are the upload settings for a registry
type Quirks struct {
	ChunkSize       int64
	SupportsChunked bool
	ParallelUploads int
	// BlobMax is the size above which uploads are chunked, zero or less disables the threshold
	BlobMax int64
}

// QuirksFor returns the upload settings for a registry.
// Known registry behaviors are applied first, then host settings, then environment overrides.
func (c *Client) QuirksFor(registry string) Quirks {
	q := Quirks{
		ChunkSize:       c.blobChunk,
		SupportsChunked: true,
		ParallelUploads: c.parallel,
		BlobMax:         c.blobMax,
	}
	if IsAmazonECRRegistry(registry) {
		q.ChunkSize = ecrChunkSize
		q.ParallelUploads = 1
	}
	if IsGoogleArtifactRegistry(registry) {
		q.SupportsChunked = false
	}
	h := c.hostGet(registry)
	if h.BlobChunk > 0 {
		q.ChunkSize = h.BlobChunk
	}
	if h.BlobMax != 0 {
		q.BlobMax = h.BlobMax
	}
	if h.Parallel > 0 {
		q.ParallelUploads = h.Parallel
	}
	if v := os.Getenv(EnvChunkSize); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			q.ChunkSize = n
		} else {
			c.log.WithFields(logrus.Fields{
				"env":   EnvChunkSize,
				"value": v,
			}).Warn("Ignoring invalid chunk size")
		}
	}
	if v := os.Getenv(EnvParallel); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			q.ParallelUploads = n
		} else {
			c.log.WithFields(logrus.Fields{
				"env":   EnvParallel,
				"value": v,
			}).Warn("Ignoring invalid parallel limit")
		}
	}
	return q
}
