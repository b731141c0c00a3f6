package types

import (
	"errors"
	"fmt"
)

var (
	// ErrBackoffLimit maximum backoff attempts reached
	ErrBackoffLimit = errors.New("backoff limit reached")
	// ErrBuilderConsumed when Build is called more than once on an image builder
	ErrBuilderConsumed = errors.New("image builder has already been built")
	// ErrCanceled if the context was canceled
	ErrCanceled = errors.New("context was canceled")
	// ErrDaemonUnavailable when the local container daemon cannot be reached
	ErrDaemonUnavailable = errors.New("local daemon is unavailable")
	// ErrDigestMismatch if the expected digest wasn't received
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrEmptyChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrEmptyChallenge = errors.New("empty challenge header")
	// ErrHTTPStatus if the http status code was unexpected
	ErrHTTPStatus = errors.New("unexpected http status code")
	// ErrInvalidChallenge indicates an issue with the received challenge in the WWW-Authenticate header
	ErrInvalidChallenge = errors.New("invalid challenge header")
	// ErrInvalidDigest when a digest is not a sha256 digest
	ErrInvalidDigest = errors.New("invalid digest")
	// ErrInvalidPort when an exposed port number or protocol is invalid
	ErrInvalidPort = errors.New("invalid port")
	// ErrInvalidReference when an image reference cannot be parsed
	ErrInvalidReference = errors.New("invalid image reference")
	// ErrManifestPush when the manifest could not be pushed after the blobs were uploaded
	ErrManifestPush = errors.New("manifest push failed")
	// ErrMissingEntrypoint when neither the image nor its base defines an entrypoint
	ErrMissingEntrypoint = errors.New("entrypoint missing")
	// ErrMissingLocation returned when the location header is missing
	ErrMissingLocation = errors.New("location header missing")
	// ErrMountReturnedLocation when a blob mount fails but a location header is received
	ErrMountReturnedLocation = errors.New("blob mount returned a location to upload")
	// ErrNoCompatiblePlatform when no manifest in a list matches the runtime identifier
	ErrNoCompatiblePlatform = errors.New("no compatible platform")
	// ErrNoNewChallenge indicates a challenge update did not result in any change
	ErrNoNewChallenge = errors.New("no new challenge")
	// ErrNotFound isn't there, search for your value elsewhere
	ErrNotFound = errors.New("not found")
	// ErrParsingFailed when a string cannot be parsed
	ErrParsingFailed = errors.New("parsing failed")
	// ErrRateLimit when requests exceed server rate limit
	ErrRateLimit = errors.New("rate limit exceeded")
	// ErrUnauthorized when authentication fails
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnknownDaemonType when the requested local daemon kind is not supported
	ErrUnknownDaemonType = errors.New("unknown daemon type")
	// ErrUnsupported indicates the request was unsupported
	ErrUnsupported = errors.New("unsupported")
	// ErrUnsupportedConfigVersion happens when config file version is greater than this command supports
	ErrUnsupportedConfigVersion = errors.New("unsupported config version")
	// ErrUnsupportedMediaType returned when media type is unknown or unsupported
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// RegistryError is returned for failed registry requests with the registry and repository context.
type RegistryError struct {
	Registry   string
	Repository string
	Status     int
	Err        error
}

func (e *RegistryError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s/%s: %v (status %d)", e.Registry, e.Repository, e.Err, e.Status)
	}
	return fmt.Sprintf("%s/%s: %v", e.Registry, e.Repository, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// HTTPError returns the error matching an http status code
func HTTPError(statusCode int) error {
	switch statusCode {
	case 401, 403:
		return ErrUnauthorized
	case 404:
		return ErrNotFound
	case 429:
		return ErrRateLimit
	default:
		return fmt.Errorf("%w: %d", ErrHTTPStatus, statusCode)
	}
}
