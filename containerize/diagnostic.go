package containerize

import (
	"errors"
	"fmt"

	"github.com/regclient/regbuild/types"
)

// Code identifies a diagnostic, codes are stable between releases
type Code string

// Diagnostic codes reported by Containerize and the base image tasks
const (
	CodeUnknownMediaType         Code = "CONTAINER1001"
	CodeInvalidReference         Code = "CONTAINER1002"
	CodePublishDirMissing        Code = "CONTAINER1003"
	CodeImagePullNotSupported    Code = "CONTAINER1004"
	CodeUnknownDaemonType        Code = "CONTAINER1005"
	CodeBaseImageNotFound        Code = "CONTAINER1011"
	CodeRepositoryNotFound       Code = "CONTAINER1012"
	CodeUnableToAccessRepository Code = "CONTAINER1013"
	CodeRegistryPushFailed       Code = "CONTAINER1014"
	CodeManifestPushFailed       Code = "CONTAINER1015"
	CodeDaemonLoadFailed         Code = "CONTAINER1016"
	CodeDaemonUnavailable        Code = "CONTAINER1017"
	CodeNoCompatiblePlatform     Code = "CONTAINER1018"
	CodeBuildFailed              Code = "CONTAINER1019"
)

// Diagnostic is a user facing error with a stable code
type Diagnostic struct {
	Code    Code
	Message string
	// Destination is set for failures of a single push target
	Destination string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("error %s: %s", d.Code, d.Message)
}

// codeFor returns the code for errors with a fixed meaning, or fallback
func codeFor(err error, fallback Code) Code {
	switch {
	case errors.Is(err, types.ErrUnsupportedMediaType):
		return CodeUnknownMediaType
	case errors.Is(err, types.ErrInvalidReference):
		return CodeInvalidReference
	case errors.Is(err, types.ErrUnknownDaemonType):
		return CodeUnknownDaemonType
	case errors.Is(err, types.ErrNoCompatiblePlatform):
		return CodeNoCompatiblePlatform
	case errors.Is(err, types.ErrManifestPush):
		return CodeManifestPushFailed
	case errors.Is(err, types.ErrDaemonUnavailable):
		return CodeDaemonUnavailable
	}
	return fallback
}

// RepositoryNotFoundError is returned when the registry has no manifest for the reference
type RepositoryNotFoundError struct {
	Name      string
	Reference string
	Registry  string
	Err       error
}

func (e *RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("%s: repository %s with reference %s was not found on registry %s", CodeRepositoryNotFound, e.Name, e.Reference, e.Registry)
}

func (e *RepositoryNotFoundError) Unwrap() error {
	return e.Err
}

// UnableToAccessRepositoryError is returned when the registry denies access
type UnableToAccessRepositoryError struct {
	Name     string
	Registry string
	Err      error
}

func (e *UnableToAccessRepositoryError) Error() string {
	return fmt.Sprintf("%s: unable to access repository %s on registry %s, check the credentials for the registry", CodeUnableToAccessRepository, e.Name, e.Registry)
}

func (e *UnableToAccessRepositoryError) Unwrap() error {
	return e.Err
}
