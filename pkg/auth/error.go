package auth

import (
	"github.com/regclient/regbuild/types"
)

// Errors are shared with the types package so callers can match them with errors.Is
var (
	ErrEmptyChallenge   = types.ErrEmptyChallenge
	ErrInvalidChallenge = types.ErrInvalidChallenge
	ErrNoNewChallenge   = types.ErrNoNewChallenge
	ErrNotFound         = types.ErrNotFound
	ErrParseFailure     = types.ErrParsingFailed
	ErrUnauthorized     = types.ErrUnauthorized
	ErrUnsupported      = types.ErrUnsupported
)
