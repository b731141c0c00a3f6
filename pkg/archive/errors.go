package archive

import (
	"fmt"

	"github.com/regclient/regbuild/types"
)

// ErrXzUnsupported is returned for xz streams, which no layer media type uses
var ErrXzUnsupported = fmt.Errorf("%w: xz compression", types.ErrUnsupported)
