//go:build windows

package godbg

import (
	"io"
	"os"
)

// SignalTrace is not supported on windows
func SignalTrace(w io.Writer, sigs ...os.Signal) func() {
	return func() {}
}
