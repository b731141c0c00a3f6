//go:build !windows

// Package godbg dumps goroutine stacks on a signal, used to debug hung pushes and daemon loads
package godbg

import (
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
)

// SignalTrace writes every goroutine stack to w each time a signal is received, SIGUSR1 by default.
// The returned func stops the handler.
func SignalTrace(w io.Writer, sigs ...os.Signal) func() {
	if len(sigs) == 0 {
		sigs = append(sigs, syscall.SIGUSR1)
	}
	sig := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sig, sigs...)
	go func() {
		for {
			select {
			case <-sig:
				_ = pprof.Lookup("goroutine").WriteTo(w, 1)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
