package main

import (
	"bytes"
	"strings"
	"testing"
)

// cobraTest runs a fresh command tree, returning stdout and stderr
func cobraTest(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	rootCmd, _ := NewRootCmd()
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return strings.TrimSpace(outBuf.String()), errBuf.String(), err
}
