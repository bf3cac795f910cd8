//go:build !unix

package main

import "os"

// swapStdout has no fd-level redirection available on this platform.
// os.Stdout is returned as-is; the caller must still avoid writing to
// it through any other path once the IPC loop starts.
func swapStdout() (*os.File, error) {
	return os.Stdout, nil
}
