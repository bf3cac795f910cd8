//go:build unix

package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// swapStdout duplicates the current fd 1 onto a fresh *os.File — the
// exclusive IPC sink returned to the caller — then redirects fd 1 itself
// onto fd 2. Anything written through fd 1 afterward (a native library's
// stray printf, a careless fmt.Println) lands on stderr instead of
// corrupting the JSON Lines protocol.
func swapStdout() (*os.File, error) {
	ipcFD, err := unix.Dup(1)
	if err != nil {
		return nil, fmt.Errorf("worker: dup stdout: %w", err)
	}
	if err := unix.Dup2(2, 1); err != nil {
		return nil, fmt.Errorf("worker: redirect stdout to stderr: %w", err)
	}
	return os.NewFile(uintptr(ipcFD), "ipc-stdout"), nil
}
