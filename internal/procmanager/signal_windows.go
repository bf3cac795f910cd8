//go:build windows

package procmanager

import "os"

// terminateGracefully has no SIGTERM equivalent on Windows; Kill() falls
// straight through to TerminateProcess via os.Process.Kill.
func terminateGracefully(p *os.Process) error {
	return p.Kill()
}
