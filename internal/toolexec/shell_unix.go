//go:build !windows

package toolexec

func platformShell() (string, string) {
	return "/bin/sh", "-c"
}
