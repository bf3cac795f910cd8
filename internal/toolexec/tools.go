package toolexec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/intelligencedev/localforge/internal/sandbox"
)

const maxReadBytes = 100 * 1024 // 100 KiB

// Dispatcher runs tool calls against a base directory. It is not
// goroutine-safe across concurrent generations, matching the worker's
// single-generation-at-a-time invariant; cwd mutation by `cd` is scoped
// to one Dispatcher instance per conversation.
type Dispatcher struct {
	mu        sync.Mutex
	baseDir   string
	cwd       string
	timeout   time.Duration
}

// NewDispatcher creates a Dispatcher rooted at baseDir with the given
// shell-tool wall-clock timeout.
func NewDispatcher(baseDir string, timeout time.Duration) *Dispatcher {
	return &Dispatcher{baseDir: baseDir, cwd: baseDir, timeout: timeout}
}

// Dispatch runs call and returns the text to wrap in the exec-output
// fence.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) string {
	switch call.Name {
	case "read_file":
		return d.readFile(call)
	case "write_file":
		return d.writeFile(call)
	case "list_directory":
		return d.listDirectory(call)
	case "execute_python":
		return d.executePython(ctx, call)
	case "execute_command", "bash", "shell":
		return d.executeCommand(ctx, StringArg(call.Args, "command", ""))
	default:
		// Unknown tool names fall through to shell execution of the raw
		// text.
		return d.executeCommand(ctx, call.Name)
	}
}

func (d *Dispatcher) resolvePath(raw string) (string, error) {
	d.mu.Lock()
	base := d.cwd
	d.mu.Unlock()
	safe, err := sandbox.SanitizeArg(base, raw)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, safe), nil
}

func (d *Dispatcher) readFile(call Call) string {
	path := StringArg(call.Args, "path", "")
	full, err := d.resolvePath(path)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return string(data) + fmt.Sprintf("\n[truncated: file exceeds %d bytes]", maxReadBytes)
	}
	return string(data)
}

func (d *Dispatcher) writeFile(call Call) string {
	path := StringArg(call.Args, "path", "")
	content := StringArg(call.Args, "content", "")
	full, err := d.resolvePath(path)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path)
}

func (d *Dispatcher) listDirectory(call Call) string {
	path := StringArg(call.Args, "path", ".")
	recursive := BoolArg(call.Args, "recursive", false)
	full, err := d.resolvePath(path)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	type entry struct {
		name  string
		size  int64
		isDir bool
	}
	var entries []entry

	if recursive {
		err = filepath.Walk(full, func(p string, info os.FileInfo, err error) error {
			if err != nil || p == full {
				return err
			}
			rel, relErr := filepath.Rel(full, p)
			if relErr != nil {
				return relErr
			}
			entries = append(entries, entry{name: rel, size: info.Size(), isDir: info.IsDir()})
			return nil
		})
	} else {
		var items []os.DirEntry
		items, err = os.ReadDir(full)
		for _, it := range items {
			info, infoErr := it.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, entry{name: it.Name(), size: info.Size(), isDir: it.IsDir()})
		}
	}
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var b strings.Builder
	fmt.Fprintf(&b, "%-40s %10s %s\n", "NAME", "SIZE", "TYPE")
	for _, e := range entries {
		kind := "file"
		if e.isDir {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%-40s %10d %s\n", e.name, e.size, kind)
	}
	return b.String()
}

func (d *Dispatcher) executePython(ctx context.Context, call Call) string {
	code := StringArg(call.Args, "code", "")
	d.mu.Lock()
	cwd := d.cwd
	d.mu.Unlock()

	tmpFile := filepath.Join(os.TempDir(), fmt.Sprintf("toolexec-%s.py", uuid.NewString()))
	if err := os.WriteFile(tmpFile, []byte(code), 0o644); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	defer os.Remove(tmpFile)

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, pythonBinary(), tmpFile)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return renderExecResult(out.String(), err, runCtx)
}

func pythonBinary() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

var blockedFindRoots = map[string]struct{}{
	"/":       {},
	"/usr":    {},
	"/System": {},
}

// isBlockedFind reports whether command is a `find` invocation rooted at
// one of the unbounded filesystem roots, regardless of trailing flags
// (`find / -delete`, `find /usr -type f`, ...).
func isBlockedFind(command string) bool {
	parts := strings.Fields(command)
	if len(parts) < 2 || parts[0] != "find" {
		return false
	}
	_, blocked := blockedFindRoots[parts[1]]
	return blocked
}

func (d *Dispatcher) executeCommand(ctx context.Context, command string) string {
	command = strings.TrimSpace(command)
	if isBlockedFind(command) {
		return fmt.Sprintf("error: refusing to run %q (unbounded filesystem scan)", command)
	}

	d.mu.Lock()
	cwd := d.cwd
	d.mu.Unlock()

	if newDir, ok := strings.CutPrefix(command, "cd "); ok {
		target := strings.TrimSpace(newDir)
		full, err := d.resolvePath(target)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		info, err := os.Stat(full)
		if err != nil || !info.IsDir() {
			return fmt.Sprintf("error: not a directory: %s", target)
		}
		d.mu.Lock()
		d.cwd = full
		d.mu.Unlock()
		return fmt.Sprintf("changed directory to %s", target)
	}

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	shellName, shellFlag := platformShell()
	cmd := exec.CommandContext(runCtx, shellName, shellFlag, command)
	cmd.Dir = cwd
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return renderExecResult(out.String(), err, runCtx)
}

func renderExecResult(output string, err error, runCtx context.Context) string {
	if err == nil {
		if strings.TrimSpace(output) == "" {
			return "(command completed with no output)"
		}
		return output
	}
	if runCtx.Err() != nil {
		return fmt.Sprintf("error: command timed out: %v", runCtx.Err())
	}
	var exitErr *exec.ExitError
	if ok := errorsAsExitError(err, &exitErr); ok {
		if exitErr.ExitCode() == 1 && strings.TrimSpace(output) == "" {
			return "(no matches found)"
		}
		return fmt.Sprintf("%s\n(exit code %d)", output, exitErr.ExitCode())
	}
	return fmt.Sprintf("error: %v", err)
}

func errorsAsExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}
