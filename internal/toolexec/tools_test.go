package toolexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)

	out := d.Dispatch(context.Background(), Call{Name: "write_file", Args: map[string]any{"path": "note.txt", "content": "hello"}})
	if out == "" {
		t.Fatalf("expected write confirmation, got empty string")
	}

	out = d.Dispatch(context.Background(), Call{Name: "read_file", Args: map[string]any{"path": "note.txt"}})
	if out != "hello" {
		t.Fatalf("expected 'hello', got %q", out)
	}
}

func TestWriteFileCreatesParentDirs(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)

	d.Dispatch(context.Background(), Call{Name: "write_file", Args: map[string]any{"path": "nested/deep/note.txt", "content": "x"}})
	if _, err := os.Stat(filepath.Join(dir, "nested", "deep", "note.txt")); err != nil {
		t.Fatalf("expected nested file to exist: %v", err)
	}
}

func TestReadFileRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)

	out := d.Dispatch(context.Background(), Call{Name: "read_file", Args: map[string]any{"path": "../etc/passwd"}})
	if out == "" || out[:6] != "error:" {
		t.Fatalf("expected traversal to be rejected, got %q", out)
	}
}

func TestListDirectoryListsTwoFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(dir, 5*time.Second)
	out := d.Dispatch(context.Background(), Call{Name: "list_directory", Args: map[string]any{"path": "."}})
	if !containsAll(out, "a.txt", "b.txt") {
		t.Fatalf("expected listing to contain both files, got: %s", out)
	}
}

func TestExecuteCommandBlocksUnboundedFind(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)
	out := d.Dispatch(context.Background(), Call{Name: "execute_command", Args: map[string]any{"command": "find /"}})
	if out[:6] != "error:" {
		t.Fatalf("expected 'find /' to be rejected, got %q", out)
	}
}

func TestExecuteCommandBlocksUnboundedFindWithTrailingFlags(t *testing.T) {
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)
	for _, command := range []string{"find / -delete", "find /usr -type f", "find /System -name '*'"} {
		out := d.Dispatch(context.Background(), Call{Name: "execute_command", Args: map[string]any{"command": command}})
		if out[:6] != "error:" {
			t.Fatalf("expected %q to be rejected, got %q", command, out)
		}
	}
}

func TestExecuteCommandAllowsBoundedFind(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(dir, 5*time.Second)
	out := d.Dispatch(context.Background(), Call{Name: "execute_command", Args: map[string]any{"command": "find . -name a.txt"}})
	if !containsAll(out, "a.txt") {
		t.Fatalf("expected a bounded find rooted at '.' to run normally, got %q", out)
	}
}

func TestExecuteCommandCdMutatesWorkdir(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	d := NewDispatcher(dir, 5*time.Second)
	d.Dispatch(context.Background(), Call{Name: "execute_command", Args: map[string]any{"command": "cd sub"}})
	out := d.Dispatch(context.Background(), Call{Name: "execute_command", Args: map[string]any{"command": "pwd"}})
	if !containsAll(out, "sub") {
		t.Fatalf("expected pwd to reflect cd into sub, got %q", out)
	}
}

func TestUnknownToolNameFallsThroughToShell(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	dir := t.TempDir()
	d := NewDispatcher(dir, 5*time.Second)
	out := d.Dispatch(context.Background(), Call{Name: "echo hi"})
	if !containsAll(out, "hi") {
		t.Fatalf("expected fallback shell execution to echo 'hi', got %q", out)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !indexFound(haystack, n) {
			return false
		}
	}
	return true
}

func indexFound(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
