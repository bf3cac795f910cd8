package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewDefaultsToInfoLevel(t *testing.T) {
	l := New(Options{})
	if l.Level != logrus.InfoLevel {
		t.Fatalf("expected default level info, got %v", l.Level)
	}
}

func TestNewFallsBackToInfoOnUnparseableLevel(t *testing.T) {
	l := New(Options{LevelName: "not-a-real-level"})
	if l.Level != logrus.InfoLevel {
		t.Fatalf("expected fallback to info for an unparseable level, got %v", l.Level)
	}
}

func TestNewHonorsExplicitLevel(t *testing.T) {
	l := New(Options{LevelName: "debug"})
	if l.Level != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", l.Level)
	}
}

func TestNewStderrOnlyRoutesAwayFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.log")

	l := New(Options{StderrOnly: true, FilePath: path})
	if l.Out != os.Stderr {
		t.Fatalf("expected StderrOnly to route output to os.Stderr, got %v", l.Out)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected no log file to be created when StderrOnly is set")
	}
}

func TestNewAppendsToLogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	l := New(Options{FilePath: path})
	l.Info("hello from the test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected the log file to contain the emitted line")
	}
}

func TestConfigureReplacesPackageLogger(t *testing.T) {
	Configure(Options{LevelName: "warn"})
	if Log.Level != logrus.WarnLevel {
		t.Fatalf("expected Configure to apply the requested level to Log, got %v", Log.Level)
	}
	// Restore the default so other tests observe the usual level.
	Configure(Options{LevelName: "info"})
}
