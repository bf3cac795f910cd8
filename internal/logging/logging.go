// Package logging configures the process-wide structured logger used by
// both the server and worker binaries.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Log is the application-wide logger. Both binaries adjust it in place
// with Configure at startup; New builds a separate instance for callers
// (such as tests) that leave Log untouched.
var Log = logrus.New()

type contextHook struct{}

func (contextHook) Levels() []logrus.Level { return logrus.AllLevels }

func packageFromFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if i := strings.Index(fn, "."); i >= 0 {
		return fn[:i]
	}
	return fn
}

func (contextHook) Fire(e *logrus.Entry) error {
	if e.Caller == nil {
		return nil
	}
	pkg := packageFromFunc(e.Caller.Function)
	file := fmt.Sprintf("%s:%d", filepath.Base(e.Caller.File), e.Caller.Line)
	e.Data["package"] = pkg
	e.Data["file"] = file
	return nil
}

// Options controls where log output goes and how verbose it is.
type Options struct {
	// LevelName is a logrus level name ("debug", "info", "warn", "error").
	// Defaults to "info" if empty or unparseable.
	LevelName string
	// FilePath, if non-empty, is opened in append mode and written to in
	// addition to Stdout. Empty means log file output is disabled.
	FilePath string
	// StderrOnly routes all output to stderr instead of stdout+file. The
	// worker process must set this: stdout is the IPC channel and any
	// stray byte on it corrupts the JSON Lines protocol.
	StderrOnly bool
}

// New builds a logger configured per opts. It never fails: a bad log file
// path falls back to stdout (or stderr, per StderrOnly) rather than
// aborting startup.
func New(opts Options) *logrus.Logger {
	l := logrus.New()
	l.SetReportCaller(true)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			function := filepath.Base(f.Function)
			file := fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
			return function, file
		},
	})
	l.AddHook(contextHook{})

	if opts.StderrOnly {
		l.SetOutput(os.Stderr)
	} else {
		var out io.Writer = os.Stdout
		if opts.FilePath != "" {
			if f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				out = io.MultiWriter(os.Stdout, f)
			}
		}
		l.SetOutput(out)
	}

	levelStr := opts.LevelName
	if levelStr == "" {
		levelStr = "info"
	}
	if lvl, err := logrus.ParseLevel(levelStr); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Configure replaces the fields of the package-level Log in place so that
// existing references (including those captured before Configure runs)
// observe the new configuration.
func Configure(opts Options) {
	fresh := New(opts)
	Log.SetOutput(fresh.Out)
	Log.SetFormatter(fresh.Formatter)
	Log.SetLevel(fresh.Level)
	Log.ReplaceHooks(fresh.Hooks)
	Log.SetReportCaller(true)
}

func init() {
	Configure(Options{LevelName: os.Getenv("LOG_LEVEL")})
}
