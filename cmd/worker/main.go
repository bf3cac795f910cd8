// Command worker is the subprocess spawned by the server's process
// manager: it owns the llama.cpp (or stub) model, runs the decode loop,
// and speaks the JSON Lines IPC protocol over stdin/stdout. It never
// binds a network port and is not meant to be run by hand.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/intelligencedev/localforge/internal/llamart"
	"github.com/intelligencedev/localforge/internal/logging"
	"github.com/intelligencedev/localforge/internal/store"
	"github.com/intelligencedev/localforge/internal/version"
)

func main() {
	var (
		dbPath       string
		toolBaseDir  string
		shellTimeout time.Duration
		showVersion  bool
	)
	flag.StringVar(&dbPath, "db", "", "path to the conversation store database")
	flag.StringVar(&toolBaseDir, "tool-base-dir", ".", "sandbox root for file and shell tools")
	flag.DurationVar(&shellTimeout, "shell-timeout", 15*time.Second, "timeout for execute_command tool calls")
	flag.BoolVar(&showVersion, "version", false, "print the worker version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("worker", version.Version)
		return
	}

	if dbPath == "" {
		if args := flag.Args(); len(args) > 0 {
			dbPath = args[0]
		}
	}
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "worker: -db is required")
		os.Exit(1)
	}

	// Grab the real IPC sink before anything else (a stray log line, a
	// native library's printf) can land on fd 1 and corrupt the protocol.
	ipcOut, err := swapStdout()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(logging.Options{LevelName: os.Getenv("LOG_LEVEL"), StderrOnly: true})

	st, err := store.Open(dbPath)
	if err != nil {
		logging.Log.WithError(err).Fatal("worker: open store")
	}
	defer st.Close()

	w := newWorker(st, llamart.NewLoader(), ipcOut, toolBaseDir, shellTimeout)
	w.run(os.Stdin)
}
