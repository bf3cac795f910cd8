// Command server is the operator-facing binary: it loads configuration,
// opens the conversation store, spawns and bridges to the model worker,
// and serves the HTTP/WS/SSE surface. Graceful shutdown on SIGINT/SIGTERM
// follows cmd/webui/main.go's signal.Notify + context.WithTimeout shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/intelligencedev/localforge/internal/bridge"
	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/download"
	"github.com/intelligencedev/localforge/internal/httpapi"
	"github.com/intelligencedev/localforge/internal/logging"
	"github.com/intelligencedev/localforge/internal/migration"
	"github.com/intelligencedev/localforge/internal/procmanager"
	"github.com/intelligencedev/localforge/internal/store"
	"github.com/intelligencedev/localforge/internal/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to the server's YAML config file")
	flag.BoolVar(&showVersion, "version", false, "print the server version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("server", version.Version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: load config: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(logging.Options{LevelName: cfg.Server.LogLevel, FilePath: cfg.Server.LogFilePath})

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		logging.Log.WithError(err).Fatal("server: create data dir")
	}
	if err := os.MkdirAll(cfg.Server.ModelCacheDir, 0o755); err != nil {
		logging.Log.WithError(err).Fatal("server: create model cache dir")
	}

	st, err := store.Open(cfg.Server.DBPath)
	if err != nil {
		logging.Log.WithError(err).Fatal("server: open store")
	}
	defer st.Close()

	if n, err := migration.ImportConversations(st, cfg.Server.LegacyConversationsDir); err != nil {
		logging.Log.WithError(err).Warn("server: import legacy conversations")
	} else if n > 0 {
		logging.Log.Infof("server: imported %d legacy conversation(s) from %s", n, cfg.Server.LegacyConversationsDir)
	}

	proc := procmanager.New(cfg.Server.WorkerBinaryPath,
		"-db", cfg.Server.DBPath,
		"-tool-base-dir", cfg.Server.DataDir,
		"-shell-timeout", cfg.Server.ShellToolTimeout.String(),
	)
	br, err := bridge.New(proc)
	if err != nil {
		logging.Log.WithError(err).Fatal("server: start worker")
	}

	dl := download.NewWithConcurrency(st, cfg.Server.DownloadVerifyConcurrency, cfg.Server.DownloadChunkSize)

	httpServer := httpapi.NewServer(st, br, dl, cfg.Server)
	e := echo.New()
	e.HideBanner = true
	httpServer.Routes(e)

	go func() {
		logging.Log.Infof("server: listening on %s", cfg.Server.ListenAddr)
		if err := e.Start(cfg.Server.ListenAddr); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Fatal("server: listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logging.Log.WithError(err).Warn("server: http shutdown")
	}
	proc.Kill()
	logging.Log.Info("server: stopped")
}
