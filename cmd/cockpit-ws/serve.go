package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/cockpit-project/cockpit-ws/internal/wsconfig"
	"github.com/cockpit-project/cockpit-ws/internal/wslog"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the cockpit-ws multiplex server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Configuration file path",
				Value: "/etc/cockpit/cockpit-ws.toml",
			},
			&cli.StringFlag{
				Name:  "bridge",
				Usage: "Path to the cockpit-bridge executable",
				Value: "cockpit-bridge",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
				Value: false,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Bool("debug") {
				wslog.SetGlobalDebug(true)
			}
			return serve(ctx, c.String("config"), c.String("bridge"))
		},
	}
}

func serve(ctx context.Context, configPath, bridgePath string) error {
	cfg, err := wsconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	srv := NewServer(cfg, defaultSpawnBridge(bridgePath, cfg))

	httpServer := &http.Server{
		Addr:    cfg.Bind,
		Handler: srv.ServeMux(),
	}

	watcher := wsconfig.NewWatcher(configPath, srv.ApplyConfig)
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go watcher.Run(watchCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	printStartupBanner(cfg.Bind, cfg.PingInterval.String(), cfg.PoisonTimeout.String())

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil

	case sig := <-sigCh:
		serverLog.Infof("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
