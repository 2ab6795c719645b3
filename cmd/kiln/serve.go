package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/api"
	"github.com/samcharles93/kiln/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		saveOnExit  bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the training and generation API",
		Flags: append(moduleFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "save-on-exit",
				Usage:       "write a snapshot to --snapshot when the server stops",
				Destination: &saveOnExit,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg, err := LoadConfig(configPath())
			if err != nil {
				return err
			}
			applyServeConfig(cmd, cfg, &addr)

			m, err := buildModule(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := m.Cleanup(context.Background()); err != nil {
					log.Warn("cleanup failed", "error", err)
				}
			}()

			server := api.NewServer(m, api.ServerConfig{SnapshotDir: snapshotDir, Logger: log})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "epoch", m.Epoch())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			serveErr := sc.Start(ctx, e)
			if saveOnExit && snapshotDir != "" {
				if err := m.Save(context.Background(), snapshotDir); err != nil {
					log.Error("save on exit failed", "error", err)
				}
			}
			return serveErr
		},
	}
}
