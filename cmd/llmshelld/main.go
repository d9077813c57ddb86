// Command llmshelld runs the shell supervisor daemon: it manages a single
// shell-launched process and exposes start/status/kill/restart/logs over a
// local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matgreaves/run"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/llmshell/llmshell/internal/config"
	"github.com/llmshell/llmshell/internal/logstore"
	"github.com/llmshell/llmshell/internal/probe"
	"github.com/llmshell/llmshell/internal/server"
	"github.com/llmshell/llmshell/internal/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "llmshelld",
		Usage: "single-process shell supervisor with an HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Usage:   "listen host",
				EnvVars: []string{config.EnvPrefix + "HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "listen port",
				EnvVars: []string{config.EnvPrefix + "PORT"},
			},
			&cli.StringFlag{
				Name:    "log-dir",
				Usage:   "directory for per-run log files",
				EnvVars: []string{config.EnvPrefix + "LOG_DIR"},
			},
			&cli.IntFlag{
				Name:    "restart-timeout",
				Usage:   "default graceful restart timeout in seconds",
				EnvVars: []string{config.EnvPrefix + "RESTART_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "enable debug logging",
				EnvVars: []string{config.EnvPrefix + "DEBUG"},
			},
		},
		Action: daemon,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("llmshelld exited")
	}
}

func daemon(c *cli.Context) error {
	cfg := config.FromEnv()
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-dir") {
		cfg.LogDir = c.String("log-dir")
	}
	if c.IsSet("restart-timeout") {
		cfg.RestartTimeout = time.Duration(c.Int("restart-timeout")) * time.Second
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if c.Bool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("create log dir %s: %w", cfg.LogDir, err)
	}

	store := logstore.New(cfg.LogDir)
	sup := supervisor.New(store, probe.System{}, log)
	api := server.New(sup, store, log, cfg.RestartTimeout)

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	log.WithField("addr", ln.Addr().String()).Info("llmshelld listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Handler: api}

	// The group ties the HTTP server and the supervisor together: whichever
	// exits first cancels the other, and a signal cancels both.
	err = run.Group{
		"http": run.Func(func(ctx context.Context) error {
			serveErr := make(chan error, 1)
			go func() { serveErr <- httpSrv.Serve(ln) }()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}),
		"supervisor": run.Func(func(ctx context.Context) error {
			<-ctx.Done()
			log.Info("shutting down, terminating managed process")
			sup.Shutdown()
			return nil
		}),
	}.Run(ctx)

	// A signal-triggered teardown surfaces as cancellation, not failure.
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("llmshelld stopped")
	return nil
}
