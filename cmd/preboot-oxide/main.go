// Command preboot-oxide runs the PXE-assist DHCP proxy and read-only TFTP
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
	"github.com/spf13/pflag"
	"github.com/tinkerbell/preboot-oxide/internal/config"
	"github.com/tinkerbell/preboot-oxide/internal/supervisor"
)

func main() {
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "preboot-oxide: %v\n", err)
		exitCode = 1
	}
}

func run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("preboot-oxide", pflag.ExitOnError)
	config.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	confPath, _ := fs.GetString("conf")
	w, err := config.NewWatcher(log.WithName("config"), confPath, cfg.TFTPServerDir != "")
	if err != nil {
		return fmt.Errorf("loading match-rule config %s: %w", confPath, err)
	}
	go w.Start(ctx)

	log.Info("starting preboot-oxide", "ifaces", cfg.Ifaces, "tftp_server_dir", cfg.TFTPServerDir, "max_sessions", cfg.MaxSessions)

	err = supervisor.Run(ctx, supervisor.Options{
		Ifaces:        cfg.Ifaces,
		TFTPServerDir: cfg.TFTPServerDir,
		MaxSessions:   cfg.MaxSessions,
		Watcher:       w,
		Log:           log,
	})

	log.Info("shutting down preboot-oxide")

	return err
}

// newLogger builds a go-logr/stdr logger the way stdr's own README
// recommends: wrap the standard library logger and map a string level to
// stdr's verbosity (spec.md §6: PO_LOG_LEVEL).
func newLogger(level string) logr.Logger {
	v := 0
	if level == "debug" {
		v = 1
	}
	stdr.SetVerbosity(v)

	return stdr.New(log.New(os.Stderr, "", log.LstdFlags))
}
