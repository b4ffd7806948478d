// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the patcherd binary's cobra command tree: the default
// patch-and-launch loop, a "plan" dry-run, and small config utilities.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bodaay/gamepatcher/internal/archivepatch"
	"github.com/bodaay/gamepatcher/internal/baseinstall"
	"github.com/bodaay/gamepatcher/internal/config"
	"github.com/bodaay/gamepatcher/internal/events"
	"github.com/bodaay/gamepatcher/internal/hedat"
	"github.com/bodaay/gamepatcher/internal/patchclient"
	"github.com/bodaay/gamepatcher/internal/platform"
	"github.com/bodaay/gamepatcher/internal/reconcile"
	"github.com/bodaay/gamepatcher/internal/sidecar"
	"github.com/bodaay/gamepatcher/internal/transport"
	"github.com/bodaay/gamepatcher/internal/tui"
	"github.com/bodaay/gamepatcher/internal/worker"
)

// RootOpts holds global flags shared by every subcommand.
type RootOpts struct {
	ConfigPath string
	JSONOut    bool
	Once       bool
	LogLevel   string
	Server     string

	// logger is built in PersistentPreRun from LogLevel and threaded into
	// every component via reconcile.Deps.Logger (no package-global logger).
	logger zerolog.Logger
}

// Execute runs the CLI, returning the process exit code.
func Execute(version string) int {
	ro := &RootOpts{}

	root := &cobra.Command{
		Use:           "patcherd",
		Short:         "Self-updating game patcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().StringVar(&ro.ConfigPath, "config", "", "Path to a YAML config overlay")
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit line-delimited JSON events instead of a terminal UI")
	root.PersistentFlags().BoolVar(&ro.Once, "once", false, "Run a single patch routine and exit instead of looping for input")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&ro.Server, "server", "", "Override the configured patch server URL")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		lvl, err := zerolog.ParseLevel(ro.LogLevel)
		if err != nil {
			lvl = zerolog.InfoLevel
		}
		ro.logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().Logger()
	}

	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runPatch(cmd.Context(), ro)
	}

	root.AddCommand(newPlanCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newConfigCmd())

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		ro.logger.Error().Err(err).Msg("patcherd failed")
		return 1
	}
	return 0
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// buildEnv resolves configuration and every collaborator a patch routine
// needs, shared by the default command and "plan". The returned closer
// finalizes any in-flight terminal rendering; callers must invoke it once
// the worker loop returns.
func buildEnv(ro *RootOpts) (reconcile.Deps, *worker.Worker, func(), error) {
	cfg, err := config.Load(ro.ConfigPath, config.Default())
	if err != nil {
		return reconcile.Deps{}, nil, nil, err
	}
	if ro.Server != "" {
		cfg.PatchServer = ro.Server
	}

	selfExe, err := platform.SelfExe()
	if err != nil {
		return reconcile.Deps{}, nil, nil, fmt.Errorf("resolve self exe: %w", err)
	}
	selfDir := platform.SelfDir(selfExe)

	client := transport.NewClient(cfg.HTTPTimeout, cfg.Retries, cfg.RetryDelay)
	urls := patchclient.Build(cfg)

	var emit events.Emitter
	var renderer *tui.Renderer
	if ro.JSONOut {
		emit = jsonEmitter(os.Stdout)
	} else {
		renderer = tui.New()
		emit = renderer.Emitter()
	}

	rd := reconcile.Deps{
		Client:  client,
		URLs:    urls,
		Sidecar: sidecar.NewRunner(worker.DefaultSpawnSelf, cfg.SidecarRetries, cfg.SidecarDelay),
		ArchiveOpen: func(hed, dat string) (archivepatch.Container, error) {
			return hedat.Open(hed, dat)
		},
		InstallBase: func(ctx context.Context, zipURL, destDir string, onProgress func(string, int64, int64)) error {
			return baseinstall.Install(ctx, client, zipURL, destDir, onProgress)
		},
		SelfExe: selfExe,
		SelfDir: selfDir,
		GameExe: cfg.GameExe,
		Emit:    emit,
		Logger:  &ro.logger,
	}

	w := worker.New(worker.Deps{
		Reconcile:    rd,
		LaunchSettle: cfg.LaunchSettle,
		LaunchGame:   worker.DefaultLaunchGame,
		SpawnSelf:    worker.DefaultSpawnSelf,
		LockPath:     filepath.Join(selfDir, ".patcherd.lock"),
		Emit:         emit,
	})

	closer := func() {}
	if renderer != nil {
		closer = renderer.Close
	}

	return rd, w, closer, nil
}

func runPatch(ctx context.Context, ro *RootOpts) error {
	_, w, closeUI, err := buildEnv(ro)
	if err != nil {
		return err
	}
	defer closeUI()

	if ro.Once {
		w.Inbound() <- events.Retry
		close(w.Inbound())
	} else {
		go readPlayKeypress(w)
	}

	w.Loop(ctx)
	return nil
}

// readPlayKeypress feeds a Play message whenever the operator presses 'p',
// the persistent-loop analogue of a GUI's "Play" button.
func readPlayKeypress(w *worker.Worker) {
	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return
		}
		if n > 0 && (buf[0] == 'p' || buf[0] == 'P') {
			w.Inbound() <- events.Play
		}
	}
}

func jsonEmitter(w *os.File) events.Emitter {
	enc := json.NewEncoder(w)
	return func(m events.Message) { _ = enc.Encode(m) }
}
