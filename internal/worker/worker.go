// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the top-level state machine: a
// single loop that turns inbound Retry/Play control messages into a patch
// routine or a game launch, reporting state and progress on a single
// outbound channel.
package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/bodaay/gamepatcher/internal/events"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/reconcile"
)

// ExitAction tells the caller what to do after Loop returns.
type ExitAction int

const (
	// ExitNone means the worker stopped because its inbound channel closed;
	// no process-level action is needed.
	ExitNone ExitAction = iota
	// ExitReplaced means a patch routine wrote and spawned a replacement
	// binary (or this process was itself a sidecar that already did so);
	// the caller must exit now with status 0.
	ExitReplaced
	// ExitGameLaunched means Play succeeded; the caller exits with status 0.
	ExitGameLaunched
)

// LaunchGameFunc starts the game executable at selfDir/gameExe.
type LaunchGameFunc func(selfDir, gameExe string) error

// SpawnFunc starts path as a new detached process.
type SpawnFunc func(path string) error

// Deps wires the collaborators the worker needs for one process lifetime.
type Deps struct {
	Reconcile    reconcile.Deps
	LaunchSettle time.Duration
	LaunchGame   LaunchGameFunc
	SpawnSelf    SpawnFunc
	LockPath     string
	Emit         events.Emitter
}

// Worker owns the inbound/outbound channel endpoints exclusively.
type Worker struct {
	deps    Deps
	inbound chan events.Inbound
	sleep   func(time.Duration)
}

// New constructs a Worker. Inbound() returns the channel the GUI sends
// control messages on.
func New(deps Deps) *Worker {
	return &Worker{
		deps:    deps,
		inbound: make(chan events.Inbound, 8),
		sleep:   time.Sleep,
	}
}

// Inbound returns the channel the GUI sends Retry/Play messages on.
func (w *Worker) Inbound() chan<- events.Inbound { return w.inbound }

// Loop drives the state machine until the worker must exit or its inbound
// channel is closed. The first iteration always behaves as if Retry had
// been received.
func (w *Worker) Loop(ctx context.Context) ExitAction {
	msg := events.Retry
	for {
		action := w.handle(ctx, msg)
		if action != ExitNone {
			return action
		}

		w.drainBuffered()
		next, ok := <-w.inbound
		if !ok {
			return ExitNone
		}
		msg = next
	}
}

// drainBuffered discards any messages queued while the worker was
// reporting a terminal status: a new user action is required to proceed,
// not whatever queued up while the last one was in flight.
func (w *Worker) drainBuffered() {
	for {
		select {
		case _, ok := <-w.inbound:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg events.Inbound) ExitAction {
	switch msg {
	case events.Play:
		return w.handlePlay()
	default:
		return w.handleRetry(ctx)
	}
}

func (w *Worker) handleRetry(ctx context.Context) ExitAction {
	w.setState(events.StateWorking)

	var pending string
	err := w.withLock(ctx, func() error {
		p, err := reconcile.Run(ctx, w.deps.Reconcile)
		pending = p
		return err
	})

	if err != nil {
		if errors.Is(err, reconcile.ErrSidecarReplaced) {
			w.log().Info().Msg("sidecar replaced canonical binary, exiting")
			return ExitReplaced
		}
		w.log().Error().Err(err).Msg("patch routine failed")
		w.emit(events.Error(err.Error()))
		w.setState(events.StateError)
		return ExitNone
	}

	w.setState(events.StateFinished)

	if pending == "" {
		return ExitNone
	}
	if err := w.deps.SpawnSelf(pending); err != nil {
		w.log().Error().Err(err).Str("path", pending).Msg("failed to spawn updated binary")
		w.emit(events.Error(fmt.Sprintf("failed to spawn updated binary: %v", err)))
		w.setState(events.StateError)
		return ExitNone
	}
	w.log().Info().Str("path", pending).Msg("spawned replacement binary")
	return ExitReplaced
}

func (w *Worker) log() *zerolog.Logger {
	if w.deps.Reconcile.Logger != nil {
		return w.deps.Reconcile.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

func (w *Worker) handlePlay() ExitAction {
	selfDir := w.deps.Reconcile.SelfDir
	gameExe := w.deps.Reconcile.GameExe

	if err := w.deps.LaunchGame(selfDir, gameExe); err != nil {
		w.emit(events.Error(fmt.Sprintf("failed to launch %s: %v", gameExe, err)))
		w.setState(events.StateError)
		return ExitNone
	}

	w.sleep(w.deps.LaunchSettle)
	w.setState(events.StateGameLaunched)
	return ExitGameLaunched
}

// withLock holds an exclusive lock on the self_dir lock file for the
// duration of fn, so two instances of the patcher never reconcile the same
// install concurrently.
func (w *Worker) withLock(ctx context.Context, fn func() error) error {
	fl := flock.New(w.deps.LockPath)
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return &perrors.IoError{Path: w.deps.LockPath, Err: err}
	}
	if !locked {
		return &perrors.IoError{Path: w.deps.LockPath, Err: fmt.Errorf("another instance is patching")}
	}
	defer fl.Unlock()
	return fn()
}

func (w *Worker) setState(s events.PatchState) {
	w.emit(events.PatchStatus(s))
}

func (w *Worker) emit(m events.Message) {
	if w.deps.Emit != nil {
		w.deps.Emit(m)
	}
}

// DefaultLaunchGame starts gameExe from selfDir as a detached process.
func DefaultLaunchGame(selfDir, gameExe string) error {
	return spawnProcess(filepath.Join(selfDir, gameExe), selfDir)
}

// DefaultSpawnSelf starts path (a sidecar or replacement binary) detached
// from the calling directory.
func DefaultSpawnSelf(path string) error {
	return spawnProcess(path, filepath.Dir(path))
}
