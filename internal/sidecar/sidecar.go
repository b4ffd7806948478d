// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package sidecar implements the two-phase self-replacement protocol a
// self-updating binary needs on platforms that won't let a running
// executable overwrite itself: the outgoing process writes a new copy of
// itself beside the canonical binary (the "sidecar"), spawns it, and
// exits; the replacement, detecting it is running from the sidecar path,
// copies itself over the canonical name and re-spawns, so subsequent
// launches use the canonical path again.
package sidecar

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/platform"
)

// Action describes what Cleanup did, so the caller knows whether to exit.
type Action int

const (
	// ActionNone means this is the normal (non-sidecar) binary and no
	// stale sidecar was present to clean up.
	ActionNone Action = iota
	// ActionStaleRemoved means a leftover sidecar from a prior run was
	// removed; the caller continues normally.
	ActionStaleRemoved
	// ActionReplaced means this process is the sidecar, it copied itself
	// onto the canonical path and spawned it; the caller must exit now.
	ActionReplaced
)

// Spawner starts path as a detached process, not a child the current
// process waits on.
type Spawner func(path string) error

// Runner executes the sidecar cleanup protocol. Copy is injectable for
// deterministic tests; production code uses the package-level defaults.
// The spacing between retries comes from Delay; Sleep is not consulted.
type Runner struct {
	Spawn   Spawner
	Copy    func(src, dst string) error
	Sleep   func(time.Duration)
	Retries int
	Delay   time.Duration
}

// NewRunner builds a Runner with production defaults.
func NewRunner(spawn Spawner, retries int, delay time.Duration) *Runner {
	return &Runner{
		Spawn:   spawn,
		Copy:    copyPreservingMode,
		Sleep:   time.Sleep,
		Retries: retries,
		Delay:   delay,
	}
}

// Cleanup runs the protocol for the running binary at selfExe.
func (r *Runner) Cleanup(selfExe string) (Action, error) {
	if !platform.IsSidecar(selfExe) {
		return r.removeStaleSidecar(selfExe)
	}
	return r.replaceCanonical(selfExe)
}

// removeStaleSidecar is step 1: best-effort removal of a leftover sidecar
// from a prior self-replacement, tolerating lingering file handles.
func (r *Runner) removeStaleSidecar(selfExe string) (Action, error) {
	sidecarPath := platform.SidecarFor(selfExe)
	if _, err := os.Stat(sidecarPath); errors.Is(err, os.ErrNotExist) {
		return ActionNone, nil
	}

	err := retry.Do(
		func() error { return os.Remove(sidecarPath) },
		retry.Attempts(uint(r.Retries)),
		retry.Delay(r.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		// Best-effort: a stale sidecar we couldn't remove doesn't block
		// this run, it'll be retried next time.
		return ActionNone, nil
	}
	return ActionStaleRemoved, nil
}

// replaceCanonical is step 2: this process is the sidecar. Copy itself
// onto the canonical path, then spawn it and signal the caller to exit.
func (r *Runner) replaceCanonical(selfExe string) (Action, error) {
	target := platform.CanonicalFor(selfExe)

	err := retry.Do(
		func() error { return r.Copy(selfExe, target) },
		retry.Attempts(uint(r.Retries)),
		retry.Delay(r.Delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return ActionNone, &perrors.SelfReplaceError{Target: target, Err: err}
	}

	if err := r.Spawn(target); err != nil {
		return ActionNone, &perrors.SelfReplaceError{Target: target, Err: fmt.Errorf("spawn: %w", err)}
	}
	return ActionReplaced, nil
}

// copyPreservingMode copies src onto dst. If dst already exists, its mode
// is preserved; otherwise dst gets src's mode,
// which for the running binary is always executable.
func copyPreservingMode(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0o755)
	if srcInfo, err := in.Stat(); err == nil {
		mode = srcInfo.Mode()
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		mode = dstInfo.Mode()
	}

	tmp := dst + ".replacing"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
