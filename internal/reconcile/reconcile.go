// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package reconcile implements the core algorithm: sidecar
// cleanup, server status, base-game install, and a depth-first walk of the
// manifest tree that brings disk into agreement with the server's declared
// state by minimal writes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/rs/zerolog"

	"github.com/bodaay/gamepatcher/internal/archivepatch"
	"github.com/bodaay/gamepatcher/internal/events"
	"github.com/bodaay/gamepatcher/internal/manifest"
	"github.com/bodaay/gamepatcher/internal/patchclient"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/platform"
	"github.com/bodaay/gamepatcher/internal/sidecar"
	"github.com/bodaay/gamepatcher/internal/transport"
)

// ErrSidecarReplaced is returned when Run discovers the running binary is
// itself the sidecar: it has already copied itself onto the canonical path
// and spawned the replacement. The caller must exit without reporting an
// error state.
var ErrSidecarReplaced = errors.New("reconcile: replaced by sidecar, exiting")

// InstallBaseFunc downloads and extracts the base game ZIP into destDir.
// internal/baseinstall.Install satisfies this signature.
type InstallBaseFunc func(ctx context.Context, zipURL, destDir string, onProgress func(text string, downloaded, total int64)) error

// Deps wires the collaborators a reconcile routine needs. All fields are
// required except Emit and Logger, which default to no-ops.
type Deps struct {
	Client      *transport.Client
	URLs        patchclient.URLs
	Sidecar     *sidecar.Runner
	ArchiveOpen archivepatch.Opener
	InstallBase InstallBaseFunc
	SelfExe     string
	SelfDir     string
	GameExe     string
	Emit        events.Emitter

	// Logger is threaded in by the caller rather than read from a package
	// global, so tests can capture or silence it independently. Nil
	// discards everything.
	Logger *zerolog.Logger
}

func (d Deps) emit(m events.Message) {
	if d.Emit != nil {
		d.Emit(m)
	}
}

func (d Deps) log() *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	nop := zerolog.Nop()
	return &nop
}

// Run executes one full patch routine. It returns the
// sidecar path a File leaf was redirected to, if any, so the worker can
// spawn it after a successful run.
func Run(ctx context.Context, d Deps) (pendingReplacement string, err error) {
	if d.SelfExe == "" {
		return "", fmt.Errorf("reconcile: self_exe not resolved")
	}

	action, err := d.Sidecar.Cleanup(d.SelfExe)
	if err != nil {
		return "", err
	}
	if action == sidecar.ActionReplaced {
		return "", ErrSidecarReplaced
	}

	d.emit(events.Connecting("Checking for updates..."))
	status, err := patchclient.FetchStatus(ctx, d.Client, d.URLs)
	if err != nil {
		return "", err
	}
	if !status.Online() {
		d.log().Warn().Str("status", status.Status).Msg("patch server reports maintenance")
		d.emit(events.Connecting("Server is down for maintenance"))
		return "", perrors.ErrServerMaintenance
	}

	gameExePath := filepath.Join(d.SelfDir, d.GameExe)
	if _, statErr := os.Stat(gameExePath); errors.Is(statErr, os.ErrNotExist) {
		d.emit(events.Connecting("Installing base game..."))
		if err := d.InstallBase(ctx, d.URLs.BaseZip, d.SelfDir, func(text string, downloaded, total int64) {
			d.emit(events.Downloading(text, progressOfBytes(downloaded, total)))
		}); err != nil {
			return "", err
		}
	} else if statErr != nil {
		return "", &perrors.IoError{Path: gameExePath, Err: statErr}
	}

	root, err := patchclient.FetchManifest(ctx, d.Client, d.URLs)
	if err != nil {
		return "", err
	}

	for _, tag := range []string{"all", platform.Tag()} {
		platformDir, ok := manifest.ChildDirectory(root, tag)
		if !ok {
			continue
		}
		total := manifest.CountLeaves(platformDir)
		netURL := patchclient.Join(d.URLs.PatchRoot, tag+"/")
		d.log().Debug().Str("tag", tag).Int("leaves", total).Msg("walking platform subtree")

		completed, p, err := walk(ctx, d, platformDir, d.SelfDir, netURL, 0, total)
		if err != nil {
			d.log().Error().Err(err).Str("tag", tag).Msg("reconcile walk failed")
			return pendingReplacement, err
		}
		if p != "" {
			pendingReplacement = p
		}
		d.emit(events.Downloading(fmt.Sprintf("%d files checked.", completed), 1.0))
	}

	return pendingReplacement, nil
}

// walk is the recursive per-directory routine. total is fixed
// at the platform-subtree root and threaded through unchanged; only
// completed accumulates.
func walk(ctx context.Context, d Deps, dir manifest.Node, diskDir, netURL string, completed, total int) (int, string, error) {
	pending := ""

	for _, child := range dir.Children {
		switch child.Kind {
		case manifest.KindFile:
			d.emit(events.Downloading(fmt.Sprintf("checking %s", child.Name), progressOf(completed, total)))

			diskPath := filepath.Join(diskDir, child.Name)
			url := patchclient.Join(netURL, child.Name)
			p, err := reconcileFile(ctx, d, diskPath, url, child.Digest)
			if err != nil {
				return completed, pending, err
			}
			if p != "" {
				pending = p
			}
			completed++

		case manifest.KindDirectory:
			subDir := filepath.Join(diskDir, child.Name)
			subURL := patchclient.Join(netURL, child.Name+"/")
			var childPending string
			var err error
			completed, childPending, err = walk(ctx, d, child, subDir, subURL, completed, total)
			if err != nil {
				return completed, pending, err
			}
			if childPending != "" {
				pending = childPending
			}

		case manifest.KindArchive:
			d.emit(events.Downloading(fmt.Sprintf("checking %s", child.Name), progressOf(completed, total)))

			hedPath := filepath.Join(diskDir, child.Name+".hed")
			datPath := filepath.Join(diskDir, child.Name+".dat")
			archiveURL := patchclient.Join(netURL, child.Name+".archive/")

			fetch := func(ctx context.Context, url string) ([]byte, error) {
				return d.Client.FetchToBuffer(ctx, url, nil)
			}
			newCompleted, err := archivepatch.Patch(ctx, d.ArchiveOpen, fetch, child.Name, hedPath, datPath, archiveURL, child.Files, completed, total,
				func(text string, c, t int) { d.emit(events.Downloading(text, progressOf(c, t))) })
			if err != nil {
				return completed, pending, err
			}
			completed = newCompleted
		}
	}

	return completed, pending, nil
}

// reconcileFile applies the File-leaf decision: skip if the
// digest already matches, otherwise download and atomically overwrite,
// redirecting the write to the sidecar path when diskPath is the running
// binary.
func reconcileFile(ctx context.Context, d Deps, diskPath, url string, declared manifest.Digest) (string, error) {
	info, statErr := os.Stat(diskPath)
	switch {
	case statErr == nil:
		f, err := os.Open(diskPath)
		if err != nil {
			return "", &perrors.IoError{Path: diskPath, Err: err}
		}
		digest, err := manifest.ComputeDigest(f)
		f.Close()
		if err != nil {
			return "", &perrors.IoError{Path: diskPath, Err: err}
		}
		if digest.Equal(declared) {
			return "", nil
		}
	case errors.Is(statErr, os.ErrNotExist):
		// Falls through to download below.
	default:
		return "", &perrors.IoError{Path: diskPath, Err: statErr}
	}

	target := diskPath
	pending := ""
	if diskPath == d.SelfExe {
		target = platform.SidecarFor(d.SelfExe)
		pending = target
	}

	data, err := d.Client.FetchToBuffer(ctx, url, nil)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", &perrors.IoError{Path: target, Err: err}
	}
	mode := fileMode(target, info)
	if err := renameio.WriteFile(target, data, mode); err != nil {
		return "", &perrors.IoError{Path: target, Err: err}
	}
	d.log().Debug().Str("path", target).Int("bytes", len(data)).Msg("wrote patched file")
	return pending, nil
}

// fileMode picks the permission bits for an (over)written file: the
// existing file's mode when there is one, the running binary's mode when
// writing the self-redirect sidecar (it must stay executable), or a
// conservative default for a brand new regular file.
func fileMode(target string, existing os.FileInfo) os.FileMode {
	if existing != nil {
		return existing.Mode().Perm()
	}
	if selfInfo, err := os.Stat(target); err == nil {
		return selfInfo.Mode().Perm()
	}
	return 0o644
}

func progressOf(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

func progressOfBytes(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	p := float64(downloaded) / float64(total)
	if p > 1 {
		return 1
	}
	return p
}
