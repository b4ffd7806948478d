// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package baseinstall implements the first-run base game install: download
// the base ZIP to a temp file, then extract it into self_dir with
// byte-based progress, rejecting any member whose path would escape the
// destination.
package baseinstall

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bodaay/gamepatcher/internal/format"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/transport"
)

// Install downloads zipURL and extracts it into destDir. Members are
// extracted one at a time in archive order, so onProgress text is reported
// in the same deterministic sequence the archive declares.
func Install(ctx context.Context, client *transport.Client, zipURL, destDir string, onProgress func(text string, downloaded, total int64)) error {
	if onProgress == nil {
		onProgress = func(string, int64, int64) {}
	}

	tmp, err := client.FetchToTempFile(ctx, zipURL, destDir, func(downloaded, total int64) {
		onProgress(fmt.Sprintf("downloading base game (%s)", format.Bytes(downloaded)), downloaded, total)
	})
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	info, err := tmp.Stat()
	if err != nil {
		return &perrors.IoError{Path: tmp.Name(), Err: err}
	}

	zr, err := zip.NewReader(tmp, info.Size())
	if err != nil {
		return &perrors.IoError{Path: tmp.Name(), Err: fmt.Errorf("open zip: %w", err)}
	}

	var totalBytes int64
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, "/") {
			totalBytes += int64(f.UncompressedSize64)
		}
	}

	var downloaded int64
	for _, f := range zr.File {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := extractMember(destDir, f)
		if err != nil {
			return err
		}
		if n > 0 {
			downloaded += n
			onProgress(fmt.Sprintf("extracting %s", f.Name), downloaded, totalBytes)
		}
	}

	onProgress("Finished installing base game", totalBytes, totalBytes)
	return nil
}

// extractMember writes one ZIP entry under destDir, returning the number of
// uncompressed bytes written (0 for a directory entry).
func extractMember(destDir string, f *zip.File) (int64, error) {
	target, err := safeJoin(destDir, f.Name)
	if err != nil {
		return 0, err
	}

	if strings.HasSuffix(f.Name, "/") {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return 0, &perrors.IoError{Path: target, Err: err}
		}
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, &perrors.IoError{Path: target, Err: err}
	}

	rc, err := f.Open()
	if err != nil {
		return 0, &perrors.IoError{Path: target, Err: err}
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, &perrors.IoError{Path: target, Err: err}
	}
	n, err := io.Copy(out, rc)
	closeErr := out.Close()
	if err != nil {
		return n, &perrors.IoError{Path: target, Err: err}
	}
	if closeErr != nil {
		return n, &perrors.IoError{Path: target, Err: closeErr}
	}

	if runtime.GOOS != "windows" {
		if mode := f.Mode(); mode&0o777 != 0 {
			if err := os.Chmod(target, mode.Perm()); err != nil {
				return n, &perrors.IoError{Path: target, Err: err}
			}
		}
	}

	return n, nil
}

// safeJoin resolves name (a ZIP member path, always "/"-separated) against
// destDir, rejecting absolute paths or ".." segments rather than
// neutralizing them, so a crafted member can't be silently re-rooted into
// destDir instead of failing the install.
func safeJoin(destDir, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(filepath.FromSlash(name), string(filepath.Separator)) {
		return "", &perrors.UnsafeArchivePathError{Member: name}
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", &perrors.UnsafeArchivePathError{Member: name}
		}
	}

	target := filepath.Join(destDir, filepath.FromSlash(name))

	destWithSep := strings.TrimSuffix(destDir, string(filepath.Separator)) + string(filepath.Separator)
	if target+string(filepath.Separator) != destWithSep && !strings.HasPrefix(target, destWithSep) {
		return "", &perrors.UnsafeArchivePathError{Member: name}
	}
	return target, nil
}
