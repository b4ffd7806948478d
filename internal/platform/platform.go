// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package platform resolves the patcher's own identity on disk: the
// canonical path of the running executable, its parent directory, the
// lowercase "os-arch" tag used to select a manifest subtree, and the
// sidecar path used by the self-replacement protocol.
package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// sidecarExt is appended (not substituted) to the running binary's file
// name to derive the sidecar path.
const sidecarExt = "aecoupdate"

// osNames maps GOOS to the lowercase platform-tag vocabulary used in
// manifest paths.
var osNames = map[string]string{
	"windows": "windows",
	"linux":   "linux",
	"darwin":  "macos",
}

// archNames maps GOARCH to the lowercase platform-tag vocabulary used in
// manifest paths.
var archNames = map[string]string{
	"386":   "x86",
	"amd64": "x86_64",
	"arm64": "aarch64",
	"arm":   "arm",
}

// Tag returns the current platform tag, formatted "<os>-<arch>".
// Unrecognized GOOS/GOARCH values pass through verbatim (lowercased) so the
// tag is still well-formed even on a host the vocabulary doesn't name.
func Tag() string {
	os := osNames[runtime.GOOS]
	if os == "" {
		os = strings.ToLower(runtime.GOOS)
	}
	arch := archNames[runtime.GOARCH]
	if arch == "" {
		arch = strings.ToLower(runtime.GOARCH)
	}
	return fmt.Sprintf("%s-%s", os, arch)
}

// SelfExe returns the canonical absolute path to the running executable.
func SelfExe() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve self exe: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		// Fall back to the unresolved path rather than failing outright;
		// os.Executable already did the hard part.
		resolved = exe
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("resolve self exe: %w", err)
	}
	return abs, nil
}

// SelfDir returns the parent directory of selfExe.
func SelfDir(selfExe string) string {
	return filepath.Dir(selfExe)
}

// SidecarFor appends the sidecar suffix to selfExe's file name. The
// original extension, if any, is preserved as an inner segment of the new
// name: "patcher.exe" -> "patcher.exe.aecoupdate".
func SidecarFor(selfExe string) string {
	return selfExe + "." + sidecarExt
}

// IsSidecar reports whether exe's last extension is the sidecar suffix,
// i.e. whether the running process is the replacement binary started from
// the sidecar path.
func IsSidecar(exe string) bool {
	return strings.EqualFold(strings.TrimPrefix(filepath.Ext(exe), "."), sidecarExt)
}

// CanonicalFor strips the sidecar suffix from a sidecar path, returning the
// path the replacement binary should be copied to.
func CanonicalFor(sidecarPath string) string {
	return strings.TrimSuffix(sidecarPath, filepath.Ext(sidecarPath))
}
