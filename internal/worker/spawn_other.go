// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package worker

import (
	"os/exec"
	"syscall"
)

// spawnProcess starts path in its own session so it outlives the parent.
func spawnProcess(path, dir string) error {
	cmd := exec.Command(path)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
