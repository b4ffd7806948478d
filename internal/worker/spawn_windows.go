// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package worker

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// spawnProcess starts path as a fully detached process: no console window,
// and surviving the parent's exit rather than dying with its process group.
func spawnProcess(path, dir string) error {
	cmd := exec.Command(path)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
	return cmd.Start()
}
