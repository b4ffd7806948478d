// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package format renders human-readable progress text.
package format

import "fmt"

// Bytes renders n using binary (1024-based) units with two decimals, e.g.
// "1.50 KiB"; counts below 1 KiB print as whole bytes ("512 B").
// It has no semantic role: callers never parse its output back.
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
