// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package archivepatch implements the per-archive reconciliation
// discipline: open a .hed/.dat pair, check each declared member against
// its digest, replace mismatches, and finalize+defrag exactly once if
// anything changed.
//
// The archive container itself is an external collaborator; this
// package only depends on the narrow Container interface below, which
// internal/hedat implements.
package archivepatch

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/bodaay/gamepatcher/internal/manifest"
	"github.com/bodaay/gamepatcher/internal/perrors"
)

// Container is the narrow view of a .hed/.dat pair the patcher needs.
type Container interface {
	Has(name string) bool
	ReadMember(name string) ([]byte, error)
	WriteMember(name string, data []byte)
	Finalize() error
	Defrag() error
	Dirty() bool
}

// Opener opens (or creates, if absent) the archive at hedPath/datPath.
type Opener func(hedPath, datPath string) (Container, error)

// MemberFetcher downloads one archive member's replacement bytes.
type MemberFetcher func(ctx context.Context, url string) ([]byte, error)

// Patch reconciles one Archive leaf's members against disk, in declared
// order. completed advances by one per member regardless of the action
// taken; the returned value is completed + len(members).
func Patch(
	ctx context.Context,
	open Opener,
	fetch MemberFetcher,
	archiveName, hedPath, datPath, urlPrefix string,
	members []manifest.Member,
	completed, total int,
	onProgress func(text string, completed, total int),
) (int, error) {
	c, err := open(hedPath, datPath)
	if err != nil {
		return completed, &perrors.ArchiveReadError{Archive: archiveName, Err: err}
	}

	for _, m := range members {
		onProgress(fmt.Sprintf("checking %s/%s", archiveName, m.Name), completed, total)

		mismatch, err := memberMismatches(c, m)
		if err != nil {
			return completed, &perrors.ArchiveReadError{Archive: archiveName, Err: err}
		}

		if mismatch {
			data, err := fetch(ctx, urlPrefix+m.Name)
			if err != nil {
				return completed, err
			}
			c.WriteMember(m.Name, data)
		}

		completed++
	}

	if c.Dirty() {
		if err := c.Finalize(); err != nil {
			return completed, &perrors.ArchiveWriteError{Archive: archiveName, Err: err}
		}
		if err := c.Defrag(); err != nil {
			return completed, &perrors.ArchiveWriteError{Archive: archiveName, Err: err}
		}
	}

	return completed, nil
}

// memberMismatches reports whether m needs to be (re)written: true if it is
// absent, unreadable in a way that means "treat as mismatch" (i.e. not
// present), or present with a digest that doesn't match.
func memberMismatches(c Container, m manifest.Member) (bool, error) {
	if !c.Has(m.Name) {
		return true, nil
	}
	data, err := c.ReadMember(m.Name)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	digest, err := manifest.ComputeDigest(bytes.NewReader(data))
	if err != nil {
		return false, err
	}
	return !digest.Equal(m.Digest), nil
}
