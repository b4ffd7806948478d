// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/bodaay/gamepatcher/internal/manifest"
	"github.com/bodaay/gamepatcher/internal/patchclient"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/platform"
)

// PlanEntry describes the action Run would take for one leaf, without
// actually taking it.
type PlanEntry struct {
	Path   string
	Action string
}

// Plan reports what Run would change, read-only: it fetches only the status
// and manifest documents, never downloads a leaf or writes anything, and
// compares local digests against the declared manifest. This backs the CLI's "plan" subcommand (no spec analogue —
// a supplement for operators inspecting a pending patch before applying it).
func Plan(ctx context.Context, d Deps) ([]PlanEntry, error) {
	status, err := patchclient.FetchStatus(ctx, d.Client, d.URLs)
	if err != nil {
		return nil, err
	}
	if !status.Online() {
		return nil, perrors.ErrServerMaintenance
	}

	root, err := patchclient.FetchManifest(ctx, d.Client, d.URLs)
	if err != nil {
		return nil, err
	}

	var entries []PlanEntry
	for _, tag := range []string{"all", platform.Tag()} {
		platformDir, ok := manifest.ChildDirectory(root, tag)
		if !ok {
			continue
		}
		planWalk(d, platformDir, d.SelfDir, &entries)
	}
	return entries, nil
}

func planWalk(d Deps, dir manifest.Node, diskDir string, out *[]PlanEntry) {
	for _, child := range dir.Children {
		switch child.Kind {
		case manifest.KindFile:
			diskPath := filepath.Join(diskDir, child.Name)
			*out = append(*out, PlanEntry{Path: diskPath, Action: planFileAction(diskPath, child.Digest)})

		case manifest.KindDirectory:
			planWalk(d, child, filepath.Join(diskDir, child.Name), out)

		case manifest.KindArchive:
			hedPath := filepath.Join(diskDir, child.Name+".hed")
			datPath := filepath.Join(diskDir, child.Name+".dat")
			c, err := d.ArchiveOpen(hedPath, datPath)
			if err != nil {
				*out = append(*out, PlanEntry{Path: hedPath, Action: "error: " + err.Error()})
				continue
			}
			for _, m := range child.Files {
				memberPath := filepath.Join(diskDir, child.Name+".archive", m.Name)
				if !c.Has(m.Name) {
					*out = append(*out, PlanEntry{Path: memberPath, Action: "download (missing)"})
					continue
				}
				data, err := c.ReadMember(m.Name)
				if err != nil {
					*out = append(*out, PlanEntry{Path: memberPath, Action: "download (unreadable)"})
					continue
				}
				digest, err := manifest.ComputeDigest(bytes.NewReader(data))
				if err != nil || !digest.Equal(m.Digest) {
					*out = append(*out, PlanEntry{Path: memberPath, Action: "download (mismatch)"})
					continue
				}
				*out = append(*out, PlanEntry{Path: memberPath, Action: "skip"})
			}
		}
	}
}

func planFileAction(diskPath string, declared manifest.Digest) string {
	f, err := os.Open(diskPath)
	if err != nil {
		return "download (missing)"
	}
	defer f.Close()

	digest, err := manifest.ComputeDigest(f)
	if err != nil {
		return "error: " + err.Error()
	}
	if digest.Equal(declared) {
		return "skip"
	}
	return "download (mismatch)"
}
