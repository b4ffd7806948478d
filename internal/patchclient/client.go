// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package patchclient resolves the five patch-server URLs the worker needs
// and decodes the two small JSON documents the server serves at
// them: status and manifest.
package patchclient

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bodaay/gamepatcher/internal/config"
	"github.com/bodaay/gamepatcher/internal/manifest"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/transport"
)

// URLs holds the five pre-resolved endpoints a worker owns for its
// lifetime. PatchRoot ends in "/"; leaf/directory URLs are
// joined onto it during the manifest walk.
type URLs struct {
	ServerRoot string
	BaseZip    string
	Patchlist  string
	Status     string
	PatchRoot  string
}

// Build resolves cfg's constants into the five URLs, each by successive
// relative join.
func Build(cfg config.Config) URLs {
	root := ensureTrailingSlash(cfg.PatchServer)
	return URLs{
		ServerRoot: root,
		BaseZip:    Join(root, cfg.BaseDir+"/", cfg.BaseZip),
		Patchlist:  Join(root, cfg.MetaDir+"/", cfg.Patchlist),
		Status:     Join(root, cfg.MetaDir+"/", cfg.Status),
		PatchRoot:  Join(root, cfg.PatchDir+"/"),
	}
}

// Join composes a relative URL from segments, dropping a leading "/" from
// every segment after the first and collapsing any run of slashes after the
// scheme to one. It inserts no separator of its own, so every segment but
// the last must end in "/". It is plain string composition, not
// net/url resolution — these endpoints are always relative path segments
// under a single server root, never cross-origin redirects.
func Join(segments ...string) string {
	var b strings.Builder
	for i, s := range segments {
		if s == "" {
			continue
		}
		if i > 0 {
			b.WriteString(strings.TrimPrefix(s, "/"))
		} else {
			b.WriteString(s)
		}
	}
	out := b.String()
	// Collapse accidental doubled slashes introduced by callers that pass
	// an already-slash-terminated segment followed by one starting with /,
	// without touching the "://" after a scheme.
	prefix := ""
	rest := out
	if idx := strings.Index(out, "://"); idx >= 0 {
		prefix = out[:idx+3]
		rest = out[idx+3:]
	}
	for strings.Contains(rest, "//") {
		rest = strings.ReplaceAll(rest, "//", "/")
	}
	return prefix + rest
}

func ensureTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

// Status mirrors the server's {"status": "Online"|"Maintenance"} document.
type Status struct {
	Status string `json:"status"`
}

// Online reports whether the server status permits patching.
func (s Status) Online() bool { return s.Status == "Online" }

// FetchStatus downloads and decodes the status document.
func FetchStatus(ctx context.Context, c *transport.Client, urls URLs) (Status, error) {
	data, err := c.FetchToBuffer(ctx, urls.Status, nil)
	if err != nil {
		return Status{}, err
	}
	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return Status{}, &perrors.ParseError{Subject: "status", Err: err}
	}
	return s, nil
}

// FetchManifest downloads and decodes the patchlist manifest.
func FetchManifest(ctx context.Context, c *transport.Client, urls URLs) (manifest.Node, error) {
	data, err := c.FetchToBuffer(ctx, urls.Patchlist, nil)
	if err != nil {
		return manifest.Node{}, err
	}
	root, err := manifest.Decode(data)
	if err != nil {
		var perr *perrors.ParseError
		if errors.As(err, &perr) {
			return manifest.Node{}, err
		}
		return manifest.Node{}, &perrors.ParseError{Subject: "manifest", Err: err}
	}
	return root, nil
}
