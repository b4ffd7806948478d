// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package hedat implements the .hed/.dat archive container the rest of the
// repository treats as an external collaborator: a logical group
// of named members backed by two sibling files, a JSON index (.hed) and a
// flate-compressed blob store (.dat, github.com/klauspost/compress/flate).
//
// This is the concrete implementation behind the interface the archive
// patcher (internal/archivepatch) depends on; nothing outside this package
// needs to know the on-disk layout.
package hedat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/bodaay/gamepatcher/internal/manifest"
)

// entry is one member's location inside the .dat blob store.
type entry struct {
	Name    string `json:"name"`
	Offset  int64  `json:"offset"`
	CompLen int64  `json:"compLen"`
	RawLen  int64  `json:"rawLen"`
}

type index struct {
	Entries []entry `json:"entries"`
}

// Container is an open .hed/.dat pair. It is not safe for concurrent use;
// the reconciler only ever touches one archive at a time.
type Container struct {
	hedPath string
	datPath string

	idx   index
	dirty bool

	// pendingWrites accumulates member bytes to append to .dat; they are
	// only durable once Finalize is called.
	pendingWrites []pendingWrite
}

type pendingWrite struct {
	name string
	data []byte
}

// Open loads the index from hedPath, or starts an empty one if hedPath
// doesn't exist yet (a brand-new archive the manifest just introduced).
func Open(hedPath, datPath string) (*Container, error) {
	c := &Container{hedPath: hedPath, datPath: datPath}

	data, err := os.ReadFile(hedPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &c.idx); err != nil {
			return nil, fmt.Errorf("hedat: parse index %s: %w", hedPath, err)
		}
	case os.IsNotExist(err):
		// New archive: empty index, dat created on first Finalize.
	default:
		return nil, fmt.Errorf("hedat: read index %s: %w", hedPath, err)
	}
	return c, nil
}

// Has reports whether name is present, without reading its bytes.
func (c *Container) Has(name string) bool {
	_, ok := c.find(name)
	return ok
}

func (c *Container) find(name string) (entry, bool) {
	for _, e := range c.idx.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return entry{}, false
}

// ReadMember returns the decompressed bytes of a member. The three
// outcomes the archive patcher distinguishes map to: a nil
// error with data (present), os.ErrNotExist (not present), or any other
// error (archive read error).
func (c *Container) ReadMember(name string) ([]byte, error) {
	e, ok := c.find(name)
	if !ok {
		return nil, os.ErrNotExist
	}

	f, err := os.Open(c.datPath)
	if err != nil {
		return nil, fmt.Errorf("hedat: open %s: %w", c.datPath, err)
	}
	defer f.Close()

	if _, err := f.Seek(e.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("hedat: seek %s: %w", c.datPath, err)
	}

	fr := flate.NewReader(io.LimitReader(f, e.CompLen))
	defer fr.Close()

	buf := make([]byte, e.RawLen)
	if _, err := io.ReadFull(fr, buf); err != nil {
		return nil, fmt.Errorf("hedat: inflate %s/%s: %w", c.datPath, name, err)
	}
	return buf, nil
}

// WriteMember stages raw bytes for name, overwriting any existing member of
// the same name on the next Finalize. It does not touch disk itself.
func (c *Container) WriteMember(name string, data []byte) {
	c.pendingWrites = append(c.pendingWrites, pendingWrite{name: name, data: data})
	c.dirty = true
}

// Dirty reports whether any member has been staged since Open.
func (c *Container) Dirty() bool { return c.dirty }

// Finalize appends every staged member to .dat and rewrites .hed to point
// at them. Existing (untouched) members keep their current .dat offsets —
// compaction of now-shadowed bytes is Defrag's job, not Finalize's.
func (c *Container) Finalize() error {
	if len(c.pendingWrites) == 0 {
		return nil
	}

	f, err := os.OpenFile(c.datPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("hedat: open %s for append: %w", c.datPath, err)
	}
	defer f.Close()

	for _, pw := range c.pendingWrites {
		offset, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("hedat: seek %s: %w", c.datPath, err)
		}

		cw := &countingWriter{w: f}
		fw, err := flate.NewWriter(cw, flate.DefaultCompression)
		if err != nil {
			return fmt.Errorf("hedat: compress %s: %w", pw.name, err)
		}
		if _, err := fw.Write(pw.data); err != nil {
			return fmt.Errorf("hedat: compress %s: %w", pw.name, err)
		}
		if err := fw.Close(); err != nil {
			return fmt.Errorf("hedat: compress %s: %w", pw.name, err)
		}

		c.idx.Entries = removeEntry(c.idx.Entries, pw.name)
		c.idx.Entries = append(c.idx.Entries, entry{
			Name:    pw.name,
			Offset:  offset,
			CompLen: cw.n,
			RawLen:  int64(len(pw.data)),
		})
	}
	c.pendingWrites = nil

	return c.writeIndex()
}

func (c *Container) writeIndex() error {
	data, err := json.Marshal(c.idx)
	if err != nil {
		return fmt.Errorf("hedat: marshal index: %w", err)
	}
	tmp := c.hedPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("hedat: write index: %w", err)
	}
	if err := os.Rename(tmp, c.hedPath); err != nil {
		return fmt.Errorf("hedat: rename index: %w", err)
	}
	return nil
}

// Defrag rewrites .dat to contain only the bytes the current index
// references, in index order, dropping bytes shadowed by prior
// overwrites. It swaps the compacted file in atomically.
func (c *Container) Defrag() error {
	tmpDat := c.datPath + ".defrag"
	out, err := os.Create(tmpDat)
	if err != nil {
		return fmt.Errorf("hedat: create %s: %w", tmpDat, err)
	}

	in, err := os.Open(c.datPath)
	if err != nil {
		out.Close()
		os.Remove(tmpDat)
		return fmt.Errorf("hedat: open %s: %w", c.datPath, err)
	}

	newEntries := make([]entry, 0, len(c.idx.Entries))
	var offset int64
	for _, e := range c.idx.Entries {
		if _, err := in.Seek(e.Offset, io.SeekStart); err != nil {
			in.Close()
			out.Close()
			os.Remove(tmpDat)
			return fmt.Errorf("hedat: seek %s: %w", c.datPath, err)
		}
		n, err := io.Copy(out, io.LimitReader(in, e.CompLen))
		if err != nil {
			in.Close()
			out.Close()
			os.Remove(tmpDat)
			return fmt.Errorf("hedat: compact %s: %w", e.Name, err)
		}
		newEntries = append(newEntries, entry{Name: e.Name, Offset: offset, CompLen: n, RawLen: e.RawLen})
		offset += n
	}
	in.Close()
	out.Close()

	if err := os.Rename(tmpDat, c.datPath); err != nil {
		return fmt.Errorf("hedat: swap %s: %w", c.datPath, err)
	}
	c.idx.Entries = newEntries
	return c.writeIndex()
}

func removeEntry(entries []entry, name string) []entry {
	out := entries[:0]
	for _, e := range entries {
		if e.Name != name {
			out = append(out, e)
		}
	}
	return out
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Digest computes the manifest digest of a member's current bytes, for
// callers that want to compare without separately calling ReadMember.
func (c *Container) Digest(name string) (manifest.Digest, error) {
	data, err := c.ReadMember(name)
	if err != nil {
		return nil, err
	}
	return manifest.ComputeDigest(bytes.NewReader(data))
}
