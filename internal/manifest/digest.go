// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

// Digest is an opaque, fixed-width content hash produced by the manifest
// producer. The reconciler never interprets it, only compares it for
// byte-equality.
type Digest []byte

// Equal reports whether two digests are byte-identical.
func (d Digest) Equal(other Digest) bool {
	return bytes.Equal(d, other)
}

// String renders the digest as lowercase hex, for log messages only.
func (d Digest) String() string {
	return hex.EncodeToString(d)
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(d))
}

// UnmarshalJSON decodes a hex string into the digest's raw bytes.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("digest: invalid hex: %w", err)
	}
	*d = b
	return nil
}

// ComputeDigest hashes r the same way the manifest producer does, so a
// disk file's digest can be compared against the declared one by
// byte-equality alone.
func ComputeDigest(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}
	return h.Sum(nil), nil
}
