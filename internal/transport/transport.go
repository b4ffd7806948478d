// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the two download primitives the worker
// blocks on: a streaming GET into a buffer, and a streaming GET into a
// fresh temp file. Both are synchronous from the caller's perspective;
// retries happen underneath via github.com/avast/retry-go/v4.
package transport

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/bodaay/gamepatcher/internal/perrors"
)

// OnProgress is invoked after every chunk with the cumulative bytes
// downloaded and the server-declared total, or -1 if the server didn't
// advertise a content length. downloaded is never clamped here; UI-side
// clamping is the caller's job.
type OnProgress func(downloaded, total int64)

// Client wraps an *http.Client with the worker's retry policy.
type Client struct {
	HTTP    *http.Client
	Retries int
	Delay   time.Duration
}

// NewClient builds an HTTP client with conservative pooling and timeout
// defaults for a long-lived CLI process.
func NewClient(timeout time.Duration, retries int, delay time.Duration) *Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &Client{
		HTTP:    &http.Client{Transport: tr, Timeout: timeout},
		Retries: retries,
		Delay:   delay,
	}
}

// maxBufferableSize bounds fetch_to_buffer to what's comfortably
// addressable; a larger advertised length fails fast with SizeOverflow
// instead of attempting an allocation likely to exhaust memory.
const maxBufferableSize = int64(math.MaxInt32) * 4 // 8 GiB

// FetchToBuffer issues a GET and returns the whole response body.
func (c *Client) FetchToBuffer(ctx context.Context, url string, onProgress OnProgress) ([]byte, error) {
	var out []byte
	err := c.withRetry(ctx, url, func() error {
		resp, err := c.doGet(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		total := resp.ContentLength // -1 when unknown
		if total > maxBufferableSize {
			return retry.Unrecoverable(&perrors.SizeOverflowError{URL: url, ContentLength: total})
		}

		var buf []byte
		if total > 0 {
			buf = make([]byte, 0, total)
		}
		w := &countingBuffer{buf: buf, total: total, onProgress: onProgress}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return &perrors.TransportError{URL: url, Err: err}
		}
		out = w.buf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// countingBuffer accumulates bytes while reporting progress.
type countingBuffer struct {
	buf        []byte
	total      int64
	downloaded int64
	onProgress OnProgress
}

func (w *countingBuffer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	w.downloaded += int64(len(p))
	if w.onProgress != nil {
		w.onProgress(w.downloaded, w.total)
	}
	return len(p), nil
}

// FetchToTempFile streams a GET into a freshly created temp file inside
// dir, so a later rename onto the final path is atomic (same filesystem).
// The returned file is open and seeked to the start; the caller owns it
// (including deletion on error paths it doesn't use).
func (c *Client) FetchToTempFile(ctx context.Context, url, dir string, onProgress OnProgress) (*os.File, error) {
	var out *os.File
	err := c.withRetry(ctx, url, func() error {
		if out != nil {
			out.Close()
			os.Remove(out.Name())
			out = nil
		}

		resp, err := c.doGet(ctx, url)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		f, err := os.CreateTemp(dir, "patch-*.tmp-"+uuid.NewString())
		if err != nil {
			return retry.Unrecoverable(&perrors.IoError{Path: dir, Err: err})
		}

		total := resp.ContentLength
		var downloaded int64
		r := io.TeeReader(resp.Body, progressTee{total: total, downloaded: &downloaded, onProgress: onProgress})
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			os.Remove(f.Name())
			return &perrors.TransportError{URL: url, Err: err}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			os.Remove(f.Name())
			return &perrors.IoError{Path: f.Name(), Err: err}
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// progressTee drives onProgress as bytes are teed through it, without
// itself storing anything.
type progressTee struct {
	total      int64
	downloaded *int64
	onProgress OnProgress
}

func (p progressTee) Write(b []byte) (int, error) {
	*p.downloaded += int64(len(b))
	if p.onProgress != nil {
		p.onProgress(*p.downloaded, p.total)
	}
	return len(b), nil
}

func (c *Client) doGet(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Unrecoverable(&perrors.TransportError{URL: url, Err: err})
	}
	req.Header.Set("User-Agent", "gamepatcher/1")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &perrors.TransportError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := resp.StatusCode
		resp.Body.Close()
		return nil, &perrors.HttpStatusError{URL: url, Status: status}
	}
	return resp, nil
}

// withRetry runs fn under the client's retry policy. A SizeOverflowError is
// never retried (the server will keep declaring the same length).
func (c *Client) withRetry(ctx context.Context, url string, fn func() error) error {
	attempts := uint(c.Retries + 1)
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(c.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	return nil
}
