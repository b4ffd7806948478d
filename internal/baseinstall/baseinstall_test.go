// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package baseinstall

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bodaay/gamepatcher/internal/transport"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestInstallExtractsFilesAndDirectories(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string]string{
		"game.exe":         "binary",
		"assets/":          "",
		"assets/sound.wav": "wav-bytes",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	var lastText string
	err := Install(context.Background(), client, srv.URL, dir, func(text string, downloaded, total int64) {
		lastText = text
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if lastText != "Finished installing base game" {
		t.Fatalf("final progress text = %q", lastText)
	}

	got, err := os.ReadFile(filepath.Join(dir, "game.exe"))
	if err != nil || string(got) != "binary" {
		t.Fatalf("game.exe = %q, err=%v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dir, "assets", "sound.wav"))
	if err != nil || string(got) != "wav-bytes" {
		t.Fatalf("assets/sound.wav = %q, err=%v", got, err)
	}
	if info, err := os.Stat(filepath.Join(dir, "assets")); err != nil || !info.IsDir() {
		t.Fatalf("assets dir missing: %v", err)
	}
}

func TestInstallRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	data := buildZip(t, map[string]string{
		"../../etc/passwd": "evil",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	err := Install(context.Background(), client, srv.URL, dir, nil)
	if err == nil {
		t.Fatal("expected UnsafeArchivePathError, got nil")
	}
}
