// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bodaay/gamepatcher/internal/archivepatch"
	"github.com/bodaay/gamepatcher/internal/config"
	"github.com/bodaay/gamepatcher/internal/events"
	"github.com/bodaay/gamepatcher/internal/hedat"
	"github.com/bodaay/gamepatcher/internal/manifest"
	"github.com/bodaay/gamepatcher/internal/patchclient"
	"github.com/bodaay/gamepatcher/internal/perrors"
	"github.com/bodaay/gamepatcher/internal/platform"
	"github.com/bodaay/gamepatcher/internal/sidecar"
	"github.com/bodaay/gamepatcher/internal/transport"
)

func wireManifest(t *testing.T, digest manifest.Digest) []byte {
	t.Helper()
	doc := fmt.Sprintf(`{"name":"root","children":[
		{"name":"all","children":[
			{"name":"readme.txt","digest":%q}
		]}
	]}`, digest.String())
	return []byte(doc)
}

func hexDigest(t *testing.T, data []byte) manifest.Digest {
	t.Helper()
	d, err := manifest.ComputeDigest(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newTestDeps(t *testing.T, selfDir string, client *transport.Client, urls patchclient.URLs) Deps {
	t.Helper()
	return Deps{
		Client: client,
		URLs:   urls,
		Sidecar: sidecar.NewRunner(func(string) error { return nil }, 5, time.Millisecond),
		ArchiveOpen: func(hed, dat string) (archivepatch.Container, error) {
			return hedat.Open(hed, dat)
		},
		InstallBase: func(ctx context.Context, zipURL, destDir string, onProgress func(string, int64, int64)) error {
			t.Fatal("InstallBase should not be called when game exe already present")
			return nil
		},
		SelfExe: filepath.Join(selfDir, "patcher"),
		SelfDir: selfDir,
		GameExe: "game.exe",
		Emit:    func(events.Message) {},
	}
}

func TestRunNoOpWhenDiskMatchesManifest(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello readme")
	digest := hexDigest(t, content)

	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Online"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(wireManifest(t, digest))
	})
	mux.HandleFunc("/patch/", func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("no file fetch expected, got %s", r.URL.Path)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	var msgs []events.Message
	d := newTestDeps(t, dir, client, urls)
	d.Emit = func(m events.Message) { msgs = append(msgs, m) }

	pending, err := Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pending != "" {
		t.Fatalf("pending = %q, want none", pending)
	}

	last := msgs[len(msgs)-1]
	if last.Kind != events.KindDownloading || last.Progress != 1.0 {
		t.Fatalf("final message = %+v, want Downloading progress=1.0", last)
	}
}

func TestRunDownloadsMismatchedFile(t *testing.T) {
	dir := t.TempDir()
	oldContent := []byte("old readme")
	newContent := []byte("new readme")
	digest := hexDigest(t, newContent)

	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), oldContent, 0o644); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Online"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(wireManifest(t, digest))
	})
	mux.HandleFunc("/patch/all/readme.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write(newContent)
	})
	mux.HandleFunc(fmt.Sprintf("/patch/%s/", platform.Tag()), func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	d := newTestDeps(t, dir, client, urls)

	pending, err := Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pending != "" {
		t.Fatalf("pending = %q, want none", pending)
	}

	got, err := os.ReadFile(filepath.Join(dir, "readme.txt"))
	if err != nil {
		t.Fatalf("read patched file: %v", err)
	}
	if string(got) != string(newContent) {
		t.Fatalf("readme.txt = %q, want %q", got, newContent)
	}
}

func TestRunRedirectsSelfUpdateToSidecar(t *testing.T) {
	dir := t.TempDir()
	selfExe := filepath.Join(dir, "patcher")
	oldSelf := []byte("old patcher binary")
	newSelf := []byte("new patcher binary")
	digest := hexDigest(t, newSelf)

	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(selfExe, oldSelf, 0o755); err != nil {
		t.Fatal(err)
	}

	doc := fmt.Sprintf(`{"name":"root","children":[
		{"name":"all","children":[
			{"name":"patcher","digest":%q}
		]}
	]}`, digest.String())

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Online"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	})
	mux.HandleFunc("/patch/all/patcher", func(w http.ResponseWriter, r *http.Request) {
		w.Write(newSelf)
	})
	mux.HandleFunc(fmt.Sprintf("/patch/%s/", platform.Tag()), func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	d := newTestDeps(t, dir, client, urls)

	pending, err := Run(context.Background(), d)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantSidecar := platform.SidecarFor(selfExe)
	if pending != wantSidecar {
		t.Fatalf("pending = %q, want %q", pending, wantSidecar)
	}

	got, err := os.ReadFile(selfExe)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(oldSelf) {
		t.Fatalf("self_exe was modified during reconcile, want untouched")
	}

	gotSidecar, err := os.ReadFile(wantSidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if string(gotSidecar) != string(newSelf) {
		t.Fatalf("sidecar content = %q, want %q", gotSidecar, newSelf)
	}
}

func TestRunReportsProgressInOrderAndMonotonically(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}
	aContent, bContent, cContent := []byte("a"), []byte("b"), []byte("c")
	aDigest := hexDigest(t, aContent)
	bDigest := hexDigest(t, bContent)
	cDigest := hexDigest(t, cContent)

	doc := fmt.Sprintf(`{"name":"root","children":[
		{"name":"all","children":[
			{"name":"a.txt","digest":%q},
			{"name":"sub","children":[
				{"name":"b.txt","digest":%q}
			]},
			{"name":"c.txt","digest":%q}
		]}
	]}`, aDigest.String(), bDigest.String(), cDigest.String())

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Online"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	})
	mux.HandleFunc("/patch/all/a.txt", func(w http.ResponseWriter, r *http.Request) { w.Write(aContent) })
	mux.HandleFunc("/patch/all/sub/b.txt", func(w http.ResponseWriter, r *http.Request) { w.Write(bContent) })
	mux.HandleFunc("/patch/all/c.txt", func(w http.ResponseWriter, r *http.Request) { w.Write(cContent) })
	mux.HandleFunc(fmt.Sprintf("/patch/%s/", platform.Tag()), func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	var wantOrder []string
	var msgs []events.Message
	d := newTestDeps(t, dir, client, urls)
	d.Emit = func(m events.Message) { msgs = append(msgs, m) }

	if _, err := Run(context.Background(), d); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantOrder = []string{"checking a.txt", "checking b.txt", "checking c.txt"}
	var gotOrder []string
	var last float64
	for _, m := range msgs {
		if m.Kind != events.KindDownloading {
			continue
		}
		if m.Progress < last {
			t.Fatalf("progress decreased: %v after %v", m.Progress, last)
		}
		if m.Progress < 0 || m.Progress > 1 {
			t.Fatalf("progress out of bounds: %v", m.Progress)
		}
		last = m.Progress
		for _, want := range wantOrder {
			if m.Text == want {
				gotOrder = append(gotOrder, want)
			}
		}
	}
	if len(gotOrder) != len(wantOrder) {
		t.Fatalf("checking messages = %v, want %v", gotOrder, wantOrder)
	}
	for i, want := range wantOrder {
		if gotOrder[i] != want {
			t.Fatalf("order[%d] = %q, want %q", i, gotOrder[i], want)
		}
	}

	final := msgs[len(msgs)-1]
	if final.Text != "3 files checked." || final.Progress != 1.0 {
		t.Fatalf("final message = %+v, want 3 files checked. at progress 1.0", final)
	}
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello readme")
	digest := hexDigest(t, content)

	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("stale"), 0o644); err != nil {
		t.Fatal(err)
	}

	var fetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Online"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(wireManifest(t, digest))
	})
	mux.HandleFunc("/patch/all/readme.txt", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.Write(content)
	})
	mux.HandleFunc(fmt.Sprintf("/patch/%s/", platform.Tag()), func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	d := newTestDeps(t, dir, client, urls)

	if _, err := Run(context.Background(), d); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("fetches after first run = %d, want 1", fetches)
	}

	var secondMsgs []events.Message
	d.Emit = func(m events.Message) { secondMsgs = append(secondMsgs, m) }
	if _, err := Run(context.Background(), d); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if fetches != 1 {
		t.Fatalf("fetches after second run = %d, want 1 (no re-download of matching file)", fetches)
	}

	last := secondMsgs[len(secondMsgs)-1]
	if last.Text != "1 files checked." || last.Progress != 1.0 {
		t.Fatalf("second run final message = %+v", last)
	}
}

func TestRunReportsMaintenance(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "game.exe"), []byte("game"), 0o755); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/meta/status.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "Maintenance"})
	})
	mux.HandleFunc("/meta/patchlist.json", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("manifest should not be fetched during maintenance")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := config.Default()
	cfg.PatchServer = srv.URL + "/"
	urls := patchclient.Build(cfg)
	client := transport.NewClient(5*time.Second, 1, time.Millisecond)

	var msgs []events.Message
	d := newTestDeps(t, dir, client, urls)
	d.Emit = func(m events.Message) { msgs = append(msgs, m) }

	_, err := Run(context.Background(), d)
	if err != perrors.ErrServerMaintenance {
		t.Fatalf("err = %v, want ErrServerMaintenance", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Text != "Server is down for maintenance" {
		t.Fatalf("messages = %+v", msgs)
	}
}
