// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleDownload_UnknownTokenIs404(t *testing.T) {
	store := NewStore(time.Minute)
	srv := NewServer(store, Config{}, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download/does-not-exist", nil)
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleDownload_StreamsFileAndRetiresToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "song.wav")
	if err := os.WriteFile(path, []byte("fake-pcm-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(time.Minute)
	srv := NewServer(store, Config{}, testLogger())
	tok, _ := store.MintDownload(path)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download/"+tok.Value, nil)
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "fake-pcm-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/download/"+tok.Value, nil)
	srv.echo.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("expected second download to 404 (token retired), got %d", rec2.Code)
	}
}

func TestHandleUpload_WritesBodyAtomically(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(time.Minute)
	srv := NewServer(store, Config{UploadDir: dir}, testLogger())
	tok, _ := store.MintUpload("incoming.wav")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload/"+tok.Value, strings.NewReader("uploaded-bytes"))
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, "incoming.wav"))
	if err != nil {
		t.Fatalf("reading uploaded file: %v", err)
	}
	if string(data) != "uploaded-bytes" {
		t.Errorf("got %q", data)
	}
}

func TestHandleUpload_RejectsTraversalTarget(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(time.Minute)
	srv := NewServer(store, Config{UploadDir: dir}, testLogger())

	// Target sanitization happens at mint time in real flows, but the
	// handler must still defend if a malicious target slipped through.
	tok, _ := store.mint(&Token{Kind: KindUpload, Target: "../escape.wav"})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/upload/"+tok.Value, strings.NewReader("x"))
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape.wav")); err == nil {
		t.Error("traversal target must not have been created")
	}
}
