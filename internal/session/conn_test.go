// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

func startEchoUpgradeServer(t *testing.T, onFrame func(*Conn, protocol.Frame)) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		conn := NewConn(ws, logger)
		go conn.Run(context.Background(), func(f protocol.Frame) { onFrame(conn, f) }, func() {})
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dialClient(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatal(err)
	}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func TestConn_EchoesFrameBack(t *testing.T) {
	srv, wsURL := startEchoUpgradeServer(t, func(c *Conn, f protocol.Frame) {
		_ = c.Send(f)
	})
	defer srv.Close()

	client := dialClient(t, wsURL)
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "PING" {
		t.Errorf("got %q, want PING", data)
	}
}

func TestConn_MalformedFrameGetsErrorReply(t *testing.T) {
	srv, wsURL := startEchoUpgradeServer(t, func(c *Conn, f protocol.Frame) {})
	defer srv.Close()

	client := dialClient(t, wsURL)
	defer client.Close()

	if err := client.WriteMessage(websocket.TextMessage, []byte(`ERROR message="unterminated`)); err != nil {
		t.Fatal(err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	f, err := protocol.Parse(string(data))
	if err != nil {
		t.Fatalf("parsing reply: %v", err)
	}
	if f.Command != protocol.CmdError {
		t.Errorf("command = %q, want ERROR", f.Command)
	}
}

func TestConn_CloseStopsRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, _ := upgrader.Upgrade(w, r, nil)
		conn := NewConn(ws, logger)
		conn.Close()
		go conn.Run(context.Background(), func(protocol.Frame) {}, func() { close(closed) })
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := dialClient(t, wsURL)
	defer client.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Close")
	}
}
