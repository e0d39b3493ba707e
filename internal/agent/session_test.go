// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nishisan-dev/botwave/internal/config"
	"github.com/nishisan-dev/botwave/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a frameConn recording every frame handed to Send, the same
// fake-collaborator shape as internal/broadcast's fakeSender.
type fakeConn struct {
	mu     sync.Mutex
	sent   []protocol.Frame
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (f *fakeConn) Send(frame protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) Run(ctx context.Context, onFrame func(protocol.Frame), onClose func()) {}

func (f *fakeConn) last() protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

// fakeModulator records Start/Stop calls instead of logging like StubModulator.
type fakeModulator struct {
	mu       sync.Mutex
	started  bool
	freqMHz  float64
	ps, rt, pi string
	stopErr  error
	startErr error
}

func (m *fakeModulator) Start(freqMHz float64, ps, rt, pi string, source io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	m.freqMHz, m.ps, m.rt, m.pi = freqMHz, ps, rt, pi
	return nil
}

func (m *fakeModulator) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopErr != nil {
		return m.stopErr
	}
	m.started = false
	return nil
}

func newTestSession(t *testing.T, conn frameConn, modulator Modulator) *Session {
	t.Helper()
	mediaDir := t.TempDir()
	return &Session{
		cfg: &config.AgentConfig{
			Storage: config.AgentStorage{MediaDir: mediaDir, TempDir: filepath.Join(mediaDir, ".tmp")},
		},
		logger:    testLogger(),
		modulator: modulator,
		conn:      conn,
	}
}

func TestDispatch_RegisterOKSignalsRegistered(t *testing.T) {
	s := newTestSession(t, newFakeConn(), &fakeModulator{})
	registered := make(chan error, 1)

	s.dispatch(registered, protocol.Frame{Command: protocol.CmdRegisterOK, Kwargs: map[string]string{"client_id": "pi1_1.2.3.4"}})

	if s.clientID != "pi1_1.2.3.4" {
		t.Errorf("clientID = %q, want pi1_1.2.3.4", s.clientID)
	}
	select {
	case err := <-registered:
		if err != nil {
			t.Errorf("expected nil error on registered channel, got %v", err)
		}
	default:
		t.Fatal("expected registered channel to receive a value")
	}
}

func TestDispatch_AuthFailedSignalsError(t *testing.T) {
	s := newTestSession(t, newFakeConn(), &fakeModulator{})
	registered := make(chan error, 1)

	s.dispatch(registered, protocol.Frame{Command: protocol.CmdAuthFailed, Kwargs: map[string]string{"message": "bad passkey"}})

	select {
	case err := <-registered:
		if err == nil {
			t.Fatal("expected a non-nil error")
		}
	default:
		t.Fatal("expected registered channel to receive a value")
	}
}

func TestDispatch_VersionMismatchSignalsError(t *testing.T) {
	s := newTestSession(t, newFakeConn(), &fakeModulator{})
	registered := make(chan error, 1)

	s.dispatch(registered, protocol.Frame{Command: protocol.CmdVersionMismatch, Kwargs: map[string]string{
		"server_version": "2.0.0", "client_version": "1.0.0",
	}})

	select {
	case err := <-registered:
		if err == nil {
			t.Fatal("expected a non-nil error")
		}
	default:
		t.Fatal("expected registered channel to receive a value")
	}
}

func TestDispatch_PingRepliesPong(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, &fakeModulator{})

	s.dispatch(nil, protocol.Frame{Command: protocol.CmdPing})

	if got := conn.last().Command; got != protocol.CmdPong {
		t.Errorf("expected a PONG reply, got %v", got)
	}
}

func TestDispatch_KickClosesConn(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, &fakeModulator{})

	s.dispatch(nil, protocol.Frame{Command: protocol.CmdKick, Kwargs: map[string]string{"reason": "shutting down"}})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Error("expected KICK to close the connection")
	}
}

func TestSendHandshake_NoPasskeySendsRegisterThenVer(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, &fakeModulator{})

	if err := s.sendHandshake(); err != nil {
		t.Fatalf("sendHandshake: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 2 {
		t.Fatalf("expected REGISTER + VER with no passkey, got %d frames", len(conn.sent))
	}
	if conn.sent[0].Command != protocol.CmdRegister {
		t.Errorf("frame 0 = %v, want REGISTER", conn.sent[0].Command)
	}
	if conn.sent[1].Command != protocol.CmdVer || conn.sent[1].Arg(0) != ProtocolVersion {
		t.Errorf("frame 1 = %v %v, want VER %s", conn.sent[1].Command, conn.sent[1].Args, ProtocolVersion)
	}
}

func TestSendHandshake_WithPasskeySendsAuthPositionally(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, &fakeModulator{})
	s.cfg.Server.Passkey = "secret"

	if err := s.sendHandshake(); err != nil {
		t.Fatalf("sendHandshake: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.sent) != 3 {
		t.Fatalf("expected REGISTER + AUTH + VER, got %d frames", len(conn.sent))
	}
	auth := conn.sent[1]
	if auth.Command != protocol.CmdAuth {
		t.Fatalf("frame 1 = %v, want AUTH", auth.Command)
	}
	if auth.Arg(0) != "secret" {
		t.Errorf("AUTH passkey sent as %q via Arg(0), want %q (agent sends AUTH positionally)", auth.Arg(0), "secret")
	}
}

func TestHandleStart_StartsModulatorAndSendsEnd(t *testing.T) {
	conn := newFakeConn()
	mod := &fakeModulator{}
	s := newTestSession(t, conn, mod)

	if err := os.WriteFile(filepath.Join(s.cfg.Storage.MediaDir, "song.wav"), []byte("pcm"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	s.handleStart(protocol.Frame{Command: protocol.CmdStart, Kwargs: map[string]string{
		"filename": "song.wav", "freq": "101.5", "ps": "WAVE", "rt": "now playing", "pi": "ABCD",
	}})

	mod.mu.Lock()
	if !mod.started || mod.freqMHz != 101.5 || mod.ps != "WAVE" {
		mod.mu.Unlock()
		t.Fatalf("expected modulator started at 101.5MHz with ps=WAVE, got started=%v freq=%v ps=%q", mod.started, mod.freqMHz, mod.ps)
	}
	mod.mu.Unlock()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	var sawEnd bool
	for _, f := range conn.sent {
		if f.Command == protocol.CmdEnd && f.Kwarg("filename") == "song.wav" {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Error("expected an END frame for a non-looping broadcast")
	}
}

func TestHandleStart_LoopDoesNotSendEnd(t *testing.T) {
	conn := newFakeConn()
	mod := &fakeModulator{}
	s := newTestSession(t, conn, mod)

	if err := os.WriteFile(filepath.Join(s.cfg.Storage.MediaDir, "song.wav"), []byte("pcm"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	s.handleStart(protocol.Frame{Command: protocol.CmdStart, Kwargs: map[string]string{"filename": "song.wav", "loop": "true"}})

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, f := range conn.sent {
		if f.Command == protocol.CmdEnd {
			t.Error("did not expect an END frame for a looping broadcast")
		}
	}
}

func TestHandleStart_MissingFileSendsEndWithoutStartingModulator(t *testing.T) {
	conn := newFakeConn()
	mod := &fakeModulator{}
	s := newTestSession(t, conn, mod)

	s.handleStart(protocol.Frame{Command: protocol.CmdStart, Kwargs: map[string]string{"filename": "missing.wav"}})

	mod.mu.Lock()
	started := mod.started
	mod.mu.Unlock()
	if started {
		t.Error("expected modulator not to start for a missing file")
	}
	if conn.last().Command != protocol.CmdEnd {
		t.Errorf("expected END for a missing file, got %v", conn.last().Command)
	}
}

func TestHandleStop_StopsModulatorAndSendsOK(t *testing.T) {
	conn := newFakeConn()
	mod := &fakeModulator{started: true}
	s := newTestSession(t, conn, mod)

	s.handleStop()

	mod.mu.Lock()
	started := mod.started
	mod.mu.Unlock()
	if started {
		t.Error("expected STOP to stop the modulator")
	}
	last := conn.last()
	if last.Command != protocol.CmdOK {
		t.Errorf("expected OK after STOP, got %v", last.Command)
	}
}

func TestHandleStop_ModulatorErrorSendsError(t *testing.T) {
	conn := newFakeConn()
	mod := &fakeModulator{stopErr: os.ErrClosed}
	s := newTestSession(t, conn, mod)

	s.handleStop()

	if last := conn.last(); last.Command != protocol.CmdError {
		t.Errorf("expected ERROR when Stop fails, got %v", last.Command)
	}
}
