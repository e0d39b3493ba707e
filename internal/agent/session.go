// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/botwave/internal/config"
	"github.com/nishisan-dev/botwave/internal/pki"
	"github.com/nishisan-dev/botwave/internal/protocol"
	"github.com/nishisan-dev/botwave/internal/security"
	"github.com/nishisan-dev/botwave/internal/session"
)

// ProtocolVersion is this build's wire version; compared against the
// controller's by MAJOR field only.
const ProtocolVersion = "1.0.0"

// registrationTimeout bounds how long the agent waits for REGISTER_OK after
// completing its half of the handshake.
const registrationTimeout = 5 * time.Second

// ErrRegistrationTimedOut is returned by Run when the controller never
// answers REGISTER_OK within registrationTimeout.
var ErrRegistrationTimedOut = errors.New("agent: registration timed out")

// ErrAuthFailed is returned by Run when the controller rejects AUTH.
var ErrAuthFailed = errors.New("agent: authentication failed")

// ErrVersionMismatch is returned by Run on a MAJOR version mismatch.
var ErrVersionMismatch = errors.New("agent: protocol version mismatch")

// gzipSizeThreshold mirrors internal/transfer's pgzip-for-large /
// compress-for-small split: uploads at or above this size are streamed
// through pgzip instead of sent raw.
const gzipSizeThreshold = 4 << 20 // 4 MiB

// frameConn is the subset of *session.Conn that Session needs: enqueue a
// frame, close the socket, and drive the read/write loops. Satisfied by
// *session.Conn in production and by a fake in tests, the same way
// broadcast.Sender decouples the coordinator from a live session.
type frameConn interface {
	Send(f protocol.Frame) error
	Close()
	Run(ctx context.Context, onFrame func(protocol.Frame), onClose func())
}

// Session is one live connection to the controller: handshake, dispatch,
// and the HTTP client used for the token-gated transfer plane.
type Session struct {
	cfg *config.AgentConfig
	logger *slog.Logger
	modulator Modulator
	httpClient *http.Client

	conn frameConn
	clientID string
}

// NewSession constructs an agent session bound to cfg.
func NewSession(cfg *config.AgentConfig, modulator Modulator, logger *slog.Logger) *Session {
	tlsConfig := pki.NewClientTLSConfig(cfg.TLS.InsecureSkipVerify, cfg.TLS.PinnedFingerprint)
	return &Session{
		cfg: cfg,
		logger: logger,
		modulator: modulator,
		httpClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}
}

// Run dials the controller, completes the handshake, and serves frames until
// the connection drops or ctx is canceled. It returns a non-nil error when
// dialing, the handshake or registration fails (ErrRegistrationTimedOut,
// ErrAuthFailed, ErrVersionMismatch among them), and nil once a registered
// connection ends for any reason, a KICK included.
func (s *Session) Run(ctx context.Context) error {
	tlsConfig := pki.NewClientTLSConfig(s.cfg.TLS.InsecureSkipVerify, s.cfg.TLS.PinnedFingerprint)
	dialer := websocket.Dialer{TLSClientConfig: tlsConfig, HandshakeTimeout: 10 * time.Second}

	u := url.URL{Scheme: "wss", Host: s.cfg.Server.Address, Path: "/"}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("agent: dialing controller: %w", err)
	}

	s.conn = session.NewConn(ws, s.logger)
	registered := make(chan error, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.conn.Run(runCtx, func(f protocol.Frame) {
		s.dispatch(registered, f)
	}, func() {
		cancel()
	})

	if err := s.sendHandshake(); err != nil {
		return err
	}

	select {
	case err := <-registered:
		if err != nil {
			return err
		}
	case <-time.After(registrationTimeout):
		return ErrRegistrationTimedOut
	case <-runCtx.Done():
		return fmt.Errorf("agent: connection closed during registration")
	}

	s.logger.Info("agent: registered", "client_id", s.clientID)
	<-runCtx.Done()
	return nil
}

func (s *Session) sendHandshake() error {
	desc := CollectDescriptor(s.cfg.Agent.Name)
	if err := s.conn.Send(protocol.Frame{
		Command: protocol.CmdRegister,
		Kwargs: map[string]string{
			"hostname": desc.Hostname,
			"machine": desc.Machine,
			"system": desc.System,
			"release": desc.Release,
		},
	}); err != nil {
		return fmt.Errorf("agent: sending REGISTER: %w", err)
	}

	if s.cfg.Server.Passkey != "" {
		if err := s.conn.Send(protocol.Frame{Command: protocol.CmdAuth, Args: []string{s.cfg.Server.Passkey}}); err != nil {
			return fmt.Errorf("agent: sending AUTH: %w", err)
		}
	}

	if err := s.conn.Send(protocol.Frame{Command: protocol.CmdVer, Args: []string{ProtocolVersion}}); err != nil {
		return fmt.Errorf("agent: sending VER: %w", err)
	}
	return nil
}

// dispatch handles one frame from the controller. Before registration
// completes, only the handshake replies are meaningful; registered signals
// the Run goroutine once REGISTER_OK/AUTH_FAILED/VERSION_MISMATCH arrives.
func (s *Session) dispatch(registered chan error, f protocol.Frame) {
	switch f.Command {
	case protocol.CmdRegisterOK:
		s.clientID = f.Kwarg("client_id")
		select {
		case registered <- nil:
		default:
		}

	case protocol.CmdAuthFailed:
		select {
		case registered <- fmt.Errorf("%w: %s", ErrAuthFailed, f.Kwarg("message")):
		default:
		}

	case protocol.CmdVersionMismatch:
		select {
		case registered <- fmt.Errorf("%w: server=%s client=%s", ErrVersionMismatch, f.Kwarg("server_version"), f.Kwarg("client_version")):
		default:
		}

	case protocol.CmdPing:
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdPong})

	case protocol.CmdKick:
		s.logger.Warn("agent: kicked by controller", "reason", f.Kwarg("reason"))
		s.conn.Close()

	case protocol.CmdStart:
		go s.handleStart(f)

	case protocol.CmdStop:
		go s.handleStop()

	case protocol.CmdStreamToken:
		go s.handleStreamToken(f)

	case protocol.CmdUploadToken:
		go s.handleUploadToken(f)

	case protocol.CmdDownloadToken, protocol.CmdDownloadURL:
		go s.handleDownloadToken(f)

	case protocol.CmdListFiles:
		go s.handleListFiles()

	case protocol.CmdRemoveFile:
		go s.handleRemoveFile(f)

	default:
		s.logger.Debug("agent: ignoring unexpected frame", "command", f.Command)
	}
}

func (s *Session) handleStart(f protocol.Frame) {
	filename := f.Kwarg("filename")
	path, err := security.ResolveWithinRoot(s.cfg.Storage.MediaDir, filename)
	if err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdEnd, Kwargs: map[string]string{"filename": filename}})
		return
	}
	if _, err := os.Stat(path); err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdEnd, Kwargs: map[string]string{"filename": filename}})
		return
	}

	startAt, _ := strconv.ParseInt(f.Kwarg("start_at"), 10, 64)
	if startAt > time.Now().Unix() {
		delay := time.Until(time.Unix(startAt, 0))
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Args: []string{fmt.Sprintf("Scheduled in %.0fs", delay.Seconds())}})
		time.Sleep(delay)
	}

	source, err := os.Open(path)
	if err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}
	defer source.Close()

	freq, _ := strconv.ParseFloat(f.Kwarg("freq"), 64)
	if err := s.modulator.Start(freq, f.Kwarg("ps"), f.Kwarg("rt"), f.Kwarg("pi"), source); err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}

	_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Args: []string{"Broadcast started"}})
	loop, _ := strconv.ParseBool(f.Kwarg("loop"))
	if !loop {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdEnd, Kwargs: map[string]string{"filename": filename}})
	}
}

func (s *Session) handleStop() {
	if err := s.modulator.Stop(); err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}
	_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Args: []string{"Stopped"}})
}

func (s *Session) handleStreamToken(f protocol.Frame) {
	resp, err := s.httpClient.Get(f.Kwarg("url"))
	if err != nil {
		s.logger.Warn("agent: opening stream", "err", err)
		return
	}
	defer resp.Body.Close()

	rate, _ := strconv.Atoi(f.Kwarg("rate"))
	freq, _ := strconv.ParseFloat(f.Kwarg("freq"), 64)
	_ = rate
	if err := s.modulator.Start(freq, f.Kwarg("ps"), f.Kwarg("rt"), f.Kwarg("pi"), resp.Body); err != nil {
		s.logger.Warn("agent: starting live modulation", "err", err)
	}
}

func (s *Session) handleUploadToken(f protocol.Frame) {
	path, err := security.ResolveWithinRoot(s.cfg.Storage.MediaDir, f.Kwarg("filename"))
	if err != nil {
		s.logger.Warn("agent: upload token with unsafe filename", "filename", f.Kwarg("filename"), "err", err)
		return
	}
	file, err := os.Open(path)
	if err != nil {
		s.logger.Warn("agent: opening file for upload", "path", path, "err", err)
		return
	}
	defer file.Close()

	var body io.Reader = file
	gzipped := false
	if st, err := file.Stat(); err == nil && st.Size() >= gzipSizeThreshold {
		pr, pw := io.Pipe()
		zw, _ := pgzip.NewWriterLevel(pw, pgzip.BestSpeed)
		go func() {
			_, copyErr := io.Copy(zw, file)
			closeErr := zw.Close()
			if copyErr == nil {
				copyErr = closeErr
			}
			pw.CloseWithError(copyErr)
		}()
		body = pr
		gzipped = true
	}

	req, err := http.NewRequest(http.MethodPut, f.Kwarg("url"), body)
	if err != nil {
		return
	}
	if gzipped {
		req.Header.Set("Content-Encoding", "gzip")
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("agent: uploading file", "err", err)
		return
	}
	resp.Body.Close()
}

func (s *Session) handleDownloadToken(f protocol.Frame) {
	filename := f.Kwarg("filename")
	dest, err := security.ResolveWithinRoot(s.cfg.Storage.MediaDir, filename)
	if err != nil {
		s.logger.Warn("agent: download token with unsafe filename", "filename", filename, "err", err)
		return
	}

	req, err := http.NewRequest(http.MethodGet, f.Kwarg("url"), nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("agent: downloading file", "err", err)
		return
	}
	defer resp.Body.Close()

	var src io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			s.logger.Warn("agent: invalid gzip download body", "err", err)
			return
		}
		defer zr.Close()
		src = zr
	}

	tmp, err := os.CreateTemp(s.cfg.Storage.TempDir, ".download_tmp_*")
	if err != nil {
		s.logger.Warn("agent: creating temp file for download", "err", err)
		return
	}
	if _, err := tmp.ReadFrom(src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("agent: renaming downloaded file into place", "err", err)
	}
}

func (s *Session) handleListFiles() {
	entries, err := os.ReadDir(s.cfg.Storage.MediaDir)
	if err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	payload, err := json.Marshal(names)
	if err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}
	_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Kwargs: map[string]string{"files": string(payload)}})
}

func (s *Session) handleRemoveFile(f protocol.Frame) {
	name := f.Kwarg("filename")
	if name == "all" {
		entries, err := os.ReadDir(s.cfg.Storage.MediaDir)
		if err != nil {
			_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				os.Remove(filepath.Join(s.cfg.Storage.MediaDir, e.Name()))
			}
		}
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Args: []string{"Removed all files"}})
		return
	}

	path, err := security.ResolveWithinRoot(s.cfg.Storage.MediaDir, name)
	if err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": "Provided filename raised a security violation"}})
		return
	}
	if err := os.Remove(path); err != nil {
		_ = s.conn.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": err.Error()}})
		return
	}
	_ = s.conn.Send(protocol.Frame{Command: protocol.CmdOK, Args: []string{"Removed"}})
}
