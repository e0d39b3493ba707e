// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"github.com/labstack/echo/v4"

	"github.com/nishisan-dev/botwave/internal/ratelimit"
	"github.com/nishisan-dev/botwave/internal/security"
)

// gzipSizeThreshold is the body size above which the transfer service
// switches from klauspost/compress's single-threaded gzip to pgzip's
// parallel implementation: a large download is worth the extra goroutines,
// a small one isn't.
const gzipSizeThreshold = 4 << 20 // 4 MiB

func acceptsGzip(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAcceptEncoding), "gzip")
}

// newGzipWriter picks pgzip for bodies at or above gzipSizeThreshold and
// klauspost/compress/gzip otherwise, returning a WriteCloser that must be
// closed to flush the trailing gzip footer.
func newGzipWriter(w io.Writer, size int64) io.WriteCloser {
	if size >= gzipSizeThreshold {
		zw, _ := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		return zw
	}
	zw, _ := gzip.NewWriterLevel(w, gzip.BestSpeed)
	return zw
}

// Server is the TLS HTTP(S) transfer-plane listener.
type Server struct {
	echo *echo.Echo
	tokens *Store
	logger *slog.Logger

	uploadDir string
	transferBytesPerSec int64
	streamBytesPerSec int64
	maxUploadBody int64
}

// Config collects the knobs a Server needs at construction time.
type Config struct {
	UploadDir string
	TransferBytesPerSec int64
	StreamBytesPerSec int64
	MaxUploadBody int64
}

// NewServer wires the download/upload/stream routes onto a fresh Echo
// instance bound to tokens.
func NewServer(tokens *Store, cfg Config, logger *slog.Logger) *Server {
	s := &Server{
		echo: echo.New(),
		tokens: tokens,
		logger: logger,
		uploadDir: cfg.UploadDir,
		transferBytesPerSec: cfg.TransferBytesPerSec,
		streamBytesPerSec: cfg.StreamBytesPerSec,
		maxUploadBody: cfg.MaxUploadBody,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.GET("/download/:token", s.handleDownload)
	s.echo.POST("/upload/:token", s.handleUpload)
	s.echo.PUT("/upload/:token", s.handleUpload)
	s.echo.GET("/stream/:token", s.handleStream)

	return s
}

// Serve runs the transfer server on listenAddr with tlsConfig until Shutdown
// is called (the Echo instance owns its own listener loop).
func (s *Server) Serve(listenAddr string, tlsConfig *tls.Config) error {
	s.echo.TLSServer.Addr = listenAddr
	s.echo.TLSServer.TLSConfig = tlsConfig
	return s.echo.StartServer(s.echo.TLSServer)
}

// Shutdown gracefully stops the transfer server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleDownload(c echo.Context) error {
	value := c.Param("token")
	tok, err := s.tokens.ConsumeOneShot(value)
	if err != nil || tok.Kind != KindDownload {
		s.logger.Warn("transfer: download attempt with invalid token", "token", value)
		return c.NoContent(http.StatusNotFound)
	}

	f, err := os.Open(tok.Path)
	if err != nil {
		s.logger.Error("transfer: opening download file", "path", tok.Path, "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	defer f.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=\""+filepath.Base(tok.Path)+"\"")

	var src io.Reader = f
	if s.transferBytesPerSec > 0 {
		src = ratelimit.NewThrottledReader(c.Request().Context(), f, s.transferBytesPerSec)
	}

	if acceptsGzip(c) {
		size := int64(0)
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
		c.Response().Header().Set(echo.HeaderContentEncoding, "gzip")
		c.Response().WriteHeader(http.StatusOK)
		zw := newGzipWriter(c.Response(), size)
		if _, err := io.Copy(zw, src); err != nil {
			zw.Close()
			return nil
		}
		return zw.Close()
	}
	return c.Stream(http.StatusOK, "application/octet-stream", src)
}

func (s *Server) handleUpload(c echo.Context) error {
	value := c.Param("token")
	tok, err := s.tokens.ConsumeOneShot(value)
	if err != nil || tok.Kind != KindUpload {
		s.logger.Warn("transfer: upload attempt with invalid token", "token", value)
		return c.NoContent(http.StatusNotFound)
	}

	destPath, err := security.ResolveWithinRoot(s.uploadDir, tok.Target)
	if err != nil {
		s.logger.Warn("transfer: upload target failed security check", "target", tok.Target, "err", err)
		return c.NoContent(http.StatusBadRequest)
	}

	body := c.Request().Body
	if s.maxUploadBody > 0 {
		body = http.MaxBytesReader(c.Response(), body, s.maxUploadBody)
	}
	var src io.Reader = body
	if c.Request().Header.Get(echo.HeaderContentEncoding) == "gzip" {
		zr, err := gzip.NewReader(src)
		if err != nil {
			s.logger.Warn("transfer: invalid gzip upload body", "err", err)
			return c.NoContent(http.StatusBadRequest)
		}
		defer zr.Close()
		src = zr
	}
	if s.transferBytesPerSec > 0 {
		src = ratelimit.NewThrottledReader(c.Request().Context(), src, s.transferBytesPerSec)
	}

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".upload_tmp_*")
	if err != nil {
		s.logger.Error("transfer: creating temp file", "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		if err.Error() == "http: request body too large" {
			return c.NoContent(http.StatusRequestEntityTooLarge)
		}
		s.logger.Error("transfer: writing upload body", "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return c.NoContent(http.StatusInternalServerError)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		s.logger.Error("transfer: renaming upload into place", "err", err)
		return c.NoContent(http.StatusInternalServerError)
	}

	return c.NoContent(http.StatusOK)
}

func (s *Server) handleStream(c echo.Context) error {
	value := c.Param("token")
	tok, ok := s.tokens.Peek(value)
	if !ok || tok.Kind != KindStream {
		s.logger.Warn("transfer: stream attempt with invalid token", "token", value)
		return c.NoContent(http.StatusNotFound)
	}
	defer s.tokens.RetireStream(value)

	c.Response().Header().Set(echo.HeaderContentType, "application/octet-stream")
	c.Response().WriteHeader(http.StatusOK)

	var src io.Reader = tok.Reader
	if s.streamBytesPerSec > 0 {
		src = ratelimit.NewThrottledReader(c.Request().Context(), tok.Reader, s.streamBytesPerSec)
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := c.Response().Write(buf[:n]); werr != nil {
				return nil
			}
			c.Response().Flush()
		}
		if err != nil {
			return nil
		}
	}
}
