// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package session wraps a TLS WebSocket connection into a full-duplex
// stream of decoded protocol frames. It owns the socket and the
// reader/writer goroutine pair; callers never touch the underlying
// websocket.Conn directly, so the dispatcher never blocks on a write.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nishisan-dev/botwave/internal/protocol"
)

// ErrClosed is returned by Send once the connection has started closing.
var ErrClosed = errors.New("session: connection closed")

const (
	writeTimeout = 5 * time.Second
	sendQueueSize = 64
)

// Conn is one live WebSocket connection speaking the BotWave frame protocol.
type Conn struct {
	ws *websocket.Conn
	logger *slog.Logger

	send chan protocol.Frame
	closed chan struct{}
	once bool
}

// NewConn wraps an already-upgraded websocket connection. Call Run to start
// the reader/writer goroutines; Run blocks until the connection closes.
func NewConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	return &Conn{
		ws: ws,
		logger: logger,
		send: make(chan protocol.Frame, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// Send enqueues a frame for the writer goroutine. Never blocks the caller on
// socket I/O; returns ErrClosed if the connection is shutting down.
func (c *Conn) Send(f protocol.Frame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Close starts connection shutdown. Idempotent.
func (c *Conn) Close() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Run drives the reader loop, dispatching each decoded frame to onFrame, and
// the writer loop, draining Send. It returns when the socket closes for any
// reason; onClose is always called exactly once as Run returns.
func (c *Conn) Run(ctx context.Context, onFrame func(protocol.Frame), onClose func()) {
	defer onClose()
	defer c.ws.Close()

	writerDone := make(chan struct{})
	go c.writeLoop(writerDone)

	defer func() {
		c.Close()
		<-writerDone
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("session: unexpected close", "err", err)
			}
			return
		}

		frame, err := protocol.Parse(string(data))
		if err != nil {
			c.logger.Warn("session: dropping unparseable frame", "err", err)
			_ = c.Send(protocol.Frame{Command: protocol.CmdError, Kwargs: map[string]string{"message": "malformed frame"}})
			continue
		}

		onFrame(frame)
	}
}

func (c *Conn) writeLoop(done chan struct{}) {
	defer close(done)
	for {
		select {
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(protocol.BuildFrame(f))); err != nil {
				c.logger.Debug("session: write error", "err", err)
				return
			}
		case <-c.closed:
			// Closing the socket unblocks the reader's ReadMessage so Run returns.
			_ = c.ws.Close()
			return
		}
	}
}
