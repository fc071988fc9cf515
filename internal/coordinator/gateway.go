// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marquee/internal/logger"
	"marquee/internal/protocol"
)

// ErrNotSendable indicates a send to a connection that has closed or was
// never established.
var ErrNotSendable = errors.New("connection is not sendable")

const (
	gatewayWriteTimeout = 10 * time.Second
	gatewayReadLimit    = 1 << 20 // 1 MiB per frame
)

// Connection is a transient handle to one live transport session. It may
// or may not currently be associated with a device.
type Connection struct {
	id           string
	ws           *websocket.Conn
	remoteAddr   string
	lastActivity time.Time
	sendable     bool
	writeMutex   sync.Mutex
	mutex        sync.RWMutex
}

// ID returns the process-local connection id.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

func (c *Connection) touch() {
	c.mutex.Lock()
	c.lastActivity = time.Now()
	c.mutex.Unlock()
}

func (c *Connection) isSendable() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.sendable
}

func (c *Connection) markClosed() {
	c.mutex.Lock()
	c.sendable = false
	c.mutex.Unlock()
}

// Gateway accepts websocket connections, frames and deframes envelopes,
// and hands inbound frames to the dispatcher. Reads on one connection are
// dispatched serially in arrival order; the gateway never retries failed
// writes, that is the display's concern.
type Gateway struct {
	upgrader   websocket.Upgrader
	dispatcher *protocol.Dispatcher
	conns      map[string]*Connection
	onClosed   func(connectionID, reason string)
	logger     zerolog.Logger
	mutex      sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	accepting  bool
}

// NewGateway creates a connection gateway dispatching into the given table.
func NewGateway(dispatcher *protocol.Dispatcher) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Displays are headless peers, not browsers.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		dispatcher: dispatcher,
		conns:      make(map[string]*Connection),
		logger:     logger.GetLogger("gateway"),
		ctx:        ctx,
		cancel:     cancel,
		accepting:  true,
	}
}

// SetClosedHandler wires the callback invoked exactly once per connection
// close, with the close reason. Must be set before serving.
func (g *Gateway) SetClosedHandler(fn func(connectionID, reason string)) {
	g.onClosed = fn
}

// HandleUpgrade upgrades an HTTP request to a websocket session and starts
// the per-connection read loop.
func (g *Gateway) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	g.mutex.RLock()
	accepting := g.accepting
	g.mutex.RUnlock()

	if !accepting {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().
			Str("remote_addr", r.RemoteAddr).
			Err(err).
			Msg("Failed to upgrade connection")
		return
	}

	conn := &Connection{
		id:           uuid.New().String(),
		ws:           ws,
		remoteAddr:   r.RemoteAddr,
		lastActivity: time.Now(),
		sendable:     true,
	}
	ws.SetReadLimit(gatewayReadLimit)

	g.mutex.Lock()
	g.conns[conn.id] = conn
	g.mutex.Unlock()

	g.logger.Info().
		Str("connection_id", conn.id).
		Str("remote_addr", conn.remoteAddr).
		Msg("Connection accepted")

	g.wg.Add(1)
	go g.readLoop(conn)
}

// readLoop reads frames until the transport fails or closes. Dispatch is
// synchronous so a REGISTER is fully applied before the next frame on the
// same connection is processed.
func (g *Gateway) readLoop(conn *Connection) {
	defer g.wg.Done()

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			reason := "read error"
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = "peer closed"
			}
			g.CloseConnection(conn.id, reason)
			return
		}

		conn.touch()

		// Protocol and application failures are handled (and logged) at
		// the dispatch boundary; only transport errors end the session.
		//nolint:errcheck
		g.dispatcher.Dispatch(g.ctx, conn.id, data)
	}
}

// Send serializes an envelope onto a connection. Success means local
// enqueue only, not delivery. Write failures close the connection.
func (g *Gateway) Send(connectionID string, env *protocol.Envelope) error {
	g.mutex.RLock()
	conn, exists := g.conns[connectionID]
	g.mutex.RUnlock()

	if !exists || !conn.isSendable() {
		return fmt.Errorf("%w: %s", ErrNotSendable, connectionID)
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	conn.writeMutex.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	err = conn.ws.WriteMessage(websocket.TextMessage, data)
	conn.writeMutex.Unlock()

	if err != nil {
		g.CloseConnection(connectionID, "write error")
		return fmt.Errorf("write to %s failed: %w", connectionID, err)
	}

	return nil
}

// CloseConnection closes a connection and fires the close notification
// exactly once. Closing an unknown or already-closed connection is a
// no-op, not an error.
func (g *Gateway) CloseConnection(connectionID, reason string) {
	g.mutex.Lock()
	conn, exists := g.conns[connectionID]
	if exists {
		delete(g.conns, connectionID)
	}
	g.mutex.Unlock()

	if !exists {
		return
	}

	conn.markClosed()

	conn.writeMutex.Lock()
	deadline := time.Now().Add(time.Second)
	conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	conn.writeMutex.Unlock()

	if err := conn.ws.Close(); err != nil {
		g.logger.Debug().
			Str("connection_id", connectionID).
			Err(err).
			Msg("Error closing websocket")
	}

	g.logger.Info().
		Str("connection_id", connectionID).
		Str("reason", reason).
		Msg("Connection closed")

	if g.onClosed != nil {
		g.onClosed(connectionID, reason)
	}
}

// RemoteAddr returns the peer address of a connection.
func (g *Gateway) RemoteAddr(connectionID string) string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	if conn, exists := g.conns[connectionID]; exists {
		return conn.remoteAddr
	}
	return ""
}

// ConnectionCount returns the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.conns)
}

// Shutdown stops accepting connections, closes the open ones, and waits
// for read loops to drain within the context deadline.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mutex.Lock()
	g.accepting = false
	ids := make([]string, 0, len(g.conns))
	for id := range g.conns {
		ids = append(ids, id)
	}
	g.mutex.Unlock()

	for _, id := range ids {
		g.CloseConnection(id, "coordinator shutdown")
	}

	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway shutdown timed out: %w", ctx.Err())
	}
}
