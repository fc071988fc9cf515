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

package display

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"marquee/internal/discovery"
	"marquee/internal/logger"
	"marquee/internal/protocol"
)

// State represents the connection manager's position in its lifecycle.
type State int

const (
	StateStopped State = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name shown on the local status indicator.
func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "stopped"
	}
}

var errRegistrationRejected = errors.New("registration rejected by coordinator")

// CommandHandler executes a coordinator command on the display and returns
// its result payload.
type CommandHandler func(name string, params json.RawMessage) (json.RawMessage, error)

// ContentHandler applies a content update on the display.
type ContentHandler func(contentRef string, version int64)

// Manager drives one display's end of the protocol: discover the
// coordinator, connect and register, heartbeat, and recover autonomously
// from disconnection. It runs on its own goroutines so the surrounding
// presentation loop stays responsive; reconnection continues for as long
// as the display is powered, there is no give-up state.
type Manager struct {
	config  *Config
	backoff *Backoff
	results *resultCache
	dialer  *websocket.Dialer

	// discover is swapped out in tests.
	discover func(ctx context.Context) (*discovery.Advertisement, error)

	commandHandler CommandHandler
	contentHandler ContentHandler

	ws                *websocket.Conn
	state             State
	heartbeatInterval time.Duration
	startedAt         time.Time
	logger            zerolog.Logger
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	writeMutex        sync.Mutex
	mutex             sync.RWMutex
}

// NewManager creates a connection manager for the configured display.
func NewManager(config *Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	client := discovery.NewClient(config.Coordinator.DiscoveryPort, config.DiscoveryTimeout())

	return &Manager{
		config:  config,
		backoff: NewBackoff(),
		results: newResultCache(50, time.Hour),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		discover:          client.Discover,
		state:             StateStopped,
		heartbeatInterval: config.HeartbeatInterval(),
		logger:            logger.GetLogger("display"),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// SetCommandHandler registers the callback run for inbound COMMAND
// envelopes. Must be called before Start.
func (m *Manager) SetCommandHandler(handler CommandHandler) {
	m.commandHandler = handler
}

// SetContentHandler registers the callback run for inbound CONTENT_UPDATE
// envelopes. Must be called before Start.
func (m *Manager) SetContentHandler(handler ContentHandler) {
	m.contentHandler = handler
}

// Start launches the rendezvous loop in the background.
func (m *Manager) Start() {
	m.startedAt = time.Now()

	m.logger.Info().
		Str("device_id", m.config.Display.ID).
		Int("discovery_port", m.config.Coordinator.DiscoveryPort).
		Str("fallback_endpoint", m.config.Coordinator.Endpoint).
		Msg("Starting display connection manager")

	m.wg.Add(1)
	go m.run()
}

// Stop sends a best-effort goodbye, closes the transport, and waits for
// the loops to return.
func (m *Manager) Stop() {
	m.logger.Info().Msg("Stopping display connection manager")

	if m.State() == StateConnected {
		if env, err := protocol.NewEnvelope(protocol.MSG_DISCONNECT, m.config.Display.ID, nil); err == nil {
			//nolint:errcheck
			m.sendEnvelope(env)
		}
	}

	m.cancel()
	m.closeTransport()
	m.wg.Wait()
	m.setState(StateStopped)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.state
}

func (m *Manager) setState(state State) {
	m.mutex.Lock()
	previous := m.state
	m.state = state
	m.mutex.Unlock()

	if previous != state {
		m.logger.Info().
			Str("from", previous.String()).
			Str("to", state.String()).
			Msg("Connection state changed")
	}
}

// run is the rendezvous loop: Discovering -> Connecting -> Connected ->
// Reconnecting(backoff) -> Connecting -> ...
func (m *Manager) run() {
	defer m.wg.Done()

	for m.ctx.Err() == nil {
		endpoint := m.locate()
		if endpoint == "" {
			return
		}

		m.setState(StateConnecting)
		ws, err := m.connect(endpoint)
		if err != nil {
			m.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", m.backoff.Attempt()+1).
				Err(err).
				Msg("Connect failed")

			m.setState(StateReconnecting)
			if !m.waitBackoff() {
				return
			}
			continue
		}

		// Registration accepted: only now does the attempt counter reset.
		m.backoff.Reset()
		m.setState(StateConnected)

		m.session(ws)

		if m.ctx.Err() != nil {
			return
		}

		m.setState(StateReconnecting)
		if !m.waitBackoff() {
			return
		}
	}
}

// locate runs discovery until it yields an endpoint. On probe timeout the
// static fallback endpoint is used when configured; otherwise the manager
// stays in Discovering and keeps probing. Returns "" only on shutdown.
func (m *Manager) locate() string {
	m.setState(StateDiscovering)

	for {
		advert, err := m.discover(m.ctx)
		if err == nil {
			if endpoint := advert.Endpoint(); endpoint != "" {
				return endpoint
			}
			m.logger.Warn().Msg("Advertisement contained no usable address")
		} else if !errors.Is(err, discovery.ErrNoCoordinator) && m.ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("Discovery probe failed")
		}

		if m.ctx.Err() != nil {
			return ""
		}

		if m.config.Coordinator.Endpoint != "" {
			m.logger.Debug().
				Str("endpoint", m.config.Coordinator.Endpoint).
				Msg("Discovery timed out, using configured endpoint")
			return m.config.Coordinator.Endpoint
		}

		select {
		case <-time.After(time.Second):
		case <-m.ctx.Done():
			return ""
		}
	}
}

// connect performs the transport handshake and registration: dial, send
// REGISTER, await REGISTER_ACK. A timed-out handshake is treated the same
// as a failed one.
func (m *Manager) connect(endpoint string) (*websocket.Conn, error) {
	ws, _, err := m.dialer.DialContext(m.ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	register, err := protocol.NewEnvelope(protocol.MSG_REGISTER, m.config.Display.ID, protocol.RegisterPayload{
		DeviceID:   m.config.Display.ID,
		Credential: m.config.Display.Credential,
		Name:       m.config.Display.Name,
		Model:      m.config.Display.Model,
	})
	if err != nil {
		ws.Close()
		return nil, err
	}

	data, err := register.Encode()
	if err != nil {
		ws.Close()
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to send REGISTER: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("registration handshake failed: %w", err)
	}
	ws.SetReadDeadline(time.Time{})

	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		ws.Close()
		return nil, err
	}
	if env.Type != protocol.MSG_REGISTER_ACK {
		ws.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.MSG_REGISTER_ACK, env.Type)
	}

	var ack protocol.RegisterAckPayload
	if err := env.Decode(&ack); err != nil {
		ws.Close()
		return nil, err
	}
	if !ack.Accepted {
		ws.Close()
		return nil, fmt.Errorf("%w: %s", errRegistrationRejected, ack.Reason)
	}

	if ack.HeartbeatInterval > 0 {
		m.mutex.Lock()
		m.heartbeatInterval = time.Duration(ack.HeartbeatInterval) * time.Second
		m.mutex.Unlock()
	}

	m.mutex.Lock()
	m.ws = ws
	m.mutex.Unlock()

	m.logger.Info().
		Str("endpoint", endpoint).
		Str("device_id", m.config.Display.ID).
		Msg("Registered with coordinator")

	return ws, nil
}

// session services one connected transport: heartbeats out, commands and
// content updates in. Returns when the transport fails or shuts down.
func (m *Manager) session(ws *websocket.Conn) {
	sessionCtx, cancelSession := context.WithCancel(m.ctx)
	defer cancelSession()

	var sessionWG sync.WaitGroup
	sessionWG.Add(1)
	go func() {
		defer sessionWG.Done()
		m.heartbeatLoop(sessionCtx)
	}()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if m.ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("Transport closed")
			}
			break
		}

		if err := m.handleEnvelope(raw); err != nil {
			if errors.Is(err, errSessionEnded) {
				break
			}
			m.logger.Error().Err(err).Msg("Failed to handle inbound envelope")
		}
	}

	cancelSession()
	m.closeTransport()
	sessionWG.Wait()
}

// heartbeatLoop sends the periodic liveness signal.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	m.mutex.RLock()
	interval := m.heartbeatInterval
	m.mutex.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.MSG_HEARTBEAT, m.config.Display.ID, protocol.HeartbeatPayload{
				DeviceID: m.config.Display.ID,
				Status:   m.State().String(),
				Uptime:   int64(time.Since(m.startedAt).Seconds()),
			})
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to build heartbeat")
				continue
			}
			if err := m.sendEnvelope(env); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to send heartbeat")
			}
		case <-ctx.Done():
			return
		}
	}
}

var errSessionEnded = errors.New("session ended by coordinator")

// handleEnvelope processes one inbound envelope. Unknown types are logged
// and dropped; they never end the session.
func (m *Manager) handleEnvelope(raw []byte) error {
	env, err := protocol.ParseEnvelope(raw)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Dropping malformed envelope")
		return nil
	}

	switch env.Type {
	case protocol.MSG_COMMAND:
		return m.handleCommand(env)
	case protocol.MSG_CONTENT_UPDATE:
		return m.handleContentUpdate(env)
	case protocol.MSG_DISCONNECT:
		m.logger.Info().Msg("Coordinator requested disconnect")
		return errSessionEnded
	default:
		m.logger.Warn().
			Str("type", env.Type).
			Msg("Dropping envelope with unknown type")
		return nil
	}
}

// handleCommand executes a command with nonce-based deduplication: a
// redelivered command is answered from the result cache instead of
// running twice.
func (m *Manager) handleCommand(env *protocol.Envelope) error {
	var payload protocol.CommandPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}

	if cached, found := m.results.Check(env.Nonce); found {
		m.logger.Info().
			Str("nonce", env.Nonce).
			Str("command", payload.Name).
			Msg("Returning cached result for redelivered command")
		return m.sendResult(cached)
	}

	result := &protocol.CommandResultPayload{Nonce: env.Nonce}

	if m.commandHandler == nil {
		result.Error = "no command handler configured"
	} else if data, err := m.commandHandler(payload.Name, payload.Params); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Data = data
	}

	m.logger.Info().
		Str("command", payload.Name).
		Str("nonce", env.Nonce).
		Bool("success", result.Success).
		Msg("Command processed")

	m.results.Store(env.Nonce, result)
	return m.sendResult(result)
}

func (m *Manager) sendResult(result *protocol.CommandResultPayload) error {
	env, err := protocol.NewEnvelope(protocol.MSG_COMMAND_RESULT, m.config.Display.ID, result)
	if err != nil {
		return err
	}
	env.Nonce = result.Nonce
	return m.sendEnvelope(env)
}

func (m *Manager) handleContentUpdate(env *protocol.Envelope) error {
	var payload protocol.ContentUpdatePayload
	if err := env.Decode(&payload); err != nil {
		return err
	}

	m.logger.Info().
		Str("content_ref", payload.ContentRef).
		Int64("version", payload.Version).
		Msg("Content update received")

	if m.contentHandler != nil {
		m.contentHandler(payload.ContentRef, payload.Version)
	}
	return nil
}

// sendEnvelope writes an envelope to the current transport.
func (m *Manager) sendEnvelope(env *protocol.Envelope) error {
	m.mutex.RLock()
	ws := m.ws
	m.mutex.RUnlock()

	if ws == nil {
		return fmt.Errorf("not connected")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}

	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()

	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// closeTransport drops the current websocket, if any.
func (m *Manager) closeTransport() {
	m.mutex.Lock()
	ws := m.ws
	m.ws = nil
	m.mutex.Unlock()

	if ws != nil {
		ws.Close()
	}
}

// waitBackoff sleeps for the next backoff delay. Returns false when
// shutdown interrupted the wait.
func (m *Manager) waitBackoff() bool {
	delay := m.backoff.Next()

	m.logger.Info().
		Dur("delay", delay).
		Int("attempt", m.backoff.Attempt()).
		Msg("Waiting before reconnection attempt")

	select {
	case <-time.After(delay):
		return true
	case <-m.ctx.Done():
		return false
	}
}
