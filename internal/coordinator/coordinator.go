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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marquee/internal/discovery"
	"marquee/internal/logger"
	"marquee/internal/protocol"
)

// ErrDeviceNotConnected indicates an outbound send to a device with no
// active connection.
var ErrDeviceNotConnected = errors.New("device is not connected")

const shutdownGrace = 5 * time.Second

// Coordinator assembles the communication core: gateway, dispatch table,
// registry, heartbeat monitor, discovery responder, and the admin API.
type Coordinator struct {
	config     *Config
	registry   *Registry
	gateway    *Gateway
	dispatcher *protocol.Dispatcher
	monitor    *Monitor
	responder  *discovery.Responder
	api        *APIServer
	verifier   CredentialVerifier
	logger     zerolog.Logger
	startedAt  time.Time
}

// New creates a coordinator from configuration. Components are wired but
// not started.
func New(config *Config) *Coordinator {
	c := &Coordinator{
		config:   config,
		registry: NewRegistry(),
		logger:   logger.GetLogger("coordinator"),
	}

	if config.Registration.Secret != "" {
		c.verifier = NewJWTVerifier(config.Registration.Secret)
	} else {
		c.verifier = OpenVerifier{}
	}

	// The dispatch table is the authoritative protocol surface, built once
	// here and never mutated afterwards.
	c.dispatcher = protocol.NewDispatcher(map[string]protocol.HandlerFunc{
		protocol.MSG_REGISTER:       c.handleRegister,
		protocol.MSG_HEARTBEAT:      c.handleHeartbeat,
		protocol.MSG_COMMAND_RESULT: c.handleCommandResult,
		protocol.MSG_DISCONNECT:     c.handleDisconnect,
	})

	c.gateway = NewGateway(c.dispatcher)
	c.gateway.SetClosedHandler(c.registry.HandleConnectionClosed)
	c.registry.BindCloser(c.gateway)

	c.monitor = NewMonitor(c.registry, c.gateway,
		config.SweepInterval(), config.HeartbeatTimeout())

	if config.Discovery.Enabled {
		c.responder = discovery.NewResponder(discovery.ResponderConfig{
			ServerID:      config.Server.ID,
			ListenPort:    config.Discovery.Port,
			AdvertisePort: config.ListenPort(),
			Path:          config.Server.Path,
			Secure:        config.Server.Secure,
		})
	}

	c.api = NewAPIServer(config, c)

	return c
}

// Registry exposes the client registry for external collaborators
// (status queries, event subscription).
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start brings up the discovery responder, admin API, and heartbeat
// monitor.
func (c *Coordinator) Start() error {
	c.startedAt = time.Now()

	c.logger.Info().
		Str("server_id", c.config.Server.ID).
		Str("listen_address", c.config.Server.ListenAddress).
		Bool("discovery", c.config.Discovery.Enabled).
		Msg("Starting Marquee coordinator")

	if c.responder != nil {
		if err := c.responder.Start(); err != nil {
			return fmt.Errorf("failed to start discovery responder: %w", err)
		}
	}

	if err := c.api.Start(); err != nil {
		if c.responder != nil {
			c.responder.Stop()
		}
		return fmt.Errorf("failed to start API server: %w", err)
	}

	c.monitor.Start()

	c.logger.Info().Msg("Coordinator started successfully")
	return nil
}

// Stop shuts the coordinator down: no new work is accepted, in-flight
// handlers drain within a bounded grace period, then connections close.
func (c *Coordinator) Stop() error {
	c.logger.Info().Msg("Stopping coordinator")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := c.api.Stop(ctx); err != nil {
		c.logger.Error().Err(err).Msg("Error stopping API server")
	}

	c.monitor.Stop()

	if err := c.dispatcher.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Dispatcher shutdown incomplete")
	}

	if err := c.gateway.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}

	if c.responder != nil {
		if err := c.responder.Stop(); err != nil {
			c.logger.Error().Err(err).Msg("Error stopping discovery responder")
		}
	}

	c.registry.Close()

	c.logger.Info().Msg("Coordinator stopped")
	return nil
}

// SendToDevice delivers an envelope to a specific display.
func (c *Coordinator) SendToDevice(deviceID string, env *protocol.Envelope) error {
	conn, ok := c.registry.ConnectionFor(deviceID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, deviceID)
	}
	return c.gateway.Send(conn, env)
}

// SendCommand sends a named command to a display and returns the command
// nonce used for result correlation and redelivery dedup.
func (c *Coordinator) SendCommand(deviceID, name string, params []byte) (string, error) {
	env, err := protocol.NewEnvelope(protocol.MSG_COMMAND, deviceID, protocol.CommandPayload{
		Name:   name,
		Params: params,
	})
	if err != nil {
		return "", err
	}
	env.Nonce = uuid.New().String()

	if err := c.SendToDevice(deviceID, env); err != nil {
		return "", err
	}
	return env.Nonce, nil
}

// SendContentUpdate pushes a content reference to a display and records it
// on the device record.
func (c *Coordinator) SendContentUpdate(deviceID, contentRef string, version int64) error {
	env, err := protocol.NewEnvelope(protocol.MSG_CONTENT_UPDATE, deviceID, protocol.ContentUpdatePayload{
		ContentRef: contentRef,
		Version:    version,
	})
	if err != nil {
		return err
	}

	if err := c.SendToDevice(deviceID, env); err != nil {
		return err
	}

	if err := c.registry.SetContentRef(deviceID, contentRef); err != nil {
		c.logger.Warn().
			Str("device_id", deviceID).
			Err(err).
			Msg("Failed to record content ref")
	}
	return nil
}

// BroadcastToAll delivers an envelope to every online display. Individual
// send failures are logged, not propagated, so one dead connection cannot
// block the rest of the fleet.
func (c *Coordinator) BroadcastToAll(env *protocol.Envelope) int {
	sent := 0
	for _, device := range c.registry.ListAll() {
		if device.Status != StatusOnline {
			continue
		}
		if err := c.SendToDevice(device.ID, env); err != nil {
			c.logger.Warn().
				Str("device_id", device.ID).
				Err(err).
				Msg("Broadcast send failed")
			continue
		}
		sent++
	}
	return sent
}

// handleRegister processes a display's REGISTER envelope: validate the
// payload, verify the credential once, install the registry mapping, and
// answer with a REGISTER_ACK. A rejected registration is acked and the
// connection closed; it never crashes the dispatcher.
func (c *Coordinator) handleRegister(_ context.Context, connectionID string, env *protocol.Envelope) error {
	var payload protocol.RegisterPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}

	if payload.DeviceID == "" {
		c.rejectRegistration(connectionID, "", "device_id is required")
		return fmt.Errorf("register without device_id on connection %s", connectionID)
	}

	if err := c.verifier.Verify(payload.DeviceID, payload.Credential); err != nil {
		c.logger.Warn().
			Str("device_id", payload.DeviceID).
			Str("connection_id", connectionID).
			Err(err).
			Msg("Registration credential rejected")
		c.rejectRegistration(connectionID, payload.DeviceID, "credential rejected")
		return nil
	}

	device, err := c.registry.Register(connectionID, payload.DeviceID, DeviceMetadata{
		Name:    payload.Name,
		Model:   payload.Model,
		Address: c.gateway.RemoteAddr(connectionID),
	})
	if err != nil {
		c.rejectRegistration(connectionID, payload.DeviceID, err.Error())
		return nil
	}

	ack, err := protocol.NewEnvelope(protocol.MSG_REGISTER_ACK, device.ID, protocol.RegisterAckPayload{
		Accepted:          true,
		DeviceID:          device.ID,
		HeartbeatInterval: c.config.Heartbeat.Interval,
	})
	if err != nil {
		return err
	}

	return c.gateway.Send(connectionID, ack)
}

// rejectRegistration answers a failed REGISTER and drops the connection.
// The display keeps its backoff counter; only an accepted registration
// resets it.
func (c *Coordinator) rejectRegistration(connectionID, deviceID, reason string) {
	ack, err := protocol.NewEnvelope(protocol.MSG_REGISTER_ACK, deviceID, protocol.RegisterAckPayload{
		Accepted: false,
		DeviceID: deviceID,
		Reason:   reason,
	})
	if err == nil {
		//nolint:errcheck
		c.gateway.Send(connectionID, ack)
	}
	c.gateway.CloseConnection(connectionID, "registration rejected")
}

// handleHeartbeat refreshes device liveness. A heartbeat for a device this
// process never registered is an application error surfaced through the
// dispatch boundary; the connection stays open.
func (c *Coordinator) handleHeartbeat(_ context.Context, connectionID string, env *protocol.Envelope) error {
	var payload protocol.HeartbeatPayload
	if err := env.Decode(&payload); err != nil {
		return err
	}

	if err := c.registry.Heartbeat(payload.DeviceID); err != nil {
		return fmt.Errorf("heartbeat from connection %s: %w", connectionID, err)
	}
	return nil
}

// handleCommandResult forwards a display's command result to subscribers.
func (c *Coordinator) handleCommandResult(_ context.Context, connectionID string, env *protocol.Envelope) error {
	deviceID := env.DeviceID
	if deviceID == "" {
		if mapped, ok := c.registry.DeviceFor(connectionID); ok {
			deviceID = mapped
		}
	}
	if deviceID == "" {
		return fmt.Errorf("command result without device association on connection %s", connectionID)
	}

	c.registry.PublishInbound(deviceID, env)
	return nil
}

// handleDisconnect processes a display's graceful goodbye.
func (c *Coordinator) handleDisconnect(_ context.Context, connectionID string, _ *protocol.Envelope) error {
	c.gateway.CloseConnection(connectionID, "client disconnect")
	return nil
}

// Uptime returns how long the coordinator has been running.
func (c *Coordinator) Uptime() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	return time.Since(c.startedAt)
}
