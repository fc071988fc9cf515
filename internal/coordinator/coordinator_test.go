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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marquee/internal/protocol"
)

// newTestCoordinator wires a coordinator and serves its gateway from an
// httptest server; the API server and discovery responder stay down.
func newTestCoordinator(t *testing.T) (*Coordinator, string) {
	t.Helper()

	config := NewDefaultConfig()
	config.Discovery.Enabled = false

	coord := New(config)
	server := httptest.NewServer(http.HandlerFunc(coord.gateway.HandleUpgrade))
	t.Cleanup(func() {
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		coord.gateway.Shutdown(ctx)
		coord.registry.Close()
	})

	return coord, "ws" + strings.TrimPrefix(server.URL, "http")
}

// dialAndRegister connects a fake display and completes the registration
// handshake, returning the connection and the ack payload.
func dialAndRegister(t *testing.T, endpoint, deviceID, credential string) (*websocket.Conn, *protocol.RegisterAckPayload) {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	env, err := protocol.NewEnvelope(protocol.MSG_REGISTER, deviceID, protocol.RegisterPayload{
		DeviceID:   deviceID,
		Credential: credential,
		Name:       "Test Display",
	})
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	ackEnv, err := protocol.ParseEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, protocol.MSG_REGISTER_ACK, ackEnv.Type)

	var ack protocol.RegisterAckPayload
	require.NoError(t, ackEnv.Decode(&ack))
	return ws, &ack
}

func waitForStatus(t *testing.T, registry *Registry, deviceID string, want DeviceStatus) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if device, ok := registry.Lookup(deviceID); ok && device.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	device, _ := registry.Lookup(deviceID)
	t.Fatalf("Expected device %s status %s, got %s", deviceID, want, device.Status)
}

func TestRegistrationHandshake(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		coord, endpoint := newTestCoordinator(t)

		_, ack := dialAndRegister(t, endpoint, "display-1", "any-credential")
		require.True(t, ack.Accepted)
		assert.Equal(t, "display-1", ack.DeviceID)
		assert.Equal(t, coord.config.Heartbeat.Interval, ack.HeartbeatInterval)

		device, ok := coord.registry.Lookup("display-1")
		require.True(t, ok)
		assert.Equal(t, StatusOnline, device.Status)
		assert.Equal(t, "Test Display", device.Name)
	})

	t.Run("EmptyCredentialRejected", func(t *testing.T) {
		coord, endpoint := newTestCoordinator(t)

		ws, ack := dialAndRegister(t, endpoint, "display-1", "")
		require.False(t, ack.Accepted)
		assert.NotEmpty(t, ack.Reason)

		// The coordinator drops the connection after a rejected REGISTER.
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := ws.ReadMessage()
		assert.Error(t, err)

		device, ok := coord.registry.Lookup("display-1")
		if ok {
			assert.NotEqual(t, StatusOnline, device.Status)
		}
	})

	t.Run("BadJWTCredentialRejected", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Discovery.Enabled = false
		config.Registration.Secret = "shared-secret"

		coord := New(config)
		server := httptest.NewServer(http.HandlerFunc(coord.gateway.HandleUpgrade))
		defer server.Close()
		endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

		_, ack := dialAndRegister(t, endpoint, "display-1", "not-a-jwt")
		assert.False(t, ack.Accepted)

		if _, ok := coord.registry.ConnectionFor("display-1"); ok {
			t.Error("Expected no connection mapping after rejected registration")
		}
	})

	t.Run("ValidJWTCredentialAccepted", func(t *testing.T) {
		config := NewDefaultConfig()
		config.Discovery.Enabled = false
		config.Registration.Secret = "shared-secret"

		coord := New(config)
		server := httptest.NewServer(http.HandlerFunc(coord.gateway.HandleUpgrade))
		defer server.Close()
		endpoint := "ws" + strings.TrimPrefix(server.URL, "http")

		credential, err := NewJWTVerifier("shared-secret").GenerateCredential("display-1", time.Hour)
		require.NoError(t, err)

		_, ack := dialAndRegister(t, endpoint, "display-1", credential)
		assert.True(t, ack.Accepted)
	})
}

func TestCommandDelivery(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)

	ws, ack := dialAndRegister(t, endpoint, "display-1", "credential")
	require.True(t, ack.Accepted)

	nonce, err := coord.SendCommand("display-1", "ping", nil)
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MSG_COMMAND, env.Type)
	assert.Equal(t, nonce, env.Nonce)

	var payload protocol.CommandPayload
	require.NoError(t, env.Decode(&payload))
	assert.Equal(t, "ping", payload.Name)
}

func TestCommandToDisconnectedDevice(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	_, err := coord.SendCommand("ghost", "ping", nil)
	assert.ErrorIs(t, err, ErrDeviceNotConnected)
}

func TestContentUpdateRecordsRef(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)

	ws, _ := dialAndRegister(t, endpoint, "display-1", "credential")

	require.NoError(t, coord.SendContentUpdate("display-1", "playlist-7", 2))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	env, err := protocol.ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, protocol.MSG_CONTENT_UPDATE, env.Type)

	device, ok := coord.registry.Lookup("display-1")
	require.True(t, ok)
	assert.Equal(t, "playlist-7", device.ContentRef)
}

func TestGracefulDisconnect(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)

	ws, _ := dialAndRegister(t, endpoint, "display-1", "credential")

	env, err := protocol.NewEnvelope(protocol.MSG_DISCONNECT, "display-1", nil)
	require.NoError(t, err)
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	waitForStatus(t, coord.registry, "display-1", StatusOffline)
}

func TestConnectionDropDemotesDevice(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)

	ws, _ := dialAndRegister(t, endpoint, "display-1", "credential")
	ws.Close()

	waitForStatus(t, coord.registry, "display-1", StatusOffline)
}

func TestSupersededConnection(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)

	first, ack := dialAndRegister(t, endpoint, "display-1", "credential")
	require.True(t, ack.Accepted)

	_, ack = dialAndRegister(t, endpoint, "display-1", "credential")
	require.True(t, ack.Accepted)

	// The first connection is closed by the coordinator.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// The device stays online throughout: the stale close notification
	// must not demote it.
	device, ok := coord.registry.Lookup("display-1")
	require.True(t, ok)
	assert.Equal(t, StatusOnline, device.Status)
	assert.Equal(t, 1, coord.registry.OnlineCount())
}

func TestCommandResultForwarded(t *testing.T) {
	coord, endpoint := newTestCoordinator(t)
	events := coord.registry.Subscribe(16)

	ws, _ := dialAndRegister(t, endpoint, "display-1", "credential")

	result, err := protocol.NewEnvelope(protocol.MSG_COMMAND_RESULT, "display-1", protocol.CommandResultPayload{
		Nonce:   "nonce-1",
		Success: true,
	})
	require.NoError(t, err)
	data, err := result.Encode()
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type != EventInboundMessage {
				continue
			}
			assert.Equal(t, "display-1", event.DeviceID)
			require.NotNil(t, event.Envelope)
			assert.Equal(t, protocol.MSG_COMMAND_RESULT, event.Envelope.Type)
			return
		case <-deadline:
			t.Fatal("Expected inbound message event")
		}
	}
}
