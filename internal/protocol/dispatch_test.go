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

package protocol

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustEncode(t *testing.T, msgType, deviceID string, payload interface{}) []byte {
	t.Helper()

	env, err := NewEnvelope(msgType, deviceID, payload)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Failed to encode envelope: %v", err)
	}
	return data
}

func TestDispatch(t *testing.T) {
	t.Run("RoutesToHandler", func(t *testing.T) {
		var gotConn, gotDevice string
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_HEARTBEAT: func(_ context.Context, connectionID string, env *Envelope) error {
				gotConn = connectionID
				gotDevice = env.DeviceID
				return nil
			},
		})

		raw := mustEncode(t, MSG_HEARTBEAT, "display-1", HeartbeatPayload{DeviceID: "display-1"})
		if err := d.Dispatch(context.Background(), "conn-1", raw); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if gotConn != "conn-1" {
			t.Errorf("Expected connection 'conn-1', got %s", gotConn)
		}
		if gotDevice != "display-1" {
			t.Errorf("Expected device 'display-1', got %s", gotDevice)
		}
	})

	t.Run("MalformedBytes", func(t *testing.T) {
		d := NewDispatcher(nil)

		err := d.Dispatch(context.Background(), "conn-1", []byte("garbage"))
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Expected ErrMalformedEnvelope, got %v", err)
		}
	})

	t.Run("UnknownType", func(t *testing.T) {
		called := false
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_HEARTBEAT: func(context.Context, string, *Envelope) error {
				called = true
				return nil
			},
		})

		raw := mustEncode(t, "NOT_IN_VOCABULARY", "display-1", nil)
		err := d.Dispatch(context.Background(), "conn-1", raw)
		if !errors.Is(err, ErrUnknownMessageType) {
			t.Errorf("Expected ErrUnknownMessageType, got %v", err)
		}
		if called {
			t.Error("Expected no handler invocation for unknown type")
		}
	})

	t.Run("HandlerError", func(t *testing.T) {
		handlerErr := errors.New("payload rejected")
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_COMMAND: func(context.Context, string, *Envelope) error {
				return handlerErr
			},
		})

		raw := mustEncode(t, MSG_COMMAND, "display-1", CommandPayload{Name: "ping"})
		if err := d.Dispatch(context.Background(), "conn-1", raw); !errors.Is(err, handlerErr) {
			t.Errorf("Expected handler error, got %v", err)
		}
	})

	t.Run("HandlerPanicContained", func(t *testing.T) {
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_COMMAND: func(context.Context, string, *Envelope) error {
				panic("handler bug")
			},
		})

		raw := mustEncode(t, MSG_COMMAND, "display-1", CommandPayload{Name: "ping"})
		err := d.Dispatch(context.Background(), "conn-1", raw)
		if err == nil {
			t.Fatal("Expected error from panicking handler")
		}

		// Dispatcher must remain usable after a panic.
		raw = mustEncode(t, "UNREGISTERED", "display-1", nil)
		if err := d.Dispatch(context.Background(), "conn-1", raw); !errors.Is(err, ErrUnknownMessageType) {
			t.Errorf("Expected dispatcher to survive panic, got %v", err)
		}
	})
}

func TestDispatcherShutdown(t *testing.T) {
	t.Run("RejectsAfterShutdown", func(t *testing.T) {
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_HEARTBEAT: func(context.Context, string, *Envelope) error { return nil },
		})

		if err := d.Shutdown(context.Background()); err != nil {
			t.Fatalf("Expected clean shutdown, got %v", err)
		}

		raw := mustEncode(t, MSG_HEARTBEAT, "display-1", HeartbeatPayload{DeviceID: "display-1"})
		if err := d.Dispatch(context.Background(), "conn-1", raw); !errors.Is(err, ErrDispatcherClosed) {
			t.Errorf("Expected ErrDispatcherClosed, got %v", err)
		}
	})

	t.Run("WaitsForInflight", func(t *testing.T) {
		started := make(chan struct{})
		release := make(chan struct{})
		d := NewDispatcher(map[string]HandlerFunc{
			MSG_COMMAND: func(context.Context, string, *Envelope) error {
				close(started)
				<-release
				return nil
			},
		})

		raw := mustEncode(t, MSG_COMMAND, "display-1", CommandPayload{Name: "slow"})
		go func() {
			_ = d.Dispatch(context.Background(), "conn-1", raw)
		}()
		<-started

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := d.Shutdown(ctx); err == nil {
			t.Error("Expected shutdown timeout while handler is in flight")
		}

		close(release)
		if err := d.Shutdown(context.Background()); err != nil {
			t.Errorf("Expected clean shutdown after handler finished, got %v", err)
		}
	})
}
