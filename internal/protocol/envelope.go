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
	"encoding/json"
	"fmt"
	"time"
)

// Marquee message type vocabulary. The dispatch table built from these
// constants is the authoritative protocol surface; anything outside it is
// rejected without tearing down the connection.
const (
	MSG_REGISTER       = "REGISTER"
	MSG_REGISTER_ACK   = "REGISTER_ACK"
	MSG_HEARTBEAT      = "HEARTBEAT"
	MSG_COMMAND        = "COMMAND"
	MSG_COMMAND_RESULT = "COMMAND_RESULT"
	MSG_CONTENT_UPDATE = "CONTENT_UPDATE"
	MSG_DISCONNECT     = "DISCONNECT"
)

// Envelope is the unit of application-level communication between the
// coordinator and a display.
type Envelope struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is sent by a display immediately after the transport
// handshake completes.
type RegisterPayload struct {
	DeviceID   string `json:"device_id"`
	Credential string `json:"credential"`
	Name       string `json:"name,omitempty"`
	Model      string `json:"model,omitempty"`
	Version    string `json:"version,omitempty"`
}

// RegisterAckPayload is the coordinator's answer to a REGISTER envelope.
// A display is not considered connected until it receives an accepted ack.
type RegisterAckPayload struct {
	Accepted          bool   `json:"accepted"`
	DeviceID          string `json:"device_id"`
	Reason            string `json:"reason,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
}

// HeartbeatPayload is the periodic liveness signal from a display.
type HeartbeatPayload struct {
	DeviceID string `json:"device_id"`
	Status   string `json:"status,omitempty"`
	Uptime   int64  `json:"uptime,omitempty"` // seconds since display start
}

// CommandPayload carries an opaque command from the coordinator to a display.
type CommandPayload struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CommandResultPayload is the display's reply to a COMMAND envelope. The
// nonce echoes the command nonce so redeliveries can be deduplicated.
type CommandResultPayload struct {
	Nonce   string          `json:"nonce"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ContentUpdatePayload tells a display which content to show. The reference
// is opaque to the communication core.
type ContentUpdatePayload struct {
	ContentRef string `json:"content_ref"`
	Version    int64  `json:"version,omitempty"`
}

// NewEnvelope builds an envelope of the given type around a payload struct.
func NewEnvelope(msgType, deviceID string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
	}

	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		env.Payload = body
	}

	return env, nil
}

// ParseEnvelope parses raw bytes into an envelope. A missing or empty type
// field is a malformed envelope.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformedEnvelope)
	}

	return &env, nil
}

// Decode unmarshals the envelope payload into a typed payload struct.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize envelope: %w", err)
	}
	return data, nil
}
