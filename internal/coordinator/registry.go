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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marquee/internal/logger"
	"marquee/internal/protocol"
)

var (
	// ErrUnknownDevice indicates an operation on a device id never
	// registered in this process lifetime.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrDeviceRemoved indicates an operation on an administratively
	// removed device. Removed is terminal.
	ErrDeviceRemoved = errors.New("device has been removed")
)

// DeviceStatus is the registry's view of a display's lifecycle.
type DeviceStatus int

const (
	StatusUnknown DeviceStatus = iota
	StatusRegistering
	StatusOnline
	StatusOffline
	StatusRemoved
)

// String returns the status name used in logs and API responses.
func (s DeviceStatus) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Device is the persistent-ish logical identity of one display. The id is
// assigned at first registration and reused across reconnects.
type Device struct {
	ID               string       `json:"id"`
	Name             string       `json:"name,omitempty"`
	Model            string       `json:"model,omitempty"`
	LastKnownAddress string       `json:"last_known_address,omitempty"`
	Status           DeviceStatus `json:"-"`
	StatusName       string       `json:"status"`
	LastHeartbeatAt  time.Time    `json:"last_heartbeat_at"`
	RegisteredAt     time.Time    `json:"registered_at"`
	ContentRef       string       `json:"content_ref,omitempty"`
}

// DeviceMetadata carries the registration fields a display reports.
type DeviceMetadata struct {
	Name    string
	Model   string
	Address string
}

// EventType identifies a registry notification.
type EventType string

const (
	EventDeviceConnected    EventType = "device_connected"
	EventDeviceDisconnected EventType = "device_disconnected"
	EventDeviceRemoved      EventType = "device_removed"
	EventInboundMessage     EventType = "inbound_message"
)

// Event is published to subscribers on connect/disconnect/removal and for
// inbound application messages.
type Event struct {
	Type      EventType          `json:"type"`
	DeviceID  string             `json:"device_id"`
	Status    string             `json:"status,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Envelope  *protocol.Envelope `json:"envelope,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// ConnectionCloser closes a transport connection by id. Implemented by the
// gateway; the registry uses it to drop superseded connections without
// reaching into transport internals.
type ConnectionCloser interface {
	CloseConnection(connectionID, reason string)
}

// Registry is the single source of truth for which device maps to which
// connection and what its status is. Its map is the one piece of shared
// mutable state in the core; every mutating operation holds the mutex for
// the map update plus status transition, and never across I/O.
type Registry struct {
	devices     map[string]*Device
	deviceConns map[string]string // device id -> connection id
	connDevices map[string]string // connection id -> device id
	closer      ConnectionCloser
	subscribers []chan Event
	logger      zerolog.Logger
	mutex       sync.RWMutex
	now         func() time.Time
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{
		devices:     make(map[string]*Device),
		deviceConns: make(map[string]string),
		connDevices: make(map[string]string),
		logger:      logger.GetLogger("registry"),
		now:         time.Now,
	}
}

// BindCloser wires the transport used to drop superseded connections.
// Must be called before the first Register.
func (r *Registry) BindCloser(closer ConnectionCloser) {
	r.closer = closer
}

// Register installs the device -> connection mapping and marks the device
// online. If the id already maps to a different live connection, that
// connection is superseded and closed: last registration wins. The device
// record is created on first-ever registration and updated afterwards.
func (r *Registry) Register(connectionID, deviceID string, meta DeviceMetadata) (Device, error) {
	r.mutex.Lock()

	device, exists := r.devices[deviceID]
	if exists && device.Status == StatusRemoved {
		r.mutex.Unlock()
		return Device{}, ErrDeviceRemoved
	}

	if !exists {
		device = &Device{
			ID:           deviceID,
			Status:       StatusRegistering,
			RegisteredAt: r.now(),
		}
		r.devices[deviceID] = device
	}

	superseded := ""
	if oldConn, ok := r.deviceConns[deviceID]; ok && oldConn != connectionID {
		superseded = oldConn
		delete(r.connDevices, oldConn)
	}

	if meta.Name != "" {
		device.Name = meta.Name
	}
	if meta.Model != "" {
		device.Model = meta.Model
	}
	if meta.Address != "" {
		device.LastKnownAddress = meta.Address
	}

	device.Status = StatusOnline
	device.StatusName = device.Status.String()
	device.LastHeartbeatAt = r.now()

	r.deviceConns[deviceID] = connectionID
	r.connDevices[connectionID] = deviceID

	snapshot := *device
	r.mutex.Unlock()

	// Close the superseded connection outside the critical section; its
	// close notification will not demote the device because the mapping
	// already points at the new connection.
	if superseded != "" && r.closer != nil {
		r.logger.Info().
			Str("device_id", deviceID).
			Str("old_connection_id", superseded).
			Str("new_connection_id", connectionID).
			Msg("Superseding previous connection")
		r.closer.CloseConnection(superseded, "superseded by new registration")
	}

	r.logger.Info().
		Str("device_id", deviceID).
		Str("connection_id", connectionID).
		Str("address", meta.Address).
		Msg("Device registered")

	r.publish(Event{
		Type:      EventDeviceConnected,
		DeviceID:  deviceID,
		Status:    StatusOnline.String(),
		Timestamp: r.now(),
	})

	return snapshot, nil
}

// Heartbeat refreshes the device's liveness timestamp. The status is left
// untouched when already online.
func (r *Registry) Heartbeat(deviceID string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[deviceID]
	if !exists {
		return ErrUnknownDevice
	}
	if device.Status == StatusRemoved {
		return ErrDeviceRemoved
	}

	device.LastHeartbeatAt = r.now()
	return nil
}

// MarkOffline transitions a device to offline, clears its connection
// association, and emits DeviceDisconnected. Idempotent: demoting an
// already-offline device is a no-op with no duplicate event.
func (r *Registry) MarkOffline(deviceID, reason string) error {
	r.mutex.Lock()

	device, exists := r.devices[deviceID]
	if !exists {
		r.mutex.Unlock()
		return ErrUnknownDevice
	}

	if device.Status != StatusOnline && device.Status != StatusRegistering {
		r.mutex.Unlock()
		return nil
	}

	device.Status = StatusOffline
	device.StatusName = device.Status.String()

	if conn, ok := r.deviceConns[deviceID]; ok {
		delete(r.deviceConns, deviceID)
		delete(r.connDevices, conn)
	}
	r.mutex.Unlock()

	r.logger.Info().
		Str("device_id", deviceID).
		Str("reason", reason).
		Msg("Device marked offline")

	r.publish(Event{
		Type:      EventDeviceDisconnected,
		DeviceID:  deviceID,
		Status:    StatusOffline.String(),
		Reason:    reason,
		Timestamp: r.now(),
	})

	return nil
}

// HandleConnectionClosed demotes the device associated with a closed
// connection. A stale close (the device re-registered on a newer
// connection) is ignored because the mapping no longer matches.
func (r *Registry) HandleConnectionClosed(connectionID, reason string) {
	r.mutex.RLock()
	deviceID, ok := r.connDevices[connectionID]
	r.mutex.RUnlock()

	if !ok {
		return
	}

	if err := r.MarkOffline(deviceID, reason); err != nil {
		r.logger.Warn().
			Str("device_id", deviceID).
			Err(err).
			Msg("Failed to demote device on connection close")
	}
}

// Remove administratively retires a device. Removed is terminal and only
// reachable through this call, never automatically.
func (r *Registry) Remove(deviceID string) error {
	r.mutex.Lock()

	device, exists := r.devices[deviceID]
	if !exists {
		r.mutex.Unlock()
		return ErrUnknownDevice
	}
	if device.Status == StatusRemoved {
		r.mutex.Unlock()
		return nil
	}

	conn := r.deviceConns[deviceID]
	delete(r.deviceConns, deviceID)
	delete(r.connDevices, conn)

	device.Status = StatusRemoved
	device.StatusName = device.Status.String()
	r.mutex.Unlock()

	if conn != "" && r.closer != nil {
		r.closer.CloseConnection(conn, "device removed")
	}

	r.logger.Info().
		Str("device_id", deviceID).
		Msg("Device removed")

	r.publish(Event{
		Type:      EventDeviceRemoved,
		DeviceID:  deviceID,
		Status:    StatusRemoved.String(),
		Timestamp: r.now(),
	})

	return nil
}

// SetContentRef records the content reference assigned to a device by an
// external collaborator.
func (r *Registry) SetContentRef(deviceID, contentRef string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[deviceID]
	if !exists {
		return ErrUnknownDevice
	}

	device.ContentRef = contentRef
	return nil
}

// Lookup returns a snapshot of a device record.
func (r *Registry) Lookup(deviceID string) (Device, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[deviceID]
	if !exists {
		return Device{}, false
	}
	return *device, true
}

// ListAll returns snapshots of every known device, ordered by id.
func (r *Registry) ListAll() []Device {
	r.mutex.RLock()
	devices := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	r.mutex.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// ConnectionFor returns the active connection id for a device.
func (r *Registry) ConnectionFor(deviceID string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	conn, exists := r.deviceConns[deviceID]
	return conn, exists
}

// DeviceFor returns the device id associated with a connection.
func (r *Registry) DeviceFor(connectionID string) (string, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	deviceID, exists := r.connDevices[connectionID]
	return deviceID, exists
}

// StaleOnline snapshots the ids of online devices whose last heartbeat is
// before the cutoff. Callers demote and close outside the registry lock.
func (r *Registry) StaleOnline(cutoff time.Time) []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var stale []string
	for id, device := range r.devices {
		if device.Status == StatusOnline && device.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// OnlineCount returns the number of online devices.
func (r *Registry) OnlineCount() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	count := 0
	for _, device := range r.devices {
		if device.Status == StatusOnline {
			count++
		}
	}
	return count
}

// Subscribe registers an event channel with the given buffer size. Events
// are delivered best effort: a full subscriber drops the event rather than
// blocking registry operations.
func (r *Registry) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}

	ch := make(chan Event, buffer)
	r.mutex.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.mutex.Unlock()

	return ch
}

// PublishInbound forwards an inbound application message to subscribers.
func (r *Registry) PublishInbound(deviceID string, env *protocol.Envelope) {
	r.publish(Event{
		Type:      EventInboundMessage,
		DeviceID:  deviceID,
		Envelope:  env,
		Timestamp: r.now(),
	})
}

// Close closes all subscriber channels.
func (r *Registry) Close() {
	r.mutex.Lock()
	subscribers := r.subscribers
	r.subscribers = nil
	r.mutex.Unlock()

	for _, ch := range subscribers {
		close(ch)
	}
}

func (r *Registry) publish(event Event) {
	r.mutex.RLock()
	subscribers := r.subscribers
	r.mutex.RUnlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
			r.logger.Warn().
				Str("event_type", string(event.Type)).
				Str("device_id", event.DeviceID).
				Msg("Subscriber buffer full, dropping event")
		}
	}
}
