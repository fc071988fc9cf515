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
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"marquee/internal/logger"
)

var (
	// ErrMalformedEnvelope indicates bytes that cannot be parsed into an
	// envelope or an envelope without a type. The message is dropped and
	// the connection stays open.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownMessageType indicates a well-formed envelope whose type is
	// outside the registered vocabulary. The message is dropped and the
	// connection stays open.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrDispatcherClosed indicates a dispatch attempted after shutdown
	// began.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// HandlerFunc processes one inbound envelope. connectionID identifies the
// transport session the envelope arrived on.
type HandlerFunc func(ctx context.Context, connectionID string, env *Envelope) error

// Dispatcher routes inbound envelopes to handlers by message type. The
// handler table is fixed at construction and never mutated afterwards, so
// the full protocol surface is auditable in one place.
type Dispatcher struct {
	handlers map[string]HandlerFunc
	logger   zerolog.Logger
	inflight sync.WaitGroup
	mutex    sync.RWMutex
	closed   bool
}

// NewDispatcher creates a dispatcher with a static handler table. The table
// is copied; later mutation of the argument has no effect.
func NewDispatcher(table map[string]HandlerFunc) *Dispatcher {
	handlers := make(map[string]HandlerFunc, len(table))
	for msgType, handler := range table {
		handlers[msgType] = handler
	}

	return &Dispatcher{
		handlers: handlers,
		logger:   logger.GetLogger("dispatch"),
	}
}

// Types returns the registered message types.
func (d *Dispatcher) Types() []string {
	types := make([]string, 0, len(d.handlers))
	for msgType := range d.handlers {
		types = append(types, msgType)
	}
	return types
}

// Dispatch parses raw bytes and invokes exactly one handler. Parse and
// vocabulary failures are returned to the caller; handler failures
// (including panics) are caught here so one bad message never takes down a
// session. The caller decides nothing on handler errors beyond logging.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, raw []byte) error {
	d.mutex.RLock()
	if d.closed {
		d.mutex.RUnlock()
		return ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mutex.RUnlock()
	defer d.inflight.Done()

	env, err := ParseEnvelope(raw)
	if err != nil {
		d.logger.Warn().
			Str("connection_id", connectionID).
			Err(err).
			Msg("Dropping malformed envelope")
		return err
	}

	handler, exists := d.handlers[env.Type]
	if !exists {
		d.logger.Warn().
			Str("connection_id", connectionID).
			Str("type", env.Type).
			Msg("Dropping envelope with unregistered type")
		return fmt.Errorf("%w: %s", ErrUnknownMessageType, env.Type)
	}

	if err := d.invoke(ctx, handler, connectionID, env); err != nil {
		d.logger.Error().
			Str("connection_id", connectionID).
			Str("type", env.Type).
			Str("device_id", env.DeviceID).
			Err(err).
			Msg("Handler failed")
		return err
	}

	return nil
}

// invoke runs a handler with panic containment at the dispatch boundary.
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, connectionID string, env *Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic for %s: %v", env.Type, r)
		}
	}()

	return handler(ctx, connectionID, env)
}

// Shutdown stops accepting new dispatches and waits for in-flight handlers
// to finish, bounded by the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mutex.Lock()
	d.closed = true
	d.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out waiting for in-flight handlers: %w", ctx.Err())
	}
}
