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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marquee/internal/logger"
)

// ResponderConfig describes the endpoint the responder advertises.
type ResponderConfig struct {
	ServerID      string
	ListenPort    int    // UDP port for probes; DefaultPort if zero
	AdvertisePort int    // TCP port the coordinator serves on
	Path          string // websocket endpoint path
	Secure        bool
}

// Responder answers discovery probes on the broadcast port with a fresh
// advertisement. It is stateless, unauthenticated, and best-effort:
// malformed probes are silently ignored.
type Responder struct {
	config ResponderConfig
	conn   *net.UDPConn
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResponder creates a discovery responder.
func NewResponder(config ResponderConfig) *Responder {
	if config.ListenPort == 0 {
		config.ListenPort = DefaultPort
	}
	if config.Path == "" {
		config.Path = "/ws"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Responder{
		config: config,
		logger: logger.GetLogger("discovery"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the broadcast port and begins answering probes. A busy port
// is retried with a short backoff before surfacing as a startup failure.
// A negative ListenPort asks the kernel for an ephemeral port.
func (r *Responder) Start() error {
	port := r.config.ListenPort
	if port < 0 {
		port = 0
	}
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}

	var conn *net.UDPConn
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		conn, err = net.ListenUDP("udp4", addr)
		if err == nil {
			break
		}
		r.logger.Warn().
			Int("port", r.config.ListenPort).
			Int("attempt", attempt).
			Err(err).
			Msg("Failed to bind discovery port, retrying")
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", r.config.ListenPort, err)
	}

	r.conn = conn

	r.logger.Info().
		Int("port", r.config.ListenPort).
		Str("server_id", r.config.ServerID).
		Msg("Discovery responder started")

	r.wg.Add(1)
	go r.listenLoop()

	return nil
}

// Stop closes the socket and waits for the listen loop to return.
func (r *Responder) Stop() error {
	r.cancel()

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing discovery socket")
		}
	}

	r.wg.Wait()
	r.logger.Info().Msg("Discovery responder stopped")
	return nil
}

// listenLoop reads probes and answers each recognized token with a unicast
// advertisement.
func (r *Responder) listenLoop() {
	defer r.wg.Done()

	buf := make([]byte, 512)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			r.logger.Warn().Err(err).Msg("Discovery read failed")
			continue
		}

		token := strings.TrimSpace(string(buf[:n]))
		if token != ProbeToken && token != LegacyProbeToken {
			r.logger.Debug().
				Str("remote_addr", remote.String()).
				Msg("Ignoring unrecognized discovery probe")
			continue
		}

		r.respond(remote)
	}
}

// respond builds a fresh advertisement and sends it to the prober.
func (r *Responder) respond(remote *net.UDPAddr) {
	addresses, err := LocalAdvertiseAddresses()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to enumerate advertise addresses")
		addresses = nil
	}

	scheme := "ws"
	if r.config.Secure {
		scheme = "wss"
	}

	advert := Advertisement{
		Type:      AdvertisementType,
		ServerID:  r.config.ServerID,
		Addresses: addresses,
		Port:      r.config.AdvertisePort,
		Scheme:    scheme,
		Path:      r.config.Path,
		Secure:    r.config.Secure,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(advert)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to serialize advertisement")
		return
	}

	if _, err := r.conn.WriteToUDP(data, remote); err != nil {
		r.logger.Warn().
			Str("remote_addr", remote.String()).
			Err(err).
			Msg("Failed to send advertisement")
		return
	}

	r.logger.Debug().
		Str("remote_addr", remote.String()).
		Int("address_count", len(addresses)).
		Msg("Answered discovery probe")
}

// Port returns the UDP port the responder listens on. Useful when the
// configured port was zero and the kernel picked one.
func (r *Responder) Port() int {
	if r.conn != nil {
		if udpAddr, ok := r.conn.LocalAddr().(*net.UDPAddr); ok {
			return udpAddr.Port
		}
	}
	return r.config.ListenPort
}
