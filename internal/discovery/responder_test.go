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
	"net"
	"testing"
	"time"
)

// startTestResponder binds a responder on an ephemeral port
func startTestResponder(t *testing.T, config ResponderConfig) *Responder {
	t.Helper()

	config.ListenPort = -1
	responder := NewResponder(config)
	if err := responder.Start(); err != nil {
		t.Fatalf("Failed to start responder: %v", err)
	}
	t.Cleanup(func() { responder.Stop() })
	return responder
}

// probe sends a token to the responder over loopback and returns the raw
// answer, or nil when none arrives before the deadline.
func probe(t *testing.T, port int, token string) []byte {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("Failed to open probe socket: %v", err)
	}
	defer conn.Close()

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	if _, err := conn.WriteToUDP([]byte(token), target); err != nil {
		t.Fatalf("Failed to send probe: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func TestResponder(t *testing.T) {
	t.Run("AnswersProbe", func(t *testing.T) {
		responder := startTestResponder(t, ResponderConfig{
			ServerID:      "coordinator-test",
			AdvertisePort: 8080,
			Path:          "/ws",
		})

		raw := probe(t, responder.Port(), ProbeToken)
		if raw == nil {
			t.Fatal("Expected an advertisement, got none")
		}

		var advert Advertisement
		if err := json.Unmarshal(raw, &advert); err != nil {
			t.Fatalf("Failed to parse advertisement: %v", err)
		}
		if advert.Type != AdvertisementType {
			t.Errorf("Expected type %s, got %s", AdvertisementType, advert.Type)
		}
		if advert.ServerID != "coordinator-test" {
			t.Errorf("Expected server id 'coordinator-test', got %s", advert.ServerID)
		}
		if advert.Port != 8080 {
			t.Errorf("Expected advertised port 8080, got %d", advert.Port)
		}
		if advert.Scheme != "ws" {
			t.Errorf("Expected scheme 'ws', got %s", advert.Scheme)
		}

		for _, address := range advert.Addresses {
			switch address {
			case "127.0.0.1", "0.0.0.0", "255.255.255.255":
				t.Errorf("Forbidden address in advertisement: %s", address)
			}
		}
	})

	t.Run("AnswersLegacyProbe", func(t *testing.T) {
		responder := startTestResponder(t, ResponderConfig{
			ServerID:      "coordinator-test",
			AdvertisePort: 8080,
		})

		if raw := probe(t, responder.Port(), LegacyProbeToken); raw == nil {
			t.Error("Expected legacy probe token to be answered")
		}
	})

	t.Run("IgnoresUnrecognizedToken", func(t *testing.T) {
		responder := startTestResponder(t, ResponderConfig{
			ServerID:      "coordinator-test",
			AdvertisePort: 8080,
		})

		if raw := probe(t, responder.Port(), "WHO_IS_THERE"); raw != nil {
			t.Errorf("Expected no answer to unrecognized token, got %s", string(raw))
		}

		// The responder must still answer valid probes afterwards.
		if raw := probe(t, responder.Port(), ProbeToken); raw == nil {
			t.Error("Expected responder to keep working after bad probe")
		}
	})

	t.Run("SecureAdvertisesWss", func(t *testing.T) {
		responder := startTestResponder(t, ResponderConfig{
			ServerID:      "coordinator-test",
			AdvertisePort: 8443,
			Secure:        true,
		})

		raw := probe(t, responder.Port(), ProbeToken)
		if raw == nil {
			t.Fatal("Expected an advertisement, got none")
		}

		var advert Advertisement
		if err := json.Unmarshal(raw, &advert); err != nil {
			t.Fatalf("Failed to parse advertisement: %v", err)
		}
		if advert.Scheme != "wss" {
			t.Errorf("Expected scheme 'wss', got %s", advert.Scheme)
		}
		if !advert.Secure {
			t.Error("Expected secure flag set")
		}
	})
}

func TestClientDiscoverAt(t *testing.T) {
	t.Run("FindsResponder", func(t *testing.T) {
		responder := startTestResponder(t, ResponderConfig{
			ServerID:      "coordinator-test",
			AdvertisePort: 8080,
		})

		client := NewClient(responder.Port(), time.Second)
		advert, err := client.DiscoverAt(context.Background(), "127.0.0.1")
		if err != nil {
			t.Fatalf("Expected advertisement, got error: %v", err)
		}
		if advert.ServerID != "coordinator-test" {
			t.Errorf("Expected server id 'coordinator-test', got %s", advert.ServerID)
		}
	})

	t.Run("TimesOutWithoutResponder", func(t *testing.T) {
		// Bind a silent socket so the port is definitely not answering.
		silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			t.Fatalf("Failed to bind silent socket: %v", err)
		}
		defer silent.Close()
		port := silent.LocalAddr().(*net.UDPAddr).Port

		client := NewClient(port, 200*time.Millisecond)
		if _, err := client.DiscoverAt(context.Background(), "127.0.0.1"); err != ErrNoCoordinator {
			t.Errorf("Expected ErrNoCoordinator, got %v", err)
		}
	})

	t.Run("CancelledContext", func(t *testing.T) {
		silent, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
		if err != nil {
			t.Fatalf("Failed to bind silent socket: %v", err)
		}
		defer silent.Close()
		port := silent.LocalAddr().(*net.UDPAddr).Port

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		client := NewClient(port, 5*time.Second)
		start := time.Now()
		_, err = client.DiscoverAt(ctx, "127.0.0.1")
		if err == nil {
			t.Fatal("Expected error from cancelled discovery")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Expected cancellation to unblock quickly, took %s", elapsed)
		}
	})

	t.Run("InvalidHost", func(t *testing.T) {
		client := NewClient(DefaultPort, time.Second)
		if _, err := client.DiscoverAt(context.Background(), "not-an-ip"); err == nil {
			t.Error("Expected error for unparseable host")
		}
	})
}
