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
	"fmt"
	"net"
	"sort"
	"time"
)

const (
	// DefaultPort is the well-known UDP broadcast port for coordinator
	// discovery.
	DefaultPort = 5555

	// ProbeToken is the token a display broadcasts to find a coordinator.
	ProbeToken = "MARQUEE_DISCOVER"

	// LegacyProbeToken is the bare token older displays send. It is
	// accepted alongside ProbeToken.
	LegacyProbeToken = "DISCOVER"

	// AdvertisementType tags the coordinator's discovery reply.
	AdvertisementType = "MARQUEE_COORDINATOR"
)

// Advertisement is the coordinator's answer to a discovery probe. It is
// constructed fresh per probe and never persisted.
type Advertisement struct {
	Type      string    `json:"type"`
	ServerID  string    `json:"server_id"`
	Addresses []string  `json:"addresses"`
	Port      int       `json:"port"`
	Scheme    string    `json:"scheme"` // "ws" or "wss"
	Path      string    `json:"path"`
	Secure    bool      `json:"secure"`
	Timestamp time.Time `json:"timestamp"`
}

// Endpoint returns a dialable URL built from the first advertised address,
// or an empty string when no address was advertised.
func (a *Advertisement) Endpoint() string {
	if len(a.Addresses) == 0 {
		return ""
	}
	return fmt.Sprintf("%s://%s:%d%s", a.Scheme, a.Addresses[0], a.Port, a.Path)
}

// LocalAdvertiseAddresses enumerates the IPv4 addresses worth advertising:
// non-loopback, non-link-local addresses on interfaces that are up, with
// private-range addresses ordered before public ones. Loopback, 0.0.0.0 and
// broadcast addresses are never included; when nothing qualifies the list
// is empty rather than falling back to loopback.
func LocalAdvertiseAddresses() ([]string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate interfaces: %w", err)
	}

	var candidates []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			if !advertisableIPv4(ip) {
				continue
			}

			candidates = append(candidates, ip)
		}
	}

	// Private addresses first; order is otherwise stable.
	sort.SliceStable(candidates, func(i, j int) bool {
		return isPrivateIPv4(candidates[i]) && !isPrivateIPv4(candidates[j])
	})

	addresses := make([]string, 0, len(candidates))
	for _, ip := range candidates {
		addresses = append(addresses, ip.String())
	}

	return addresses, nil
}

// advertisableIPv4 reports whether an IPv4 address may appear in an
// advertisement.
func advertisableIPv4(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return false
	}
	if ip.Equal(net.IPv4bcast) {
		return false
	}
	return true
}

// isPrivateIPv4 reports whether the address is in one of the RFC 1918
// private ranges.
func isPrivateIPv4(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}

	switch {
	case ip4[0] == 10:
		return true
	case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
		return true
	case ip4[0] == 192 && ip4[1] == 168:
		return true
	}
	return false
}
