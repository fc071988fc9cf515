package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"marquee/internal/logger"
)

// ErrNoCoordinator indicates no valid advertisement arrived within the
// probe timeout.
var ErrNoCoordinator = errors.New("no coordinator responded to discovery probe")

// Client broadcasts discovery probes and collects coordinator
// advertisements. One probe is sent per Discover call; the display's
// connection manager re-runs discovery before every connect attempt.
type Client struct {
	port    int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewClient creates a discovery client probing the given UDP port.
func NewClient(port int, timeout time.Duration) *Client {
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &Client{
		port:    port,
		timeout: timeout,
		logger:  logger.GetLogger("discovery"),
	}
}

// Discover broadcasts a probe and waits for the first valid advertisement.
// Datagrams that do not parse as advertisements are skipped; the wait ends
// at the timeout or when ctx is cancelled.
func (c *Client) Discover(ctx context.Context) (*Advertisement, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	// Cancellation closes the socket, unblocking the read below.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	target := &net.UDPAddr{IP: net.IPv4bcast, Port: c.port}
	if _, err := conn.WriteToUDP([]byte(ProbeToken), target); err != nil {
		return nil, fmt.Errorf("failed to send discovery probe: %w", err)
	}

	c.logger.Debug().
		Int("port", c.port).
		Dur("timeout", c.timeout).
		Msg("Discovery probe sent")

	deadline := time.Now().Add(c.timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set discovery deadline: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrNoCoordinator
			}
			return nil, fmt.Errorf("discovery read failed: %w", err)
		}

		var advert Advertisement
		if err := json.Unmarshal(buf[:n], &advert); err != nil || advert.Type != AdvertisementType {
			c.logger.Debug().
				Str("remote_addr", remote.String()).
				Msg("Ignoring non-advertisement datagram")
			continue
		}

		c.logger.Info().
			Str("server_id", advert.ServerID).
			Strs("addresses", advert.Addresses).
			Int("port", advert.Port).
			Msg("Coordinator discovered")

		return &advert, nil
	}
}

// DiscoverAt probes a specific host instead of the broadcast address.
// Used by the discover CLI against a known coordinator.
func (c *Client) DiscoverAt(ctx context.Context, host string) (*Advertisement, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid probe host: %s", host)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to open discovery socket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.WriteToUDP([]byte(ProbeToken), &net.UDPAddr{IP: ip, Port: c.port}); err != nil {
		return nil, fmt.Errorf("failed to send discovery probe: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set discovery deadline: %w", err)
	}

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, ErrNoCoordinator
			}
			return nil, fmt.Errorf("discovery read failed: %w", err)
		}

		var advert Advertisement
		if err := json.Unmarshal(buf[:n], &advert); err != nil || advert.Type != AdvertisementType {
			continue
		}

		return &advert, nil
	}
}
