package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"marquee/internal/discovery"
)

var (
	discoverPort    int
	discoverTimeout time.Duration
	discoverHost    string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Probe the local network for a coordinator",
	Long: `Send a discovery probe and print the coordinator advertisement that
answers. Useful when commissioning displays or debugging rendezvous
problems. With --host the probe is sent to one machine instead of the
broadcast address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
		defer cancel()

		client := discovery.NewClient(discoverPort, discoverTimeout)

		var (
			advert *discovery.Advertisement
			err    error
		)
		if discoverHost != "" {
			advert, err = client.DiscoverAt(ctx, discoverHost)
		} else {
			advert, err = client.Discover(ctx)
		}
		if err != nil {
			return fmt.Errorf("no coordinator answered within %s: %w", discoverTimeout, err)
		}

		cmd.Printf("Coordinator found\n")
		cmd.Printf("  Server ID: %s\n", advert.ServerID)
		cmd.Printf("  Addresses: %s\n", strings.Join(advert.Addresses, ", "))
		cmd.Printf("  Endpoint:  %s\n", advert.Endpoint())
		cmd.Printf("  Secure:    %t\n", advert.Secure)
		return nil
	},
}

func init() {
	discoverCmd.Flags().IntVarP(&discoverPort, "port", "p", discovery.DefaultPort, "UDP discovery port")
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", 3*time.Second, "How long to wait for an answer")
	discoverCmd.Flags().StringVar(&discoverHost, "host", "", "Probe a specific host instead of broadcasting")
}
