package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marquee/internal/display"
	"marquee/internal/logger"
)

var (
	displayConfigPath string
	displayDebugFlag  bool
)

var displayCmd = &cobra.Command{
	Use:   "display",
	Short: "Start the Marquee display daemon",
	Long: `The display daemon runs on each display device. It discovers the
coordinator on the local network, registers with its credential, sends
heartbeats, and applies commands and content updates pushed by the
coordinator. It reconnects autonomously whenever the connection drops.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if displayDebugFlag {
			logger.SetLevel("debug")
		}

		log := logger.New()
		log.Info().
			Str("config_path", displayConfigPath).
			Bool("debug", displayDebugFlag).
			Msg("Starting Marquee display daemon")

		// Check if config file exists
		if _, err := os.Stat(displayConfigPath); os.IsNotExist(err) {
			defaultConfig := display.NewDefaultConfig()
			if err := display.SaveConfig(defaultConfig, displayConfigPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", displayConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		config, err := display.LoadConfig(displayConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if config.Logging.Level != "" && !displayDebugFlag {
			logger.SetLevel(config.Logging.Level)
		}

		manager := display.NewManager(config)
		startedAt := time.Now()

		manager.SetCommandHandler(func(name string, params json.RawMessage) (json.RawMessage, error) {
			switch name {
			case "ping":
				return json.Marshal(map[string]string{"pong": config.Display.ID})
			case "status":
				return json.Marshal(map[string]interface{}{
					"device_id":      config.Display.ID,
					"state":          manager.State().String(),
					"uptime_seconds": int64(time.Since(startedAt).Seconds()),
				})
			default:
				return nil, fmt.Errorf("unsupported command: %s", name)
			}
		})
		manager.SetContentHandler(func(contentRef string, version int64) {
			log.Info().
				Str("content_ref", contentRef).
				Int64("version", version).
				Msg("Applying content update")
		})

		manager.Start()

		// Block until shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("Shutting down display daemon")
		manager.Stop()

		return nil
	},
}

var displayConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage display configuration",
	Long:  `Generate or validate display configuration files.`,
}

var displayConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with example settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := displayConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		defaultConfig := display.NewDefaultConfig()
		if err := display.SaveConfig(defaultConfig, configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		cmd.Println("Please edit the file with this display's identity and credential.")
		return nil
	},
}

var displayConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a display configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := displayConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := display.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Display ID: %s\n", config.Display.ID)
		cmd.Printf("Discovery port: %d\n", config.Coordinator.DiscoveryPort)
		if config.Coordinator.Endpoint != "" {
			cmd.Printf("Fallback endpoint: %s\n", config.Coordinator.Endpoint)
		}

		return nil
	},
}

func init() {
	// Main display command flags
	displayCmd.Flags().StringVarP(&displayConfigPath, "config", "c", "display.yml", "Path to display configuration file")
	displayCmd.Flags().BoolVarP(&displayDebugFlag, "debug", "d", false, "Enable debug logging")

	// Add subcommands
	displayCmd.AddCommand(displayConfigCmd)
	displayConfigCmd.AddCommand(displayConfigGenerateCmd)
	displayConfigCmd.AddCommand(displayConfigValidateCmd)

	// Config subcommand flags
	displayConfigGenerateCmd.Flags().StringVarP(&displayConfigPath, "config", "c", "display.yml", "Path for generated configuration file")
	displayConfigValidateCmd.Flags().StringVarP(&displayConfigPath, "config", "c", "display.yml", "Path to configuration file to validate")
}
