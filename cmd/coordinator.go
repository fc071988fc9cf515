package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marquee/internal/coordinator"
	"marquee/internal/logger"
)

var (
	coordinatorConfigPath string
	coordinatorDebugFlag  bool
	credentialTTL         time.Duration
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Start the Marquee coordinator daemon",
	Long: `The coordinator accepts display connections over websocket, tracks each
display's presence, sweeps stale heartbeats, answers discovery probes on
the local network, and exposes a REST API for commands and content pushes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if coordinatorDebugFlag {
			logger.SetLevel("debug")
		}

		log := logger.New()
		log.Info().
			Str("config_path", coordinatorConfigPath).
			Bool("debug", coordinatorDebugFlag).
			Msg("Starting Marquee coordinator")

		// Check if config file exists
		if _, err := os.Stat(coordinatorConfigPath); os.IsNotExist(err) {
			defaultConfig := coordinator.NewDefaultConfig()
			if err := coordinator.SaveConfig(defaultConfig, coordinatorConfigPath); err != nil {
				log.Error().Err(err).Msg("Failed to create default config file")
				return fmt.Errorf("failed to create default config file: %w", err)
			}
			log.Info().
				Str("config_path", coordinatorConfigPath).
				Msg("Created default configuration file. Please edit it with your settings.")
			return nil
		}

		config, err := coordinator.LoadConfig(coordinatorConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if config.Logging.Level != "" && !coordinatorDebugFlag {
			logger.SetLevel(config.Logging.Level)
		}

		coord := coordinator.New(config)
		if err := coord.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start coordinator")
			return fmt.Errorf("failed to start coordinator: %w", err)
		}

		// Block until shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("Shutting down coordinator")
		if err := coord.Stop(); err != nil {
			return fmt.Errorf("coordinator shutdown error: %w", err)
		}

		return nil
	},
}

var coordinatorConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage coordinator configuration",
	Long:  `Generate or validate coordinator configuration files.`,
}

var coordinatorConfigGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Long:  `Generate a default configuration file with example settings.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := coordinatorConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		defaultConfig := coordinator.NewDefaultConfig()
		if err := coordinator.SaveConfig(defaultConfig, configPath); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", configPath)
		cmd.Println("Please edit the file with your listen address and registration secret.")
		return nil
	},
}

var coordinatorConfigValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Long:  `Validate a coordinator configuration file for syntax and required fields.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := coordinatorConfigPath
		if len(args) > 0 {
			configPath = args[0]
		}

		config, err := coordinator.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", configPath)
		cmd.Printf("Listen address: %s\n", config.Server.ListenAddress)
		cmd.Printf("Websocket path: %s\n", config.Server.Path)
		cmd.Printf("Discovery enabled: %t\n", config.Discovery.Enabled)
		cmd.Printf("Heartbeat interval: %s\n", config.HeartbeatInterval())

		return nil
	},
}

var coordinatorCredentialCmd = &cobra.Command{
	Use:   "credential <device-id>",
	Short: "Mint a registration credential for a display",
	Long: `Mint a signed registration credential for a display, using the
registration secret from the coordinator configuration. Paste the output
into the display's configuration file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := coordinator.LoadConfig(coordinatorConfigPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if config.Registration.Secret == "" {
			return fmt.Errorf("registration.secret is not set in %s", coordinatorConfigPath)
		}

		verifier := coordinator.NewJWTVerifier(config.Registration.Secret)
		credential, err := verifier.GenerateCredential(args[0], credentialTTL)
		if err != nil {
			return fmt.Errorf("failed to mint credential: %w", err)
		}

		cmd.Println(credential)
		return nil
	},
}

func init() {
	// Main coordinator command flags
	coordinatorCmd.Flags().StringVarP(&coordinatorConfigPath, "config", "c", "coordinator.yml", "Path to coordinator configuration file")
	coordinatorCmd.Flags().BoolVarP(&coordinatorDebugFlag, "debug", "d", false, "Enable debug logging")

	// Add subcommands
	coordinatorCmd.AddCommand(coordinatorConfigCmd)
	coordinatorCmd.AddCommand(coordinatorCredentialCmd)
	coordinatorConfigCmd.AddCommand(coordinatorConfigGenerateCmd)
	coordinatorConfigCmd.AddCommand(coordinatorConfigValidateCmd)

	// Subcommand flags
	coordinatorConfigGenerateCmd.Flags().StringVarP(&coordinatorConfigPath, "config", "c", "coordinator.yml", "Path for generated configuration file")
	coordinatorConfigValidateCmd.Flags().StringVarP(&coordinatorConfigPath, "config", "c", "coordinator.yml", "Path to configuration file to validate")
	coordinatorCredentialCmd.Flags().StringVarP(&coordinatorConfigPath, "config", "c", "coordinator.yml", "Path to coordinator configuration file")
	coordinatorCredentialCmd.Flags().DurationVar(&credentialTTL, "ttl", 0, "Credential lifetime (0 means no expiry)")
}
