// APNS-Bridge CLI
//
// A client engine for the legacy Apple Push Notification Service
// binary protocol: queued delivery over persistent TLS connections,
// asynchronous error replay and feedback-service polling.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commatea/APNS-Bridge/pkg/api/rest"
	"github.com/commatea/APNS-Bridge/pkg/apns"
	"github.com/commatea/APNS-Bridge/pkg/config"
	"github.com/commatea/APNS-Bridge/pkg/core"
	"github.com/commatea/APNS-Bridge/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	version   = "1.0.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apnsbridge",
		Short: "APNS-Bridge - Push Notification Delivery Engine",
		Long: `APNS-Bridge drives the legacy APNs binary protocol: it queues
notifications, multiplexes them over persistent TLS connections,
replays after asynchronous gateway errors and polls the feedback
service for stale device tokens.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")

	// Add commands
	rootCmd.AddCommand(
		newStartCmd(),
		newSendCmd(),
		newFeedbackCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the config file and applies global flag overrides.
func loadConfig() (*core.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}

	return cfg, nil
}

// newStartCmd creates the start command.
func newStartCmd() *cobra.Command {
	var drainTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the delivery engine",
		Long:  "Start the delivery engine and keep it running until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(drainTimeout)
		},
	}

	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long shutdown waits for queued notifications")
	return cmd
}

// runStart starts the engine.
func runStart(drainTimeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	manager, err := core.New(cfg, core.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println("Starting APNS-Bridge...")
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Start API Server if enabled
	var apiServer *rest.Server
	if cfg.API.Enabled {
		apiServer = rest.NewServer(manager, rest.ServerConfig{Port: cfg.API.Port}, log)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	fmt.Println("APNS-Bridge is running. Press Ctrl+C to stop.")

	// Wait for signal
	<-sigCh
	fmt.Println("\nShutting down...")

	if apiServer != nil {
		if err := apiServer.Stop(context.Background()); err != nil {
			fmt.Printf("Error stopping API server: %v\n", err)
		}
	}

	unsent, err := manager.Stop(drainTimeout)
	if len(unsent) > 0 {
		fmt.Printf("Abandoned %d unsent notifications.\n", len(unsent))
	}
	if err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}

	fmt.Println("APNS-Bridge stopped.")
	return nil
}

// newSendCmd creates the send command.
func newSendCmd() *cobra.Command {
	var (
		alert    string
		badge    int
		sound    string
		priority uint8
		ttl      time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <token> [token...]",
		Short: "Send a notification and wait for it to be written",
		Long: `Send one notification to the given hex device tokens, flush the
queue and exit. Intended for smoke tests; use the engine API or the
REST endpoint for production traffic.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args, alert, badge, sound, apns.Priority(priority), ttl, timeout)
		},
	}

	cmd.Flags().StringVar(&alert, "alert", "", "alert text")
	cmd.Flags().IntVar(&badge, "badge", 0, "badge count")
	cmd.Flags().StringVar(&sound, "sound", "", "sound name")
	cmd.Flags().Uint8Var(&priority, "priority", uint8(apns.PriorityImmediate), "delivery priority (10 immediate, 5 conserve)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "how long the gateway may retain the notification for offline devices")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall send deadline")
	return cmd
}

// runSend queues one message and drains the queue.
func runSend(tokens []string, alert string, badge int, sound string, priority apns.Priority, ttl, timeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	manager, err := core.New(cfg, core.WithLogger(log),
		core.WithErrorHandler(func(e *apns.Error) {
			fmt.Fprintf(os.Stderr, "delivery failed: %v\n", e)
		}))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var expiration time.Time
	if ttl > 0 {
		expiration = time.Now().Add(ttl)
	}

	msg, err := manager.SendAps(tokens, apns.Aps{
		Alert: alert,
		Badge: badge,
		Sound: sound,
	}, nil, expiration, priority)
	if err != nil {
		return err
	}
	fmt.Printf("Queued message %s for %d device(s).\n", msg.ID, len(tokens))

	unsent, err := manager.Stop(timeout)
	if len(unsent) > 0 {
		return fmt.Errorf("%d notification(s) were not written before the deadline", len(unsent))
	}
	if err != nil {
		return err
	}

	fmt.Println("All notifications written to the gateway.")
	return nil
}

// newFeedbackCmd creates the feedback command.
func newFeedbackCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Drain the feedback service and print stale device tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeedback(timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "read deadline for the feedback stream")
	return cmd
}

// runFeedback reads the feedback feed once.
func runFeedback(timeout time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Logging)
	logger.SetGlobal(log)

	manager, err := core.New(cfg, core.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	count := 0
	err = manager.Feedback(ctx, func(fb apns.Feedback) {
		count++
		if jsonOutput {
			json.NewEncoder(os.Stdout).Encode(fb)
		} else {
			fmt.Printf("%s  %s\n", fb.When.Format(time.RFC3339), fb.Token)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to read feedback: %w", err)
	}

	if count == 0 {
		fmt.Fprintln(os.Stderr, "Feedback feed is empty.")
	}
	return nil
}

// newVersionCmd creates the version command.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("APNS-Bridge %s\n", version)
			fmt.Printf("  Commit:  %s\n", gitCommit)
			fmt.Printf("  Built:   %s\n", buildTime)
			fmt.Println()
			fmt.Println("A delivery engine for the legacy APNs binary protocol.")
			fmt.Println("https://github.com/commatea/APNS-Bridge")
		},
	}
}
