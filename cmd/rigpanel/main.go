// Rig Panel
// Keeps a local view of a remote irrigation rig in sync with its hosted store
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agsys/rigpanel/internal/config"
	"github.com/agsys/rigpanel/internal/rig"
	"github.com/agsys/rigpanel/internal/telemetry"
)

const version = "0.3.0"

var (
	configFile string
	rootCmd    = &cobra.Command{
		Use:   "rigpanel",
		Short: "Irrigation rig panel",
		Long:  "Panel for a remote irrigation rig. Polls soil moisture and the device heartbeat and writes operator commands through a hosted key-value store.",
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the panel service",
		RunE:  runPanel,
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Poll the rig once and print its state",
		RunE:  runStatus,
	}

	setCmd = &cobra.Command{
		Use:   "set <threshold|pump|servo> <value>",
		Short: "Write one command to the rig",
		Long:  "Write one command and wait for the store to acknowledge it, e.g. 'set threshold 30', 'set pump on', 'set servo b'.",
		Args:  cobra.ExactArgs(2),
		RunE:  runSet,
	}

	simCmd = &cobra.Command{
		Use:   "sim",
		Short: "Simulate the rig against the configured store",
		RunE:  runSim,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Rig Panel v%s\n", version)
		},
	}

	simInterval time.Duration
	simOffline  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rigpanel/rigpanel.yaml", "Configuration file path")

	simCmd.Flags().DurationVarP(&simInterval, "interval", "i", 2*time.Second, "Interval between simulated updates")
	simCmd.Flags().BoolVar(&simOffline, "offline", false, "Stop refreshing the heartbeat")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(simCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies logging settings
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := setupLogging(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	if cfg.Debug() {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}
	if cfg.Logging.File == "" {
		return nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func runPanel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	p, err := newPanel(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create panel: %w", err)
	}

	log.Printf("Starting Rig Panel v%s (%s backend)", version, cfg.Store.Backend)
	errCh, err := p.start(ctx)
	if err != nil {
		p.close()
		return fmt.Errorf("failed to start panel: %w", err)
	}

	// Wait for shutdown signal or a fatal server error
	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, shutting down...", sig)
	case err = <-errCh:
		log.Printf("Server error: %v, shutting down...", err)
	}

	p.stop(cancel)
	log.Println("Shutdown complete")
	return err
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout(cfg))
	defer cancel()

	poller, monitor := newPollers(cfg, st)

	snap := rig.Snapshot{}
	for _, r := range poller.Poll(ctx) {
		fmt.Println(r.Notice().Message())
		if r.Outcome == telemetry.Ok {
			snap = snap.WithReading(r.Reading)
		}
	}

	verdict, lerr := monitor.Check(ctx, time.Now)
	if lerr != nil {
		fmt.Printf("Heartbeat unavailable: %v\n", lerr)
	}
	snap = snap.WithLiveness(verdict)

	fmt.Println()
	printSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	c, err := rig.ParseCommand(args[0], args[1])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout(cfg))
	defer cancel()

	disp := newDispatcher(cfg, st, printer{cmd.OutOrStdout()})
	return disp.Apply(ctx, c)
}

// statusTimeout bounds one-shot commands even when the engine runs without
// a call timeout
func statusTimeout(cfg *config.Config) time.Duration {
	if cfg.Engine.CallTimeout > 0 {
		return cfg.Engine.CallTimeout
	}
	return 15 * time.Second
}
