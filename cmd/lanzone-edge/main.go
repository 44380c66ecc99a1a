package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/consus-energy/lanzone-edge/pkg/backend"
	"github.com/consus-energy/lanzone-edge/pkg/bus"
	"github.com/consus-energy/lanzone-edge/pkg/config"
	"github.com/consus-energy/lanzone-edge/pkg/log"
	"github.com/consus-energy/lanzone-edge/pkg/metrics"
	"github.com/consus-energy/lanzone-edge/pkg/state"
	"github.com/consus-energy/lanzone-edge/pkg/storage"
	"github.com/consus-energy/lanzone-edge/pkg/supervisor"
	"github.com/consus-energy/lanzone-edge/pkg/types"
	"github.com/consus-energy/lanzone-edge/pkg/writeguard"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lanzone-edge",
	Short: "LAN-zone edge agent for grid-connected battery units",
	Long: `lanzone-edge supervises the battery and inverter units of one LAN zone.

It holds the zone's state pushed from the backend over MQTT, runs a control
loop per unit over Modbus-TCP, monitors device health, and reports telemetry
and alerts back to the cloud.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lanzone-edge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the edge agent",
	Long: `Run the edge agent: restore persisted tasks, pull the zone state from
the backend, connect to the message broker, and supervise the configured
units until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		registerMapPath, _ := cmd.Flags().GetString("register-map")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		tzName, _ := cmd.Flags().GetString("timezone")
		return run(configPath, registerMapPath, dataDir, metricsAddr, tzName)
	},
}

func init() {
	runCmd.Flags().String("config", config.DefaultConfigPath, "YAML fallback for the bootstrap config")
	runCmd.Flags().String("register-map", config.DefaultRegisterMapPath, "Device register map JSON")
	runCmd.Flags().String("data-dir", "./edge-data", "Directory for persisted task state")
	runCmd.Flags().String("metrics-addr", "", "Prometheus listen address (empty disables)")
	runCmd.Flags().String("timezone", "Europe/London", "Timezone charge windows are evaluated in")
}

func run(configPath, registerMapPath, dataDir, metricsAddr, tzName string) error {
	log.Init(log.Config{
		Level:      log.Level(os.Getenv("LOG_LEVEL")),
		JSONOutput: os.Getenv("LOG_TO_STDOUT") != "true",
	})
	logger := log.WithComponent("main")

	comms, err := config.Load(configPath)
	if err != nil {
		return err
	}
	regmap, err := config.LoadRegisterMap(registerMapPath)
	if err != nil {
		return err
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tzName, err)
	}

	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	taskStore, err := storage.OpenTaskStore(filepath.Join(dataDir, "tasks.db"))
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer taskStore.Close()

	store := state.NewStore(state.StoreConfig{TZ: tz, Snapshot: taskStore})
	store.UpdateComms(comms)
	store.SetRegisterMap(regmap)
	store.RestoreTasks()

	client := backend.NewClient(store)
	seedFromBackend(client, store, logger)

	settings := store.Settings()
	sink := backend.NewSink(client, time.Duration(settings.PostingIntervalSeconds)*time.Second)
	sup := supervisor.New(store, sink, client, writeguard.New())

	if settings.EdgeStatus == types.EdgeStatusActive {
		sink.Start()
		sup.StartAll()
	} else {
		logger.Info().Str("edge_status", string(settings.EdgeStatus)).Msg("zone not active, waiting for settings push")
	}

	listener := bus.NewListener(store.Comms(), sup)
	if err := listener.Start(); err != nil {
		sup.StopAll()
		sink.Stop()
		return err
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	logger.Info().Str("group_id", comms.GroupID).Msg("edge agent running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	listener.Stop()
	sup.StopAll()
	sink.Stop()
	return nil
}

// seedFromBackend pulls the zone's dynamic state from the cloud. Failure is
// not fatal: the agent starts from the persisted tasks and waits for pushes.
func seedFromBackend(client *backend.Client, store *state.Store, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	payload, err := client.InitState(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("init state unavailable, starting from persisted state")
		return
	}
	payload.Seed(store)
	logger.Info().Int("batteries", len(payload.Batteries)).Int("tasks", len(payload.Tasks)).Msg("state seeded from backend")
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logger.Info().Str("addr", addr).Msg("metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics listener failed")
	}
}
