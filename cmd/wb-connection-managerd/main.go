package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wirenboard/wb-connection-manager/pkg"
	"github.com/wirenboard/wb-connection-manager/pkg/config"
	"github.com/wirenboard/wb-connection-manager/pkg/connmgr"
	"github.com/wirenboard/wb-connection-manager/pkg/logx"
	"github.com/wirenboard/wb-connection-manager/pkg/metrics"
	"github.com/wirenboard/wb-connection-manager/pkg/modemmgr"
	"github.com/wirenboard/wb-connection-manager/pkg/mqtt"
	"github.com/wirenboard/wb-connection-manager/pkg/netmgr"
	"github.com/wirenboard/wb-connection-manager/pkg/pidfile"
	"github.com/wirenboard/wb-connection-manager/pkg/probe"
	"github.com/wirenboard/wb-connection-manager/pkg/telem"
)

const (
	AppName    = "wb-connection-managerd"
	AppVersion = "2.0.0"

	// Exit code when the daemon has nothing to manage.
	exitNotConfigured = 6
)

var (
	configPath = flag.String("config", config.DefaultPath, "Path to configuration file")
	pidPath    = flag.String("pid-file", "/run/wb-connection-manager.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	force      = flag.Bool("force", false, "Force start by removing a stale PID file")
	once       = flag.Bool("once", false, "Run a single probe cycle and exit")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	logger := logx.NewLogger("info", AppName)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err, "path", *configPath)
		if errors.Is(err, pkg.ErrNotConfigured) {
			os.Exit(exitNotConfigured)
		}
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel()
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger.SetLevel(effectiveLogLevel)

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("Failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			logger.Error("Another instance is already running", "existing_pid", existingPID, "pid_file", *pidPath)
			os.Exit(1)
		}
		logger.Warn("Another instance is running, but force flag specified", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("Failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	logger.Info("Starting connection manager", "version", AppVersion, "pid", os.Getpid(),
		"connections", cfg.Connections)

	table, err := connmgr.NewPriorityTable(cfg.Connections)
	if err != nil {
		logger.Error("Invalid priority table", "error", err)
		os.Exit(exitNotConfigured)
	}

	nm, err := netmgr.NewClient(
		time.Duration(cfg.ActivationTimeoutS)*time.Second,
		time.Duration(cfg.DeactivationTimeoutS)*time.Second,
		logx.NewLogger(effectiveLogLevel, "netmgr"))
	if err != nil {
		logger.Error("Failed to connect to network service", "error", err)
		os.Exit(1)
	}
	defer nm.Close()

	mm, err := modemmgr.NewClient(cfg.ModemDevice, logx.NewLogger(effectiveLogLevel, "modemmgr"))
	if err != nil {
		logger.Error("Failed to connect to modem service", "error", err)
		os.Exit(1)
	}
	defer mm.Close()

	store, err := telem.NewStore(cfg.RetentionHours)
	if err != nil {
		logger.Error("Failed to initialize telemetry store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.Journal.Enabled {
		journal, err := telem.OpenJournal(cfg.Journal.Path, logger)
		if err != nil {
			// Journaling is optional; run without it.
			logger.Warn("Failed to open event journal", "error", err, "path", cfg.Journal.Path)
		} else {
			store.SetJournal(journal)
			logger.Info("Event journal enabled", "path", cfg.Journal.Path)
		}
	}

	slots := connmgr.NewSlotCoordinator(mm,
		time.Duration(cfg.SlotSwitchTimeoutS)*time.Second,
		logx.NewLogger(effectiveLogLevel, "slots"))
	activator := connmgr.NewActivator(nm, slots, table, logx.NewLogger(effectiveLogLevel, "activator"))
	prober := probe.NewHTTPProber(cfg.ConnectivityURL, cfg.ConnectivityPayload,
		time.Duration(cfg.ConnectivityTimeoutS)*time.Second,
		logx.NewLogger(effectiveLogLevel, "probe"))

	controller := connmgr.NewController(table, activator, prober, nm, store, connmgr.Options{
		CheckPeriod:     time.Duration(cfg.CheckPeriodS) * time.Second,
		PromotionPeriod: time.Duration(cfg.PromotionPeriodS) * time.Second,
		ActivationRetry: time.Duration(cfg.ActivationRetryS) * time.Second,
	}, logx.NewLogger(effectiveLogLevel, "controller"))

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(logx.NewLogger(effectiveLogLevel, "metrics"))
		if err := metricsServer.Start(cfg.Metrics.Port); err != nil {
			logger.Error("Failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer metricsServer.Stop()
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqtt.NewClient(&cfg.MQTT, logx.NewLogger(effectiveLogLevel, "mqtt"))
		if err := mqttClient.Connect(); err != nil {
			// MQTT is optional; keep managing connections without it.
			logger.Warn("Failed to connect to MQTT broker", "error", err)
			mqttClient = nil
		} else {
			defer mqttClient.Disconnect()
		}
	}

	wireObservers(store, controller, table, mqttClient, metricsServer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *once {
		controller.ProbeCycle(ctx)
		state := controller.Status()
		logger.Info("Single probe cycle completed", "active", state.ActiveID, "verdict", state.LastVerdict.String())
		return
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		controller.Run(ctx)
		close(done)
	}()
	go runHousekeeping(ctx, cfg, store, controller, mqttClient, logger)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	// The controller finishes its current candidate before stopping.
	select {
	case <-done:
		logger.Info("Graceful shutdown completed")
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout exceeded")
	}
}

// wireObservers fans telemetry out to MQTT and Prometheus through the
// store callbacks, keeping the control loop free of observability
// concerns.
func wireObservers(store *telem.Store, controller *connmgr.Controller, table *connmgr.PriorityTable,
	mqttClient *mqtt.Client, metricsServer *metrics.Server, logger *logx.Logger,
) {
	store.SetEventCallback(func(event *pkg.Event) {
		if metricsServer != nil {
			metricsServer.ObserveEvent(event)
			rank := -1
			if state := controller.Status(); state.ActiveID != "" {
				if r, ok := table.Rank(state.ActiveID); ok {
					rank = r
				}
			}
			metricsServer.SetActiveRank(rank)
		}
		if mqttClient != nil {
			if err := mqttClient.PublishEvent(event); err != nil {
				logger.Debug("Failed to publish event", "error", err)
			}
			if err := mqttClient.PublishActive(controller.Status().ActiveID); err != nil {
				logger.Debug("Failed to publish active connection", "error", err)
			}
		}
	})
	if metricsServer != nil {
		store.SetSampleCallback(metricsServer.ObserveSample)
	}
}

// runHousekeeping drives the periodic telemetry cleanup and the MQTT
// status document.
func runHousekeeping(ctx context.Context, cfg *config.Config, store *telem.Store,
	controller *connmgr.Controller, mqttClient *mqtt.Client, logger *logx.Logger,
) {
	statusTicker := time.NewTicker(30 * time.Second)
	cleanupTicker := time.NewTicker(time.Hour)
	defer statusTicker.Stop()
	defer cleanupTicker.Stop()

	startTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return

		case <-statusTicker.C:
			if mqttClient == nil {
				continue
			}
			state := controller.Status()
			status := map[string]interface{}{
				"timestamp":         time.Now().Unix(),
				"uptime_s":          int64(time.Since(startTime).Seconds()),
				"version":           AppVersion,
				"active_connection": state.ActiveID,
				"last_verdict":      state.LastVerdict.String(),
				"connections":       cfg.Connections,
			}
			if err := mqttClient.PublishStatus(status); err != nil {
				logger.Debug("Failed to publish status", "error", err)
			}

		case <-cleanupTicker.C:
			store.Cleanup()
			logger.Debug("Telemetry cleanup completed")
		}
	}
}
