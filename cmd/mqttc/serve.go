package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "github.com/elex-project/mosquitto-examples/migrations"

	"github.com/elex-project/mosquitto-examples/internal/api"
	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/database"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/influxdb"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/logging"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
	"github.com/elex-project/mosquitto-examples/internal/journal"
)

// defaultReportInterval is how often delivery counters go to InfluxDB
// when influxdb.flush_interval is unset.
const defaultReportInterval = 10 * time.Second

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the client service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), resolveConfigPath(*configPath))
		},
	}
}

// runServe is the service lifecycle, separated from cobra for testability.
//
// Shutdown runs in order: API, MQTT session, background workers (journal
// drain, telemetry reporter), InfluxDB, database.
//
// Parameters:
//   - ctx: Cancelled on SIGINT/SIGTERM
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func runServe(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting mqttc",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"broker", cfg.MQTT.BrokerURL(),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Database (optional; required by the sqlite delivery store and the journal)
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database ready", "path", cfg.Database.Path)
	}

	tracker := newTracker(cfg, db)
	log.Info("delivery tracking enabled",
		"store", cfg.MQTT.Delivery.Store,
		"max_attempts", cfg.MQTT.Delivery.MaxAttempts,
	)

	mqttOpts := []mqtt.Option{
		mqtt.WithTracker(tracker),
		mqtt.WithLogger(log.Component("mqtt")),
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.MQTT.Broker.ClientID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		mqttOpts = append(mqttOpts, mqtt.WithObserver(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	mqttClient, err := mqtt.New(cfg.MQTT, mqttOpts...)
	if err != nil {
		return fmt.Errorf("creating MQTT client: %w", err)
	}
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected", "subscriptions", mqttClient.SubscriptionCount())
	})
	mqttClient.SetOnDisconnect(func(err error) {
		if errors.Is(err, mqtt.ErrReconnectExhausted) {
			log.Error("MQTT reconnect gave up", "error", err)
			return
		}
		log.Warn("MQTT connection lost", "error", err)
	})

	// Journal (optional)
	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl = journal.New(db.DB, cfg.Journal.MaxEntries, log.Component("journal"))
		mqttClient.OnMessage(jrnl.Listener())
		log.Info("message journal enabled", "max_entries", cfg.Journal.MaxEntries)
	}

	// API server (optional). Created before Connect so its live feed
	// sees the first messages.
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			MQTT:     mqttClient,
			Tracker:  tracker,
			Journal:  jrnl,
			DB:       db,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	if err := mqttClient.Connect(ctx); err != nil {
		mqttClient.Close() //nolint:errcheck // already failing
		return fmt.Errorf("connecting to MQTT: %w", err)
	}

	// Background workers outlive ctx so they can drain after the MQTT
	// session is closed.
	workersCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()
	g, gctx := errgroup.WithContext(workersCtx)

	if jrnl != nil {
		g.Go(func() error { return jrnl.Run(gctx) })
	}
	if influxClient != nil {
		interval := time.Duration(cfg.InfluxDB.FlushInterval) * time.Second
		if interval <= 0 {
			interval = defaultReportInterval
		}
		g.Go(func() error { return influxClient.ReportDeliveries(gctx, tracker, interval) })
	}

	if apiServer != nil {
		if err := apiServer.Start(gctx); err != nil {
			mqttClient.Close() //nolint:errcheck // already failing
			stopWorkers()
			g.Wait() //nolint:errcheck // already failing
			return fmt.Errorf("starting API server: %w", err)
		}
		log.Info("API server listening", "address", apiServer.Addr())
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case <-gctx.Done():
		log.Error("background worker stopped, shutting down")
	}

	if apiServer != nil {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}

	log.Info("disconnecting from MQTT")
	if closeErr := mqttClient.Close(); closeErr != nil {
		log.Error("error closing MQTT", "error", closeErr)
	}

	stopWorkers()
	workerErr := g.Wait()

	log.Info("mqttc stopped")
	return workerErr
}

// newTracker builds the delivery tracker on the configured store.
func newTracker(cfg *config.Config, db *database.DB) *delivery.Tracker {
	var store delivery.Store = delivery.NewMemoryStore()
	if cfg.MQTT.Delivery.Store == "sqlite" && db != nil {
		store = delivery.NewSQLiteStore(db.DB)
	}
	return delivery.NewTracker(store, delivery.Options{MaxAttempts: cfg.MQTT.Delivery.MaxAttempts})
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if disabled)
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
