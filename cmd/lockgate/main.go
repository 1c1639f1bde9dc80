// Lockgate - Omni smart-lock gateway
//
// Lockgate accepts long-lived TCP connections from Omni locks, keeps their
// state in SQLite, fans lock events out to MQTT, WebSocket observers and
// InfluxDB, and exposes an authenticated HTTP API for issuing commands.
//
// Usage:
//
//	lockgate                              run the gateway
//	lockgate token -subject ops -role admin   print an API access token
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/lockgate/internal/api"
	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/credential"
	"github.com/nerrad567/lockgate/internal/device"
	"github.com/nerrad567/lockgate/internal/firmware"
	"github.com/nerrad567/lockgate/internal/infrastructure/config"
	"github.com/nerrad567/lockgate/internal/infrastructure/database"
	"github.com/nerrad567/lockgate/internal/infrastructure/influxdb"
	"github.com/nerrad567/lockgate/internal/infrastructure/logging"
	"github.com/nerrad567/lockgate/internal/infrastructure/mqtt"
	"github.com/nerrad567/lockgate/internal/relay"
	"github.com/nerrad567/lockgate/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often expired history and audit rows are removed.
const pruneInterval = time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until ctx is cancelled, then shuts down
// in reverse order of startup.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // linear startup sequence
	log := logging.Default()
	log.Info("starting lockgate",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Database
	db, err := database.Open(ctx, database.Config{
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
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Persisted lock state
	history := device.NewSQLiteStateHistoryRepository(db.DB)
	locks := device.NewRegistry(device.NewSQLiteRepository(db.DB), history)
	locks.SetLogger(log.Component("locks"))
	if refreshErr := locks.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading lock registry: %w", refreshErr)
	}
	// No session survives a restart.
	if offlineErr := locks.MarkAllOffline(ctx); offlineErr != nil {
		return fmt.Errorf("resetting lock presence: %w", offlineErr)
	}
	log.Info("lock registry initialised", "locks", locks.GetStats().Total)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo)
	recorder.SetLogger(log.Component("audit"))

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			stats := influxClient.Stats()
			log.Info("closing InfluxDB connection", "points_queued", stats.Queued, "write_failures", stats.Failed)
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	// The hub exists before the API so the notifier can deliver to it.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))
	go hub.Run(ctx)

	notifier := omni.NewNotifier(omni.NotifierOptions{
		StateSinks: stateSinks(locks, hub, mqttClient, influxClient, byte(cfg.MQTT.QoS)),
		EventSinks: eventSinks(recorder, hub, mqttClient, byte(cfg.MQTT.QoS)),
		QueueSize:  cfg.Gateway.NotifyQueueSize,
		Workers:    cfg.Gateway.NotifyWorkers,
		Logger:     log.Component("notifier"),
	})
	defer notifier.Close()

	// Credentials (optional: without a hash key every card is denied)
	var creds *credential.Store
	var credStore omni.CredentialStore
	if cfg.RFID.HashKey != "" {
		creds, err = openCredentials(ctx, db, cfg.RFID, log)
		if err != nil {
			return err
		}
		credStore = creds
	} else {
		log.Warn("rfid.hash_key not set, RFID unlock requests will be denied")
	}

	fw := firmware.NewDirStore(cfg.Firmware.Directory, cfg.Firmware.ChunkSize)

	// Lock-facing gateway
	sessions := omni.NewRegistry()
	correlator := omni.NewCorrelator(omni.CorrelatorOptions{
		Timeout: cfg.Gateway.CommandTimeout,
		Logger:  log.Component("correlator"),
	})
	gateway := omni.NewGateway(sessions, correlator)
	gateway.SetLogger(log.Component("gateway"))

	dispatcher, err := omni.NewDispatcher(omni.DispatcherOptions{
		Gateway:       gateway,
		Correlator:    correlator,
		Notifications: notifier,
		Credentials:   credStore,
		Firmware:      fw,
		Logger:        log.Component("dispatcher"),
	})
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}

	lockServer, err := omni.NewServer(omni.ServerOptions{
		Registry:      sessions,
		Handler:       dispatcher,
		Notifications: notifier,
		IdleTimeout:   cfg.Gateway.IdleTimeout,
		WriteTimeout:  cfg.Gateway.WriteTimeout,
		MaxSessions:   cfg.Gateway.MaxSessions,
		Logger:        log.Component("omni"),
	})
	if err != nil {
		return fmt.Errorf("creating lock server: %w", err)
	}
	if err := lockServer.Start(ctx, cfg.GatewayAddress()); err != nil {
		return fmt.Errorf("starting lock server: %w", err)
	}
	defer func() {
		log.Info("stopping lock server")
		if closeErr := lockServer.Close(); closeErr != nil {
			log.Error("error stopping lock server", "error", closeErr)
		}
	}()
	log.Info("lock server listening", "address", cfg.GatewayAddress())

	controller := omni.NewController(gateway, fw)

	// MQTT command ingress
	if mqttClient != nil {
		commandRelay, relayErr := relay.NewCommandRelay(relay.CommandRelayOptions{
			Client:   mqttClient,
			Executor: controller,
			Auditor:  recorder,
			QoS:      byte(cfg.MQTT.QoS),
			Logger:   log.Component("relay"),
		})
		if relayErr != nil {
			return fmt.Errorf("creating command relay: %w", relayErr)
		}
		if startErr := commandRelay.Start(ctx); startErr != nil {
			return fmt.Errorf("starting command relay: %w", startErr)
		}
		defer commandRelay.Stop()
	}

	// HTTP API
	deps := api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log.Component("api"),
		Registry:    locks,
		Controller:  controller,
		Sessions:    lockServer,
		Credentials: creds,
		AuditRepo:   auditRepo,
		Auditor:     recorder,
		Firmware:    fw,
		DB:          db.DB,
		ExternalHub: hub,
		Version:     version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	apiServer, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if cfg.Database.Retention > 0 {
		go pruneLoop(ctx, cfg.Database.Retention, history, auditRepo, log.Component("retention"))
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API, command relay, lock server, notifier, InfluxDB, MQTT, database.

	log.Info("lockgate stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses LOCKGATE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LOCKGATE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// stateSinks lists the state-sync targets. The registry is always first so
// the persisted state leads every observer.
func stateSinks(locks *device.Registry, hub *api.Hub, mqttClient *mqtt.Client, influxClient *influxdb.Client, qos byte) []omni.NamedStateSink {
	sinks := []omni.NamedStateSink{
		{Name: "registry", Sink: locks},
		{Name: "websocket", Sink: hub},
	}
	if mqttClient != nil {
		sinks = append(sinks, omni.NamedStateSink{Name: "mqtt", Sink: relay.NewStatePublisher(mqttClient, qos)})
	}
	if influxClient != nil {
		sinks = append(sinks, omni.NamedStateSink{Name: "influxdb", Sink: relay.NewTelemetrySink(influxClient)})
	}
	return sinks
}

// eventSinks lists the event fan-out targets.
func eventSinks(recorder *audit.Recorder, hub *api.Hub, mqttClient *mqtt.Client, qos byte) []omni.NamedEventSink {
	sinks := []omni.NamedEventSink{
		{Name: "audit", Sink: recorder},
		{Name: "websocket", Sink: hub},
	}
	if mqttClient != nil {
		sinks = append(sinks, omni.NamedEventSink{Name: "mqtt", Sink: relay.NewEventPublisher(mqttClient, qos)})
	}
	return sinks
}

// openCredentials loads the credential cache and seeds configured cards.
func openCredentials(ctx context.Context, db *database.DB, cfg config.RFIDConfig, log *logging.Logger) (*credential.Store, error) {
	hasher, err := credential.NewHasher(cfg.HashKey)
	if err != nil {
		return nil, fmt.Errorf("creating card hasher: %w", err)
	}
	store := credential.NewStore(credential.NewSQLiteRepository(db.DB), hasher)
	store.SetLogger(log.Component("credentials"))

	if err := store.Load(ctx); err != nil {
		return nil, err
	}
	added, err := store.Seed(ctx, cfg.Cards)
	if err != nil {
		return nil, fmt.Errorf("seeding credentials: %w", err)
	}
	log.Info("credential store initialised", "credentials", len(store.List()), "seeded", added)
	return store, nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// historyPruner and auditPruner are satisfied by the SQLite repositories.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

type auditPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneLoop removes state history and audit rows older than retention,
// once at startup and then every pruneInterval.
func pruneLoop(ctx context.Context, retention time.Duration, history historyPruner, audits auditPruner, log *logging.Logger) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		pruneOnce(ctx, retention, history, audits, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pruneOnce(ctx context.Context, retention time.Duration, history historyPruner, audits auditPruner, log *logging.Logger) {
	if n, err := history.PruneHistory(ctx, retention); err != nil {
		log.Warn("pruning state history failed", "error", err)
	} else if n > 0 {
		log.Info("pruned state history", "rows", n)
	}
	if n, err := audits.Prune(ctx, retention); err != nil {
		log.Warn("pruning audit logs failed", "error", err)
	} else if n > 0 {
		log.Info("pruned audit logs", "rows", n)
	}
}
