package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/lockgate/internal/audit"
	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/credential"
	"github.com/nerrad567/lockgate/internal/device"
	"github.com/nerrad567/lockgate/internal/infrastructure/config"
	"github.com/nerrad567/lockgate/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// LockController executes caller commands against locks.
// Satisfied by *omni.Controller.
type LockController interface {
	Execute(ctx context.Context, deviceID string, kind omni.Kind, fields ...string) (omni.Result, error)
	OfferUpgrade(ctx context.Context, deviceID, deviceType string) (omni.FirmwareImage, error)
}

// SessionSource reports live lock connections. Satisfied by *omni.Server.
type SessionSource interface {
	Sessions() []omni.SessionInfo
	Stats() omni.ServerStats
	IsListening() bool
}

// CommandAuditor records caller actions. Satisfied by *audit.Recorder.
type CommandAuditor interface {
	RecordCommand(ctx context.Context, source, userID, deviceID, command, outcome string)
	RecordCredentialChange(ctx context.Context, action, userID, credentialID, label string)
}

// FirmwareCatalog lists stored upgrade images. Satisfied by *firmware.Store.
type FirmwareCatalog interface {
	Available() ([]string, error)
	Image(ctx context.Context, deviceType string) (omni.FirmwareImage, error)
}

// BrokerStatus reports MQTT connectivity. Satisfied by *mqtt.Client.
type BrokerStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	Controller LockController
	Sessions   SessionSource

	// Optional dependencies. Endpoints backed by a missing dependency
	// answer 503.
	Credentials *credential.Store
	AuditRepo   audit.Repository
	Auditor     CommandAuditor
	Firmware    FirmwareCatalog
	MQTT        BrokerStatus
	DB          *sql.DB

	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for Lockgate.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	registry    *device.Registry
	controller  LockController
	sessions    SessionSource
	credentials *credential.Store
	auditRepo   audit.Repository
	auditor     CommandAuditor
	firmware    FirmwareCatalog
	mqtt        BrokerStatus
	db          *sql.DB
	version     string
	startTime   time.Time
	now         func() time.Time
	tickets     *ticketStore
	server      *http.Server
	hub         *Hub
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, controller, sessions)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("lock registry is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("lock controller is required")
	}
	if deps.Sessions == nil {
		return nil, fmt.Errorf("session source is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		registry:    deps.Registry,
		controller:  deps.Controller,
		sessions:    deps.Sessions,
		credentials: deps.Credentials,
		auditRepo:   deps.AuditRepo,
		auditor:     deps.Auditor,
		firmware:    deps.Firmware,
		mqtt:        deps.MQTT,
		db:          deps.DB,
		version:     deps.Version,
		startTime:   time.Now(),
		now:         time.Now,
		tickets:     newTicketStore(),
	}

	// The notifier needs the hub as an event sink before the API starts.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub when it owns one, and
// launches the HTTP listener in a background goroutine. The server can be
// stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	// Start periodic ticket cleanup to prevent memory leaks
	go s.cleanTicketsLoop(srvCtx)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}
