package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/elex-project/mosquitto-examples/internal/delivery"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/config"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/database"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/logging"
	"github.com/elex-project/mosquitto-examples/internal/infrastructure/mqtt"
	"github.com/elex-project/mosquitto-examples/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// MQTTClient is the part of *mqtt.Client the API drives.
type MQTTClient interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(filter string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(filter string) error
	Subscriptions() []mqtt.Subscription
	HasSubscription(filter string) bool
	Stats() mqtt.Stats
	State() mqtt.State
	IsConnected() bool
	OnMessage(fn func(mqtt.Message))
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	MQTT     MQTTClient

	// Optional.
	Tracker *delivery.Tracker
	Journal *journal.Journal
	DB      *database.DB

	Version string
}

// Server is the HTTP API server.
//
// It manages the HTTP listener, routes, middleware and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	mqtt      MQTTClient
	tracker   *delivery.Tracker
	journal   *journal.Journal
	db        *database.DB
	version   string
	startTime time.Time

	hub     *Hub
	tickets *ticketStore

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The hub is created here and fed from the MQTT client's message tap, so
// WebSocket clients see every message sent or received.
//
// Parameters:
//   - deps: Required dependencies (config, logger, MQTT client)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.MQTT == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if deps.Security.JWT.Secret == "" {
		return nil, fmt.Errorf("security.jwt.secret is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		mqtt:      deps.MQTT,
		tracker:   deps.Tracker,
		journal:   deps.Journal,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.WS, deps.Logger),
		tickets:   newTicketStore(),
	}
	s.mqtt.OnMessage(s.hub.Publish)

	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port conflict is
// reported here. Serving happens in a background goroutine until Close.
//
// Parameters:
//   - ctx: Parent of the hub and ticket cleanup goroutines
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.tickets.cleanLoop(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	// Stops the hub, which closes every WebSocket.
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

// HealthCheck verifies the API server is running.
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
