package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tablewire/gateway/internal/events"
	"github.com/tablewire/gateway/internal/gateway"
	"github.com/tablewire/gateway/internal/server/middleware"
	"github.com/tablewire/gateway/pkg/config"
	"github.com/tablewire/gateway/pkg/metrics"
	"github.com/tablewire/gateway/pkg/resilience"
	"github.com/tablewire/gateway/pkg/transport"
)

// App wires the gateway together: handshake endpoints per audience role,
// the bus subscriber, the cleanup loop and the operator endpoints.
type App struct {
	logger      *slog.Logger
	config      *config.Config
	gw          *gateway.Gateway
	broadcaster *gateway.Broadcaster
	cleaner     *gateway.Cleaner
	msgHandler  *gateway.MessageHandler
	subscriber  *events.Subscriber
	collector   *metrics.Collector
	http        *http.Server
	wg          sync.WaitGroup

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	collector := metrics.NewCollector()
	locks := gateway.NewLockManager(cfg.Gateway.LockHighWater, cfg.Gateway.LockLowWater, cfg.Gateway.DebugLockOrder, logger)
	index := gateway.NewConnectionIndex()
	heartbeats := gateway.NewHeartbeatTracker()
	limiter := gateway.NewRateLimiter(cfg.RateLimit.MessagesPerSecond)

	gw := gateway.New(cfg.Gateway, locks, index, heartbeats, limiter, collector, logger)
	broadcaster := gateway.NewBroadcaster(cfg.Broadcaster, locks, index, gw, collector, logger)
	cleaner := gateway.NewCleaner(gw, cfg.Heartbeat, logger)
	assigner := gateway.NewHTTPAssigner(cfg.Gateway.AssignerURL)
	msgHandler := gateway.NewMessageHandler(gw, assigner, cfg.RateLimit.MaxViolations, logger)

	breaker := resilience.NewBreaker(resilience.BreakerSettings{
		Name:             "event-bus",
		FailureThreshold: cfg.Bus.FailureThreshold,
		RecoveryTimeout:  cfg.Bus.RecoveryTimeout,
		HalfOpenTrials:   cfg.Bus.HalfOpenTrials,
		OnStateChange: func(name string, from, to resilience.BreakerState) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			collector.SetGauge(metrics.BreakerState, int64(to))
		},
	})
	retry := resilience.NewRetryPolicy(cfg.Bus.RetryBase, cfg.Bus.RetryMax)
	router := events.NewRouter(broadcaster, collector, logger)
	subscriber := events.NewSubscriber(cfg.Bus, breaker, retry, router, collector, logger)

	app := &App{
		logger:      logger,
		config:      cfg,
		gw:          gw,
		broadcaster: broadcaster,
		cleaner:     cleaner,
		msgHandler:  msgHandler,
		subscriber:  subscriber,
		collector:   collector,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()
	for _, ep := range []struct {
		path string
		role gateway.Role
	}{
		{"/ws/waiter", gateway.RoleWaiter},
		{"/ws/kitchen", gateway.RoleKitchen},
		{"/ws/admin", gateway.RoleAdmin},
		{"/ws/diner", gateway.RoleDiner},
	} {
		mux.Handle(ep.path, middleware.Chain(
			app.upgradeHandler(ep.role),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewOriginCheck(logger, cfg.Server.AllowedOrigins),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret, ep.role.String()),
		))
	}
	mux.HandleFunc("/metrics", app.metricsHandler)
	mux.HandleFunc("/healthz", app.healthHandler)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	a.broadcaster.Start(context.Background())
	go a.cleaner.Run(a.ctx)
	go a.subscriber.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler accepts the WebSocket, builds the role-tagged connection
// from the authenticated claims and registers it with the gateway. The
// handler blocks until the connection terminates, keeping the request
// context alive for the pumps.
func (a *App) upgradeHandler(role gateway.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
		connLogger := a.logger.With(
			slog.String("remoteAddr", reqMeta.IP),
			slog.String("userID", reqMeta.UserID),
			slog.String("role", role.String()),
		)

		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin is checked by middleware
		})
		if err != nil {
			connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
			return
		}

		conn := transport.NewConnection(
			r.Context(),
			&a.wg,
			wsConn,
			transport.Config{
				ReadTimeout:    a.config.Transport.ReadTimeout,
				WriteTimeout:   a.config.Transport.WriteTimeout,
				MaxMessageSize: a.config.Transport.MaxMessageSize,
				SendBuffer:     a.config.Transport.SendBuffer,
			},
			a.logger,
		)

		gconn := &gateway.Connection{
			Transport: conn,
			UserID:    reqMeta.UserID,
			TenantID:  reqMeta.TenantID,
			Branches:  reqMeta.Branches,
			Role:      role,
		}
		if role.SectorScoped() {
			gconn.Sectors = reqMeta.Sectors
		}
		if role.SessionScoped() {
			gconn.SessionID = reqMeta.Session
		}

		conn.SetOnMessageHandler(a.msgHandler.Handle)
		conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
			a.gw.DisconnectID(id)
		})

		if err := a.gw.Connect(r.Context(), gconn); err != nil {
			connLogger.Warn("connection rejected", slog.Any("error", err))
			code, reason := rejectionClose(err)
			conn.CloseWithCode(code, reason, err)
			return
		}

		conn.Run()
		<-conn.Done()
	}
}

// rejectionClose maps admission errors onto the protocol close codes.
func rejectionClose(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, gateway.ErrShuttingDown):
		return transport.CloseGoingAway, "gateway shutting down"
	case errors.Is(err, gateway.ErrCapacity):
		return transport.CloseOverloaded, "gateway at capacity"
	case errors.Is(err, gateway.ErrUserLimit):
		return transport.CloseOverloaded, "too many connections for user"
	case errors.Is(err, gateway.ErrNoBranches):
		return transport.ClosePolicyViolation, "no branch ids"
	default:
		return transport.ClosePolicyViolation, "rejected"
	}
}

// Shutdown runs the graceful teardown sequence: stop admitting, stop the
// HTTP listener, close every live connection, then drain the broadcaster.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	a.gw.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownGrace)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP shutdown failed", slog.Any("error", err))
	}

	a.logger.Info("Closing all active connections...")
	for _, conn := range a.gw.Index().SnapshotAll("") {
		conn.Transport.CloseWithCode(transport.CloseGoingAway, "server shutting down", nil)
	}

	a.broadcaster.Stop()

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
