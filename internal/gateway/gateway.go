// Package gateway wires the router together: the HTTP server, the
// websocket accept path, the registry client, and the dispatcher. One
// Gateway instance is constructed at start and owns every shared
// component.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hydra-mesh/hydra-router/internal/admin"
	"github.com/hydra-mesh/hydra-router/internal/clients"
	"github.com/hydra-mesh/hydra-router/internal/config"
	"github.com/hydra-mesh/hydra-router/internal/dispatch"
	"github.com/hydra-mesh/hydra-router/internal/forwarder"
	"github.com/hydra-mesh/hydra-router/internal/logging"
	"github.com/hydra-mesh/hydra-router/internal/queue"
	"github.com/hydra-mesh/hydra-router/internal/registry"
	"github.com/hydra-mesh/hydra-router/internal/router"
	"github.com/hydra-mesh/hydra-router/internal/stats"
	"github.com/hydra-mesh/hydra-router/internal/umf"
)

// Gateway is the process-wide instance tying the components together.
type Gateway struct {
	cfg     *config.Config
	version string

	rdb  *redis.Client
	qrdb *redis.Client

	reg        *registry.RedisClient
	table      *router.Table
	clients    *clients.Registry
	queue      *queue.Queue
	stats      *stats.Collector
	issues     *logging.IssueLog
	fwd        *forwarder.Forwarder
	dispatcher *dispatch.Dispatcher
	admin      *admin.Surface

	upgrader websocket.Upgrader
	server   *http.Server
	group    errgroup.Group
}

// New builds a Gateway from config. Start must be called before serving.
func New(cfg *config.Config, version string) (*Gateway, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if cfg.Redis.DB != 0 {
		opts.DB = cfg.Redis.DB
	}
	if cfg.Redis.Password != "" {
		opts.Password = cfg.Redis.Password
	}
	rdb := redis.NewClient(opts)

	// The offline queue may live in its own logical database.
	qopts := *opts
	if cfg.QueuerDB != 0 {
		qopts.DB = cfg.QueuerDB
	}
	qrdb := redis.NewClient(&qopts)

	reg := registry.NewRedisClient(rdb, registry.Config{
		ServiceName: cfg.ServiceName,
		IP:          cfg.ServiceIP,
		Port:        cfg.ServicePort,
		Version:     version,
	})

	table := router.NewTable(reg)
	cr := clients.NewRegistry(reg.InstanceID(), cfg.ServiceName, reg)
	q := queue.New(qrdb, "", 0)
	st := stats.NewCollector()
	issues := logging.NewIssueLog()

	fwd := forwarder.New(reg, st, issues, forwarder.Options{
		ServiceName: cfg.ServiceName,
		InstanceID:  reg.InstanceID(),
		Timeout:     cfg.RequestTimeoutDuration(),
		CORS:        cfg.CORSHeaders(),
		Debug:       cfg.DebugLogging,
	})

	adm := admin.New(reg, table, cr, st, issues, admin.Options{
		ServiceName:           cfg.ServiceName,
		InstanceID:            reg.InstanceID(),
		Version:               version,
		RouterToken:           cfg.RouterToken,
		DisableRouterEndpoint: cfg.DisableRouterEndpoint,
		RequestTimeout:        cfg.RequestTimeoutDuration(),
	})

	d := dispatch.New(cr, q, reg, fwd, table, st, issues, adm.Dispatch, dispatch.Options{
		ServiceName:           cfg.ServiceName,
		InstanceID:            reg.InstanceID(),
		ForceMessageSignature: cfg.ForceMessageSignature,
		SignatureSharedSecret: cfg.SignatureSharedSecret,
		Debug:                 cfg.DebugLogging,
	})

	g := &Gateway{
		cfg:        cfg,
		version:    version,
		rdb:        rdb,
		qrdb:       qrdb,
		reg:        reg,
		table:      table,
		clients:    cr,
		queue:      q,
		stats:      st,
		issues:     issues,
		fwd:        fwd,
		dispatcher: d,
		admin:      adm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.server = &http.Server{
		Addr:    cfg.Address(),
		Handler: g,
	}
	return g, nil
}

// Start registers the gateway with the registry, loads the initial route
// snapshot, and begins consuming the broadcast channel.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.reg.RegisterService(ctx); err != nil {
		return fmt.Errorf("register service: %w", err)
	}
	if err := g.reg.AnnounceRoutes(ctx, g.admin.Routes()); err != nil {
		return fmt.Errorf("announce routes: %w", err)
	}

	if err := g.table.Refresh(ctx, ""); err != nil {
		logging.Error("Initial route refresh failed", zap.Error(err))
	}
	for name, patterns := range g.cfg.ExternalRoutes {
		g.table.SetRoutes(name, patterns)
	}

	if err := g.reg.Start(ctx); err != nil {
		return fmt.Errorf("start registry client: %w", err)
	}

	g.clients.AnnounceStartup(ctx)

	g.group.Go(func() error {
		for msg := range g.reg.Messages() {
			g.dispatcher.HandleBroadcast(context.Background(), msg)
		}
		return nil
	})

	logging.Info("Gateway started",
		zap.String("serviceName", g.cfg.ServiceName),
		zap.String("instanceID", g.reg.InstanceID()),
		zap.String("address", g.cfg.Address()))
	return nil
}

// ServeHTTP is the single entry point: websocket upgrades enter the
// persistent channel, admin paths go to the admin surface, and everything
// else is matched against the route table and forwarded.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		g.acceptWS(w, r)
		return
	}

	if r.Method == http.MethodOptions {
		g.fwd.Preflight(w)
		return
	}

	path := r.URL.Path
	if g.admin.Handles(path) {
		g.admin.ServeHTTP(w, r)
		return
	}

	if m, ok := g.table.Lookup(path); ok {
		g.fwd.Forward(w, r, m.Service, r.URL.RequestURI())
		return
	}

	if service, forwardURL, ok := g.table.Fallback(path, r.Header.Get("referer")); ok {
		if r.URL.RawQuery != "" {
			forwardURL += "?" + r.URL.RawQuery
		}
		g.fwd.Forward(w, r, service, forwardURL)
		return
	}

	http.NotFound(w, r)
}

// acceptWS upgrades the connection and runs its read loop.
func (g *Gateway) acceptWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	c := g.clients.Add(context.Background(), conn, clients.ClientIP(r))
	go g.readLoop(c, conn)
}

// readLoop parses and dispatches frames until the connection dies or the
// dispatcher asks for a disconnect.
func (g *Gateway) readLoop(c *clients.Client, conn *websocket.Conn) {
	ctx := context.Background()
	defer func() {
		g.clients.Remove(ctx, c)
		c.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := umf.Unmarshal(data)
		if err != nil {
			bad := umf.New(c.ID()+"@client:/", g.reg.InstanceID()+"@"+g.cfg.ServiceName+":/")
			bad.Type = "error"
			bad.Body = map[string]any{"error": "Invalid UMF message"}
			c.Send(bad)
			return
		}

		if err := g.dispatcher.HandleClient(ctx, c, msg); errors.Is(err, dispatch.ErrDisconnect) {
			return
		}
	}
}

// Run starts the gateway and blocks until a shutdown signal arrives or the
// server fails.
func (g *Gateway) Run() error {
	if err := g.Start(context.Background()); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	g.group.Go(func() error {
		err := g.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		g.Close()
		return err
	case sig := <-quit:
		logging.Info("Shutting down gracefully", zap.String("signal", sig.String()))
		return g.Shutdown()
	}
}

// Shutdown tells the peers to prune this replica's clients, waits the
// grace period so the gossip lands, then stops the server.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.clients.AnnounceShutdown(ctx)
	time.Sleep(g.cfg.ShutdownGrace)

	if err := g.server.Shutdown(ctx); err != nil {
		logging.Error("Server shutdown error", zap.Error(err))
	}
	if err := g.Close(); err != nil {
		return err
	}

	if err := g.group.Wait(); err != nil {
		return err
	}
	logging.Info("Shutdown complete")
	return nil
}

// Close releases the registry client and store connections.
func (g *Gateway) Close() error {
	g.reg.Close()
	if err := g.rdb.Close(); err != nil {
		return err
	}
	return g.qrdb.Close()
}
