// Command master accepts agent connections for one or more grids and lets
// other master processes reach those agents through the durable log.
//
// Configuration comes from --config (YAML), GRIDLINK_* variables and
// flags, in that order of precedence from lowest to highest.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gridlink/config"
	"gridlink/durable"
	"gridlink/durable/etcdlog"
	"gridlink/durable/memlog"
	"gridlink/durable/sqlitelog"
	"gridlink/hub"
	"gridlink/identity"
	"gridlink/logging"
	"gridlink/message"
	"gridlink/middleware"
	"gridlink/registry"
	"gridlink/server"
)

// logFatal is a variable so tests can intercept fatal exits.
var logFatal = log.Fatalf

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logFatal("master: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logFatal("master: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := newMaster(ctx, cfg, identity.Provider{}, logger)
	if err != nil {
		logFatal("master: %v", err)
	}
	defer m.close()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           m.handler(cfg.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("master listening", zap.String("addr", cfg.Listen), zap.String("path", cfg.Path))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("master: listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Info("master stopped")
}

func loadConfig(args []string) (*config.Master, error) {
	fs := pflag.NewFlagSet("master", pflag.ContinueOnError)
	path := fs.String("config", os.Getenv("GRIDLINK_CONFIG"), "path to the master YAML config")
	id := fs.String("id", "", "master id (default: derived from the machine id)")
	listen := fs.String("listen", "", "listen address")
	backend := fs.String("durable", "", "durable log backend: memory, sqlite, etcd")
	reg := fs.String("registry", "", "node registry: memory, etcd")
	endpoints := fs.StringSlice("etcd-endpoints", nil, "etcd endpoints")
	level := fs.String("log-level", "", "log level: debug, info, warn, error")
	format := fs.String("log-format", "", "log format: console, json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadMaster(*path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	set := func(name string, dst, v *string) {
		if fs.Changed(name) {
			*dst = *v
		}
	}
	set("id", &cfg.ID, id)
	set("listen", &cfg.Listen, listen)
	set("durable", &cfg.Durable.Backend, backend)
	set("registry", &cfg.Registry, reg)
	set("log-level", &cfg.Log.Level, level)
	set("log-format", &cfg.Log.Format, format)
	if fs.Changed("etcd-endpoints") {
		cfg.EtcdEndpoints = *endpoints
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

type master struct {
	id       string
	logger   *zap.Logger
	log      durable.Log
	ps       *durable.PubSub
	registry registry.Registry
	server   *server.Server
	hub      *hub.Hub
}

func newMaster(ctx context.Context, cfg *config.Master, ids identity.Provider, logger *zap.Logger) (m *master, err error) {
	id, err := ids.NodeID(cfg.ID)
	if err != nil {
		return nil, err
	}
	codecType, err := config.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	m = &master{id: id, logger: logger.With(zap.String("master", id))}
	defer func() {
		if err != nil {
			m.close()
		}
	}()

	if m.log, err = openLog(cfg, m.logger); err != nil {
		return nil, err
	}
	m.ps, err = durable.Start(ctx, m.log, durable.Config{
		RetryDelay: cfg.Durable.RetryDelay,
		Logger:     m.logger.Named("durable"),
	})
	if err != nil {
		return nil, fmt.Errorf("start durable pub/sub: %w", err)
	}
	if m.registry, err = openRegistry(cfg, m.logger); err != nil {
		return nil, err
	}

	m.server = server.NewServer(server.WithLogger(m.logger.Named("rpc")))
	m.server.Use(middleware.LoggingMiddleware(m.logger.Named("rpc")))
	if cfg.RateLimit.Rate > 0 {
		m.server.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if err := m.server.Register("/nodes", &nodesService{registry: m.registry, logger: m.logger.Named("nodes")}); err != nil {
		return nil, err
	}

	grids := make([]hub.Grid, 0, len(cfg.Grids))
	for _, g := range cfg.Grids {
		grids = append(grids, hub.Grid{Name: g.Name, Token: g.Token})
	}
	m.hub, err = hub.New(hub.Config{
		ID:              id,
		Grids:           grids,
		MinAgentVersion: cfg.MinAgentVersion,
		PresenceTTL:     cfg.PresenceTTL,
		RequestTimeout:  cfg.RequestTimeout,
		Keepalive:       cfg.Keepalive,
		WriteTimeout:    cfg.WriteTimeout,
		Workers:         cfg.Workers,
		Codec:           codecType,
	}, m.server, m.ps, m.registry, hub.WithLogger(m.logger.Named("hub")))
	if err != nil {
		return nil, err
	}
	if err := m.hub.Start(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func openLog(cfg *config.Master, logger *zap.Logger) (durable.Log, error) {
	switch cfg.Durable.Backend {
	case config.BackendSQLite:
		l, err := sqlitelog.Open(sqlitelog.Config{
			Path:         cfg.Durable.SQLite.Path,
			Table:        cfg.Durable.SQLite.Table,
			MaxBytes:     cfg.Durable.SQLite.MaxBytes,
			PollInterval: cfg.Durable.SQLite.PollInterval,
			Logger:       logger.Named("sqlitelog"),
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.BackendEtcd:
		l, err := etcdlog.Open(etcdlog.Config{
			Endpoints: cfg.EtcdEndpoints,
			Prefix:    cfg.Durable.Etcd.Prefix,
			Retention: cfg.Durable.Etcd.Retention,
			Logger:    logger.Named("etcdlog"),
		})
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return memlog.New(0), nil
}

func openRegistry(cfg *config.Master, logger *zap.Logger) (registry.Registry, error) {
	if cfg.Registry == config.BackendEtcd {
		r, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, logger.Named("registry"))
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return registry.NewMemoryRegistry(), nil
}

func (m *master) handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, m.hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if m.ps == nil || !m.ps.Running() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// close releases everything newMaster opened, in reverse order.
func (m *master) close() {
	if m.hub != nil {
		m.hub.Stop()
	}
	if m.server != nil {
		if err := m.server.Shutdown(shutdownTimeout); err != nil {
			m.logger.Warn("handlers still running at shutdown", zap.Error(err))
		}
	}
	if closer, ok := m.registry.(interface{ Close() error }); ok {
		closer.Close()
	}
	if m.ps != nil {
		durable.Stop()
	}
	if m.log != nil {
		if err := m.log.Close(); err != nil {
			m.logger.Warn("closing durable log failed", zap.Error(err))
		}
	}
}

// nodesService answers agents' requests about themselves.
type nodesService struct {
	registry registry.Registry
	logger   *zap.Logger
}

func (s *nodesService) Ping(ctx context.Context, params []any) (any, error) {
	return "pong", nil
}

// Update records the info an agent sends when it connects.
func (s *nodesService) Update(ctx context.Context, params []any) (any, error) {
	node, ok := hub.NodeFromContext(ctx)
	if !ok {
		return nil, server.NewError(message.CodeBadRequest, "not called by an agent")
	}
	var info any
	if len(params) > 0 {
		info = params[0]
	}
	s.logger.Info("node update", zap.String("node", node.ID), zap.String("grid", node.Grid), zap.Any("info", info))
	return nil, nil
}

// List returns the connected nodes of the caller's grid.
func (s *nodesService) List(ctx context.Context, params []any) (any, error) {
	node, ok := hub.NodeFromContext(ctx)
	if !ok {
		return nil, server.NewError(message.CodeBadRequest, "not called by an agent")
	}
	nodes, err := s.registry.Discover(ctx, node.Grid)
	if err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}
