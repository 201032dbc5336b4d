// Command agent runs on every host of a grid. It keeps a websocket
// connection to the master, serves the master's requests, and reports
// itself when connected.
//
// Configuration comes from --config (YAML), GRIDLINK_* variables and
// flags, in that order of precedence from lowest to highest.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gridlink/client"
	"gridlink/config"
	"gridlink/identity"
	"gridlink/logging"
	"gridlink/middleware"
	"gridlink/protocol"
	"gridlink/pubsub"
	"gridlink/queue"
	"gridlink/server"
	"gridlink/transport"
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
		logFatal("agent: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		logFatal("agent: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newAgent(cfg, identity.Provider{}, logger)
	if err != nil {
		logFatal("agent: %v", err)
	}
	if err := a.run(ctx); err != nil {
		logger.Error("agent stopped", zap.Error(err))
		logFatal("agent: %v", err)
	}
	logger.Info("agent stopped")
}

// loadConfig layers the config file, the environment, and explicitly set
// flags.
func loadConfig(args []string) (*config.Agent, error) {
	fs := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	path := fs.String("config", os.Getenv("GRIDLINK_CONFIG"), "path to the agent YAML config")
	masterURL := fs.String("master-url", "", "master agent endpoint, e.g. ws://master:8080/agent")
	token := fs.String("grid-token", "", "grid token")
	nodeID := fs.String("node-id", "", "node id (default: derived from the machine id)")
	level := fs.String("log-level", "", "log level: debug, info, warn, error")
	format := fs.String("log-format", "", "log format: console, json")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadAgent(*path)
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
	set("master-url", &cfg.MasterURL, masterURL)
	set("grid-token", &cfg.GridToken, token)
	set("node-id", &cfg.NodeID, nodeID)
	set("log-level", &cfg.Log.Level, level)
	set("log-format", &cfg.Log.Format, format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}
	return cfg, nil
}

type agent struct {
	nodeID  string
	version string
	logger  *zap.Logger
	events  *pubsub.Registry
	queue   *queue.Queue
	server  *server.Server
	conn    *transport.Conn
	client  *client.Client
}

func newAgent(cfg *config.Agent, ids identity.Provider, logger *zap.Logger) (*agent, error) {
	nodeID, err := ids.NodeID(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	codecType, err := config.ParseCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("node", nodeID))

	events := pubsub.New(pubsub.WithLogger(logger.Named("pubsub")))
	q := queue.New(cfg.QueueCapacity, queue.WithLogger(logger.Named("queue")))

	svr := server.NewServer(server.WithLogger(logger.Named("rpc")))
	svr.Use(middleware.LoggingMiddleware(logger.Named("rpc")))
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}

	conn := transport.New(transport.Config{
		URL: cfg.MasterURL,
		Handshake: protocol.Handshake{
			GridToken:    cfg.GridToken,
			NodeID:       nodeID,
			AgentVersion: cfg.Version,
		},
		ReconnectDelay:   cfg.ReconnectDelay,
		Keepalive:        cfg.Keepalive,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		Workers:          cfg.Workers,
		Codec:            codecType,
	}, svr, events,
		transport.WithLogger(logger.Named("transport")),
		transport.WithOutbound(q),
	)

	cl := client.New(client.NewLocal(events, conn),
		client.WithTimeout(cfg.RequestTimeout),
		client.WithLogger(logger.Named("client")),
	)
	a := &agent{
		nodeID:  nodeID,
		version: cfg.Version,
		logger:  logger,
		events:  events,
		queue:   q,
		server:  svr,
		conn:    conn,
		client:  cl,
	}
	if err := svr.Register("/agent", &agentService{nodeID: nodeID, version: cfg.Version, started: time.Now(), conn: conn, queue: q}); err != nil {
		return nil, err
	}
	return a, nil
}

// run serves until ctx is done or the master rejects the agent.
func (a *agent) run(ctx context.Context) error {
	stopObserve := a.queue.Observe(a.events)
	defer stopObserve()
	defer a.queue.Stop()

	announce := a.events.Subscribe(protocol.ChannelOpen, func(any) error {
		if err := a.client.Notify(ctx, "/nodes/update", a.info()); err != nil {
			a.logger.Warn("node update failed", zap.Error(err))
		}
		return nil
	})
	defer announce.Unsubscribe()

	a.logger.Info("agent starting")
	err := a.conn.Run(ctx)

	if serr := a.server.Shutdown(shutdownTimeout); serr != nil {
		a.logger.Warn("handlers still running at shutdown", zap.Error(serr))
	}
	a.events.Clear()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *agent) info() map[string]any {
	return map[string]any{
		"node_id":      a.nodeID,
		"version":      a.version,
		"connected_at": time.Now().UTC().Format(time.RFC3339),
	}
}

// agentService answers the master's requests about this agent.
type agentService struct {
	nodeID  string
	version string
	started time.Time
	conn    *transport.Conn
	queue   *queue.Queue
}

func (s *agentService) Ping(ctx context.Context, params []any) (any, error) {
	return "pong", nil
}

func (s *agentService) Info(ctx context.Context, params []any) (any, error) {
	return map[string]any{
		"node_id":       s.nodeID,
		"version":       s.version,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"state":         s.conn.State().String(),
		"queued":        int64(s.queue.Len()),
		"queue_dropped": s.queue.Dropped(),
	}, nil
}
