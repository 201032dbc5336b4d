// Package hub is the master side of the agent connection.
//
// A Hub accepts agent websockets, checks the handshake, and then sits
// between the agent and the rest of the cluster:
//
//	master client ──► durable "rpc_client" ──► relay ──► agent
//	agent Response ──► durable "rpc_response:<id>" ──► master client
//	agent Request / Notification ──► worker pool ──► Dispatcher
//
// Requests for a node can be made from any master process: they go through
// the durable log and only the hub holding the node's connection forwards
// them. Which hub that is, is recorded in the node registry.
package hub

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridlink/client"
	"gridlink/codec"
	"gridlink/durable"
	"gridlink/loadbalance"
	"gridlink/message"
	"gridlink/protocol"
	"gridlink/registry"
	"gridlink/transport"
)

const (
	DefaultMinAgentVersion = "1.0.0"
	DefaultPresenceTTL     = 30 // seconds
	DefaultRequestTimeout  = client.DefaultTimeout

	relayRetryDelay = durable.DefaultRetryDelay
	detachTimeout   = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("hub: already started")

// Grid is a named set of nodes sharing one join token.
type Grid struct {
	Name  string
	Token string
}

type Config struct {
	// ID of this master process, recorded as registry.Node.Hub.
	ID    string
	Grids []Grid
	// Agents must share the major version and be at least this version.
	MinAgentVersion string
	PresenceTTL     int64
	RequestTimeout  time.Duration
	Keepalive       time.Duration
	WriteTimeout    time.Duration
	Workers         int
	Codec           codec.CodecType
}

func (c Config) withDefaults() Config {
	if c.MinAgentVersion == "" {
		c.MinAgentVersion = DefaultMinAgentVersion
	}
	if c.PresenceTTL <= 0 {
		c.PresenceTTL = DefaultPresenceTTL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = transport.DefaultWriteTimeout
	}
	return c
}

type Option func(*Hub)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

type agent struct {
	node registry.Node
	peer *transport.Peer
}

type Hub struct {
	cfg        Config
	minVersion *semver.Version
	dispatcher transport.Dispatcher
	ps         *durable.PubSub
	registry   registry.Registry
	logger     *zap.Logger
	upgrader   websocket.Upgrader
	pool       *transport.WorkerPool
	balancer   loadbalance.RoundRobinBalancer

	mu     sync.RWMutex
	agents map[string]*agent // by node id
	ctx    context.Context   // nil until Start
	cancel context.CancelFunc
	relay  chan struct{} // closed when the relay loop exits
	conns  sync.WaitGroup
}

// New creates a hub. Requests and notifications from agents go to
// dispatcher, usually a *server.Server.
func New(cfg Config, dispatcher transport.Dispatcher, ps *durable.PubSub, reg registry.Registry, opts ...Option) (*Hub, error) {
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		return nil, errors.New("hub: config has no master id")
	}
	minVersion, err := semver.NewVersion(strings.TrimPrefix(cfg.MinAgentVersion, "v"))
	if err != nil {
		return nil, fmt.Errorf("hub: minimum agent version: %w", err)
	}
	h := &Hub{
		cfg:        cfg,
		minVersion: minVersion,
		dispatcher: dispatcher,
		ps:         ps,
		registry:   reg,
		logger:     zap.NewNop(),
		pool:       transport.NewWorkerPool(cfg.Workers),
		agents:     make(map[string]*agent),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Start begins relaying durable RPC envelopes to connected agents. Requests
// published after Start returns are relayed.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.ctx != nil {
		h.mu.Unlock()
		return ErrAlreadyStarted
	}
	if !h.ps.Running() {
		h.mu.Unlock()
		return fmt.Errorf("hub: %w", durable.ErrNotStarted)
	}
	ctx, cancel := context.WithCancel(ctx)
	h.ctx, h.cancel = ctx, cancel
	h.relay = make(chan struct{})
	h.mu.Unlock()

	started := make(chan error, 1)
	go h.relayLoop(ctx, started)
	if err := <-started; err != nil {
		h.Stop()
		return fmt.Errorf("hub: subscribe %s: %w", protocol.RPCChannel, err)
	}
	h.logger.Info("hub started", zap.String("id", h.cfg.ID))
	return nil
}

// Stop closes every agent connection and stops relaying. Agents reconnect
// to another master or to this one once it is back.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.ctx == nil {
		h.mu.Unlock()
		return
	}
	h.cancel()
	relay := h.relay
	agents := make([]*agent, 0, len(h.agents))
	for _, a := range h.agents {
		agents = append(agents, a)
	}
	h.mu.Unlock()

	<-relay
	for _, a := range agents {
		a.peer.Close(websocket.CloseGoingAway, "master shutting down")
	}
	h.conns.Wait()
	h.pool.Wait()

	h.mu.Lock()
	h.ctx, h.cancel = nil, nil
	h.mu.Unlock()
	h.logger.Info("hub stopped", zap.String("id", h.cfg.ID))
}

func (h *Hub) relayLoop(ctx context.Context, started chan<- error) {
	defer close(h.relay)
	var once sync.Once
	report := func(err error) { once.Do(func() { started <- err }) }

	for {
		err := h.ps.Subscribe(ctx, protocol.RPCChannel, func(s *durable.Subscription) {
			s.OnMessage(0, h.forward)
			report(nil)
		})
		report(err)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("relay subscription ended", zap.Error(err))

		t := time.NewTimer(relayRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// forward sends one envelope to its node if this hub holds the connection.
// It never fails: a bad envelope must not cost the relay a strike.
func (h *Hub) forward(data any) error {
	env, err := client.ParseEnvelope(data)
	if err != nil {
		h.logger.Warn("dropping malformed envelope", zap.Error(err))
		return nil
	}
	a := h.agent(env.NodeID)
	if a == nil {
		return nil
	}
	if err := a.peer.Send(env.Message); err != nil {
		h.logger.Warn("relay to agent failed",
			zap.String("node", env.NodeID),
			zap.Stringer("kind", env.Message.Kind()),
			zap.Error(err),
		)
	}
	return nil
}

// ServeHTTP upgrades an agent connection and serves it until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs, hsErr := protocol.ParseHandshake(r.Header)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	h.mu.RLock()
	ctx := h.ctx
	h.mu.RUnlock()
	if ctx == nil {
		h.reject(ws, websocket.CloseTryAgainLater, "master not ready")
		return
	}

	grid, code, reason := h.admit(hs, hsErr)
	if code != 0 {
		h.logger.Warn("rejecting agent",
			zap.String("node", hs.NodeID),
			zap.String("remote", r.RemoteAddr),
			zap.Int("code", code),
			zap.String("reason", reason),
		)
		h.reject(ws, code, reason)
		return
	}

	node := registry.Node{
		ID:           hs.NodeID,
		Grid:         grid,
		Hub:          h.cfg.ID,
		AgentVersion: hs.AgentVersion,
		ConnectedAt:  time.Now().UTC(),
	}
	h.serve(ctx, ws, node)
}

// admit checks a handshake and returns the grid the agent joins, or the
// close code to reject it with.
func (h *Hub) admit(hs protocol.Handshake, hsErr error) (string, int, string) {
	grid, ok := h.gridFor(hs.GridToken)
	if !ok {
		return "", protocol.CloseInvalidToken, "invalid grid token"
	}
	var missing *protocol.HeaderError
	if errors.As(hsErr, &missing) {
		if missing.Name == protocol.HeaderAgentVersion {
			return "", protocol.CloseIncompatibleVersion, "missing agent version"
		}
		return "", protocol.CloseInvalidToken, "missing " + missing.Name
	}
	if err := h.compatible(hs.AgentVersion); err != nil {
		return "", protocol.CloseIncompatibleVersion, err.Error()
	}
	return grid, 0, ""
}

func (h *Hub) gridFor(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for _, g := range h.cfg.Grids {
		if subtle.ConstantTimeCompare([]byte(g.Token), []byte(token)) == 1 {
			return g.Name, true
		}
	}
	return "", false
}

func (h *Hub) compatible(version string) error {
	v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return fmt.Errorf("unparsable agent version %q", version)
	}
	if v.Major != h.minVersion.Major || v.LessThan(*h.minVersion) {
		return fmt.Errorf("agent version %s is not compatible with %s", v, h.minVersion)
	}
	return nil
}

// reject sends code and waits briefly for the agent's close reply so the
// code is not lost to a connection reset.
func (h *Hub) reject(ws *websocket.Conn, code int, reason string) {
	defer ws.Close()
	deadline := time.Now().Add(h.cfg.WriteTimeout)
	if err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		return
	}
	ws.SetReadDeadline(deadline)
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}

func (h *Hub) serve(ctx context.Context, ws *websocket.Conn, node registry.Node) {
	logger := h.logger.With(zap.String("node", node.ID), zap.String("grid", node.Grid))
	a := &agent{
		node: node,
		peer: transport.NewPeer(ws, transport.PeerConfig{
			Keepalive:    h.cfg.Keepalive,
			WriteTimeout: h.cfg.WriteTimeout,
			Codec:        h.cfg.Codec,
		}, logger),
	}

	h.mu.Lock()
	if h.ctx == nil || h.ctx.Err() != nil {
		h.mu.Unlock()
		h.reject(ws, websocket.CloseTryAgainLater, "master not ready")
		return
	}
	prev := h.agents[node.ID]
	h.agents[node.ID] = a
	h.conns.Add(1)
	h.mu.Unlock()
	defer h.conns.Done()

	if prev != nil {
		logger.Info("replacing previous connection")
		prev.peer.Close(protocol.CloseNormal, "replaced by a new connection")
	}
	if err := h.registry.Register(ctx, node, h.cfg.PresenceTTL); err != nil {
		logger.Warn("node registration failed", zap.Error(err))
	}
	logger.Info("agent connected", zap.String("version", node.AgentVersion))

	code, reason := a.peer.Serve(func(msg message.Message) { h.dispatch(ctx, a, msg) })
	logger.Info("agent disconnected", zap.Int("code", code), zap.String("reason", reason))

	if h.detach(a) {
		dctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := h.registry.Deregister(dctx, node.Grid, node.ID); err != nil {
			logger.Warn("node deregistration failed", zap.Error(err))
		}
	}
}

// detach removes a if it is still the current connection of its node.
func (h *Hub) detach(a *agent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.agents[a.node.ID] != a {
		return false
	}
	delete(h.agents, a.node.ID)
	return true
}

func (h *Hub) agent(nodeID string) *agent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.agents[nodeID]
}

func (h *Hub) dispatch(ctx context.Context, a *agent, msg message.Message) {
	ctx = WithNode(ctx, a.node)
	var err error
	switch m := msg.(type) {
	case *message.Request:
		err = h.pool.Go(ctx, func() {
			resp := h.dispatcher.HandleRequest(ctx, m)
			if resp == nil {
				return
			}
			if err := a.peer.Send(resp); err != nil {
				h.logger.Warn("failed to send response", zap.String("node", a.node.ID), zap.Uint64("id", resp.ID), zap.Error(err))
			}
		})
	case *message.Response:
		// The waiting client may live in another master process.
		err = h.pool.Go(ctx, func() {
			if err := h.ps.Publish(ctx, protocol.ResponseChannel(m.ID), m.Array()); err != nil {
				h.logger.Warn("failed to publish response", zap.String("node", a.node.ID), zap.Uint64("id", m.ID), zap.Error(err))
			}
		})
	case *message.Notification:
		err = h.pool.Go(ctx, func() {
			h.dispatcher.HandleNotification(ctx, m)
		})
	}
	if err != nil {
		h.logger.Warn("dropping inbound message", zap.String("node", a.node.ID), zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

// Nodes returns the nodes of grid connected to this hub, sorted by id.
func (h *Hub) Nodes(grid string) []registry.Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var nodes []registry.Node
	for _, a := range h.agents {
		if a.node.Grid == grid {
			nodes = append(nodes, a.node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// ClientForNode returns a client for one node. The node may be connected
// to any master sharing the durable log.
func (h *Hub) ClientForNode(nodeID string) *client.Client {
	return client.New(client.NewDurable(h.ps, nodeID),
		client.WithTimeout(h.cfg.RequestTimeout),
		client.WithLogger(h.logger.With(zap.String("node", nodeID))),
	)
}

// ClientFor returns a client for one of grid's connected nodes, rotating
// over them on each call.
func (h *Hub) ClientFor(ctx context.Context, grid string) (*client.Client, error) {
	nodes, err := h.registry.Discover(ctx, grid)
	if err != nil {
		return nil, fmt.Errorf("hub: discover %s: %w", grid, err)
	}
	node, err := h.balancer.Pick(nodes)
	if err != nil {
		return nil, fmt.Errorf("hub: grid %s: %w", grid, err)
	}
	return h.ClientForNode(node.ID), nil
}

// ClientForKey returns a client for the node of grid that key hashes to.
// The same key keeps going to the same node while the grid is unchanged.
func (h *Hub) ClientForKey(ctx context.Context, grid, key string) (*client.Client, error) {
	nodes, err := h.registry.Discover(ctx, grid)
	if err != nil {
		return nil, fmt.Errorf("hub: discover %s: %w", grid, err)
	}
	node, err := loadbalance.NewConsistentHashBalancer(nodes...).Pick(key)
	if err != nil {
		return nil, fmt.Errorf("hub: grid %s: %w", grid, err)
	}
	return h.ClientForNode(node.ID), nil
}
