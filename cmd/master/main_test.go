package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridlink/client"
	"gridlink/config"
	"gridlink/identity"
	"gridlink/protocol"
	"gridlink/pubsub"
	"gridlink/server"
	"gridlink/transport"
)

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":7000"
grids:
  - name: test
    token: secret
`), 0o644))
	t.Setenv("GRIDLINK_LISTEN", ":8000")
	t.Setenv("GRIDLINK_LOG_LEVEL", "debug")

	cfg, err := loadConfig([]string{"--config", path, "--listen", ":9000"})
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []config.GridConfig{{Name: "test", Token: "secret"}}, cfg.Grids)

	_, err = loadConfig([]string{"--config", path, "--durable", "sqlite"})
	assert.ErrorContains(t, err, "durable.sqlite.path")

	_, err = loadConfig([]string{"--no-such-flag"})
	assert.Error(t, err)
}

func startMaster(t *testing.T) (*master, string) {
	t.Helper()
	cfg := config.DefaultMaster()
	cfg.ID = "master-test"
	cfg.Grids = []config.GridConfig{{Name: "test", Token: "secret"}}
	cfg.RequestTimeout = 2 * time.Second

	m, err := newMaster(context.Background(), cfg, identity.Provider{}, zap.NewNop())
	require.NoError(t, err)
	srv := httptest.NewServer(m.handler(cfg.Path))
	t.Cleanup(func() {
		m.close()
		srv.Close()
	})
	return m, srv.URL
}

func TestHealth(t *testing.T) {
	_, url := startMaster(t)
	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMasterServesAgent(t *testing.T) {
	m, url := startMaster(t)

	agentServer := server.NewServer()
	agentServer.Handle("/agent/ping", func(ctx context.Context, params []any) (any, error) {
		return "pong", nil
	})
	events := pubsub.New()
	conn := transport.New(transport.Config{
		URL:            "ws" + strings.TrimPrefix(url, "http") + "/agent",
		Handshake:      protocol.Handshake{GridToken: "secret", NodeID: "node-1", AgentVersion: config.Version},
		ReconnectDelay: 20 * time.Millisecond,
	}, agentServer, events)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		events.Clear()
	})

	require.Eventually(t, func() bool {
		nodes, err := m.registry.Discover(context.Background(), "test")
		return err == nil && len(nodes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cl, err := m.hub.ClientFor(context.Background(), "test")
	require.NoError(t, err)
	result, err := cl.Request(context.Background(), "/agent/ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", result)

	agentClient := client.New(client.NewLocal(events, conn), client.WithTimeout(2*time.Second))
	ids, err := agentClient.Request(context.Background(), "/nodes/list")
	require.NoError(t, err)
	assert.Equal(t, []any{"node-1"}, ids)

	require.NoError(t, agentClient.Notify(context.Background(), "/nodes/update", map[string]any{"node_id": "node-1"}))
}

func TestNodesServiceRequiresAgent(t *testing.T) {
	m, _ := startMaster(t)
	methods := m.server.Methods()
	for _, method := range []string{"/nodes/ping", "/nodes/update", "/nodes/list"} {
		assert.Contains(t, methods, method)
	}

	_, err := (&nodesService{registry: m.registry, logger: zap.NewNop()}).List(context.Background(), nil)
	var rpcErr *server.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, 400, rpcErr.Code)
}
