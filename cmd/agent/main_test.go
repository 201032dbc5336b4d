package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gridlink/config"
	"gridlink/durable"
	"gridlink/durable/memlog"
	"gridlink/hub"
	"gridlink/identity"
	"gridlink/registry"
	"gridlink/server"
	"gridlink/transport"
)

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
master_url: ws://file:8080/agent
grid_token: from-file
node_id: file-node
`), 0o644))
	t.Setenv("GRIDLINK_GRID_TOKEN", "from-env")
	t.Setenv("GRIDLINK_NODE_ID", "env-node")

	cfg, err := loadConfig([]string{"--config", path, "--node-id", "flag-node"})
	require.NoError(t, err)
	assert.Equal(t, "ws://file:8080/agent", cfg.MasterURL)
	assert.Equal(t, "from-env", cfg.GridToken)
	assert.Equal(t, "flag-node", cfg.NodeID)

	_, err = loadConfig([]string{"--config", path, "--master-url", "http://nope"})
	assert.ErrorContains(t, err, "master_url")
}

type testMaster struct {
	hub     *hub.Hub
	url     string
	updates chan []any
}

func startMaster(t *testing.T) *testMaster {
	t.Helper()
	ps := durable.New(memlog.New(0), durable.Config{})
	require.NoError(t, ps.Start(context.Background()))

	updates := make(chan []any, 4)
	svr := server.NewServer()
	svr.Handle("/nodes/update", func(ctx context.Context, params []any) (any, error) {
		updates <- params
		return nil, nil
	})
	h, err := hub.New(hub.Config{
		ID:             "master-test",
		Grids:          []hub.Grid{{Name: "test", Token: "secret"}},
		RequestTimeout: 2 * time.Second,
	}, svr, ps, registry.NewMemoryRegistry())
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
		ps.Stop()
	})
	return &testMaster{hub: h, url: "ws" + strings.TrimPrefix(srv.URL, "http"), updates: updates}
}

func agentConfig(url, token string) *config.Agent {
	cfg := config.DefaultAgent()
	cfg.MasterURL = url
	cfg.GridToken = token
	cfg.NodeID = "node-1"
	cfg.ReconnectDelay = 20 * time.Millisecond
	return cfg
}

func TestAgentConnectsAndServes(t *testing.T) {
	m := startMaster(t)
	a, err := newAgent(agentConfig(m.url, "secret"), identity.Provider{}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()

	select {
	case params := <-m.updates:
		require.Len(t, params, 1)
		info, ok := params[0].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "node-1", info["node_id"])
		assert.Equal(t, config.Version, info["version"])
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not announce itself")
	}

	cl, err := m.hub.ClientFor(context.Background(), "test")
	require.NoError(t, err)
	pong, err := cl.Request(context.Background(), "/agent/ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", pong)

	result, err := cl.Request(context.Background(), "/agent/info")
	require.NoError(t, err)
	info, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "node-1", info["node_id"])
	assert.Equal(t, "connected", info["state"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestAgentRejected(t *testing.T) {
	m := startMaster(t)
	a, err := newAgent(agentConfig(m.url, "wrong"), identity.Provider{}, zap.NewNop())
	require.NoError(t, err)

	err = a.run(context.Background())
	var fatal *transport.FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, transport.ErrInvalidToken)
}
