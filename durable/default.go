package durable

import (
	"context"
	"sync"
)

var (
	defaultMu sync.RWMutex
	defaultPS *PubSub
)

// Start creates and starts the process-wide default instance on log.
func Start(ctx context.Context, log Log, cfg Config) (*PubSub, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultPS != nil && defaultPS.Running() {
		return nil, ErrAlreadyStarted
	}
	ps := New(log, cfg)
	if err := ps.Start(ctx); err != nil {
		return nil, err
	}
	defaultPS = ps
	return ps, nil
}

// Default returns the running default instance.
func Default() (*PubSub, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultPS == nil || !defaultPS.Running() {
		return nil, ErrNotStarted
	}
	return defaultPS, nil
}

func Publish(ctx context.Context, channel string, data any) error {
	ps, err := Default()
	if err != nil {
		return err
	}
	return ps.Publish(ctx, channel, data)
}

func Subscribe(ctx context.Context, channel string, setup func(*Subscription)) error {
	ps, err := Default()
	if err != nil {
		return err
	}
	return ps.Subscribe(ctx, channel, setup)
}

// Stop stops and forgets the default instance.
func Stop() {
	defaultMu.Lock()
	ps := defaultPS
	defaultPS = nil
	defaultMu.Unlock()
	if ps != nil {
		ps.Stop()
	}
}
