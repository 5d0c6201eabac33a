// Package stek rotates TLS session ticket encryption keys for the tunnel server.
package stek

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Key = [32]byte

// RotateManager keeps the newest key first, used to issue tickets, followed
// by up to overlap-1 older keys still accepted for resumption.
type RotateManager struct {
	keys     atomic.Pointer[[]Key]
	interval time.Duration
	overlap  uint8
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRotateManager(interval time.Duration, overlap uint8, logger zerolog.Logger) (*RotateManager, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("rotation interval must be positive, got %v", interval)
	}
	if overlap < 1 {
		return nil, fmt.Errorf("overlap must be at least 1, got %d", overlap)
	}

	m := &RotateManager{
		interval: interval,
		overlap:  overlap,
		logger:   logger.With().Str("com", "stek").Logger(),
	}
	keys := make([]Key, overlap)
	for i := range keys {
		if _, err := rand.Read(keys[i][:]); err != nil {
			return nil, fmt.Errorf("generate session ticket key: %w", err)
		}
	}
	m.keys.Store(&keys)
	return m, nil
}

// Keys returns the current key set. The slice must not be modified.
func (m *RotateManager) Keys() []Key {
	return *m.keys.Load()
}

func (m *RotateManager) rotate() error {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return fmt.Errorf("generate session ticket key: %w", err)
	}

	current := m.Keys()
	size := min(len(current)+1, int(m.overlap))
	next := make([]Key, size)
	next[0] = key
	copy(next[1:], current)
	m.keys.Store(&next)

	m.logger.Debug().Int("keys", size).Msg("rotated session ticket keys")
	return nil
}

// Apply installs the keys on conf and refreshes them per handshake.
func (m *RotateManager) Apply(conf *tls.Config) {
	conf.SetSessionTicketKeys(m.Keys())
	conf.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := conf.Clone()
		c.GetConfigForClient = nil
		c.SetSessionTicketKeys(m.Keys())
		return c, nil
	}
}

// Start rotates keys every interval until ctx ends or Stop is called.
// Starting a running manager is a no-op.
func (m *RotateManager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)

	m.logger.Info().Dur("interval", m.interval).Uint8("overlap", m.overlap).Msg("session ticket key rotation started")
}

func (m *RotateManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.rotate(); err != nil {
				m.logger.Error().Err(err).Msg("rotate session ticket keys failed")
			}
		}
	}
}

// Stop ends rotation and waits for the rotating goroutine. It is idempotent.
func (m *RotateManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
