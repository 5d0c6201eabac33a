// Package pool tracks the gateway connections attached to the tunnel server.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// Gateway is one authenticated gateway connection.
type Gateway struct {
	ID          uint64
	Conn        *quic.Conn
	ConnectedAt time.Time

	ActiveTunnels atomic.Int64
	TotalTunnels  atomic.Uint64
}

// TunnelOpened records a tunnel and returns the function that records its end.
func (g *Gateway) TunnelOpened() (closed func()) {
	g.ActiveTunnels.Add(1)
	g.TotalTunnels.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { g.ActiveTunnels.Add(-1) })
	}
}

// Pool is the set of connected gateways.
type Pool struct {
	mu       sync.RWMutex
	gateways map[uint64]*Gateway
	logger   zerolog.Logger
}

func New(logger zerolog.Logger) *Pool {
	return &Pool{
		gateways: make(map[uint64]*Gateway),
		logger:   logger,
	}
}

func (p *Pool) Add(g *Gateway) {
	p.mu.Lock()
	p.gateways[g.ID] = g
	p.mu.Unlock()

	p.logger.Debug().Uint64("gateway_id", g.ID).Msg("gateway added to pool")
}

func (p *Pool) Remove(id uint64) {
	p.mu.Lock()
	g, ok := p.gateways[id]
	delete(p.gateways, id)
	p.mu.Unlock()

	if ok {
		p.logger.Debug().
			Uint64("gateway_id", id).
			Uint64("total_tunnels", g.TotalTunnels.Load()).
			Dur("connected_for", time.Since(g.ConnectedAt)).
			Msg("gateway removed from pool")
	}
}

func (p *Pool) Get(id uint64) (*Gateway, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	g, ok := p.gateways[id]
	return g, ok
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.gateways)
}

// ActiveTunnels sums open tunnels over every gateway.
func (p *Pool) ActiveTunnels() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var n int64
	for _, g := range p.gateways {
		n += g.ActiveTunnels.Load()
	}
	return n
}

// CloseAll closes every gateway connection with the given application error.
func (p *Pool) CloseAll(code quic.ApplicationErrorCode, reason string) {
	p.mu.RLock()
	gateways := make([]*Gateway, 0, len(p.gateways))
	for _, g := range p.gateways {
		gateways = append(gateways, g)
	}
	p.mu.RUnlock()

	for _, g := range gateways {
		_ = g.Conn.CloseWithError(code, reason)
	}
}
