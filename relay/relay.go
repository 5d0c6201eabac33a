package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

var ErrRelayClosed = errors.New("relay closed")

// hostEntry tracks one Host and everyone holding it. refs counts live
// tunnels plus connects still in flight.
type hostEntry struct {
	key   string
	host  *Host
	ready chan struct{}
	err   error
	refs  int
}

func (e *hostEntry) started() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Relay is the registry of Hosts, one per engine address.
type Relay struct {
	conf    config.Backend
	factory BackendFactory
	logger  zerolog.Logger

	mu      sync.Mutex
	hosts   map[string]*hostEntry
	tunnels map[*Tunnel]struct{}
	closed  bool
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Hosts    int
	Sessions int
	Clients  int
}

func New(conf config.Backend, factory BackendFactory, logger zerolog.Logger) *Relay {
	return &Relay{
		conf:    conf,
		factory: factory,
		logger:  logger.With().Str("com", "relay").Logger(),
		hosts:   make(map[string]*hostEntry),
		tunnels: make(map[*Tunnel]struct{}),
	}
}

// Connect attaches a new client to the engine at address and returns its
// tunnel. The Host for address is created on first use and shared after.
func (r *Relay) Connect(ctx context.Context, address string, req ConnectRequest) (*Tunnel, error) {
	hostname, port, err := config.SplitAddress(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionRefused, err)
	}

	entry, created, err := r.acquire(hostname, port)
	if err != nil {
		return nil, err
	}

	if created {
		go r.start(context.WithoutCancel(ctx), entry)
	}
	select {
	case <-entry.ready:
	case <-ctx.Done():
		r.release(entry)
		return nil, ctx.Err()
	}
	if entry.err != nil {
		r.release(entry)
		return nil, entry.err
	}

	client, err := entry.host.OnClientConnection(ctx, req)
	if err != nil {
		r.release(entry)
		return nil, err
	}

	t := &Tunnel{relay: r, entry: entry, client: client}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Disconnect()
		return nil, ErrRelayClosed
	}
	r.tunnels[t] = struct{}{}
	r.mu.Unlock()

	return t, nil
}

// start brings up a new Host for everyone waiting on entry. It runs detached
// from the creating caller; the startup timeout bounds it.
func (r *Relay) start(ctx context.Context, entry *hostEntry) {
	err := entry.host.Start(ctx)

	r.mu.Lock()
	var stop bool
	if r.closed {
		stop = err == nil
		err = ErrRelayClosed
	}
	entry.err = err
	if r.hosts[entry.key] == entry && (err != nil || entry.refs <= 0) {
		// Failed, or every waiter gave up before it came up.
		delete(r.hosts, entry.key)
		stop = err == nil
	}
	close(entry.ready)
	r.mu.Unlock()

	if stop {
		entry.host.Stop()
		r.logger.Debug().Str("address", entry.key).Msg("host removed")
	}
}

// acquire finds or registers the entry for hostname:port and takes a reference.
func (r *Relay) acquire(hostname string, port int) (*hostEntry, bool, error) {
	key := net.JoinHostPort(hostname, strconv.Itoa(port))

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrRelayClosed
	}
	if entry, ok := r.hosts[key]; ok {
		entry.refs++
		return entry, false, nil
	}

	entry := &hostEntry{
		key:   key,
		host:  newHost(key, r.factory(hostname, port), r.conf, r.logger),
		ready: make(chan struct{}),
		refs:  1,
	}
	r.hosts[key] = entry
	r.logger.Debug().Str("address", key).Msg("host registered")
	return entry, true, nil
}

// release drops a reference and stops the Host once nothing holds it. A Host
// still starting is left to start, which drops it when unreferenced.
func (r *Relay) release(entry *hostEntry) {
	r.mu.Lock()
	entry.refs--
	var stop bool
	if entry.refs <= 0 && entry.started() && entry.err == nil && r.hosts[entry.key] == entry {
		delete(r.hosts, entry.key)
		stop = true
	}
	r.mu.Unlock()

	if stop {
		entry.host.Stop()
		r.logger.Debug().Str("address", entry.key).Msg("host removed")
	}
}

func (r *Relay) forget(t *Tunnel) {
	r.mu.Lock()
	delete(r.tunnels, t)
	r.mu.Unlock()
}

// Host returns the registered Host for address, if any.
func (r *Relay) Host(address string) (*Host, bool) {
	hostname, port, err := config.SplitAddress(address)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.hosts[net.JoinHostPort(hostname, strconv.Itoa(port))]
	if !ok {
		return nil, false
	}
	return entry.host, true
}

// Stats counts registered hosts and the sessions and clients under them.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	hosts := make([]*Host, 0, len(r.hosts))
	for _, entry := range r.hosts {
		hosts = append(hosts, entry.host)
	}
	r.mu.Unlock()

	s := Stats{Hosts: len(hosts)}
	for _, h := range hosts {
		s.Sessions += h.SessionCount()
		s.Clients += h.ClientCount()
	}
	return s
}

// Close ends every tunnel's stream cleanly and stops all hosts. Connects
// racing with Close fail with ErrRelayClosed.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	tunnels := make([]*Tunnel, 0, len(r.tunnels))
	for t := range r.tunnels {
		tunnels = append(tunnels, t)
	}
	var hosts []*Host
	var starting []*hostEntry
	for key, entry := range r.hosts {
		if !entry.started() {
			entry.host.abort()
			starting = append(starting, entry)
		} else if entry.err == nil {
			hosts = append(hosts, entry.host)
		}
		delete(r.hosts, key)
	}
	r.mu.Unlock()

	for _, entry := range starting {
		<-entry.ready
	}

	for _, t := range tunnels {
		t.client.Close()
	}

	var wg conc.WaitGroup
	for _, h := range hosts {
		wg.Go(h.Stop)
	}
	wg.Wait()

	r.logger.Info().Int("tunnels", len(tunnels)).Int("hosts", len(hosts)).Msg("relay closed")
}
