package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
)

// ConnectRequest describes a client attach. A zero SessionID asks the backend
// to create a new session from Credentials; otherwise the existing session is joined.
type ConnectRequest struct {
	SessionID   protocol.SessionID
	Credentials protocol.Credentials
}

// Host owns the backend connection for one engine address and the sessions on it.
type Host struct {
	address string
	backend Backend
	conf    config.Backend
	logger  zerolog.Logger

	mu       sync.Mutex
	sessions map[protocol.SessionID]*Session
	draining map[*Session]struct{} // failed sessions that still have clients

	healthy   atomic.Bool
	firstPing chan struct{}
	pingOnce  sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newHost(address string, b Backend, conf config.Backend, logger zerolog.Logger) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		address:   address,
		backend:   b,
		conf:      conf,
		logger:    logger.With().Str("address", address).Logger(),
		sessions:  make(map[protocol.SessionID]*Session),
		draining:  make(map[*Session]struct{}),
		firstPing: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Host) Address() string {
	return h.address
}

// Healthy reports whether the last connection check succeeded.
func (h *Host) Healthy() bool {
	return h.healthy.Load()
}

// Start connects to the engine and launches the connection check loop. It
// returns once the engine answered a ping, or fails after the startup timeout.
func (h *Host) Start(ctx context.Context) error {
	if err := h.connect(ctx); err != nil {
		h.logger.Debug().Err(err).Msg("initial connect failed, retrying")
	}

	h.wg.Add(1)
	go h.checkLoop()

	timer := time.NewTimer(h.conf.StartupTimeout)
	defer timer.Stop()

	select {
	case <-h.firstPing:
		h.logger.Info().Msg("host started")
		return nil
	case <-timer.C:
		h.Stop()
		return fmt.Errorf("start host %s: no ping reply within %v: %w", h.address, h.conf.StartupTimeout, protocol.ErrDisconnected)
	case <-ctx.Done():
		h.Stop()
		return fmt.Errorf("start host %s: %w", h.address, ctx.Err())
	case <-h.ctx.Done():
		h.Stop()
		return fmt.Errorf("start host %s: stopped: %w", h.address, protocol.ErrDisconnected)
	}
}

// abort makes a Start in progress give up. It does not wait.
func (h *Host) abort() {
	h.cancel()
}

// Stop ends the check loop, stops session validators and disconnects the
// backend. Clients are left to their owners.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.wg.Wait()

		h.backend.Unsubscribe(h)
		h.backend.Disconnect()

		for _, s := range h.allSessions() {
			s.Stop()
		}
		h.logger.Info().Msg("host stopped")
	})
}

func (h *Host) connect(ctx context.Context) error {
	if err := h.backend.Connect(ctx); err != nil {
		return err
	}
	h.backend.Unsubscribe(h)
	h.backend.Subscribe(h)
	return nil
}

func (h *Host) checkLoop() {
	defer h.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-timer.C:
		}

		if h.check() {
			timer.Reset(h.conf.PingInterval)
		} else {
			timer.Reset(h.conf.StartupPingInterval)
		}
	}
}

// check runs one connection check and reports whether the engine answered.
func (h *Host) check() bool {
	if !h.backend.Connected() {
		if h.healthy.Swap(false) {
			h.fail("backend connection lost")
		}
		if err := h.connect(h.ctx); err != nil {
			h.logger.Debug().Err(err).Msg("reconnect failed")
			return false
		}
	}
	if h.ctx.Err() != nil {
		return false
	}

	reply, err := h.backend.SendRequest(context.Background(), protocol.PingRequest)
	if err == nil {
		err = protocol.CheckPingReply(reply)
	}
	if err != nil {
		if h.ctx.Err() != nil {
			return false
		}
		h.healthy.Store(false)
		h.fail(err.Error())
		return false
	}

	if !h.healthy.Swap(true) {
		h.logger.Info().Msg("engine reachable")
	}
	h.pingOnce.Do(func() { close(h.firstPing) })
	return true
}

// fail tears the backend connection down and interrupts every client.
func (h *Host) fail(reason string) {
	h.logger.Warn().Str("reason", reason).Msg("connection check failed")

	h.backend.Unsubscribe(h)
	h.backend.Disconnect()

	for _, s := range h.allSessions() {
		s.InterruptAll(reason)
	}
}

// OnClientConnection attaches a new client, creating the backend session
// first when the request carries no session id.
func (h *Host) OnClientConnection(ctx context.Context, req ConnectRequest) (*Client, error) {
	id := req.SessionID
	if id.IsZero() {
		var err error
		if id, err = h.backend.StartSession(ctx, req.Credentials); err != nil {
			return nil, err
		}
		h.logger.Info().Str("session_id", id.String()).Str("username", req.Credentials.Username).Msg("session created")
	}

	reply, err := h.backend.SendRequest(ctx, protocol.ConnectRequest(id))
	if err != nil {
		return nil, err
	}
	ident, err := protocol.ParseClientIdentifier(reply)
	if err != nil {
		return nil, fmt.Errorf("connect to session %s: %w", id, err)
	}
	if err := ctx.Err(); err != nil {
		// The caller left while the engine attached the client.
		if _, derr := h.backend.SendRequest(context.Background(), protocol.DisconnectRequest(id, ident)); derr != nil {
			h.logger.Debug().Err(derr).Str("client_id", ident.IDHex()).Msg("disconnect of abandoned client failed")
		}
		return nil, err
	}

	h.mu.Lock()
	s, ok := h.sessions[id]
	if !ok {
		s = newSession(id, h.backend, h.conf, h.onSessionFailure, h.logger)
		h.sessions[id] = s
		s.Start()
	}
	c := s.CreateClient(ident)
	h.mu.Unlock()

	h.logger.Info().
		Str("session_id", id.String()).
		Str("client_id", ident.IDHex()).
		Uint64("client_index", ident.Index).
		Msg("client connected")

	return c, nil
}

// OnClientDisconnected detaches c, stopping its session when it was the last
// member, and returns the number of clients left on this host.
func (h *Host) OnClientDisconnected(c *Client) int {
	if h.backend.Connected() {
		if _, err := h.backend.SendRequest(context.Background(), protocol.DisconnectRequest(c.SessionID(), c.Identifier())); err != nil {
			h.logger.Warn().Err(err).Str("client_id", c.Identifier().IDHex()).Msg("disconnect request failed")
		}
	}

	h.mu.Lock()
	s := h.ownerLocked(c)
	var emptied *Session
	if s != nil && s.DisconnectClient(c) == 0 {
		emptied = s
		if h.sessions[s.ID()] == s {
			delete(h.sessions, s.ID())
		}
		delete(h.draining, s)
	}
	remaining := h.clientCountLocked()
	h.mu.Unlock()

	if emptied != nil {
		emptied.Stop()
		h.logger.Info().Str("session_id", emptied.ID().String()).Msg("session removed")
	}
	return remaining
}

func (h *Host) ownerLocked(c *Client) *Session {
	if s, ok := h.sessions[c.SessionID()]; ok && s.Has(c) {
		return s
	}
	for s := range h.draining {
		if s.Has(c) {
			return s
		}
	}
	return nil
}

// onSessionFailure unregisters a failed session so that new clients for the
// same id get a fresh one. The failed session drains as its clients leave.
func (h *Host) onSessionFailure(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.ID()] == s {
		delete(h.sessions, s.ID())
	}
	if s.ClientCount() > 0 {
		h.draining[s] = struct{}{}
	}
}

// OnMessage routes a broadcast to the session whose id leads the frame.
// Unknown ids are dropped.
func (h *Host) OnMessage(msg []byte) {
	id, err := protocol.SessionIDFromBytes(msg)
	if err != nil {
		h.logger.Debug().Int("len", len(msg)).Msg("dropped short broadcast")
		return
	}

	h.mu.Lock()
	s := h.sessions[id]
	h.mu.Unlock()

	if s == nil {
		h.logger.Trace().Str("session_id", id.String()).Msg("broadcast for unknown session")
		return
	}
	s.OnMessage(msg)
}

func (h *Host) allSessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions)+len(h.draining))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	for s := range h.draining {
		out = append(out, s)
	}
	return out
}

// Session returns the live session for id.
func (h *Host) Session(id protocol.SessionID) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

func (h *Host) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions) + len(h.draining)
}

// ClientCount sums the clients of every session, draining ones included.
func (h *Host) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientCountLocked()
}

func (h *Host) clientCountLocked() int {
	n := 0
	for _, s := range h.sessions {
		n += s.ClientCount()
	}
	for s := range h.draining {
		n += s.ClientCount()
	}
	return n
}
