package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
)

// Session groups the clients sharing one backend session id and validates
// that the backend session is still alive.
type Session struct {
	id        protocol.SessionID
	backend   Backend
	conf      config.Backend
	onFailure func(*Session)
	logger    zerolog.Logger

	mu      sync.Mutex
	clients []*Client

	failed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(id protocol.SessionID, b Backend, conf config.Backend, onFailure func(*Session), logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		backend:   b,
		conf:      conf,
		onFailure: onFailure,
		logger:    logger.With().Str("session_id", id.String()).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Session) ID() protocol.SessionID {
	return s.id
}

// Failed reports whether validation has failed.
func (s *Session) Failed() bool {
	return s.failed.Load()
}

// Start launches the validator.
func (s *Session) Start() {
	s.wg.Add(1)
	go s.validate()
}

// Stop stops the validator and waits for it. Clients are not touched.
func (s *Session) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Session) validate() {
	defer s.wg.Done()

	timer := time.NewTimer(s.conf.SessionValidationInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		if s.ctx.Err() != nil {
			return
		}

		// Abandoning a request tears down the shared transport, so a stopping
		// session still waits for the reply, bounded by the request timeout.
		reply, err := s.backend.SendRequest(context.Background(), protocol.SessionPingRequest(s.id))
		if err == nil {
			err = protocol.CheckPingReply(reply)
		}
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.fail(err)
			return
		}
		s.logger.Trace().Msg("session ping ok")
		timer.Reset(s.conf.SessionValidationInterval)
	}
}

func (s *Session) fail(err error) {
	if !s.failed.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn().Err(err).Int("clients", s.ClientCount()).Msg("session validation failed")
	s.InterruptAll(err.Error())
	if s.onFailure != nil {
		s.onFailure(s)
	}
}

// InterruptAll delivers an interrupt to every client. Each client accepts at most one.
func (s *Session) InterruptAll(reason string) {
	for _, c := range s.Clients() {
		c.Interrupt(reason)
	}
}

// CreateClient binds a new client to this session.
func (s *Session) CreateClient(ident protocol.ClientIdentifier) *Client {
	c := newClient(ident, s.id, s.conf.KeepAliveInterval, s.SendInstruction, s.logger)

	s.mu.Lock()
	s.clients = append(s.clients, c)
	s.mu.Unlock()

	return c
}

// DisconnectClient removes c and returns the number of remaining clients.
// Removing a client that is not a member is a no-op.
func (s *Session) DisconnectClient(c *Client) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	return len(s.clients)
}

// Has reports whether c is a member.
func (s *Session) Has(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clients {
		if existing == c {
			return true
		}
	}
	return false
}

func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Clients returns a snapshot of the members.
func (s *Session) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Client(nil), s.clients...)
}

// OnMessage delivers a broadcast envelope to every client selected by its
// client-index mask. Each client gets a private copy. Envelopes that select
// nobody are dropped.
func (s *Session) OnMessage(envelope []byte) {
	frame, err := protocol.Unwrap(envelope)
	if err != nil {
		s.logger.Debug().Err(err).Int("len", len(envelope)).Msg("dropped broadcast")
		return
	}
	mask := protocol.EnvelopeMask(envelope)

	var targets []*Client
	for _, c := range s.Clients() {
		if c.Identifier().Selected(mask) {
			targets = append(targets, c)
		}
	}

	// The last target takes the unwrapped frame; copies are made before it is queued.
	for i, c := range targets {
		out := frame
		if i < len(targets)-1 {
			out = append([]byte(nil), frame...)
		}
		if err := c.Push(out); err != nil {
			s.logger.Debug().Err(err).Msg("push broadcast failed")
		}
	}
}

// SendInstruction stamps the session id into frame and pushes it to the backend.
func (s *Session) SendInstruction(frame []byte) error {
	if err := protocol.CheckFrame(frame); err != nil {
		return err
	}
	protocol.StampSessionID(frame, s.id)
	return s.backend.SendInstruction(frame)
}
