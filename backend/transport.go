package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
)

var errExchangeTimeout = errors.New("no reply before timeout")

// Transport is the connection to one rendering engine. It owns four sockets:
// the control channel (REQ), the broadcast channel (SUB), the instruction
// channel (PUSH) and the session channel (REQ, sealed).
type Transport struct {
	host   string
	port   int
	conf   config.Backend
	dialer Dialer
	logger zerolog.Logger

	connectMu sync.Mutex // serializes Connect

	mu        sync.Mutex // guards ch
	ch        *channels
	connected atomic.Bool

	controlMu     sync.Mutex
	sessionMu     sync.Mutex
	instructionMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

// channels is one generation of engine sockets. A failed generation is closed
// as a whole and never reused.
type channels struct {
	cancel       context.CancelFunc
	control      ReqSocket
	broadcast    SubSocket
	instructions PushSocket
	session      ReqSocket
	sealer       *sealer
	dispatched   chan struct{}
}

func (c *channels) close() {
	for _, s := range []Socket{c.control, c.broadcast, c.instructions, c.session} {
		if s != nil {
			_ = s.Close()
		}
	}
	c.cancel()
}

// New creates a Transport for the engine at host:port. Nothing is dialed until Connect.
func New(host string, port int, conf config.Backend, dialer Dialer, logger zerolog.Logger) *Transport {
	return &Transport{
		host:   host,
		port:   port,
		conf:   conf,
		dialer: dialer,
		logger: logger.With().Str("com", "transport").Str("address", net.JoinHostPort(host, strconv.Itoa(port))).Logger(),
	}
}

func (t *Transport) endpoint(port int) string {
	return "tcp://" + net.JoinHostPort(t.host, strconv.Itoa(port))
}

// Connected reports whether all four channels are established.
func (t *Transport) Connected() bool {
	return t.connected.Load()
}

// Connect establishes the four channels in order. On any failure every channel
// opened so far is closed and an error wrapping ErrDisconnected is returned.
// Connecting an already connected transport is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.connected.Load() {
		return nil
	}

	ch, err := t.open(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Msg("connect failed")
		return fmt.Errorf("connect %s:%d: %w: %w", t.host, t.port, protocol.ErrDisconnected, err)
	}

	t.mu.Lock()
	t.ch = ch
	t.connected.Store(true)
	t.mu.Unlock()

	go t.dispatch(ch)

	t.logger.Info().Msg("connected to engine")
	return nil
}

func (t *Transport) open(ctx context.Context) (_ *channels, err error) {
	// Sockets outlive the caller's context; only the transport closes them.
	sockCtx, cancel := context.WithCancel(context.Background())
	ch := &channels{cancel: cancel, dispatched: make(chan struct{})}
	defer func() {
		if err != nil {
			ch.close()
		}
	}()

	if ch.control, err = t.dialer.DialReq(sockCtx, t.endpoint(t.port)); err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}
	reply, err := exchange(ctx, ch.control, []byte(protocol.CommRequest), t.conf.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("comm request: %w", err)
	}
	info, err := protocol.ParseCommReply(string(reply))
	if err != nil {
		return nil, err
	}
	if err = ctx.Err(); err != nil {
		return nil, err
	}

	if ch.broadcast, err = t.dialer.DialSub(sockCtx, t.endpoint(info.PublisherPort)); err != nil {
		return nil, fmt.Errorf("dial broadcast channel: %w", err)
	}
	if ch.instructions, err = t.dialer.DialPush(sockCtx, t.endpoint(info.CollectorPort)); err != nil {
		return nil, fmt.Errorf("dial instruction channel: %w", err)
	}
	if ch.sealer, err = newSealer(info.ServerPublicKey); err != nil {
		return nil, err
	}
	if ch.session, err = t.dialer.DialReq(sockCtx, t.endpoint(info.SessionPort)); err != nil {
		return nil, fmt.Errorf("dial session channel: %w", err)
	}

	return ch, nil
}

// Disconnect closes every channel. It is idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch != nil {
		t.release(ch, "disconnect")
	}
}

// release tears down ch if it is still the current generation and waits for
// its dispatcher to exit.
func (t *Transport) release(ch *channels, reason string) {
	t.mu.Lock()
	if t.ch != ch {
		t.mu.Unlock()
		return
	}
	t.ch = nil
	t.connected.Store(false)
	t.mu.Unlock()

	ch.close()
	<-ch.dispatched

	t.logger.Info().Str("reason", reason).Msg("disconnected from engine")
}

func (t *Transport) current() *channels {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch
}

// SendRequest sends a text request on the control channel and returns the reply.
// ctx is checked before sending only; once sent, the exchange is bounded by
// the request timeout. A timeout or socket error disconnects the transport, a
// cancelled caller never does.
func (t *Transport) SendRequest(ctx context.Context, request string) (string, error) {
	t.controlMu.Lock()
	defer t.controlMu.Unlock()

	verb, _, _ := strings.Cut(request, ",")
	ch := t.current()
	if ch == nil {
		return "", fmt.Errorf("%s request: %w", verb, protocol.ErrDisconnected)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%s request: %w", verb, err)
	}
	// A REQ socket abandoned mid exchange is unusable, so once sent the
	// exchange runs to its reply or the request timeout.
	reply, err := exchange(context.WithoutCancel(ctx), ch.control, []byte(request), t.conf.RequestTimeout)
	if err != nil {
		t.release(ch, verb+" request failed")
		return "", fmt.Errorf("%s request: %w: %w", verb, protocol.ErrDisconnected, err)
	}
	return string(reply), nil
}

// StartSession asks the engine to create a desktop session for the given credentials.
func (t *Transport) StartSession(ctx context.Context, credentials protocol.Credentials) (protocol.SessionID, error) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()

	ch := t.current()
	if ch == nil {
		return protocol.SessionID{}, fmt.Errorf("create session: %w", protocol.ErrDisconnected)
	}

	if err := ctx.Err(); err != nil {
		return protocol.SessionID{}, fmt.Errorf("create session: %w", err)
	}
	sealed, err := ch.sealer.seal([]byte(protocol.CreateRequest(credentials)))
	if err != nil {
		return protocol.SessionID{}, fmt.Errorf("create session: %w", err)
	}
	reply, err := exchange(context.WithoutCancel(ctx), ch.session, sealed, t.conf.SessionCreationTimeout)
	if err != nil {
		t.release(ch, "create request failed")
		return protocol.SessionID{}, fmt.Errorf("create session: %w: %w", protocol.ErrDisconnected, err)
	}
	plain, err := ch.sealer.open(reply)
	if err != nil {
		return protocol.SessionID{}, fmt.Errorf("create session: %w", err)
	}
	return protocol.ParseCreateReply(string(plain))
}

// SendInstruction pushes a frame to the engine.
func (t *Transport) SendInstruction(frame []byte) error {
	ch := t.current()
	if ch == nil {
		return fmt.Errorf("send instruction: %w", protocol.ErrDisconnected)
	}

	t.instructionMu.Lock()
	err := ch.instructions.Send(frame)
	t.instructionMu.Unlock()
	if err != nil {
		return fmt.Errorf("send instruction: %w: %w", protocol.ErrDisconnected, err)
	}
	return nil
}

// Subscribe registers a listener for broadcast messages. Registering the same
// listener twice delivers every message twice.
func (t *Transport) Subscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	listeners := make([]Listener, len(t.listeners), len(t.listeners)+1)
	copy(listeners, t.listeners)
	t.listeners = append(listeners, l)
}

// Unsubscribe removes the first registration of l.
func (t *Transport) Unsubscribe(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	for i, existing := range t.listeners {
		if existing == l {
			listeners := make([]Listener, 0, len(t.listeners)-1)
			listeners = append(listeners, t.listeners[:i]...)
			t.listeners = append(listeners, t.listeners[i+1:]...)
			return
		}
	}
}

func (t *Transport) dispatch(ch *channels) {
	defer close(ch.dispatched)
	for {
		msg, err := ch.broadcast.Recv()
		if err != nil {
			t.logger.Debug().Err(err).Msg("broadcast channel closed")
			return
		}

		t.listenersMu.RLock()
		listeners := t.listeners
		t.listenersMu.RUnlock()

		for _, l := range listeners {
			l.OnMessage(msg)
		}
	}
}

// exchange performs one bounded request/reply round trip. On timeout the
// goroutine stays blocked in Recv until the caller closes the socket.
func exchange(ctx context.Context, sock ReqSocket, request []byte, timeout time.Duration) ([]byte, error) {
	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if err := sock.Send(request); err != nil {
			done <- result{err: fmt.Errorf("send: %w", err)}
			return
		}
		reply, err := sock.Recv()
		if err != nil {
			err = fmt.Errorf("recv: %w", err)
		}
		done <- result{reply: reply, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.reply, r.err
	case <-timer.C:
		return nil, errExchangeTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
