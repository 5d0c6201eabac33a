// Package enginetest provides an in-memory rendering engine for tests.
//
// The Engine implements backend.Dialer, so a backend.Transport can be pointed
// at it directly. The host part of every endpoint is ignored: the session port
// reaches the session channel and every other REQ endpoint reaches the control
// channel.
package enginetest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/backend"
	"github.com/Mmx233/XRelay/protocol"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublisherPort = 5556
	CollectorPort = 5557
	SessionPort   = 5558
)

var (
	ErrUnreachable = errors.New("engine unreachable")
	errClosed      = errors.New("socket closed")
)

type session struct {
	failed    bool
	nextIndex uint
}

// Engine is a fake engine. The zero value is not usable; call New.
type Engine struct {
	publicKey  *[backend.KeySize]byte
	privateKey *[backend.KeySize]byte
	keyZ85     string

	mu           sync.Mutex
	sessions     map[protocol.SessionID]*session
	subscribers  map[*subSocket]struct{}
	requests     []string
	unreachable  bool
	silent       bool
	pingFailure  bool
	replyDelay   time.Duration
	createError  *protocol.CreationError
	nextClientID uint32

	creates      atomic.Int32
	dials        atomic.Int32
	instructions chan []byte
}

var _ backend.Dialer = (*Engine)(nil)

// New creates an engine with a fresh key pair.
func New() *Engine {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	keyZ85, err := backend.EncodeZ85(pub[:])
	if err != nil {
		panic(err)
	}
	return &Engine{
		publicKey:    pub,
		privateKey:   priv,
		keyZ85:       keyZ85,
		sessions:     make(map[protocol.SessionID]*session),
		subscribers:  make(map[*subSocket]struct{}),
		instructions: make(chan []byte, 1024),
	}
}

// AddSession registers a running desktop session, as if created earlier.
func (e *Engine) AddSession() protocol.SessionID {
	id := randomSessionID()
	e.mu.Lock()
	e.sessions[id] = &session{}
	e.mu.Unlock()
	return id
}

// FailSession makes pings for id answer pang.
func (e *Engine) FailSession(id protocol.SessionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		s.failed = true
	}
}

// SetUnreachable makes every dial fail.
func (e *Engine) SetUnreachable(v bool) {
	e.mu.Lock()
	e.unreachable = v
	e.mu.Unlock()
}

// SetSilent makes the control channel swallow requests without replying.
func (e *Engine) SetSilent(v bool) {
	e.mu.Lock()
	e.silent = v
	e.mu.Unlock()
}

// SetReplyDelay holds every request/reply answer back by d.
func (e *Engine) SetReplyDelay(d time.Duration) {
	e.mu.Lock()
	e.replyDelay = d
	e.mu.Unlock()
}

func (e *Engine) delay() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replyDelay
}

// SetPingFailure makes engine pings answer pang.
func (e *Engine) SetPingFailure(v bool) {
	e.mu.Lock()
	e.pingFailure = v
	e.mu.Unlock()
}

// SetCreateError makes session creation fail with the given status. A zero
// code restores success.
func (e *Engine) SetCreateError(code int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if code == 0 {
		e.createError = nil
		return
	}
	e.createError = &protocol.CreationError{Code: code, Message: message}
}

// Creates returns how many sessions were created through the session channel.
func (e *Engine) Creates() int {
	return int(e.creates.Load())
}

// Dials returns how many sockets were dialed.
func (e *Engine) Dials() int {
	return int(e.dials.Load())
}

// Requests returns the control requests received so far whose verb is one of
// verbs, or all of them when verbs is empty.
func (e *Engine) Requests(verbs ...string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, req := range e.requests {
		verb, _, _ := strings.Cut(req, ",")
		if len(verbs) == 0 || contains(verbs, verb) {
			out = append(out, req)
		}
	}
	return out
}

// Subscribers returns the number of open broadcast sockets.
func (e *Engine) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subscribers)
}

// Instructions returns the frames pushed on the instruction channel.
func (e *Engine) Instructions() <-chan []byte {
	return e.instructions
}

// Broadcast publishes a raw broadcast message to every subscriber.
func (e *Engine) Broadcast(msg []byte) {
	e.mu.Lock()
	subs := make([]*subSocket, 0, len(e.subscribers))
	for sub := range e.subscribers {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		cp := append([]byte(nil), msg...)
		select {
		case sub.msgs <- cp:
		case <-sub.closed:
		}
	}
}

// Publish stamps id into frame and broadcasts it to the clients selected by mask.
func (e *Engine) Publish(id protocol.SessionID, mask uint64, frame []byte) {
	cp := append([]byte(nil), frame...)
	protocol.StampSessionID(cp, id)
	e.Broadcast(protocol.Envelope(cp, mask))
}

func (e *Engine) dial(endpoint string) (int, error) {
	e.dials.Add(1)
	e.mu.Lock()
	unreachable := e.unreachable
	e.mu.Unlock()
	if unreachable {
		return 0, fmt.Errorf("dial %s: %w", endpoint, ErrUnreachable)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(u.Port())
}

func (e *Engine) DialReq(ctx context.Context, endpoint string) (backend.ReqSocket, error) {
	port, err := e.dial(endpoint)
	if err != nil {
		return nil, err
	}
	handle := e.handleControl
	if port == SessionPort {
		handle = e.handleSession
	}
	s := &reqSocket{handle: handle, delay: e.delay, replies: make(chan []byte, 1), closed: make(chan struct{})}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func (e *Engine) DialSub(ctx context.Context, endpoint string) (backend.SubSocket, error) {
	if _, err := e.dial(endpoint); err != nil {
		return nil, err
	}
	s := &subSocket{engine: e, msgs: make(chan []byte, 1024), closed: make(chan struct{})}
	e.mu.Lock()
	e.subscribers[s] = struct{}{}
	e.mu.Unlock()
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func (e *Engine) DialPush(ctx context.Context, endpoint string) (backend.PushSocket, error) {
	if _, err := e.dial(endpoint); err != nil {
		return nil, err
	}
	s := &pushSocket{engine: e, closed: make(chan struct{})}
	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

func (e *Engine) handleControl(req []byte) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, string(req))
	if e.silent {
		return nil, false
	}

	verb, args, _ := strings.Cut(string(req), ",")
	switch verb {
	case protocol.CommRequest:
		return fmt.Appendf(nil, "%d,%d,%d,%s", PublisherPort, CollectorPort, SessionPort, e.keyZ85), true
	case protocol.PingRequest:
		if args == "" {
			if e.pingFailure {
				return []byte("pang,1,engine unavailable"), true
			}
			return []byte("pong"), true
		}
		id, err := protocol.ParseSessionID(args)
		if s, ok := e.sessions[id]; err != nil || !ok || s.failed {
			return []byte("pang,2,session not found"), true
		}
		return []byte("pong"), true
	case "connect":
		id, err := protocol.ParseSessionID(args)
		s, ok := e.sessions[id]
		if err != nil || !ok || s.failed || s.nextIndex >= 64 {
			return []byte{}, true
		}
		e.nextClientID++
		index := uint64(1) << s.nextIndex
		s.nextIndex++
		return fmt.Appendf(nil, "%08x,%016x", e.nextClientID, index), true
	case "disconnect":
		return []byte("ok"), true
	}
	return []byte("error,unknown request"), true
}

func (e *Engine) handleSession(req []byte) ([]byte, bool) {
	plain, peer, err := backend.OpenRequest(req, e.privateKey)
	if err != nil {
		return []byte("garbage"), true
	}

	var reply string
	verb, _, _ := strings.Cut(string(plain), ",")
	e.mu.Lock()
	switch {
	case verb != "create":
		reply = "1,unknown request"
	case e.createError != nil:
		reply = fmt.Sprintf("%d,%s", e.createError.Code, e.createError.Message)
	default:
		id := randomSessionID()
		e.sessions[id] = &session{}
		e.creates.Add(1)
		reply = "0," + id.String()
	}
	e.mu.Unlock()

	sealed, err := backend.SealReply([]byte(reply), peer, e.privateKey)
	if err != nil {
		return nil, false
	}
	return sealed, true
}

func randomSessionID() protocol.SessionID {
	var raw [protocol.SessionIDSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	id, err := protocol.ParseSessionID(hex.EncodeToString(raw[:]))
	if err != nil {
		panic(err)
	}
	return id
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type reqSocket struct {
	handle  func([]byte) ([]byte, bool)
	delay   func() time.Duration
	replies chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (s *reqSocket) Send(b []byte) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	if reply, ok := s.handle(b); ok {
		select {
		case s.replies <- reply:
		default:
		}
	}
	return nil
}

func (s *reqSocket) Recv() ([]byte, error) {
	if d := s.delay(); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.closed:
			return nil, errClosed
		}
	}
	select {
	case r := <-s.replies:
		return r, nil
	case <-s.closed:
		return nil, errClosed
	}
}

func (s *reqSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type subSocket struct {
	engine *Engine
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *subSocket) Recv() ([]byte, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return nil, errClosed
	}
}

func (s *subSocket) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.engine.mu.Lock()
		delete(s.engine.subscribers, s)
		s.engine.mu.Unlock()
	})
	return nil
}

type pushSocket struct {
	engine *Engine
	closed chan struct{}
	once   sync.Once
}

func (s *pushSocket) Send(frame []byte) error {
	select {
	case <-s.closed:
		return errClosed
	default:
	}
	select {
	case s.engine.instructions <- append([]byte(nil), frame...):
	default:
	}
	return nil
}

func (s *pushSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
