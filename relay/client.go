package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
)

// delivery is one result handed from the outbound worker to Read.
type delivery struct {
	frame []byte
	err   error
}

// Client is one viewer attached to a Session. Frames pushed by the Session
// are read in priority order through Read; frames written by the viewer are
// forwarded to the Session in FIFO order.
type Client struct {
	ident     protocol.ClientIdentifier
	sessionID protocol.SessionID
	keepAlive time.Duration
	forward   func(frame []byte) error
	logger    zerolog.Logger

	outbound *messageQueue
	inbound  *instructionQueue
	out      chan delivery

	mu      sync.Mutex
	started bool
	stopped bool

	interrupted atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClient(ident protocol.ClientIdentifier, sessionID protocol.SessionID, keepAlive time.Duration, forward func([]byte) error, logger zerolog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ident:     ident,
		sessionID: sessionID,
		keepAlive: keepAlive,
		forward:   forward,
		logger:    logger.With().Str("client_id", ident.IDHex()).Logger(),
		outbound:  newMessageQueue(),
		inbound:   newInstructionQueue(),
		out:       make(chan delivery),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Identifier returns the identifier the backend assigned on connect.
func (c *Client) Identifier() protocol.ClientIdentifier {
	return c.ident
}

// SessionID returns the backend session this client is attached to.
func (c *Client) SessionID() protocol.SessionID {
	return c.sessionID
}

// Start launches the outbound and inbound workers. Starting a running client
// is a no-op; a stopped client cannot be restarted.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return fmt.Errorf("start client %s: %w", c.ident.IDHex(), protocol.ErrClientNotConnected)
	}
	if c.started {
		return nil
	}
	c.started = true

	c.wg.Add(2)
	go c.runOutbound()
	go c.runInbound()

	c.logger.Debug().Msg("client started")
	return nil
}

// Stop signals both workers and waits for them. It is idempotent.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.logger.Debug().Msg("client stopped")
}

func (c *Client) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.stopped
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Push queues a frame for the reader. Frames shorter than the header are
// rejected; pushes to a stopped client are dropped.
func (c *Client) Push(frame []byte) error {
	if err := protocol.CheckFrame(frame); err != nil {
		return err
	}
	if c.isStopped() {
		c.logger.Debug().Msg("push to stopped client ignored")
		return nil
	}
	c.outbound.Push(NewMessage(frame))
	return nil
}

// Interrupt ends the reader's stream with an *protocol.InterruptedError. Only
// the first call has an effect; it reports whether this call delivered it.
func (c *Client) Interrupt(reason string) bool {
	if c.isStopped() {
		return false
	}
	if !c.interrupted.CompareAndSwap(false, true) {
		return false
	}
	c.outbound.Push(InterruptMessage(reason))
	c.logger.Info().Str("reason", reason).Msg("client interrupted")
	return true
}

// Close ends the reader's stream cleanly once queued control messages drain.
func (c *Client) Close() {
	if c.isStopped() {
		return
	}
	c.outbound.Push(CloseMessage())
}

// Read returns the next outbound frame. A cleanly closed stream returns
// io.EOF; an interrupted one returns *protocol.InterruptedError once.
func (c *Client) Read(ctx context.Context) ([]byte, error) {
	if !c.running() {
		return nil, protocol.ErrClientNotConnected
	}

	select {
	case d, ok := <-c.out:
		if !ok {
			// Stop also closes out; only a Close sentinel ends the stream cleanly.
			if c.ctx.Err() != nil {
				return nil, protocol.ErrClientNotConnected
			}
			return nil, io.EOF
		}
		return d.frame, d.err
	case <-c.ctx.Done():
		return nil, protocol.ErrClientNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write queues an instruction for the backend. The frame is copied.
func (c *Client) Write(frame []byte) error {
	if !c.running() {
		return protocol.ErrClientNotConnected
	}
	if err := protocol.CheckFrame(frame); err != nil {
		return err
	}
	c.inbound.Push(append([]byte(nil), frame...))
	return nil
}

// QueueLen returns the number of frames waiting for the reader.
func (c *Client) QueueLen() int {
	return c.outbound.Len()
}

func (c *Client) emit(d delivery) bool {
	select {
	case c.out <- d:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Client) runOutbound() {
	defer c.wg.Done()
	defer close(c.out)

	for {
		m, err := c.outbound.Pop(c.ctx, c.keepAlive)
		if c.ctx.Err() != nil {
			return
		}

		var d delivery
		switch {
		case errors.Is(err, errQueueTimeout):
			d.frame = protocol.KeepAliveFrame()
		case err != nil:
			return
		case m.IsInterrupt():
			c.emit(delivery{err: &protocol.InterruptedError{Reason: m.Reason()}})
			return
		case m.IsClose():
			return
		default:
			d.frame = m.Payload()
			protocol.SetQueueDepth(d.frame, c.outbound.Len())
		}

		if !c.emit(d) {
			return
		}
	}
}

func (c *Client) runInbound() {
	defer c.wg.Done()

	for {
		frame, err := c.inbound.Pop(c.ctx)
		if err != nil || c.ctx.Err() != nil {
			return
		}
		if err := c.forward(frame); err != nil {
			c.logger.Warn().Err(err).Msg("forward instruction failed")
		}
	}
}
