package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/XRelay/backend/enginetest"
	"github.com/Mmx233/XRelay/config"
	"github.com/Mmx233/XRelay/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const engineAddress = "engine.local:5555"

var alice = protocol.Credentials{
	Username: "alice", Password: "secret", Width: 1024, Height: 768, KeyboardLayout: "us",
}

func testBackendConfig() config.Backend {
	conf := config.DefaultBackend()
	conf.RequestTimeout = 200 * time.Millisecond
	conf.SessionCreationTimeout = 200 * time.Millisecond
	conf.StartupPingInterval = 20 * time.Millisecond
	conf.PingInterval = 50 * time.Millisecond
	conf.StartupTimeout = time.Second
	conf.SessionValidationInterval = 50 * time.Millisecond
	conf.KeepAliveInterval = 100 * time.Millisecond
	return conf
}

func newTestRelay(t *testing.T, engine *enginetest.Engine) *Relay {
	t.Helper()
	conf := testBackendConfig()
	r := New(conf, TransportFactory(conf, engine, zerolog.Nop()), zerolog.Nop())
	t.Cleanup(r.Close)
	return r
}

func connect(t *testing.T, r *Relay, req ConnectRequest) *Tunnel {
	t.Helper()
	tun, err := r.Connect(context.Background(), engineAddress, req)
	require.NoError(t, err)
	t.Cleanup(tun.Disconnect)
	require.NoError(t, tun.Start())
	return tun
}

// readData returns the next frame that is not a keep-alive.
func readData(tun *Tunnel, within time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	for {
		frame, err := tun.Read(ctx)
		if err != nil {
			return nil, err
		}
		if protocol.FrameType(frame) != protocol.TypeKeepAlive {
			return frame, nil
		}
	}
}

func TestRelay_ConnectCreatesSession(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	tun := connect(t, r, ConnectRequest{Credentials: alice})

	assert.False(t, tun.SessionID().IsZero())
	assert.Equal(t, protocol.ClientIdentifier{ID: 1, Index: 1}, tun.Identifier())
	assert.Equal(t, engineAddress, tun.Address())
	assert.Equal(t, 1, engine.Creates())
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 1}, r.Stats())
}

func TestRelay_FirstReadIsKeepAlive(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)
	tun := connect(t, r, ConnectRequest{Credentials: alice})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frame, err := tun.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.KeepAliveFrame(), frame)
}

func TestRelay_TunnelNotStarted(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	tun, err := r.Connect(context.Background(), engineAddress, ConnectRequest{Credentials: alice})
	require.NoError(t, err)
	t.Cleanup(tun.Disconnect)

	_, err = tun.Read(context.Background())
	assert.True(t, errors.Is(err, protocol.ErrClientNotConnected))
	assert.True(t, errors.Is(tun.Write(make([]byte, protocol.HeaderSize)), protocol.ErrClientNotConnected))
}

func TestRelay_SharedSession(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	first := connect(t, r, ConnectRequest{Credentials: alice})
	second := connect(t, r, ConnectRequest{SessionID: first.SessionID()})

	assert.Equal(t, first.SessionID(), second.SessionID())
	assert.Equal(t, uint64(1), first.Identifier().Index)
	assert.Equal(t, uint64(2), second.Identifier().Index)
	assert.Equal(t, 1, engine.Creates())
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 2}, r.Stats())
}

func TestRelay_ConcurrentConnectSharesHostAndSession(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)
	id := engine.AddSession()

	const n = 8
	tunnels := make([]*Tunnel, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tunnels[i], errs[i] = r.Connect(context.Background(), engineAddress, ConnectRequest{SessionID: id})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		t.Cleanup(tunnels[i].Disconnect)
	}
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: n}, r.Stats())
	assert.Len(t, engine.Requests(protocol.CommRequest), 1, "one transport per address")
}

func TestRelay_GarbageCollection(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	first := connect(t, r, ConnectRequest{Credentials: alice})
	second := connect(t, r, ConnectRequest{SessionID: first.SessionID()})

	first.Disconnect()
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 1}, r.Stats())

	second.Disconnect()
	second.Disconnect()
	assert.Equal(t, Stats{}, r.Stats())
	assert.Equal(t, 0, engine.Subscribers(), "host transport closed")
	assert.Len(t, engine.Requests("disconnect"), 2)

	_, ok := r.Host(engineAddress)
	assert.False(t, ok)
}

func TestRelay_InvalidAddress(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	for _, address := range []string{"", "engine.local", "engine.local:0", "engine.local:99999", ":5555"} {
		_, err := r.Connect(context.Background(), address, ConnectRequest{Credentials: alice})
		assert.True(t, errors.Is(err, protocol.ErrConnectionRefused), "address %q", address)
	}
	assert.Equal(t, 0, engine.Dials())
}

func TestRelay_HostStartTimeout(t *testing.T) {
	engine := enginetest.New()
	engine.SetUnreachable(true)
	r := newTestRelay(t, engine)

	_, err := r.Connect(context.Background(), engineAddress, ConnectRequest{Credentials: alice})
	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrDisconnected))
	assert.Equal(t, Stats{}, r.Stats())
}

func TestRelay_ConnectRefused(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	// Unknown session: the engine answers the connect request with nothing
	unknown, err := protocol.ParseSessionID("000000000000000000000000000000ff")
	require.NoError(t, err)
	_, err = r.Connect(context.Background(), engineAddress, ConnectRequest{SessionID: unknown})
	assert.True(t, errors.Is(err, protocol.ErrConnectionRefused))

	engine.SetCreateError(3, "invalid credentials")
	_, err = r.Connect(context.Background(), engineAddress, ConnectRequest{Credentials: alice})
	var ce *protocol.CreationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "invalid credentials", ce.Message)

	assert.Equal(t, Stats{}, r.Stats(), "failed connects release the host")
}

func TestRelay_BroadcastFiltering(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	first := connect(t, r, ConnectRequest{Credentials: alice})
	second := connect(t, r, ConnectRequest{SessionID: first.SessionID()})
	id := first.SessionID()

	engine.Publish(id, second.Identifier().Index, protocol.NewFrame(protocol.SessionID{}, 1, 10, []byte("only second")))
	frame, err := readData(second, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), protocol.FrameID(frame))
	assert.Equal(t, []byte("only second"), frame[protocol.HeaderSize:])

	_, err = readData(first, 300*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "first must not receive it")

	engine.Publish(id, 3, protocol.NewFrame(protocol.SessionID{}, 1, 11, nil))
	for _, tun := range []*Tunnel{first, second} {
		frame, err := readData(tun, time.Second)
		require.NoError(t, err)
		assert.Equal(t, uint32(11), protocol.FrameID(frame))
	}

	// Broadcasts for sessions the host does not track are dropped
	engine.Publish(engine.AddSession(), ^uint64(0), protocol.NewFrame(protocol.SessionID{}, 1, 12, nil))
	_, err = readData(first, 300*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRelay_WriteStampsSessionID(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)
	tun := connect(t, r, ConnectRequest{Credentials: alice})

	require.NoError(t, tun.Write(protocol.NewFrame(protocol.SessionID{}, 3, 77, []byte("key"))))

	select {
	case got := <-engine.Instructions():
		id, err := protocol.SessionIDFromBytes(got)
		require.NoError(t, err)
		assert.Equal(t, tun.SessionID(), id)
		assert.Equal(t, uint32(77), protocol.FrameID(got))
	case <-time.After(time.Second):
		t.Fatal("instruction not forwarded")
	}
}

func TestRelay_SessionFailureInterruptsOnlyItsClients(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	failing := connect(t, r, ConnectRequest{Credentials: alice})
	healthy := connect(t, r, ConnectRequest{Credentials: alice})
	require.NotEqual(t, failing.SessionID(), healthy.SessionID())

	engine.FailSession(failing.SessionID())

	_, err := readData(failing, 2*time.Second)
	assert.True(t, errors.Is(err, protocol.ErrConnectionInterrupted))

	// Exactly one interrupt, then the stream ends
	_, err = readData(failing, time.Second)
	assert.Equal(t, io.EOF, err)

	engine.Publish(healthy.SessionID(), 1, protocol.NewFrame(protocol.SessionID{}, 1, 5, nil))
	frame, err := readData(healthy, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), protocol.FrameID(frame))

	// The failed session drains until its client leaves
	assert.Equal(t, Stats{Hosts: 1, Sessions: 2, Clients: 2}, r.Stats())
	failing.Disconnect()
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 1}, r.Stats())
}

func TestRelay_HostFailureCascades(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)

	first := connect(t, r, ConnectRequest{Credentials: alice})
	second := connect(t, r, ConnectRequest{Credentials: alice})

	engine.SetPingFailure(true)
	for _, tun := range []*Tunnel{first, second} {
		_, err := readData(tun, 2*time.Second)
		var ie *protocol.InterruptedError
		require.True(t, errors.As(err, &ie))
		assert.NotEmpty(t, ie.Reason)

		_, err = readData(tun, time.Second)
		assert.Equal(t, io.EOF, err)
	}

	// The host reconnects once the engine recovers
	engine.SetPingFailure(false)
	host, ok := r.Host(engineAddress)
	require.True(t, ok)
	assert.Eventually(t, host.Healthy, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_Close(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)
	tun := connect(t, r, ConnectRequest{Credentials: alice})

	r.Close()

	_, err := readData(tun, time.Second)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, engine.Subscribers())

	_, err = r.Connect(context.Background(), engineAddress, ConnectRequest{Credentials: alice})
	assert.True(t, errors.Is(err, ErrRelayClosed))
}

func TestRelay_AbandonedConnectsLeaveHostUp(t *testing.T) {
	engine := enginetest.New()
	r := newTestRelay(t, engine)
	tun := connect(t, r, ConnectRequest{Credentials: alice})

	// Callers that are already gone never reach the engine
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		_, err := r.Connect(cancelled, engineAddress, ConnectRequest{SessionID: tun.SessionID()})
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	}

	// A caller leaving mid exchange gets its error; the engine side client is detached
	engine.SetReplyDelay(80 * time.Millisecond)
	ctx, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err := r.Connect(ctx, engineAddress, ConnectRequest{SessionID: tun.SessionID()})
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	engine.SetReplyDelay(0)

	time.Sleep(3 * testBackendConfig().PingInterval)

	engine.Publish(tun.SessionID(), tun.Identifier().Index, frameOfType(1, 11))
	frame, err := readData(tun, time.Second)
	require.NoError(t, err, "healthy client must not be interrupted")
	assert.Equal(t, uint32(11), protocol.FrameID(frame))

	assert.Len(t, engine.Requests(protocol.CommRequest), 1, "transport never torn down")
	assert.Len(t, engine.Requests("disconnect"), len(engine.Requests("connect"))-1, "every abandoned attach is detached")
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 1}, r.Stats())
}

func TestRelay_HostStartOutlivesCreatorContext(t *testing.T) {
	engine := enginetest.New()
	engine.SetUnreachable(true)
	r := newTestRelay(t, engine)
	id := engine.AddSession()

	creatorErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := r.Connect(ctx, engineAddress, ConnectRequest{SessionID: id})
		creatorErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		tun *Tunnel
		err error
	}
	waiter := make(chan result, 1)
	go func() {
		tun, err := r.Connect(context.Background(), engineAddress, ConnectRequest{SessionID: id})
		waiter <- result{tun, err}
	}()

	time.Sleep(150 * time.Millisecond)
	engine.SetUnreachable(false)

	err := <-creatorErr
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	select {
	case res := <-waiter:
		require.NoError(t, res.err)
		t.Cleanup(res.tun.Disconnect)
		assert.Equal(t, id, res.tun.SessionID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never got its tunnel")
	}
	assert.Equal(t, Stats{Hosts: 1, Sessions: 1, Clients: 1}, r.Stats())
}

func TestRelay_UnwantedHostStopsAfterStart(t *testing.T) {
	engine := enginetest.New()
	engine.SetUnreachable(true)
	r := newTestRelay(t, engine)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Connect(ctx, engineAddress, ConnectRequest{Credentials: alice})
	require.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	engine.SetUnreachable(false)
	assert.Eventually(t, func() bool {
		_, ok := r.Host(engineAddress)
		return !ok && engine.Subscribers() == 0 && len(engine.Requests(protocol.PingRequest)) > 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRelay_CloseAbortsStartingHost(t *testing.T) {
	engine := enginetest.New()
	engine.SetUnreachable(true)
	r := newTestRelay(t, engine)

	connectErr := make(chan error, 1)
	go func() {
		_, err := r.Connect(context.Background(), engineAddress, ConnectRequest{Credentials: alice})
		connectErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	r.Close()
	assert.Less(t, time.Since(start), testBackendConfig().StartupTimeout)
	assert.ErrorIs(t, <-connectErr, ErrRelayClosed)
}
