package relay

import (
	"context"
	"sync"

	"github.com/Mmx233/XRelay/protocol"
)

// Tunnel is the handle an outer transport drives for one attached client.
type Tunnel struct {
	relay  *Relay
	entry  *hostEntry
	client *Client
	once   sync.Once
}

// Start launches the client's workers. Read and Write fail until it is called.
func (t *Tunnel) Start() error {
	return t.client.Start()
}

// Read blocks for the next frame for the viewer. See Client.Read.
func (t *Tunnel) Read(ctx context.Context) ([]byte, error) {
	return t.client.Read(ctx)
}

// Write forwards an instruction frame to the engine.
func (t *Tunnel) Write(frame []byte) error {
	return t.client.Write(frame)
}

func (t *Tunnel) SessionID() protocol.SessionID {
	return t.client.SessionID()
}

func (t *Tunnel) Identifier() protocol.ClientIdentifier {
	return t.client.Identifier()
}

// Address is the engine address this tunnel is attached to.
func (t *Tunnel) Address() string {
	return t.entry.key
}

// Disconnect stops the client, detaches it from its session and releases the
// host. Later calls do nothing.
func (t *Tunnel) Disconnect() {
	t.once.Do(func() {
		t.client.Stop()
		t.entry.host.OnClientDisconnected(t.client)
		t.relay.forget(t)
		t.relay.release(t.entry)
	})
}
