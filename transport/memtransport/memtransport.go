// Package memtransport is a deterministic in-memory Transport used by
// tests in place of a real socket, the way the teacher's InMemoryStore
// stands in for Postgres.
package memtransport

import (
	"sync"

	"github.com/aarong/feedme-client-go/transport"
)

// Transport is a fully in-process Transport double. Test code drives it
// with Simulate* methods (playing the role of "the server"/"the wire")
// and observes outbound traffic via Sent().
type Transport struct {
	mu      sync.Mutex
	state   transport.State
	handler transport.Handler
	sent    []string

	// FailConnect/FailSend/FailDisconnect let tests force a command to
	// return an error without touching state, to exercise the wrapper's
	// TRANSPORT_ERROR path.
	FailConnect    error
	FailSend       error
	FailDisconnect error
}

// New constructs a Transport in the disconnected state.
func New() *Transport {
	return &Transport{state: transport.Disconnected}
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.state = transport.Connecting
	return nil
}

func (t *Transport) Send(data string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailSend != nil {
		return t.FailSend
	}
	t.sent = append(t.sent, data)
	return nil
}

// Disconnect completes synchronously (unlike a real socket) and fires
// its own confirming disconnect event immediately, the way the
// transport contract requires every Disconnect to eventually do.
func (t *Transport) Disconnect(err error) error {
	t.mu.Lock()
	if t.FailDisconnect != nil {
		defer t.mu.Unlock()
		return t.FailDisconnect
	}
	t.state = transport.Disconnected
	t.mu.Unlock()

	t.handlerSnapshot().HandleDisconnect(err)
	return nil
}

// Sent drains and returns every frame handed to Send since the last call.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sent
	t.sent = nil
	return out
}

// ---- Simulation surface: the "server"/"wire" side of the double ----

// SimulateConnecting fires a connecting event as though the transport
// just started dialing.
func (t *Transport) SimulateConnecting() {
	t.handlerSnapshot().HandleConnecting()
}

// SimulateConnect fires a connect event and moves state to Connected.
func (t *Transport) SimulateConnect() {
	t.mu.Lock()
	t.state = transport.Connected
	t.mu.Unlock()
	t.handlerSnapshot().HandleConnect()
}

// SimulateMessage delivers data as an inbound message event.
func (t *Transport) SimulateMessage(data string) {
	t.handlerSnapshot().HandleMessage(data)
}

// SimulateDisconnect fires a disconnect event and moves state to
// Disconnected, as a real transport would when the peer drops it.
func (t *Transport) SimulateDisconnect(err error) {
	t.mu.Lock()
	t.state = transport.Disconnected
	t.mu.Unlock()
	t.handlerSnapshot().HandleDisconnect(err)
}

func (t *Transport) handlerSnapshot() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.EventSource = (*Transport)(nil)
