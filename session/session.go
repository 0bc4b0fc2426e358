// Package session implements the Feedme protocol state machine (§4.2):
// handshake, action RPC, feed open/close, delta application with hash
// verification, and the disconnect fan-out, sitting directly on top of
// a transport.Wrapper and reporting to a Listener above it (normally
// package client).
package session

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/internal/idgen"
	"github.com/aarong/feedme-client-go/internal/logging"
	"github.com/aarong/feedme-client-go/wire"
)

// State is the session's own three-value state machine (§3).
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// ActionCallback receives an Action's outcome: data on success, an
// *errs.Error (NOT_CONNECTED or REJECTED) on failure. Session arms no
// timer of its own; TIMEOUT comes from package client.
type ActionCallback func(err error, data json.RawMessage)

// FeedOpenCallback receives a FeedOpen's outcome.
type FeedOpenCallback func(err error, data json.RawMessage)

// FeedCloseCallback receives a FeedClose's outcome (always success from
// the client's point of view per §4.2, absent a transport-level abort).
type FeedCloseCallback func(err error)

// Listener is everything above a Session (normally package client)
// receives. Every method is invoked from the session's own FIFO
// deferral queue — never synchronously from an application call into
// Session.
type Listener interface {
	Connecting()
	Connect()
	Disconnect(err error)
	BadServerMessage(err error)
	BadClientMessage(diagnostics json.RawMessage)
	UnexpectedFeedClosing(identity wire.FeedIdentity, err error)
	UnexpectedFeedClosed(identity wire.FeedIdentity, err error)
	FeedAction(identity wire.FeedIdentity, actionName string, actionData, newData, oldData json.RawMessage)
}

// feedState is the server-observed per-serial state (§3).
type feedState string

const (
	feedOpening    feedState = "opening"
	feedOpen       feedState = "open"
	feedClosing    feedState = "closing"
	feedTerminated feedState = "terminated"
)

type feedEntry struct {
	identity wire.FeedIdentity
	state    feedState
	data     json.RawMessage
	openCB   FeedOpenCallback
	closeCB  FeedCloseCallback
}

// outboundTransport is the subset of *transport.Wrapper a Session
// drives, narrowed to an interface so tests can substitute a fake.
type outboundTransport interface {
	Connect() error
	Send(data string) error
	Disconnect(err error) error
}

// queue is the subset of *asyncq.Queue a Session needs, narrowed so
// tests can substitute a synchronous fake to make assertions easier.
type queue interface {
	Post(fn func())
}

// Session is not safe for use from more than one goroutine without its
// own internal locking, which it provides: application calls (the
// "outbound" methods) and transport callbacks (the inbound Handler
// methods invoked by the wrapper) may arrive concurrently in Go even
// though the protocol's own model is single-threaded.
type Session struct {
	log      *slog.Logger
	tr       outboundTransport
	listener Listener
	queue    queue

	mu           sync.Mutex
	state        State
	callbacks    idgen.CallbackIDs
	actions      map[string]ActionCallback
	feeds        map[string]*feedEntry
	pendingCause error
}

// New constructs a Session wired to tr (wrapped by the caller in a
// *transport.Wrapper beforehand) and reporting to listener via q.
func New(tr outboundTransport, listener Listener, q queue, log *slog.Logger) *Session {
	if log == nil {
		log = logging.Discard()
	}
	return &Session{
		log:      log,
		tr:       tr,
		listener: listener,
		queue:    q,
		state:    Disconnected,
		actions:  make(map[string]ActionCallback),
		feeds:    make(map[string]*feedEntry),
	}
}

func (s *Session) post(fn func()) {
	if s.queue != nil {
		s.queue.Post(fn)
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect requires disconnected; delegates to the transport wrapper.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "connect() requires the disconnected state")
	}
	s.mu.Unlock()
	return s.tr.Connect()
}

// Disconnect tears the whole session down unconditionally, used both
// for application-initiated disconnects and internal recovery paths
// (e.g. HANDSHAKE_REJECTED). It is distinct from a single feed's close.
func (s *Session) Disconnect(cause error) error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "disconnect() requires a connecting or connected state")
	}
	s.pendingCause = cause
	s.mu.Unlock()

	return s.tr.Disconnect(cause)
}
