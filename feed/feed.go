// Package feed implements the application-facing Feed handle (§4.4):
// desired-state tracking, the emission-rule table, and destroy
// semantics, sitting above package client the way the teacher's
// realtime.Conversation sits above its Hub as a per-subscriber view of
// shared server state.
package feed

import (
	"encoding/json"
	"sync"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/wire"
)

// DesiredState is what the application wants for this handle.
type DesiredState string

const (
	DesiredOpen   DesiredState = "open"
	DesiredClosed DesiredState = "closed"
)

// State is what handle.State() reports to the application (§4.3's
// feed-handle -> server-state mapping).
type State string

const (
	StateClosed  State = "closed"
	StateOpening State = "opening"
	StateOpen    State = "open"
)

// lastEmission is the handle's own last-observed-by-application state,
// distinct from State() which is recomputed on every call.
type lastEmission int

const (
	emissionClose lastEmission = iota
	emissionOpening
	emissionOpen
)

// Listener receives the four events a Feed handle can emit. All four
// are invoked from the owning client's FIFO deferral queue.
type Listener interface {
	Opening()
	Open()
	Close(err error)
	Action(actionName string, actionData, newData, oldData json.RawMessage)
}

// Owner is implemented by package client: a Feed handle delegates
// desire changes to it so the client can run _considerFeedState, and
// uses it to defer any listener emission an application-thread method
// triggers directly (as opposed to a Server* method, which the client
// only ever calls from its own FIFO deferral goroutine already).
type Owner interface {
	DesireChanged(h *Handle)
	Detach(h *Handle)
	Data(identity wire.FeedIdentity) (json.RawMessage, bool)
	Defer(fn func())
}

// Handle is one application-held reference to a feed. Multiple Handles
// can share the same server-side feed (same serial); each tracks its
// own desired state and emission history independently.
type Handle struct {
	owner    Owner
	identity wire.FeedIdentity
	listener Listener

	mu            sync.Mutex
	desired       DesiredState
	last          lastEmission
	lastCloseKind errs.Tag
	haveLastClose bool
	destroyed     bool
}

// New constructs a Handle in the desired-closed state, not yet
// attached to any server-side feed activity until DesireOpen is called.
func New(owner Owner, identity wire.FeedIdentity, listener Listener) *Handle {
	return &Handle{owner: owner, identity: identity, listener: listener, desired: DesiredClosed, last: emissionClose}
}

// Identity returns the feed name+args this handle refers to.
func (h *Handle) Identity() wire.FeedIdentity { return h.identity }

// State reports what the application should currently believe about
// this handle (§4.3's handle -> server-state mapping), derived from
// the handle's own last-reported emission: a handle desired closed,
// or whose client has disconnected (which always surfaces here as a
// ServerClosed call before the application can observe otherwise), is
// always StateClosed.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed || h.desired == DesiredClosed {
		return StateClosed
	}
	switch h.last {
	case emissionOpening:
		return StateOpening
	case emissionOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// DesiredState returns the application's last-declared desire.
func (h *Handle) DesiredState() DesiredState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desired
}

// DesireOpen declares the application wants this feed open. It is an
// error to call while already desired open.
func (h *Handle) DesireOpen() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errs.New(errs.Destroyed, "feed handle has been destroyed")
	}
	if h.desired == DesiredOpen {
		h.mu.Unlock()
		return errs.New(errs.InvalidFeedState, "desireOpen() called on an already-open-desired handle")
	}
	h.desired = DesiredOpen
	h.mu.Unlock()

	h.owner.DesireChanged(h)
	return nil
}

// DesireClosed declares the application no longer wants this feed
// open. It is an error to call while already desired closed.
func (h *Handle) DesireClosed() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errs.New(errs.Destroyed, "feed handle has been destroyed")
	}
	if h.desired == DesiredClosed {
		h.mu.Unlock()
		return errs.New(errs.InvalidFeedState, "desireClosed() called on an already-closed-desired handle")
	}
	h.desired = DesiredClosed
	h.last = emissionClose
	h.haveLastClose = false
	h.mu.Unlock()

	h.owner.DesireChanged(h)
	// Unlike the Server* methods below, DesireClosed is called directly
	// from application code: the close must still be deferred one tick
	// (§4.5) rather than delivered synchronously out of this call.
	h.owner.Defer(func() { h.listener.Close(nil) })
	return nil
}

// Destroy permanently detaches the handle. It is only permitted while
// desired closed. Afterwards DesireOpen, DesireClosed and Destroy return
// DESTROYED; State reports StateClosed, DesiredState reports the last
// desire and Data reports no data, none of them with an error.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errs.New(errs.Destroyed, "feed handle has already been destroyed")
	}
	if h.desired != DesiredClosed {
		h.mu.Unlock()
		return errs.New(errs.InvalidFeedState, "destroy() requires the handle to be desired closed")
	}
	h.destroyed = true
	h.mu.Unlock()

	h.owner.Detach(h)
	return nil
}

// Data returns the current frozen feed data, or nil if the feed is not
// currently open from the server's point of view.
func (h *Handle) Data() (json.RawMessage, bool) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil, false
	}
	h.mu.Unlock()
	return h.owner.Data(h.identity)
}

func (h *Handle) notify(fn func()) {
	// Listener invocation is expected to already be routed through the
	// owning client's FIFO queue by the caller (ServerOpen/ServerOpening/
	// etc. below), so fn runs inline here.
	fn()
}

// ServerOpening informs the handle that the server-observed feed just
// transitioned to opening (§4.4's emission-rule table).
func (h *Handle) ServerOpening() {
	h.mu.Lock()
	if h.destroyed || h.desired != DesiredOpen {
		h.mu.Unlock()
		return
	}
	switch h.last {
	case emissionClose:
		h.last = emissionOpening
		h.mu.Unlock()
		h.notify(func() { h.listener.Opening() })
	default:
		h.mu.Unlock()
	}
}

// ServerOpen informs the handle that the server-observed feed just
// transitioned to open.
func (h *Handle) ServerOpen() {
	h.mu.Lock()
	if h.destroyed || h.desired != DesiredOpen {
		h.mu.Unlock()
		return
	}
	switch h.last {
	case emissionClose:
		h.last = emissionOpen
		h.mu.Unlock()
		h.notify(func() { h.listener.Opening() })
		h.notify(func() { h.listener.Open() })
	case emissionOpening:
		h.last = emissionOpen
		h.mu.Unlock()
		h.notify(func() { h.listener.Open() })
	default:
		h.mu.Unlock()
	}
}

// ServerClosed informs the handle that the server-observed feed just
// closed, with cause nil for a clean reopening-cycle closure.
func (h *Handle) ServerClosed(cause error) {
	h.mu.Lock()
	if h.destroyed || h.desired != DesiredOpen {
		h.mu.Unlock()
		return
	}

	switch h.last {
	case emissionOpening:
		if cause == nil {
			// Suppressed: a clean close while still only "opening" is
			// part of a reopening cycle the application never saw open.
			h.mu.Unlock()
			return
		}
		h.last = emissionClose
		h.haveLastClose = true
		h.lastCloseKind = tagOf(cause)
		h.mu.Unlock()
		h.notify(func() { h.listener.Close(cause) })
	case emissionOpen:
		h.last = emissionClose
		h.haveLastClose = true
		h.lastCloseKind = tagOf(cause)
		h.mu.Unlock()
		h.notify(func() { h.listener.Close(cause) })
	case emissionClose:
		// Another close arriving while already last-closed is only
		// visible to the application if its error kind differs from the
		// previously reported one.
		kind := tagOf(cause)
		if h.haveLastClose && h.lastCloseKind == kind {
			h.mu.Unlock()
			return
		}
		h.haveLastClose = true
		h.lastCloseKind = kind
		h.mu.Unlock()
		h.notify(func() { h.listener.Close(cause) })
	}
}

// Action informs the handle of a feedAction the owning client observed
// for this serial while the handle desires open.
func (h *Handle) Action(actionName string, actionData, newData, oldData json.RawMessage) {
	h.mu.Lock()
	if h.destroyed || h.desired != DesiredOpen || h.last != emissionOpen {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	h.notify(func() { h.listener.Action(actionName, actionData, newData, oldData) })
}

func tagOf(err error) errs.Tag {
	var e *errs.Error
	if errs.As(err, &e) {
		return e.Tag
	}
	return ""
}
