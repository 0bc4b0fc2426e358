package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/internal/logging"
)

// Sink is what a TransportWrapper forwards validated transport events
// to (normally a Session), plus the one event a Sink can receive that a
// raw Transport cannot produce itself: notice that the transport just
// violated its contract.
type Sink interface {
	Handler
	HandleTransportError(err error)
}

// emission tracks the last event the wrapper forwarded, the only state
// sequence legality is judged against (§4.1 "State tracking").
type emission int

const (
	emissionDisconnect emission = iota
	emissionConnecting
	emissionConnect
)

// Wrapper is a contract-enforcing adapter over an untrusted Transport.
// It implements Handler so the wrapped Transport can call back into it,
// and forwards validated events to its own Sink.
type Wrapper struct {
	log *slog.Logger
	tr  Transport
	sink Sink

	mu           sync.Mutex
	lastEmission emission
	broken       bool
}

// NewWrapper validates tr and wires it up to sink. It fails with an
// *errs.Error{Tag: errs.InvalidArgument} if tr does not implement
// EventSource or is not currently Disconnected.
func NewWrapper(tr Transport, sink Sink, log *slog.Logger) (*Wrapper, error) {
	if tr == nil {
		return nil, errs.New(errs.InvalidArgument, "transport must not be nil")
	}
	src, ok := tr.(EventSource)
	if !ok {
		return nil, errs.New(errs.InvalidArgument, "transport does not implement EventSource")
	}
	if tr.State() != Disconnected {
		return nil, errs.New(errs.InvalidArgument, "transport must start in the disconnected state")
	}
	if log == nil {
		log = logging.Discard()
	}

	w := &Wrapper{log: log, tr: tr, sink: sink, lastEmission: emissionDisconnect}
	src.SetHandler(w)
	return w, nil
}

// ---- Outbound (caller -> transport) ----

// Connect is a sequence-checked pass-through to the transport's Connect.
func (w *Wrapper) Connect() error {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return errs.New(errs.TransportError, "transport is broken after a prior contract violation")
	}
	if w.lastEmission != emissionDisconnect {
		w.mu.Unlock()
		return errs.New(errs.InvalidCall, "connect() is only valid after a disconnect emission")
	}
	w.mu.Unlock()

	return w.callTransport(func() error { return w.tr.Connect() })
}

// Send is a sequence-checked pass-through to the transport's Send.
func (w *Wrapper) Send(data string) error {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return errs.New(errs.TransportError, "transport is broken after a prior contract violation")
	}
	if w.lastEmission != emissionConnect {
		w.mu.Unlock()
		return errs.New(errs.InvalidCall, "send() is only valid after a connect emission")
	}
	w.mu.Unlock()

	return w.callTransport(func() error { return w.tr.Send(data) })
}

// Disconnect is a sequence-checked pass-through to the transport's
// Disconnect. Unlike Connect/Send, it does not itself advance
// lastEmission: per §4.1's "lastEmission... updated only when it
// forwards a validated event", the transport is expected to confirm
// the disconnect with its own disconnect event (HandleDisconnect),
// exactly as a real socket close completes asynchronously.
func (w *Wrapper) Disconnect(err error) error {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return errs.New(errs.TransportError, "transport is broken after a prior contract violation")
	}
	if w.lastEmission != emissionConnecting && w.lastEmission != emissionConnect {
		w.mu.Unlock()
		return errs.New(errs.InvalidCall, "disconnect() is only valid after a connecting or connect emission")
	}
	w.mu.Unlock()

	return w.callTransport(func() error { return w.tr.Disconnect(err) })
}

// callTransport invokes fn, converting both an unexpected panic and a
// non-nil error return into a TRANSPORT_ERROR for the immediate caller.
func (w *Wrapper) callTransport(fn func() error) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = w.violate(errs.InvalidResult, fmt.Sprintf("transport method panicked: %v", r))
		}
	}()
	if err := fn(); err != nil {
		return w.violate(errs.InvalidResult, fmt.Sprintf("transport method returned an error: %v", err))
	}
	return nil
}

// violate records the transport as broken, notifies the sink via
// HandleTransportError, and returns a TRANSPORT_ERROR for the caller.
func (w *Wrapper) violate(tag errs.Tag, msg string) error {
	w.mu.Lock()
	w.broken = true
	w.mu.Unlock()
	cause := errs.New(tag, msg)
	w.log.Error("transport.violation", "tag", string(tag), "err", msg)
	if w.sink != nil {
		w.sink.HandleTransportError(cause)
	}
	return errs.Wrap(errs.TransportError, "transport violated its contract", cause)
}

// ---- Inbound (transport -> wrapper -> sink) ----

func (w *Wrapper) HandleConnecting() {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	if w.lastEmission != emissionDisconnect {
		w.mu.Unlock()
		w.violateLocked(errs.UnexpectedEvent, "connecting event out of sequence")
		return
	}
	w.lastEmission = emissionConnecting
	w.mu.Unlock()

	if w.tr.State() != Connecting {
		w.violateLocked(errs.InvalidResult, fmt.Sprintf("transport reported state=%s at the connecting event", w.tr.State()))
		return
	}

	w.log.Debug("transport.connecting")
	if w.sink != nil {
		w.sink.HandleConnecting()
	}
}

func (w *Wrapper) HandleConnect() {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	if w.lastEmission != emissionConnecting {
		w.mu.Unlock()
		w.violateLocked(errs.UnexpectedEvent, "connect event out of sequence")
		return
	}
	w.lastEmission = emissionConnect
	w.mu.Unlock()

	if w.tr.State() != Connected {
		w.violateLocked(errs.InvalidResult, fmt.Sprintf("transport reported state=%s at the connect event", w.tr.State()))
		return
	}

	w.log.Debug("transport.connect")
	if w.sink != nil {
		w.sink.HandleConnect()
	}
}

func (w *Wrapper) HandleMessage(data string) {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	if w.lastEmission != emissionConnect {
		w.mu.Unlock()
		w.violateLocked(errs.UnexpectedEvent, "message event out of sequence")
		return
	}
	w.mu.Unlock()

	if w.tr.State() != Connected {
		w.violateLocked(errs.InvalidResult, fmt.Sprintf("transport reported state=%s at the message event", w.tr.State()))
		return
	}
	if !utf8.ValidString(data) {
		w.violateLocked(errs.BadEventArgument, "message event argument is not valid UTF-8")
		return
	}

	w.log.Debug("transport.message", "bytes", len(data))
	if w.sink != nil {
		w.sink.HandleMessage(data)
	}
}

func (w *Wrapper) HandleDisconnect(err error) {
	w.mu.Lock()
	if w.broken {
		w.mu.Unlock()
		return
	}
	if w.lastEmission != emissionConnecting && w.lastEmission != emissionConnect {
		w.mu.Unlock()
		w.violateLocked(errs.UnexpectedEvent, "disconnect event out of sequence")
		return
	}
	w.lastEmission = emissionDisconnect
	w.mu.Unlock()

	if w.tr.State() != Disconnected {
		w.violateLocked(errs.InvalidResult, fmt.Sprintf("transport reported state=%s at the disconnect event", w.tr.State()))
		return
	}

	w.log.Debug("transport.disconnect", "err", errString(err))
	if w.sink != nil {
		w.sink.HandleDisconnect(err)
	}
}

// violateLocked is violate() for the inbound (event) path, which does
// not hold w.mu when it wants to call into violate.
func (w *Wrapper) violateLocked(tag errs.Tag, msg string) {
	w.mu.Lock()
	w.broken = true
	w.mu.Unlock()

	cause := errs.New(tag, msg)
	w.log.Error("transport.violation", "tag", string(tag), "err", msg)
	if w.sink != nil {
		w.sink.HandleTransportError(cause)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
