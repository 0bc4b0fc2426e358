package session

import (
	"encoding/json"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/transport"
	"github.com/aarong/feedme-client-go/wire"
)

var _ transport.Sink = (*Session)(nil)

// HandleConnecting is called by the transport wrapper when the
// underlying transport starts connecting.
func (s *Session) HandleConnecting() {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	s.post(s.listener.Connecting)
}

// HandleConnect is called once the transport itself is connected; the
// session stays in Connecting (§3: "connecting... covers both
// transport-connecting and post-transport-connected/pre-handshake")
// until a successful HandshakeResponse arrives.
func (s *Session) HandleConnect() {
	s.mu.Lock()
	s.state = Connecting
	s.mu.Unlock()

	hs := wire.NewHandshake()
	raw, err := wire.Marshal(hs)
	if err != nil {
		// A package-literal struct can't fail to marshal; defensive only.
		s.log.Error("session.handshake_marshal_failed", "err", err)
		return
	}
	if err := s.tr.Send(string(raw)); err != nil {
		s.log.Error("session.handshake_send_failed", "err", err)
	}
}

// HandleMessage is called with one decoded transport frame.
func (s *Session) HandleMessage(data string) {
	raw := []byte(data)

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "Invalid JSON: %v", err))
		return
	}

	typ, err := wire.PeekType(raw)
	if err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "Invalid JSON: %v", err))
		return
	}

	if !wire.KnownServerType(typ) {
		s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "unrecognized message type %q", typ))
		return
	}
	if err := wire.Validate(typ, generic); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "Schema violation: %v", err))
		return
	}

	s.mu.Lock()
	handshakeDone := s.state == Connected
	s.mu.Unlock()

	if !handshakeDone {
		if typ != wire.TypeHandshakeResponse {
			s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "expected HandshakeResponse before handshake completes, got %s", typ))
			return
		}
		s.handleHandshakeResponse(raw)
		return
	}

	switch typ {
	case wire.TypeHandshakeResponse:
		s.emitBadServerMessage(errs.New(errs.UnexpectedMessage, "HandshakeResponse received after handshake already completed"))
	case wire.TypeViolationResponse:
		s.handleViolationResponse(raw)
	case wire.TypeActionResponse:
		s.handleActionResponse(raw)
	case wire.TypeFeedOpenResponse:
		s.handleFeedOpenResponse(raw)
	case wire.TypeFeedCloseResponse:
		s.handleFeedCloseResponse(raw)
	case wire.TypeFeedAction, wire.TypeActionRevelation:
		s.handleFeedAction(raw)
	case wire.TypeFeedTermination:
		s.handleFeedTermination(raw)
	default:
		s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "unhandled message type %q", typ))
	}
}

func (s *Session) handleHandshakeResponse(raw []byte) {
	var hr wire.HandshakeResponse
	if err := wire.Decode(raw, &hr); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed HandshakeResponse: %v", err))
		return
	}
	if !hr.Success {
		s.initiateDisconnect(errs.New(errs.HandshakeRejected, "server rejected the handshake"))
		return
	}
	if hr.Version != wire.ProtocolVersion {
		s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "server selected unsupported version %q", hr.Version))
		return
	}

	s.mu.Lock()
	s.state = Connected
	s.mu.Unlock()

	s.post(s.listener.Connect)
}

func (s *Session) handleViolationResponse(raw []byte) {
	var vr wire.ViolationResponse
	if err := wire.Decode(raw, &vr); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed ViolationResponse: %v", err))
		return
	}
	diag := vr.Diagnostics
	s.post(func() { s.listener.BadClientMessage(diag) })
}

// HandleDisconnect is called once the transport confirms it has
// disconnected, whether that disconnect was application-initiated
// (via Session.Disconnect) or detected by the transport itself.
func (s *Session) HandleDisconnect(transportErr error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	cause := s.pendingCause
	s.pendingCause = nil
	if cause == nil {
		if transportErr != nil {
			cause = errs.Wrap(errs.TransportFailure, "transport disconnected", transportErr)
		} else {
			cause = errs.New(errs.TransportFailure, "transport disconnected")
		}
	}

	actions := s.actions
	feeds := s.feeds
	s.actions = make(map[string]ActionCallback)
	s.feeds = make(map[string]*feedEntry)
	s.state = Disconnected
	s.callbacks.Reset()
	s.mu.Unlock()

	s.fanOutDisconnect(actions, feeds, cause)
}

// HandleTransportError is the Sink-only method the wrapper calls when
// the transport itself violates its contract. The wrapper then marks
// itself broken and forwards no further events, including the
// transport's own disconnect, and every later call through it fails
// with TRANSPORT_ERROR; so the session drains its tables and reports
// the disconnect (carrying err) here itself.
func (s *Session) HandleTransportError(err error) {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return
	}
	actions := s.actions
	feeds := s.feeds
	s.actions = make(map[string]ActionCallback)
	s.feeds = make(map[string]*feedEntry)
	s.state = Disconnected
	s.pendingCause = nil
	s.callbacks.Reset()
	s.mu.Unlock()

	s.fanOutDisconnect(actions, feeds, err)
}

// fanOutDisconnect implements §4.2's fixed-order disconnect fan-out.
func (s *Session) fanOutDisconnect(actions map[string]ActionCallback, feeds map[string]*feedEntry, cause error) {
	notConnected := errs.New(errs.NotConnected, "the session disconnected")

	// 1. Every outstanding action callback with NOT_CONNECTED.
	for _, cb := range actions {
		cb := cb
		s.post(func() { cb(notConnected, nil) })
	}

	// 2. Every opening feed's callback with NOT_CONNECTED.
	for _, f := range feeds {
		if f.state == feedOpening {
			cb := f.openCB
			s.post(func() { cb(notConnected, nil) })
		}
	}

	// 3. Every open feed emits unexpectedFeedClosing then unexpectedFeedClosed.
	for _, f := range feeds {
		if f.state == feedOpen {
			identity := f.identity
			s.post(func() { s.listener.UnexpectedFeedClosing(identity, notConnected) })
			s.post(func() { s.listener.UnexpectedFeedClosed(identity, notConnected) })
		}
	}

	// 4. Every closing/terminated feed's close-callback with success.
	for _, f := range feeds {
		if f.state == feedClosing || f.state == feedTerminated {
			cb := f.closeCB
			s.post(func() { cb(nil) })
		}
	}

	// 5. The session's own disconnect event.
	s.post(func() { s.listener.Disconnect(cause) })
}

// initiateDisconnect is the internal recovery path (e.g. a rejected
// handshake): it asks the transport wrapper to disconnect and records
// cause so the eventual HandleDisconnect fan-out reports it verbatim.
func (s *Session) initiateDisconnect(cause error) {
	s.mu.Lock()
	s.pendingCause = cause
	s.mu.Unlock()

	if err := s.tr.Disconnect(cause); err != nil {
		s.log.Error("session.disconnect_failed", "err", err)
	}
}

func (s *Session) emitBadServerMessage(cause error) {
	s.post(func() { s.listener.BadServerMessage(cause) })
}
