package transport_test

import (
	"errors"
	"testing"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/transport"
	"github.com/aarong/feedme-client-go/transport/memtransport"
)

type recordingSink struct {
	connecting int
	connect    int
	messages   []string
	disconnect []error
	txErrors   []error
}

func (s *recordingSink) HandleConnecting()      { s.connecting++ }
func (s *recordingSink) HandleConnect()         { s.connect++ }
func (s *recordingSink) HandleMessage(d string) { s.messages = append(s.messages, d) }
func (s *recordingSink) HandleDisconnect(err error) {
	s.disconnect = append(s.disconnect, err)
}
func (s *recordingSink) HandleTransportError(err error) {
	s.txErrors = append(s.txErrors, err)
}

func TestNewWrapperRejectsNonDisconnectedTransport(t *testing.T) {
	tr := memtransport.New()
	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := transport.NewWrapper(tr, &recordingSink{}, nil); err == nil {
		t.Fatalf("expected NewWrapper to reject a non-disconnected transport")
	}
}

func TestWrapperHappyPath(t *testing.T) {
	tr := memtransport.New()
	sink := &recordingSink{}
	w, err := transport.NewWrapper(tr, sink, nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}

	if err := w.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SimulateConnecting()
	tr.SimulateConnect()
	if sink.connecting != 1 || sink.connect != 1 {
		t.Fatalf("expected one connecting and one connect forwarded, got %+v", sink)
	}

	if err := w.Send(`{"MessageType":"Action"}`); err != nil {
		t.Fatalf("Send: %v", err)
	}
	tr.SimulateMessage(`{"MessageType":"ActionResponse"}`)
	if len(sink.messages) != 1 {
		t.Fatalf("expected one message forwarded, got %d", len(sink.messages))
	}

	if err := w.Disconnect(nil); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if len(sink.txErrors) != 0 {
		t.Fatalf("expected no transport errors, got %+v", sink.txErrors)
	}
}

func TestWrapperSendBeforeConnectIsInvalidCall(t *testing.T) {
	tr := memtransport.New()
	w, err := transport.NewWrapper(tr, &recordingSink{}, nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	err = w.Send("x")
	if err == nil || !errs.HasTag(err, errs.InvalidCall) {
		t.Fatalf("expected INVALID_CALL, got %v", err)
	}
}

func TestWrapperOutOfSequenceEventIsUnexpectedEvent(t *testing.T) {
	tr := memtransport.New()
	sink := &recordingSink{}
	if _, err := transport.NewWrapper(tr, sink, nil); err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}

	// A connect event with no preceding connecting event is out of
	// sequence from the wrapper's point of view.
	tr.SimulateConnect()

	if len(sink.txErrors) != 1 || !errs.HasTag(sink.txErrors[0], errs.UnexpectedEvent) {
		t.Fatalf("expected one UNEXPECTED_EVENT, got %+v", sink.txErrors)
	}
}

func TestWrapperInvalidUTF8IsBadEventArgument(t *testing.T) {
	tr := memtransport.New()
	sink := &recordingSink{}
	w, err := transport.NewWrapper(tr, sink, nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	if err := w.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SimulateConnecting()
	tr.SimulateConnect()

	tr.SimulateMessage(string([]byte{0xff, 0xfe, 0xfd}))
	if len(sink.txErrors) != 1 || !errs.HasTag(sink.txErrors[0], errs.BadEventArgument) {
		t.Fatalf("expected one BAD_EVENT_ARGUMENT, got %+v", sink.txErrors)
	}
}

func TestWrapperTransportConnectFailureIsTransportError(t *testing.T) {
	tr := memtransport.New()
	tr.FailConnect = errors.New("boom")
	sink := &recordingSink{}
	w, err := transport.NewWrapper(tr, sink, nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}

	err = w.Connect()
	if err == nil || !errs.HasTag(err, errs.TransportError) {
		t.Fatalf("expected TRANSPORT_ERROR, got %v", err)
	}
	if len(sink.txErrors) != 1 {
		t.Fatalf("expected the sink to observe one transport error, got %d", len(sink.txErrors))
	}

	// The wrapper is now broken; further calls keep failing the same way.
	if err := w.Connect(); err == nil || !errs.HasTag(err, errs.TransportError) {
		t.Fatalf("expected a broken wrapper to keep returning TRANSPORT_ERROR, got %v", err)
	}
}

// badStateTransport reports a state inconsistent with the event it is
// about to fire, to exercise the wrapper's callback-time INVALID_RESULT
// classification.
type badStateTransport struct {
	handler transport.Handler
}

func (b *badStateTransport) SetHandler(h transport.Handler) { b.handler = h }
func (b *badStateTransport) State() transport.State         { return transport.Disconnected }
func (b *badStateTransport) Connect() error                 { return nil }
func (b *badStateTransport) Send(string) error               { return nil }
func (b *badStateTransport) Disconnect(error) error          { return nil }
var _ transport.Transport = (*badStateTransport)(nil)
var _ transport.EventSource = (*badStateTransport)(nil)

func TestWrapperWrongStateAtEventIsInvalidResult(t *testing.T) {
	tr := &badStateTransport{}
	sink := &recordingSink{}
	w, err := transport.NewWrapper(tr, sink, nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	if err := w.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// tr.State() always reports "disconnected", so the connecting event
	// below is a contract violation: the transport claims to be
	// connecting but reports disconnected.
	tr.handler.HandleConnecting()

	if len(sink.txErrors) != 1 || !errs.HasTag(sink.txErrors[0], errs.InvalidResult) {
		t.Fatalf("expected one INVALID_RESULT, got %+v", sink.txErrors)
	}
}
