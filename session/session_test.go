package session_test

import (
	"encoding/json"
	"testing"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/session"
	"github.com/aarong/feedme-client-go/transport"
	"github.com/aarong/feedme-client-go/transport/memtransport"
	"github.com/aarong/feedme-client-go/wire"
)

// syncQueue runs posted functions immediately on the caller's
// goroutine, trading the "never synchronous" guarantee for
// deterministic, ordering-preserving assertions in tests.
type syncQueue struct{}

func (syncQueue) Post(fn func()) { fn() }

type recordingListener struct {
	connecting  int
	connect     int
	disconnect  []error
	badServer   []error
	badClient   []json.RawMessage
	closingErrs []error
	closedErrs  []error
	feedActions []feedActionCall
}

type feedActionCall struct {
	identity                   wire.FeedIdentity
	actionName                 string
	actionData, newData, oldData json.RawMessage
}

func (l *recordingListener) Connecting()         { l.connecting++ }
func (l *recordingListener) Connect()            { l.connect++ }
func (l *recordingListener) Disconnect(err error) { l.disconnect = append(l.disconnect, err) }
func (l *recordingListener) BadServerMessage(err error) { l.badServer = append(l.badServer, err) }
func (l *recordingListener) BadClientMessage(d json.RawMessage) {
	l.badClient = append(l.badClient, d)
}
func (l *recordingListener) UnexpectedFeedClosing(_ wire.FeedIdentity, err error) {
	l.closingErrs = append(l.closingErrs, err)
}
func (l *recordingListener) UnexpectedFeedClosed(_ wire.FeedIdentity, err error) {
	l.closedErrs = append(l.closedErrs, err)
}
func (l *recordingListener) FeedAction(identity wire.FeedIdentity, actionName string, actionData, newData, oldData json.RawMessage) {
	l.feedActions = append(l.feedActions, feedActionCall{identity, actionName, actionData, newData, oldData})
}

func setup(t *testing.T) (*memtransport.Transport, *session.Session, *recordingListener) {
	t.Helper()
	tr := memtransport.New()
	listener := &recordingListener{}
	var s *session.Session
	w, err := transport.NewWrapper(tr, sinkFunc(func() transport.Sink { return s }), nil)
	if err != nil {
		t.Fatalf("NewWrapper: %v", err)
	}
	s = session.New(w, listener, syncQueue{}, nil)
	return tr, s, listener
}

// sinkFunc lets the wrapper be constructed before the Session that
// will act as its Sink exists, since NewWrapper needs a Sink up front
// and Session.New needs the Wrapper as its outbound transport.
type sinkFunc func() transport.Sink

func (f sinkFunc) HandleConnecting()          { f().HandleConnecting() }
func (f sinkFunc) HandleConnect()             { f().HandleConnect() }
func (f sinkFunc) HandleMessage(data string)  { f().HandleMessage(data) }
func (f sinkFunc) HandleDisconnect(err error) { f().HandleDisconnect(err) }
func (f sinkFunc) HandleTransportError(err error) { f().HandleTransportError(err) }

func connectAndHandshake(t *testing.T, tr *memtransport.Transport, s *session.Session) {
	t.Helper()
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SimulateConnecting()
	tr.SimulateConnect()

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound Handshake, got %d", len(sent))
	}
	tr.SimulateMessage(`{"MessageType":"HandshakeResponse","Success":true,"Version":"0.1"}`)
	if s.State() != session.Connected {
		t.Fatalf("state = %s, want connected", s.State())
	}
}

func TestHandshakeSuccess(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)
	if listener.connecting != 1 || listener.connect != 1 {
		t.Fatalf("listener = %+v", listener)
	}
}

func TestHandshakeRejectedDisconnects(t *testing.T) {
	tr, s, listener := setup(t)
	if err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.SimulateConnecting()
	tr.SimulateConnect()
	tr.Sent()

	tr.SimulateMessage(`{"MessageType":"HandshakeResponse","Success":false}`)

	if len(listener.disconnect) != 1 {
		t.Fatalf("expected one disconnect, got %+v", listener)
	}
	if !errs.HasTag(listener.disconnect[0], errs.HandshakeRejected) {
		t.Fatalf("expected HANDSHAKE_REJECTED, got %v", listener.disconnect[0])
	}
	if s.State() != session.Disconnected {
		t.Fatalf("state = %s, want disconnected", s.State())
	}
}

func TestActionRoundTripSuccess(t *testing.T) {
	tr, s, _ := setup(t)
	connectAndHandshake(t, tr, s)

	var gotErr error
	var gotData json.RawMessage
	err := s.Action("act", json.RawMessage(`{"k":"v"}`), func(err error, data json.RawMessage) {
		gotErr, gotData = err, data
	})
	if err != nil {
		t.Fatalf("Action: %v", err)
	}

	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one outbound Action, got %d", len(sent))
	}
	var a wire.Action
	if err := wire.Decode([]byte(sent[0]), &a); err != nil {
		t.Fatalf("decode sent action: %v", err)
	}
	if a.ActionName != "act" || a.CallbackID != "1" {
		t.Fatalf("a = %+v", a)
	}

	tr.SimulateMessage(`{"MessageType":"ActionResponse","CallbackId":"1","Success":true,"ActionData":{"r":1}}`)
	if gotErr != nil {
		t.Fatalf("gotErr = %v", gotErr)
	}
	if string(gotData) != `{"r":1}` {
		t.Fatalf("gotData = %s", gotData)
	}
}

func TestActionRejected(t *testing.T) {
	tr, s, _ := setup(t)
	connectAndHandshake(t, tr, s)

	var gotErr error
	if err := s.Action("act", nil, func(err error, _ json.RawMessage) { gotErr = err }); err != nil {
		t.Fatalf("Action: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"ActionResponse","CallbackId":"1","Success":false,"ErrorCode":"NOT_ALLOWED"}`)

	if !errs.HasTag(gotErr, errs.Rejected) {
		t.Fatalf("expected REJECTED, got %v", gotErr)
	}
}

func TestFeedOpenCloseRoundTrip(t *testing.T) {
	tr, s, _ := setup(t)
	connectAndHandshake(t, tr, s)

	identity := wire.FeedIdentity{Name: "chat", Args: map[string]string{"room": "1"}}

	var openErr error
	var openData json.RawMessage
	if err := s.FeedOpen(identity, func(err error, data json.RawMessage) {
		openErr, openData = err, data
	}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedOpenResponse","FeedName":"chat","FeedArgs":{"room":"1"},"Success":true,"FeedData":{"count":0}}`)
	if openErr != nil || string(openData) != `{"count":0}` {
		t.Fatalf("openErr=%v openData=%s", openErr, openData)
	}

	var closeErr error
	closeCalled := false
	if err := s.FeedClose(identity, func(err error) { closeCalled = true; closeErr = err }); err != nil {
		t.Fatalf("FeedClose: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedCloseResponse","FeedName":"chat","FeedArgs":{"room":"1"}}`)
	if !closeCalled || closeErr != nil {
		t.Fatalf("closeCalled=%v closeErr=%v", closeCalled, closeErr)
	}
}

func TestFeedActionAppliesDeltaAndVerifiesHash(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)

	identity := wire.FeedIdentity{Name: "chat", Args: map[string]string{"room": "1"}}
	if err := s.FeedOpen(identity, func(error, json.RawMessage) {}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedOpenResponse","FeedName":"chat","FeedArgs":{"room":"1"},"Success":true,"FeedData":{"count":0}}`)

	tr.SimulateMessage(`{"MessageType":"FeedAction","FeedName":"chat","FeedArgs":{"room":"1"},"ActionName":"incr","ActionData":{"by":1},"FeedDeltas":[{"Operation":"Set","Path":["count"],"Value":1}],"FeedMd5":"CxuxFwe2mm4IC62zgWSn6Q=="}`)

	if len(listener.feedActions) != 1 {
		t.Fatalf("expected one feedAction emission, got %d", len(listener.feedActions))
	}
	fa := listener.feedActions[0]
	if string(fa.newData) != `{"count":1}` {
		t.Fatalf("newData = %s", fa.newData)
	}
	if string(fa.oldData) != `{"count":0}` {
		t.Fatalf("oldData = %s", fa.oldData)
	}
}

func TestFeedActionInvalidDeltaClosesFeed(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)

	identity := wire.FeedIdentity{Name: "chat", Args: map[string]string{"room": "1"}}
	if err := s.FeedOpen(identity, func(error, json.RawMessage) {}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedOpenResponse","FeedName":"chat","FeedArgs":{"room":"1"},"Success":true,"FeedData":{"count":0}}`)

	tr.SimulateMessage(`{"MessageType":"FeedAction","FeedName":"chat","FeedArgs":{"room":"1"},"ActionName":"incr","ActionData":{},"FeedDeltas":[{"Operation":"Delete","Path":["missing"]}]}`)

	if len(listener.closingErrs) != 1 || !errs.HasTag(listener.closingErrs[0], errs.BadFeedAction) {
		t.Fatalf("closingErrs = %+v", listener.closingErrs)
	}
	sent := tr.Sent()
	if len(sent) != 1 {
		t.Fatalf("expected the session to issue a FeedClose, got %d sent frames", len(sent))
	}

	tr.SimulateMessage(`{"MessageType":"FeedCloseResponse","FeedName":"chat","FeedArgs":{"room":"1"}}`)
	if len(listener.closedErrs) != 1 || !errs.HasTag(listener.closedErrs[0], errs.BadFeedAction) {
		t.Fatalf("closedErrs = %+v", listener.closedErrs)
	}
}

func TestDisconnectFanOut(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)

	var actionErr error
	if err := s.Action("act", nil, func(err error, _ json.RawMessage) { actionErr = err }); err != nil {
		t.Fatalf("Action: %v", err)
	}
	tr.Sent()

	identity := wire.FeedIdentity{Name: "chat", Args: nil}
	if err := s.FeedOpen(identity, func(error, json.RawMessage) {}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()

	if err := s.Disconnect(errs.New(errs.TransportFailure, "boom")); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	if !errs.HasTag(actionErr, errs.NotConnected) {
		t.Fatalf("expected NOT_CONNECTED for the pending action, got %v", actionErr)
	}
	if len(listener.disconnect) != 1 {
		t.Fatalf("expected one disconnect emission, got %+v", listener.disconnect)
	}
	if s.State() != session.Disconnected {
		t.Fatalf("state = %s", s.State())
	}
}

func TestFeedTerminationWhileOpen(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)

	identity := wire.FeedIdentity{Name: "chat", Args: nil}
	if err := s.FeedOpen(identity, func(error, json.RawMessage) {}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedOpenResponse","FeedName":"chat","FeedArgs":{},"Success":true,"FeedData":{}}`)

	tr.SimulateMessage(`{"MessageType":"FeedTermination","FeedName":"chat","FeedArgs":{},"ErrorCode":"Kicked","ErrorData":{}}`)

	if len(listener.closingErrs) != 1 || len(listener.closedErrs) != 1 {
		t.Fatalf("listener = %+v", listener)
	}
	if !errs.HasTag(listener.closedErrs[0], errs.Terminated) {
		t.Fatalf("expected TERMINATED, got %v", listener.closedErrs[0])
	}
}

func TestFeedTerminationDuringClientCloseIsInvisibleToApplication(t *testing.T) {
	tr, s, listener := setup(t)
	connectAndHandshake(t, tr, s)

	identity := wire.FeedIdentity{Name: "chat", Args: nil}
	if err := s.FeedOpen(identity, func(error, json.RawMessage) {}); err != nil {
		t.Fatalf("FeedOpen: %v", err)
	}
	tr.Sent()
	tr.SimulateMessage(`{"MessageType":"FeedOpenResponse","FeedName":"chat","FeedArgs":{},"Success":true,"FeedData":{}}`)

	closeCalled := false
	var closeErr error
	if err := s.FeedClose(identity, func(err error) { closeCalled = true; closeErr = err }); err != nil {
		t.Fatalf("FeedClose: %v", err)
	}
	tr.Sent()

	// The server races the close with a termination; the application must
	// only ever observe the close-callback, never the termination.
	tr.SimulateMessage(`{"MessageType":"FeedTermination","FeedName":"chat","FeedArgs":{},"ErrorCode":"Kicked","ErrorData":{}}`)
	if len(listener.closingErrs) != 0 || len(listener.closedErrs) != 0 {
		t.Fatalf("expected the termination to stay invisible, got %+v", listener)
	}

	tr.SimulateMessage(`{"MessageType":"FeedCloseResponse","FeedName":"chat","FeedArgs":{}}`)
	if !closeCalled || closeErr != nil {
		t.Fatalf("closeCalled=%v closeErr=%v", closeCalled, closeErr)
	}
}
