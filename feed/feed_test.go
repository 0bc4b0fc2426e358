package feed

import (
	"encoding/json"
	"testing"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/wire"
)

type fakeOwner struct {
	desireChanges int
	detached      bool
	data          json.RawMessage
}

func (f *fakeOwner) DesireChanged(h *Handle)                                { f.desireChanges++ }
func (f *fakeOwner) Detach(h *Handle)                                       { f.detached = true }
func (f *fakeOwner) Data(identity wire.FeedIdentity) (json.RawMessage, bool) { return f.data, f.data != nil }

// Defer runs fn synchronously: these tests exercise the Handle in
// isolation, with no real queue backing it, the same way the real
// client's queue always runs fn eventually and in order.
func (f *fakeOwner) Defer(fn func()) { fn() }

type recordingListener struct {
	opening int
	open    int
	closes  []error
	actions []string
}

func (r *recordingListener) Opening()                                                     { r.opening++ }
func (r *recordingListener) Open()                                                        { r.open++ }
func (r *recordingListener) Close(err error)                                              { r.closes = append(r.closes, err) }
func (r *recordingListener) Action(name string, actionData, newData, oldData json.RawMessage) { r.actions = append(r.actions, name) }

func newTestHandle() (*Handle, *fakeOwner, *recordingListener) {
	owner := &fakeOwner{}
	l := &recordingListener{}
	h := New(owner, wire.FeedIdentity{Name: "feed1"}, l)
	return h, owner, l
}

func TestDesireOpenThenServerOpenDirectly(t *testing.T) {
	h, owner, l := newTestHandle()
	if err := h.DesireOpen(); err != nil {
		t.Fatalf("DesireOpen: %v", err)
	}
	if owner.desireChanges != 1 {
		t.Fatalf("expected 1 desire change, got %d", owner.desireChanges)
	}
	h.ServerOpen()
	if l.opening != 1 || l.open != 1 {
		t.Fatalf("expected opening+open, got opening=%d open=%d", l.opening, l.open)
	}
	if h.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", h.State())
	}
}

func TestDesireOpenThenOpeningThenOpen(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpening()
	if l.opening != 1 || l.open != 0 {
		t.Fatalf("expected only opening, got opening=%d open=%d", l.opening, l.open)
	}
	h.ServerOpen()
	if l.opening != 1 || l.open != 1 {
		t.Fatalf("expected open to fire once, got opening=%d open=%d", l.opening, l.open)
	}
}

func TestOpeningThenCleanCloseIsSuppressed(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpening()
	h.ServerClosed(nil)
	if len(l.closes) != 0 {
		t.Fatalf("expected suppressed close, got %v", l.closes)
	}
}

func TestOpenThenErrorCloseEmits(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpen()
	cause := errs.New(errs.BadFeedAction, "bad delta")
	h.ServerClosed(cause)
	if len(l.closes) != 1 || l.closes[0] != cause {
		t.Fatalf("expected one close with cause, got %v", l.closes)
	}
}

func TestRepeatedCloseSameKindSuppressed(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpen()
	h.ServerClosed(errs.New(errs.BadFeedAction, "first"))
	h.ServerClosed(errs.New(errs.BadFeedAction, "second"))
	if len(l.closes) != 1 {
		t.Fatalf("expected the second same-kind close to be suppressed, got %d closes", len(l.closes))
	}
}

func TestRepeatedCloseDifferentKindEmits(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpen()
	h.ServerClosed(errs.New(errs.BadFeedAction, "first"))
	h.ServerClosed(errs.New(errs.Terminated, "second"))
	if len(l.closes) != 2 {
		t.Fatalf("expected a second close for a different error kind, got %d closes", len(l.closes))
	}
}

func TestDesireClosedEmitsCloseImmediately(t *testing.T) {
	h, _, l := newTestHandle()
	_ = h.DesireOpen()
	h.ServerOpen()
	if err := h.DesireClosed(); err != nil {
		t.Fatalf("DesireClosed: %v", err)
	}
	if len(l.closes) != 1 || l.closes[0] != nil {
		t.Fatalf("expected one nil-error close, got %v", l.closes)
	}
	if h.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", h.State())
	}
}

func TestDestroyRequiresDesiredClosed(t *testing.T) {
	h, _, _ := newTestHandle()
	_ = h.DesireOpen()
	if err := h.Destroy(); !errs.HasTag(err, errs.InvalidFeedState) {
		t.Fatalf("expected INVALID_FEED_STATE, got %v", err)
	}
	_ = h.DesireClosed()
	if err := h.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := h.DesireOpen(); !errs.HasTag(err, errs.Destroyed) {
		t.Fatalf("expected DESTROYED after destroy, got %v", err)
	}
}

func TestActionSuppressedUnlessOpen(t *testing.T) {
	h, _, l := newTestHandle()
	h.Action("x", nil, nil, nil)
	if len(l.actions) != 0 {
		t.Fatalf("expected action to be suppressed while not open")
	}
	_ = h.DesireOpen()
	h.ServerOpen()
	h.Action("x", nil, nil, nil)
	if len(l.actions) != 1 {
		t.Fatalf("expected one action delivered while open, got %d", len(l.actions))
	}
}
