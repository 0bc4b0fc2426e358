package session

import (
	"encoding/json"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/session/delta"
	"github.com/aarong/feedme-client-go/wire"
)

// FeedOpen sends a FeedOpen for identity and records cb as its
// continuation, transitioning the serial to opening. It requires the
// connected state and that no entry already exists for the serial
// (§3 invariant 1).
func (s *Session) FeedOpen(identity wire.FeedIdentity, cb FeedOpenCallback) error {
	serial := identity.Serial()

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "feedOpen() requires the connected state")
	}
	if _, exists := s.feeds[serial]; exists {
		s.mu.Unlock()
		return errs.New(errs.InvalidFeedState, "feedOpen() called for a serial that already has a table entry")
	}
	s.feeds[serial] = &feedEntry{identity: identity, state: feedOpening, openCB: cb}
	s.mu.Unlock()

	msg := wire.FeedOpen{MessageType: wire.TypeFeedOpen, FeedName: identity.Name, FeedArgs: identity.CloneArgs()}
	raw, err := wire.Marshal(msg)
	if err != nil {
		s.dropFeed(serial)
		return errs.Wrap(errs.InvalidArgument, "feed arguments could not be encoded", err)
	}
	if err := s.tr.Send(string(raw)); err != nil {
		s.dropFeed(serial)
		return err
	}
	return nil
}

// FeedClose sends a FeedClose for identity and records cb as its
// continuation, transitioning the serial to closing. It requires an
// existing open entry for the serial.
func (s *Session) FeedClose(identity wire.FeedIdentity, cb FeedCloseCallback) error {
	serial := identity.Serial()

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "feedClose() requires the connected state")
	}
	entry, exists := s.feeds[serial]
	if !exists || entry.state != feedOpen {
		s.mu.Unlock()
		return errs.New(errs.InvalidFeedState, "feedClose() requires an open feed entry")
	}
	entry.state = feedClosing
	entry.data = nil
	entry.closeCB = cb
	s.mu.Unlock()

	msg := wire.FeedClose{MessageType: wire.TypeFeedClose, FeedName: identity.Name, FeedArgs: identity.CloneArgs()}
	raw, err := wire.Marshal(msg)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "feed arguments could not be encoded", err)
	}
	return s.tr.Send(string(raw))
}

func (s *Session) dropFeed(serial string) {
	s.mu.Lock()
	delete(s.feeds, serial)
	s.mu.Unlock()
}

// FeedData returns the current frozen data for an open feed, or
// (nil, false) if the serial has no open entry.
func (s *Session) FeedData(identity wire.FeedIdentity) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.feeds[identity.Serial()]
	if !ok || entry.state != feedOpen {
		return nil, false
	}
	return entry.data, true
}

func (s *Session) handleFeedOpenResponse(raw []byte) {
	var fr wire.FeedOpenResponse
	if err := wire.Decode(raw, &fr); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed FeedOpenResponse: %v", err))
		return
	}
	identity := wire.FeedIdentity{Name: fr.FeedName, Args: fr.FeedArgs}
	serial := identity.Serial()

	s.mu.Lock()
	entry, ok := s.feeds[serial]
	if !ok || entry.state != feedOpening {
		s.mu.Unlock()
		s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "FeedOpenResponse for serial not in the opening state"))
		return
	}
	cb := entry.openCB

	if fr.Success {
		entry.state = feedOpen
		entry.openCB = nil
		data := fr.FeedData
		entry.data = data
		s.mu.Unlock()

		s.post(func() { cb(nil, data) })
		return
	}

	delete(s.feeds, serial)
	s.mu.Unlock()

	rejected := errs.New(errs.Rejected, "server rejected the feed open").WithServerError(fr.ErrorCode, fr.ErrorData)
	s.post(func() { cb(rejected, nil) })
}

func (s *Session) handleFeedCloseResponse(raw []byte) {
	var fr wire.FeedCloseResponse
	if err := wire.Decode(raw, &fr); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed FeedCloseResponse: %v", err))
		return
	}
	identity := wire.FeedIdentity{Name: fr.FeedName, Args: fr.FeedArgs}
	serial := identity.Serial()

	s.mu.Lock()
	entry, ok := s.feeds[serial]
	if !ok || (entry.state != feedClosing && entry.state != feedTerminated) {
		s.mu.Unlock()
		s.emitBadServerMessage(errs.New(errs.UnexpectedMessage, "FeedCloseResponse for serial not in the closing/terminated state"))
		return
	}
	cb := entry.closeCB
	delete(s.feeds, serial)
	s.mu.Unlock()

	// FeedCloseResponse always succeeds from the client's point of view (§4.2).
	s.post(func() { cb(nil) })
}

func (s *Session) handleFeedAction(raw []byte) {
	var fa wire.FeedAction
	if err := wire.Decode(raw, &fa); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed FeedAction: %v", err))
		return
	}
	identity := wire.FeedIdentity{Name: fa.FeedName, Args: fa.FeedArgs}
	serial := identity.Serial()

	s.mu.Lock()
	entry, ok := s.feeds[serial]
	if !ok {
		s.mu.Unlock()
		s.emitBadServerMessage(errs.New(errs.UnexpectedMessage, "FeedAction for a serial with no table entry"))
		return
	}
	switch entry.state {
	case feedClosing, feedTerminated:
		// Discarded silently; not a protocol violation (§4.2).
		s.mu.Unlock()
		return
	case feedOpen:
		// fall through below
	default:
		s.mu.Unlock()
		s.emitBadServerMessage(errs.New(errs.UnexpectedMessage, "FeedAction for a feed not in the open state"))
		return
	}

	oldData := entry.data
	s.mu.Unlock()

	newData, err := delta.Apply(oldData, fa.FeedDeltas)
	if err == nil && fa.FeedMd5 != "" && !delta.VerifyMD5(newData, fa.FeedMd5) {
		err = errs.New(errs.InvalidHash, "hash verification failed")
	}
	if err != nil {
		s.closeFeedForBadAction(identity, serial, err)
		return
	}

	s.mu.Lock()
	entry, ok = s.feeds[serial]
	if !ok || entry.state != feedOpen {
		s.mu.Unlock()
		return
	}
	entry.data = newData
	s.mu.Unlock()

	actionName, actionData := fa.ActionName, fa.ActionData
	s.post(func() { s.listener.FeedAction(identity, actionName, actionData, newData, oldData) })
}

// closeFeedForBadAction runs the recovery path for an invalid delta or
// hash mismatch (§4.2 step 2): emit badServerMessage, transition the
// feed to closing by issuing FeedClose, and tell the listener the feed
// is closing now and closed once the close-response lands.
func (s *Session) closeFeedForBadAction(identity wire.FeedIdentity, serial string, cause error) {
	tag := errs.InvalidDelta
	if errs.HasTag(cause, errs.InvalidHash) {
		tag = errs.InvalidHash
	}
	s.emitBadServerMessage(errs.Wrap(tag, "invalid FeedAction", cause))

	badFeedAction := errs.New(errs.BadFeedAction, "server sent an invalid feed action")

	s.mu.Lock()
	entry, ok := s.feeds[serial]
	if !ok || entry.state != feedOpen {
		s.mu.Unlock()
		return
	}
	entry.state = feedClosing
	entry.data = nil
	entry.closeCB = func(error) {
		s.post(func() { s.listener.UnexpectedFeedClosed(identity, badFeedAction) })
	}
	s.mu.Unlock()

	s.post(func() { s.listener.UnexpectedFeedClosing(identity, badFeedAction) })

	msg := wire.FeedClose{MessageType: wire.TypeFeedClose, FeedName: identity.Name, FeedArgs: identity.CloneArgs()}
	raw, err := wire.Marshal(msg)
	if err != nil {
		s.log.Error("session.feed_close_marshal_failed", "err", err)
		return
	}
	if err := s.tr.Send(string(raw)); err != nil {
		s.log.Error("session.feed_close_send_failed", "err", err)
	}
}

func (s *Session) handleFeedTermination(raw []byte) {
	var ft wire.FeedTermination
	if err := wire.Decode(raw, &ft); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed FeedTermination: %v", err))
		return
	}
	identity := wire.FeedIdentity{Name: ft.FeedName, Args: ft.FeedArgs}
	serial := identity.Serial()

	terminated := errs.New(errs.Terminated, "server terminated the feed").WithServerError(ft.ErrorCode, ft.ErrorData)

	s.mu.Lock()
	entry, ok := s.feeds[serial]
	if !ok {
		s.mu.Unlock()
		return
	}

	switch entry.state {
	case feedOpen:
		delete(s.feeds, serial)
		s.mu.Unlock()
		s.post(func() { s.listener.UnexpectedFeedClosing(identity, terminated) })
		s.post(func() { s.listener.UnexpectedFeedClosed(identity, terminated) })
	case feedClosing:
		// The pending close-response is still awaited; the application
		// never learns of the termination (§4.2, Open Question 1 also
		// applies this same silence to a closing feed's late FeedAction).
		entry.state = feedTerminated
		entry.data = nil
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}
