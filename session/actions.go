package session

import (
	"encoding/json"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/wire"
)

// Action sends an Action message and records cb as its continuation.
// It requires the connected state (a precondition error, thrown
// synchronously per §7); Client is responsible for short-circuiting
// actions called while disconnected with NOT_CONNECTED instead of
// calling down into Session at all.
func (s *Session) Action(name string, args json.RawMessage, cb ActionCallback) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return errs.New(errs.InvalidState, "action() requires the connected state")
	}

	id := s.callbacks.Next()
	s.actions[id] = cb
	s.mu.Unlock()

	msg := wire.Action{MessageType: wire.TypeAction, ActionName: name, ActionArgs: args, CallbackID: id}
	raw, err := wire.Marshal(msg)
	if err != nil {
		s.dropAction(id)
		return errs.Wrap(errs.InvalidArgument, "action arguments could not be encoded", err)
	}
	if err := s.tr.Send(string(raw)); err != nil {
		s.dropAction(id)
		return err
	}
	return nil
}

func (s *Session) dropAction(id string) {
	s.mu.Lock()
	delete(s.actions, id)
	s.mu.Unlock()
}

func (s *Session) handleActionResponse(raw []byte) {
	var ar wire.ActionResponse
	if err := wire.Decode(raw, &ar); err != nil {
		s.emitBadServerMessage(errs.Newf(errs.InvalidMessage, "malformed ActionResponse: %v", err))
		return
	}

	s.mu.Lock()
	cb, ok := s.actions[ar.CallbackID]
	if ok {
		delete(s.actions, ar.CallbackID)
	}
	s.mu.Unlock()

	if !ok {
		s.emitBadServerMessage(errs.Newf(errs.UnexpectedMessage, "ActionResponse for unknown callback id %q", ar.CallbackID))
		return
	}

	if ar.Success {
		data := ar.ActionData
		s.post(func() { cb(nil, data) })
		return
	}

	rejected := errs.New(errs.Rejected, "server rejected the action").WithServerError(ar.ErrorCode, ar.ErrorData)
	s.post(func() { cb(rejected, nil) })
}
