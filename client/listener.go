package client

import (
	"encoding/json"
	"time"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/feed"
	"github.com/aarong/feedme-client-go/session"
	"github.com/aarong/feedme-client-go/wire"
)

// sessionSink adapts a *Client to session.Listener. It exists because
// the application-facing Client.Connect()/Client.Disconnect() methods
// already occupy those names with different signatures; the session
// talks to this adapter instead of to the Client directly.
type sessionSink struct{ c *Client }

var _ session.Listener = sessionSink{}

func (s sessionSink) Connecting()                    { s.c.onConnecting() }
func (s sessionSink) Connect()                        { s.c.onSessionConnect() }
func (s sessionSink) Disconnect(err error)            { s.c.onSessionDisconnect(err) }
func (s sessionSink) BadServerMessage(err error)      { s.c.onBadServerMessage(err) }
func (s sessionSink) BadClientMessage(d json.RawMessage) { s.c.onBadClientMessage(d) }
func (s sessionSink) UnexpectedFeedClosing(identity wire.FeedIdentity, err error) {
	s.c.onUnexpectedFeedClosing(identity, err)
}
func (s sessionSink) UnexpectedFeedClosed(identity wire.FeedIdentity, err error) {
	s.c.onUnexpectedFeedClosed(identity, err)
}
func (s sessionSink) FeedAction(identity wire.FeedIdentity, actionName string, actionData, newData, oldData json.RawMessage) {
	s.c.onFeedAction(identity, actionName, actionData, newData, oldData)
}

// onConnecting is invoked by the session when the transport starts
// connecting. The client's own emissionConnecting is already set by
// Connect()/the retry timer before this fires, so this method only
// forwards to the application.
func (c *Client) onConnecting() {
	if c.suppressed() {
		return
	}
	c.listener.Connecting()
}

// onSessionConnect is invoked once the handshake succeeds.
func (c *Client) onSessionConnect() {
	c.mu.Lock()
	c.cancelConnectTimeoutLocked()
	c.emission = emissionConnected
	c.retryAttempts = 0
	c.mu.Unlock()

	if c.suppressed() {
		return
	}
	c.listener.Connect()
	c.reconsiderAllFeeds()
}

// onSessionDisconnect is invoked once the session (and its transport)
// has fully torn down. This is where retry and reconnect policy run,
// keyed off what the client's own prior emission was (§4.3).
func (c *Client) onSessionDisconnect(cause error) {
	c.mu.Lock()
	wasConnecting := c.emission == emissionConnecting
	wasConnected := c.emission == emissionConnected
	c.emission = emissionDisconnected
	c.cancelConnectTimeoutLocked()
	c.wipeFeedBookkeepingLocked()
	intentional := c.disconnecting
	c.mu.Unlock()

	c.listener.Disconnect(cause)

	if intentional {
		return
	}

	if wasConnecting && c.retryEligible(cause) {
		c.scheduleRetry()
		return
	}
	if wasConnected && c.opts.Reconnect && errs.HasTag(cause, errs.TransportFailure) {
		c.metrics.ReconnectsTotal.Inc()
		_ = c.Connect()
	}
}

func (c *Client) retryEligible(cause error) bool {
	if !errs.HasTag(cause, errs.Timeout) && !errs.HasTag(cause, errs.TransportFailure) {
		return false
	}
	if c.opts.ConnectRetryMs < 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts.ConnectRetryMaxAttempts == 0 || c.retryAttempts < c.opts.ConnectRetryMaxAttempts
}

// scheduleRetry implements the documented backoff formula:
// min(connectRetryMs + attempts*connectRetryBackoffMs, connectRetryMaxMs).
func (c *Client) scheduleRetry() {
	c.mu.Lock()
	attempts := c.retryAttempts
	c.retryAttempts++
	delay := c.opts.ConnectRetryMs + attempts*c.opts.ConnectRetryBackoffMs
	if c.opts.ConnectRetryMaxMs > 0 && delay > c.opts.ConnectRetryMaxMs {
		delay = c.opts.ConnectRetryMaxMs
	}
	if delay < 0 {
		delay = 0
	}
	c.retryTimer = time.AfterFunc(time.Duration(delay)*time.Millisecond, c.onRetryTimer)
	c.mu.Unlock()

	c.metrics.ConnectRetriesTotal.Inc()
}

func (c *Client) onRetryTimer() {
	c.mu.Lock()
	c.retryTimer = nil
	stillDisconnected := c.emission == emissionDisconnected
	c.mu.Unlock()

	if stillDisconnected {
		_ = c.Connect()
	}
}

// onBadServerMessage forwards a protocol-level server violation.
func (c *Client) onBadServerMessage(err error) {
	if c.suppressed() {
		return
	}
	c.listener.BadServerMessage(err)
}

// onBadClientMessage forwards a server-reported violation of our own
// outgoing messages.
func (c *Client) onBadClientMessage(diagnostics json.RawMessage) {
	if c.suppressed() {
		return
	}
	c.listener.BadClientMessage(diagnostics)
}

// suppressed reports whether connect/message-derived events should be
// dropped because the application has already called Disconnect()
// (§4.5: "suppresses connect and message events that occur after the
// application has called disconnect()").
func (c *Client) suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnecting
}

// onUnexpectedFeedClosing is a diagnostic precursor to
// onUnexpectedFeedClosed (the session always emits the pair together);
// it carries nothing a feed handle's emission table reacts to, so it
// is purely a bookkeeping hook here (logging, metrics) rather than a
// handle-visible event.
func (c *Client) onUnexpectedFeedClosing(identity wire.FeedIdentity, err error) {
	c.log.Debug("client.feed_closing_unexpectedly", "feed", identity.Name, "err", err)
}

// onUnexpectedFeedClosed fans an unsolicited feed-closed notice out to
// every handle, updates bookkeeping, applies reopen throttling for
// BAD_FEED_ACTION, and re-considers desired state for the serial.
func (c *Client) onUnexpectedFeedClosed(identity wire.FeedIdentity, err error) {
	serial := identity.Serial()
	rec := c.feedRecordFor(serial)
	if rec == nil {
		return
	}

	c.mu.Lock()
	rec.open = false
	rec.pending = false
	rec.closingLocal = false
	handles := append([]*feed.Handle(nil), rec.handles...)
	c.mu.Unlock()

	for _, h := range handles {
		h.ServerClosed(err)
	}

	if errs.HasTag(err, errs.BadFeedAction) {
		c.handleReopenThrottle(serial)
		return
	}
	c.considerFeedState(serial)
}

// onFeedAction fans an applied delta out to every handle sharing the
// serial.
func (c *Client) onFeedAction(identity wire.FeedIdentity, actionName string, actionData, newData, oldData json.RawMessage) {
	rec := c.feedRecordFor(identity.Serial())
	if rec == nil {
		return
	}
	for _, h := range rec.handles {
		h.Action(actionName, actionData, newData, oldData)
	}
}
