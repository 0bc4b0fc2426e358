package client

import (
	"encoding/json"
	"time"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/feed"
	"github.com/aarong/feedme-client-go/wire"
)

var _ feed.Owner = (*Client)(nil)

// Feed returns a new handle for name/args reporting to l, appended to
// that serial's handle list. The server-side feed, if any, is shared
// with every other handle already pointed at the same serial.
func (c *Client) Feed(name string, args map[string]string, l feed.Listener) *feed.Handle {
	identity := wire.FeedIdentity{Name: name, Args: args}
	serial := identity.Serial()

	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok {
		rec = &feedRecord{identity: identity}
		c.feeds[serial] = rec
	}
	c.mu.Unlock()

	h := feed.New(c, identity, l)
	c.mu.Lock()
	rec.handles = append(rec.handles, h)
	c.mu.Unlock()
	return h
}

func (c *Client) feedRecordFor(serial string) *feedRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feeds[serial]
}

// DesireChanged implements feed.Owner: called whenever a handle's
// desired state flips, triggering reconciliation for that serial on
// the client's FIFO queue rather than inside the application's call.
func (c *Client) DesireChanged(h *feed.Handle) {
	serial := h.Identity().Serial()
	c.queue.Post(func() { c.considerFeedState(serial) })
}

// Detach implements feed.Owner: removes h from its serial's handle
// list once Destroy() has validated it may be detached.
func (c *Client) Detach(h *feed.Handle) {
	serial := h.Identity().Serial()
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok {
		c.mu.Unlock()
		return
	}
	for i, other := range rec.handles {
		if other == h {
			rec.handles = append(rec.handles[:i], rec.handles[i+1:]...)
			break
		}
	}
	empty := len(rec.handles) == 0 && !rec.pending && !rec.open
	c.mu.Unlock()

	if empty {
		c.mu.Lock()
		delete(c.feeds, serial)
		c.mu.Unlock()
	}
}

// Data implements feed.Owner: the session is the source of truth for
// a server feed's current data, so Client asks it directly rather than
// duplicating a copy in feedRecord.
func (c *Client) Data(identity wire.FeedIdentity) (json.RawMessage, bool) {
	return c.sess.FeedData(identity)
}

// Defer implements feed.Owner: posts fn to the client's own FIFO
// deferral queue, used by Handle methods called directly from
// application code (as opposed to the client's own Server* calls,
// already running on this queue) so no listener is ever invoked
// synchronously out of an application method (§4.5).
func (c *Client) Defer(fn func()) {
	c.queue.Post(fn)
}

func (c *Client) anyHandleDesiresOpen(rec *feedRecord) bool {
	for _, h := range rec.handles {
		if h.DesiredState() == feed.DesiredOpen {
			return true
		}
	}
	return false
}

// considerFeedState implements §4.3's _considerFeedState: desired open
// iff any live handle on the serial desires open; reconciles that
// against what the session currently reports, issuing FeedOpen/
// FeedClose as needed and re-entering itself once I/O completes
// because desires may have changed meanwhile.
func (c *Client) considerFeedState(serial string) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok {
		c.mu.Unlock()
		return
	}
	if rec.pending {
		c.mu.Unlock()
		return
	}
	connected := c.emission == emissionConnected
	desiredOpen := c.anyHandleDesiresOpen(rec)
	isOpen := rec.open
	identity := rec.identity
	handles := append([]*feed.Handle(nil), rec.handles...)
	c.mu.Unlock()

	if !connected {
		return
	}

	switch {
	case desiredOpen && !isOpen:
		c.beginFeedOpen(serial, identity, handles)
	case !desiredOpen && isOpen:
		c.beginFeedClose(serial, identity)
	}
}

func (c *Client) reconsiderAllFeeds() {
	c.mu.Lock()
	serials := make([]string, 0, len(c.feeds))
	for s := range c.feeds {
		serials = append(serials, s)
	}
	c.mu.Unlock()

	for _, s := range serials {
		c.considerFeedState(s)
	}
}

func (c *Client) beginFeedOpen(serial string, identity wire.FeedIdentity, handles []*feed.Handle) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok || rec.pending {
		c.mu.Unlock()
		return
	}
	rec.pending = true
	if c.opts.FeedTimeoutMs > 0 {
		rec.timer = time.AfterFunc(time.Duration(c.opts.FeedTimeoutMs)*time.Millisecond, func() {
			c.queue.Post(func() { c.onFeedOpenTimeout(serial) })
		})
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.ServerOpening()
	}

	c.metrics.FeedOpensTotal.Inc()
	err := c.sess.FeedOpen(identity, func(err error, data json.RawMessage) {
		c.onFeedOpenResponse(serial, handles, err, data)
	})
	if err != nil {
		c.onFeedOpenResponse(serial, handles, err, nil)
	}
}

func (c *Client) onFeedOpenResponse(serial string, handles []*feed.Handle, err error, data json.RawMessage) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok || !rec.pending {
		// Timed out already; this is the suppressed late response.
		c.mu.Unlock()
		return
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.pending = false
	if err == nil {
		rec.open = true
	}
	c.mu.Unlock()

	if err != nil {
		for _, h := range handles {
			h.ServerClosed(err)
		}
		c.considerFeedState(serial)
		return
	}
	for _, h := range handles {
		h.ServerOpen()
	}
	c.considerFeedState(serial)
}

func (c *Client) onFeedOpenTimeout(serial string) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok || !rec.pending {
		c.mu.Unlock()
		return
	}
	rec.pending = false
	rec.timer = nil
	handles := append([]*feed.Handle(nil), rec.handles...)
	c.mu.Unlock()

	timeoutErr := errs.New(errs.Timeout, "feedOpen() timed out")
	for _, h := range handles {
		h.ServerClosed(timeoutErr)
	}
	c.considerFeedState(serial)
}

func (c *Client) beginFeedClose(serial string, identity wire.FeedIdentity) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok || rec.pending {
		c.mu.Unlock()
		return
	}
	rec.pending = true
	rec.closingLocal = true
	c.mu.Unlock()

	c.metrics.FeedClosesTotal.Inc()
	_ = c.sess.FeedClose(identity, func(error) {
		c.mu.Lock()
		rec, ok := c.feeds[serial]
		if ok {
			rec.pending = false
			rec.open = false
			rec.closingLocal = false
		}
		c.mu.Unlock()
		c.considerFeedState(serial)
	})
}

// handleReopenThrottle implements §4.3's reopen throttling for
// unexpectedFeedClosed(BAD_FEED_ACTION).
func (c *Client) handleReopenThrottle(serial string) {
	limit := c.opts.ReopenMaxAttempts
	if limit == 0 {
		c.metrics.FeedReopenSkippedTotal.Inc()
		return
	}
	if limit < 0 {
		c.metrics.FeedReopensTotal.Inc()
		c.considerFeedState(serial)
		return
	}

	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok {
		c.mu.Unlock()
		return
	}
	if rec.reopenCount >= limit {
		c.mu.Unlock()
		c.metrics.FeedReopenSkippedTotal.Inc()
		return
	}
	rec.reopenCount++
	trailing := c.opts.ReopenTrailingMs
	c.mu.Unlock()

	if trailing > 0 {
		time.AfterFunc(time.Duration(trailing)*time.Millisecond, func() {
			c.queue.Post(func() { c.decrementReopenCount(serial, limit) })
		})
	}

	c.metrics.FeedReopensTotal.Inc()
	c.considerFeedState(serial)
}

func (c *Client) decrementReopenCount(serial string, limit int) {
	c.mu.Lock()
	rec, ok := c.feeds[serial]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasAtCap := rec.reopenCount >= limit
	if rec.reopenCount > 0 {
		rec.reopenCount--
	}
	nowBelowCap := rec.reopenCount < limit
	c.mu.Unlock()

	if wasAtCap && nowBelowCap {
		c.considerFeedState(serial)
	}
}

func (c *Client) wipeFeedBookkeepingLocked() {
	for _, rec := range c.feeds {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
		}
		rec.pending = false
		rec.open = false
		rec.closingLocal = false
		rec.reopenCount = 0
	}
}
