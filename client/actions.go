package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/aarong/feedme-client-go/errs"
)

// Action sends an action and arms an actionTimeoutMs watchdog. First
// response wins: whichever of the session's continuation or the timer
// fires first is the one the caller sees; the loser is discarded.
func (c *Client) Action(name string, args json.RawMessage, cb ActionCallback) {
	c.mu.Lock()
	connected := c.emission == emissionConnected
	c.mu.Unlock()

	if !connected {
		err := errs.New(errs.NotConnected, "action() called while not connected")
		c.queue.Post(func() { cb(err, nil) })
		return
	}

	var (
		mu   sync.Mutex
		done bool
		timer *time.Timer
	)
	// finish always posts cb to the client's FIFO queue rather than
	// calling it directly: the session's own continuation already runs
	// from that queue's goroutine, but the synchronous sess.Action()
	// error path below does not, and callers must never observe a
	// synchronous callback out of Action() either way (§4.5/§8).
	finish := func(err error, data json.RawMessage) {
		mu.Lock()
		if done {
			mu.Unlock()
			return
		}
		done = true
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		c.queue.Post(func() { cb(err, data) })
	}

	c.metrics.ActionsTotal.Inc()
	start := time.Now()
	err := c.sess.Action(name, args, func(err error, data json.RawMessage) {
		c.metrics.ActionDurationSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.ActionFailuresTotal.Inc()
		}
		finish(err, data)
	})
	if err != nil {
		finish(err, nil)
		return
	}

	if c.opts.ActionTimeoutMs > 0 {
		mu.Lock()
		timer = time.AfterFunc(time.Duration(c.opts.ActionTimeoutMs)*time.Millisecond, func() {
			c.metrics.ActionFailuresTotal.Inc()
			finish(errs.New(errs.Timeout, "action() timed out"), nil)
		})
		mu.Unlock()
	}
}
