// Package client implements the policy layer on top of package session
// (§4.3): connect/retry/reconnect timers, action and feed-open
// timeouts, the feed-handle lifecycle with _considerFeedState
// reconciliation, and reopen throttling, sitting at the top of the
// TransportWrapper -> Session -> Client layering.
package client

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aarong/feedme-client-go/errs"
	"github.com/aarong/feedme-client-go/feed"
	"github.com/aarong/feedme-client-go/internal/asyncq"
	"github.com/aarong/feedme-client-go/internal/logging"
	"github.com/aarong/feedme-client-go/internal/metrics"
	"github.com/aarong/feedme-client-go/session"
	"github.com/aarong/feedme-client-go/transport"
	"github.com/aarong/feedme-client-go/wire"
)

// Listener receives the connection-level events a Client reports.
// Feed-level events are delivered per-handle instead (see package
// feed); a Client with many feed handles open still reports only one
// stream of connection events here.
type Listener interface {
	Connecting()
	Connect()
	Disconnect(err error)
	BadServerMessage(err error)
	BadClientMessage(diagnostics json.RawMessage)
}

// ActionCallback receives an action's outcome.
type ActionCallback func(err error, data json.RawMessage)

// emission mirrors the client's own last-reported connection event,
// used by the retry/reconnect policy to tell a connect-attempt
// failure from a post-connect transport failure.
type emission int

const (
	emissionDisconnected emission = iota
	emissionConnecting
	emissionConnected
)

// feedRecord is the client's own per-serial bookkeeping, layered above
// the session's feed table: the set of live handles sharing this
// serial, whether the client itself (as opposed to the application)
// asked the session to close it, and the reopen-throttle counter.
type feedRecord struct {
	identity     wire.FeedIdentity
	handles      []*feed.Handle
	pending      bool // a FeedOpen/FeedClose is outstanding with the session
	open         bool // session has confirmed this serial open
	closingLocal bool // the client (not the server) initiated the in-flight close
	reopenCount  int
	timer        *time.Timer // feed-open timeout, if armed
}

// Client is the application's single entry point: Connect/Disconnect,
// Action, and Feed construct the handles and callbacks described by
// §4.3. It is safe for concurrent use.
type Client struct {
	log      *slog.Logger
	opts     Options
	metrics  *metrics.Metrics
	listener Listener
	queue    *asyncq.Queue
	sess     *session.Session

	mu            sync.Mutex
	emission      emission
	disconnecting bool // application called Disconnect(); suppress late connect/message per §4.5
	connectTimer  *time.Timer
	retryTimer    *time.Timer
	retryAttempts int
	feeds         map[string]*feedRecord
}

// New constructs a Client around a not-yet-connected concrete
// transport, applying opts over DefaultOptions(). It wires its own
// TransportWrapper and Session the way tools/smoke's caller expects:
// the application only ever sees Client.
func New(tr transport.Transport, listener Listener, log *slog.Logger, m *metrics.Metrics, opts ...Option) (*Client, error) {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	if m == nil {
		m = metrics.NewForRegistry(prometheus.NewRegistry())
	}

	c := &Client{
		log:      log,
		opts:     o,
		metrics:  m,
		listener: listener,
		queue:    asyncq.New(),
		feeds:    make(map[string]*feedRecord),
	}

	var sess *session.Session
	wrapper, err := transport.NewWrapper(tr, sinkFunc{get: func() transport.Sink { return sess }}, log)
	if err != nil {
		return nil, err
	}
	sess = session.New(wrapper, sessionSink{c: c}, c.queue, log)
	c.sess = sess
	return c, nil
}

// sinkFunc breaks the Wrapper/Session construction cycle: NewWrapper
// needs a Sink up front, but the Session it will forward events to
// does not exist yet at that point.
type sinkFunc struct{ get func() transport.Sink }

func (f sinkFunc) HandleConnecting()              { f.get().HandleConnecting() }
func (f sinkFunc) HandleConnect()                 { f.get().HandleConnect() }
func (f sinkFunc) HandleMessage(data string)       { f.get().HandleMessage(data) }
func (f sinkFunc) HandleDisconnect(err error)      { f.get().HandleDisconnect(err) }
func (f sinkFunc) HandleTransportError(err error)  { f.get().HandleTransportError(err) }

// Connect requires the client disconnected; arms the connect-timeout
// timer and delegates to the session.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.emission != emissionDisconnected {
		c.mu.Unlock()
		return errs.New(errs.InvalidState, "connect() requires the disconnected state")
	}
	c.disconnecting = false
	c.mu.Unlock()

	if err := c.sess.Connect(); err != nil {
		return err
	}

	c.mu.Lock()
	c.emission = emissionConnecting
	c.metrics.ConnectAttemptsTotal.Inc()
	c.armConnectTimeoutLocked()
	c.mu.Unlock()
	return nil
}

// Disconnect tears the connection down intentionally, suppressing any
// retry/reconnect that a resulting TRANSPORT_FAILURE would otherwise
// trigger, and suppressing any connect/message events still in flight
// from the transport (§4.5).
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.disconnecting = true
	c.cancelConnectTimeoutLocked()
	c.cancelRetryTimerLocked()
	c.mu.Unlock()

	return c.sess.Disconnect(errs.New(errs.InvalidState, "disconnect() called by the application"))
}

func (c *Client) armConnectTimeoutLocked() {
	if c.opts.ConnectTimeoutMs == 0 {
		return
	}
	d := time.Duration(c.opts.ConnectTimeoutMs) * time.Millisecond
	c.connectTimer = time.AfterFunc(d, c.onConnectTimeout)
}

func (c *Client) cancelConnectTimeoutLocked() {
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
}

func (c *Client) cancelRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Client) onConnectTimeout() {
	c.mu.Lock()
	if c.emission != emissionConnecting {
		c.mu.Unlock()
		return
	}
	c.connectTimer = nil
	c.mu.Unlock()

	_ = c.sess.Disconnect(errs.New(errs.Timeout, "connect() timed out"))
}
