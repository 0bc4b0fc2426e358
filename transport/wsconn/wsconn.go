// Package wsconn is the one production Transport implementation this
// repo ships: a github.com/coder/websocket client, adapted from the
// teacher's server-side ws_gateway.go (subprotocol negotiation, bounded
// frame size, heartbeat ping, and read-error classification) but
// dialing out instead of accepting.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/aarong/feedme-client-go/transport"
)

const (
	defaultSendQueueSize = 128
	defaultWriteTimeout  = 5 * time.Second
	defaultReadLimit     = 1 << 20 // 1MiB
	heartbeatInterval    = 25 * time.Second
	heartbeatTimeout     = 5 * time.Second
	maxConsecutivePings  = 3
)

// Option configures a Transport at construction.
type Option func(*Transport)

// WithSubprotocol sets the websocket subprotocol advertised at dial time.
func WithSubprotocol(p string) Option {
	return func(t *Transport) { t.subprotocol = p }
}

// WithReadLimit bounds the size of a single inbound frame.
func WithReadLimit(n int64) Option {
	return func(t *Transport) { t.readLimit = n }
}

// Transport is a client-side websocket Transport implementation.
type Transport struct {
	url         string
	subprotocol string
	readLimit   int64

	mu      sync.Mutex
	state   transport.State
	handler transport.Handler
	conn    *websocket.Conn
	cancel  context.CancelFunc
	closeOnce sync.Once
	sendCh  chan string
}

// New constructs a Transport targeting url (a ws:// or wss:// endpoint),
// starting in the disconnected state.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:       url,
		readLimit: defaultReadLimit,
		state:     transport.Disconnected,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *Transport) State() transport.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect dials the server in the background and reports connecting
// immediately (the dial itself happens on its own goroutine, consistent
// with spec.md treating "connecting" as covering the pre-handshake
// window).
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.state != transport.Disconnected {
		t.mu.Unlock()
		return fmt.Errorf("wsconn: Connect called while state=%s", t.state)
	}
	t.state = transport.Connecting
	t.sendCh = make(chan string, defaultSendQueueSize)
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.closeOnce = sync.Once{}
	t.mu.Unlock()

	h := t.handlerSnapshot()
	if h != nil {
		h.HandleConnecting()
	}

	go t.run(ctx)
	return nil
}

func (t *Transport) Send(data string) error {
	t.mu.Lock()
	ch := t.sendCh
	state := t.state
	t.mu.Unlock()

	if state != transport.Connected || ch == nil {
		return fmt.Errorf("wsconn: Send called while state=%s", state)
	}
	select {
	case ch <- data:
		return nil
	default:
		return errors.New("wsconn: outbound queue is full")
	}
}

func (t *Transport) Disconnect(_ error) error {
	t.mu.Lock()
	cancel := t.cancel
	conn := t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	t.mu.Lock()
	t.state = transport.Disconnected
	t.mu.Unlock()
	return nil
}

func (t *Transport) handlerSnapshot() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// run owns the dial, and once connected, the reader/writer/heartbeat
// loops, adapted from ws_gateway.go's HandleWS but for the dialing side.
func (t *Transport) run(ctx context.Context) {
	var opts *websocket.DialOptions
	if t.subprotocol != "" {
		opts = &websocket.DialOptions{Subprotocols: []string{t.subprotocol}}
	}

	conn, _, err := websocket.Dial(ctx, t.url, opts)
	if err != nil {
		t.finish(fmt.Errorf("dial: %w", err))
		return
	}
	conn.SetReadLimit(t.readLimit)

	t.mu.Lock()
	if ctx.Err() != nil {
		t.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return
	}
	t.conn = conn
	t.state = transport.Connected
	t.mu.Unlock()

	if h := t.handlerSnapshot(); h != nil {
		h.HandleConnect()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.writeLoop(gctx, conn) })
	g.Go(func() error { return t.heartbeatLoop(gctx, conn) })
	g.Go(func() error { return t.readLoop(gctx, conn) })

	runErr := g.Wait()
	t.finish(runErr)
}

func (t *Transport) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-t.sendCh:
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, []byte(data))
			cancel()
			if err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := conn.Ping(hctx)
			cancel()
			if err != nil {
				failures++
				if failures >= maxConsecutivePings {
					return fmt.Errorf("heartbeat: %w", err)
				}
				continue
			}
			failures = 0
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		mt, data, err := conn.Read(ctx)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose, readErrCtxDone:
				return nil
			default:
				return fmt.Errorf("read: %w", err)
			}
		}
		if mt != websocket.MessageText && mt != websocket.MessageBinary {
			continue
		}
		if h := t.handlerSnapshot(); h != nil {
			h.HandleMessage(string(data))
		}
	}
}

// finish tears the connection down exactly once and reports the
// disconnect event.
func (t *Transport) finish(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.state = transport.Disconnected
		t.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}
		if h := t.handlerSnapshot(); h != nil {
			h.HandleDisconnect(err)
		}
	})
}

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
)

// classifyReadErr is adapted from ws_gateway.go's classifyWSReadErr,
// trimmed to the two cases the client treats as a clean shutdown.
func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrCtxDone
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return readErrCtxDone
	}
	return readErrUnknown
}

var _ transport.Transport = (*Transport)(nil)
var _ transport.EventSource = (*Transport)(nil)
