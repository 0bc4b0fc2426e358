package wsconn_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/aarong/feedme-client-go/transport"
	"github.com/aarong/feedme-client-go/transport/wsconn"
)

type recordingHandler struct {
	mu         sync.Mutex
	connecting int
	connect    int
	messages   []string
	disconnect int
	done       chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 8)}
}

func (h *recordingHandler) HandleConnecting() {
	h.mu.Lock()
	h.connecting++
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) HandleConnect() {
	h.mu.Lock()
	h.connect++
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) HandleMessage(data string) {
	h.mu.Lock()
	h.messages = append(h.messages, data)
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(err error) {
	h.mu.Lock()
	h.disconnect++
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d/%d", i+1, n)
		}
	}
}

// echoServer accepts a single websocket connection and echoes back
// whatever text frame it receives, grounded on the teacher's
// startWSTestServer/dialWS pair but from the accepting side only.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")

		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if err := c.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}))
}

func TestWsconnConnectSendReceive(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	url := "ws" + srv.URL[len("http"):]
	tr := wsconn.New(url)
	h := newRecordingHandler()
	tr.SetHandler(h)

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitFor(t, 2) // connecting, then connect

	if tr.State() != transport.Connected {
		t.Fatalf("state = %s, want connected", tr.State())
	}

	if err := tr.Send(`{"hello":"world"}`); err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.waitFor(t, 1) // echoed message

	h.mu.Lock()
	got := h.messages
	h.mu.Unlock()
	if len(got) != 1 || got[0] != `{"hello":"world"}` {
		t.Fatalf("messages = %v, want one echoed frame", got)
	}

	if err := tr.Disconnect(nil); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if tr.State() != transport.Disconnected {
		t.Fatalf("state after Disconnect = %s, want disconnected", tr.State())
	}
}

func TestWsconnConnectFailureReportsDisconnect(t *testing.T) {
	// Nothing is listening on this address; the dial must fail and the
	// transport must report a disconnect, never a connect.
	tr := wsconn.New("ws://127.0.0.1:1/does-not-exist")
	h := newRecordingHandler()
	tr.SetHandler(h)

	if err := tr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.waitFor(t, 2) // connecting, then disconnect

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connect != 0 {
		t.Fatalf("expected no connect event on dial failure, got %d", h.connect)
	}
	if h.disconnect != 1 {
		t.Fatalf("expected one disconnect event on dial failure, got %d", h.disconnect)
	}
}
