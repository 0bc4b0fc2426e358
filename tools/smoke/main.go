// Command smoke exercises a client.Client end-to-end against an
// in-process transport/memtransport double acting as a minimal scripted
// server, the way ws-smoke.go drove a real deployment's WebSocket
// gateway through handshake/join/send/ack. There is no network here —
// the point is to give a runnable example of Client's call sequence
// that CI can run without a live Feedme server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aarong/feedme-client-go/client"
	"github.com/aarong/feedme-client-go/internal/logging"
	"github.com/aarong/feedme-client-go/transport/memtransport"
)

func main() {
	var (
		logFormat = flag.String("log-format", "auto", "log format: auto|pretty|text|json")
		logLevel  = flag.String("log-level", "info", "log level: debug|info|warn|error")
		feedName  = flag.String("feed", "chat", "feed name to open")
		room      = flag.String("room", "dev-room-1", "feed argument identifying the room")
		timeout   = flag.Duration("timeout", 10*time.Second, "overall smoke-test timeout")
	)
	flag.Parse()

	log := logging.New(*logLevel, *logFormat)

	if err := run(log, *feedName, *room, *timeout); err != nil {
		log.Error("smoke.failed", "err", err)
		os.Exit(1)
	}
	log.Info("smoke.ok")
}

func run(log *slog.Logger, feedName, room string, timeout time.Duration) error {
	tr := memtransport.New()

	connected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	l := &smokeListener{connected: connected, disconnected: disconnected, log: log}

	c, err := client.New(tr, l, log, nil,
		client.WithConnectTimeoutMs(int(timeout.Milliseconds())),
		client.WithActionTimeoutMs(2000),
		client.WithFeedTimeoutMs(2000),
	)
	if err != nil {
		return fmt.Errorf("constructing client: %w", err)
	}

	if err := c.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// Drive the scripted server side: a real deployment's gateway would
	// send these same two frames once TCP/TLS established itself.
	tr.SimulateConnecting()
	tr.SimulateConnect()

	if err := waitForHandshakeAndReply(tr, timeout); err != nil {
		return err
	}

	select {
	case <-connected:
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for connect event")
	}
	log.Info("smoke.connected")

	fe := newSmokeFeedListener(log)
	handle := c.Feed(feedName, map[string]string{"room": room}, fe)
	if err := handle.DesireOpen(); err != nil {
		return fmt.Errorf("desireOpen: %w", err)
	}

	if err := waitForFeedOpenAndReply(tr, feedName, room, timeout); err != nil {
		return err
	}
	if err := fe.awaitOpen(timeout); err != nil {
		return err
	}
	log.Info("smoke.feed_open", "feed", feedName, "room", room)

	actionDone := make(chan error, 1)
	c.Action("ping", json.RawMessage(`{"n":1}`), func(err error, data json.RawMessage) {
		if err != nil {
			actionDone <- err
			return
		}
		log.Info("smoke.action_response", "data", string(data))
		actionDone <- nil
	})
	if err := waitForActionAndReply(tr, timeout); err != nil {
		return err
	}
	select {
	case err := <-actionDone:
		if err != nil {
			return fmt.Errorf("action: %w", err)
		}
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for action response")
	}

	if err := handle.DesireClosed(); err != nil {
		return fmt.Errorf("desireClosed: %w", err)
	}
	if err := fe.awaitClose(timeout); err != nil {
		return err
	}

	if err := c.Disconnect(); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	select {
	case <-disconnected:
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for disconnect event")
	}
	return nil
}

type smokeListener struct {
	connected    chan struct{}
	disconnected chan error
	log          *slog.Logger
}

func (l *smokeListener) Connecting() { l.log.Debug("smoke.connecting") }
func (l *smokeListener) Connect()    { l.connected <- struct{}{} }
func (l *smokeListener) Disconnect(err error) {
	l.log.Debug("smoke.disconnect", "err", err)
	l.disconnected <- err
}
func (l *smokeListener) BadServerMessage(err error) { l.log.Warn("smoke.bad_server_message", "err", err) }
func (l *smokeListener) BadClientMessage(d json.RawMessage) {
	l.log.Warn("smoke.bad_client_message", "diagnostics", string(d))
}

type smokeFeedListener struct {
	log   *slog.Logger
	open  chan struct{}
	close chan error
}

func newSmokeFeedListener(log *slog.Logger) *smokeFeedListener {
	return &smokeFeedListener{log: log, open: make(chan struct{}, 1), close: make(chan error, 1)}
}

func (f *smokeFeedListener) Opening() { f.log.Debug("smoke.feed_opening") }
func (f *smokeFeedListener) Open()    { f.open <- struct{}{} }
func (f *smokeFeedListener) Close(err error) { f.close <- err }
func (f *smokeFeedListener) Action(name string, actionData, newData, oldData json.RawMessage) {
	f.log.Info("smoke.feed_action", "name", name, "newData", string(newData))
}

func (f *smokeFeedListener) awaitOpen(timeout time.Duration) error {
	select {
	case <-f.open:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for feed open")
	}
}

func (f *smokeFeedListener) awaitClose(timeout time.Duration) error {
	select {
	case <-f.close:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for feed close")
	}
}

func waitForHandshakeAndReply(tr *memtransport.Transport, timeout time.Duration) error {
	sent, err := waitForSent(tr, 1, timeout)
	if err != nil {
		return fmt.Errorf("waiting for Handshake: %w", err)
	}
	_ = sent
	tr.SimulateMessage(`{"MessageType":"HandshakeResponse","Success":true,"Version":"0.1"}`)
	return nil
}

func waitForFeedOpenAndReply(tr *memtransport.Transport, feedName, room string, timeout time.Duration) error {
	sent, err := waitForSent(tr, 1, timeout)
	if err != nil {
		return fmt.Errorf("waiting for FeedOpen: %w", err)
	}
	_ = sent
	msg := fmt.Sprintf(`{"MessageType":"FeedOpenResponse","FeedName":%q,"FeedArgs":{"room":%q},"Success":true,"FeedData":{"count":0}}`, feedName, room)
	tr.SimulateMessage(msg)
	return nil
}

func waitForActionAndReply(tr *memtransport.Transport, timeout time.Duration) error {
	sent, err := waitForSent(tr, 1, timeout)
	if err != nil {
		return fmt.Errorf("waiting for Action: %w", err)
	}
	_ = sent
	tr.SimulateMessage(`{"MessageType":"ActionResponse","CallbackId":"1","Success":true,"ActionData":{"pong":true}}`)
	return nil
}

func waitForSent(tr *memtransport.Transport, n int, timeout time.Duration) ([]string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sent := tr.Sent()
		if len(sent) >= n {
			return sent, nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil, fmt.Errorf("no frames sent within %s", timeout)
}
