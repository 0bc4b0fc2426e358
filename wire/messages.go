// Package wire defines the Feedme wire protocol: message discriminants,
// field layouts, the JSON codec, and schema validation. It is the single
// place that knows what bytes flow between Session and TransportWrapper.
package wire

import "encoding/json"

// ProtocolVersion is the one version this client speaks (§6).
const ProtocolVersion = "0.1"

// MessageType is the wire discriminant (the "MessageType" field).
type MessageType string

const (
	TypeHandshake         MessageType = "Handshake"
	TypeHandshakeResponse MessageType = "HandshakeResponse"
	TypeViolationResponse MessageType = "ViolationResponse"
	TypeAction            MessageType = "Action"
	TypeActionResponse    MessageType = "ActionResponse"
	TypeFeedOpen          MessageType = "FeedOpen"
	TypeFeedOpenResponse  MessageType = "FeedOpenResponse"
	TypeFeedClose         MessageType = "FeedClose"
	TypeFeedCloseResponse MessageType = "FeedCloseResponse"
	TypeFeedAction        MessageType = "FeedAction"
	TypeActionRevelation  MessageType = "ActionRevelation"
	TypeFeedTermination   MessageType = "FeedTermination"
)

// Envelope is used only to peek at MessageType before unmarshaling into
// a concrete message struct; it is never round-tripped on its own.
type Envelope struct {
	MessageType MessageType `json:"MessageType"`
}

// Handshake is sent once, right after the transport's connect event.
type Handshake struct {
	MessageType MessageType `json:"MessageType"`
	Versions    []string    `json:"Versions"`
}

func NewHandshake() Handshake {
	return Handshake{MessageType: TypeHandshake, Versions: []string{ProtocolVersion}}
}

// HandshakeResponse is the server's reply to Handshake.
type HandshakeResponse struct {
	MessageType MessageType `json:"MessageType"`
	Success     bool        `json:"Success"`
	Version     string      `json:"Version,omitempty"`
}

// ViolationResponse reports that the client sent something the server's
// schema / protocol rules rejected.
type ViolationResponse struct {
	MessageType MessageType `json:"MessageType"`
	Diagnostics json.RawMessage `json:"Diagnostics"`
}

// Action is a client-initiated RPC.
type Action struct {
	MessageType MessageType     `json:"MessageType"`
	ActionName  string          `json:"ActionName"`
	ActionArgs  json.RawMessage `json:"ActionArgs"`
	CallbackID  string          `json:"CallbackId"`
}

// ActionResponse is the server's reply to Action.
type ActionResponse struct {
	MessageType MessageType     `json:"MessageType"`
	CallbackID  string          `json:"CallbackId"`
	Success     bool            `json:"Success"`
	ActionData  json.RawMessage `json:"ActionData,omitempty"`
	ErrorCode   string          `json:"ErrorCode,omitempty"`
	ErrorData   json.RawMessage `json:"ErrorData,omitempty"`
}

// FeedOpen requests a feed subscription.
type FeedOpen struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
}

// FeedOpenResponse is the server's reply to FeedOpen.
type FeedOpenResponse struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
	Success     bool              `json:"Success"`
	FeedData    json.RawMessage   `json:"FeedData,omitempty"`
	ErrorCode   string            `json:"ErrorCode,omitempty"`
	ErrorData   json.RawMessage   `json:"ErrorData,omitempty"`
}

// FeedClose requests a feed unsubscription.
type FeedClose struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
}

// FeedCloseResponse is the server's reply to FeedClose, always a success
// from the client's point of view (§4.2).
type FeedCloseResponse struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
}

// Delta is a single JSON-Pointer-style mutation of feed data.
type Delta struct {
	Operation string          `json:"Operation"`
	Path      []string        `json:"Path"`
	Value     json.RawMessage `json:"Value,omitempty"`
}

// FeedAction (server wire name also seen as ActionRevelation) carries an
// ordered sequence of deltas plus an optional post-delta MD5 for
// verification.
type FeedAction struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
	ActionName  string            `json:"ActionName"`
	ActionData  json.RawMessage   `json:"ActionData"`
	FeedDeltas  []Delta           `json:"FeedDeltas"`
	FeedMd5     string            `json:"FeedMd5,omitempty"`
}

// FeedTermination is server-initiated closure of one feed while the
// session stays connected.
type FeedTermination struct {
	MessageType MessageType       `json:"MessageType"`
	FeedName    string            `json:"FeedName"`
	FeedArgs    map[string]string `json:"FeedArgs"`
	ErrorCode   string            `json:"ErrorCode"`
	ErrorData   json.RawMessage   `json:"ErrorData"`
}

