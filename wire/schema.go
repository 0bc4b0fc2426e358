package wire

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// server-to-client message types validated against a JSON schema before
// the session ever looks at their typed fields. This is the schema
// validation collaborator spec.md calls out as an external dependency
// rather than something to hand-roll.
var serverSchemas = map[MessageType]*jsonschema.Schema{
	TypeHandshakeResponse: {
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"MessageType": {Type: "string"}, "Success": {Type: "boolean"}, "Version": {Type: "string"}},
		Required:   []string{"MessageType", "Success"},
	},
	TypeViolationResponse: {
		Type:       "object",
		Properties: map[string]*jsonschema.Schema{"MessageType": {Type: "string"}, "Diagnostics": {}},
		Required:   []string{"MessageType", "Diagnostics"},
	},
	TypeActionResponse: {
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"MessageType": {Type: "string"},
			"CallbackId":  {Type: "string"},
			"Success":     {Type: "boolean"},
			"ActionData":  {},
			"ErrorCode":   {Type: "string"},
			"ErrorData":   {},
		},
		Required: []string{"MessageType", "CallbackId", "Success"},
	},
	TypeFeedOpenResponse: {
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"MessageType": {Type: "string"},
			"FeedName":    {Type: "string"},
			"FeedArgs":    {Type: "object"},
			"Success":     {Type: "boolean"},
			"FeedData":    {},
			"ErrorCode":   {Type: "string"},
			"ErrorData":   {},
		},
		Required: []string{"MessageType", "FeedName", "FeedArgs", "Success"},
	},
	TypeFeedCloseResponse: {
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"MessageType": {Type: "string"},
			"FeedName":    {Type: "string"},
			"FeedArgs":    {Type: "object"},
		},
		Required: []string{"MessageType", "FeedName", "FeedArgs"},
	},
	TypeFeedAction: {
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"MessageType": {Type: "string"},
			"FeedName":    {Type: "string"},
			"FeedArgs":    {Type: "object"},
			"ActionName":  {Type: "string"},
			"ActionData":  {},
			"FeedDeltas": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type:       "object",
					Properties: map[string]*jsonschema.Schema{"Operation": {Type: "string"}, "Path": {Type: "array"}, "Value": {}},
					Required:   []string{"Operation", "Path"},
				},
			},
			"FeedMd5": {Type: "string"},
		},
		Required: []string{"MessageType", "FeedName", "FeedArgs", "ActionName", "ActionData", "FeedDeltas"},
	},
	TypeFeedTermination: {
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"MessageType": {Type: "string"},
			"FeedName":    {Type: "string"},
			"FeedArgs":    {Type: "object"},
			"ErrorCode":   {Type: "string"},
			"ErrorData":   {},
		},
		Required: []string{"MessageType", "FeedName", "FeedArgs", "ErrorCode", "ErrorData"},
	},
}

// TypeActionRevelation is an alias some server revisions use instead of
// TypeFeedAction; it carries the identical shape.
func init() {
	serverSchemas[TypeActionRevelation] = serverSchemas[TypeFeedAction]
}

var resolvedSchemas = map[MessageType]*jsonschema.Resolved{}

func init() {
	for t, s := range serverSchemas {
		r, err := s.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: false})
		if err != nil {
			// Schemas here are package-literal and fixed at compile time;
			// a Resolve failure can only mean a programming error.
			panic(fmt.Sprintf("wire: invalid schema for %s: %v", t, err))
		}
		resolvedSchemas[t] = r
	}
}

// ErrUnknownMessageType is returned by Validate for a MessageType this
// client does not recognize at all.
type ErrUnknownMessageType struct{ Type MessageType }

func (e *ErrUnknownMessageType) Error() string {
	return fmt.Sprintf("unknown message type: %q", e.Type)
}

// Validate checks a decoded server message's shape against its schema.
// raw must already be known to be valid JSON; v is the generic
// map[string]any (or equivalent) decoding of it.
func Validate(t MessageType, v any) error {
	r, ok := resolvedSchemas[t]
	if !ok {
		return &ErrUnknownMessageType{Type: t}
	}
	return r.Validate(v)
}

// KnownServerType reports whether t is one of the message types the
// server is allowed to send.
func KnownServerType(t MessageType) bool {
	_, ok := resolvedSchemas[t]
	return ok
}
