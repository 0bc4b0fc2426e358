package wire

import (
	"encoding/json"
	"testing"
)

func TestFeedIdentitySerialDeterministic(t *testing.T) {
	a := FeedIdentity{Name: "chat", Args: map[string]string{"room": "1", "lang": "en"}}
	b := FeedIdentity{Name: "chat", Args: map[string]string{"lang": "en", "room": "1"}}
	if a.Serial() != b.Serial() {
		t.Fatalf("expected same serial regardless of map build order: %q vs %q", a.Serial(), b.Serial())
	}

	c := FeedIdentity{Name: "chat", Args: map[string]string{"room": "2", "lang": "en"}}
	if a.Serial() == c.Serial() {
		t.Fatalf("expected different serials for different args")
	}
}

func TestPeekType(t *testing.T) {
	raw := []byte(`{"MessageType":"HandshakeResponse","Success":true,"Version":"0.1"}`)
	typ, err := PeekType(raw)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != TypeHandshakeResponse {
		t.Fatalf("typ = %q, want %q", typ, TypeHandshakeResponse)
	}
}

func TestValidateHandshakeResponse(t *testing.T) {
	raw := []byte(`{"MessageType":"HandshakeResponse","Success":true,"Version":"0.1"}`)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := Validate(TypeHandshakeResponse, v); err != nil {
		t.Fatalf("expected schema to accept a valid HandshakeResponse, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	raw := []byte(`{"MessageType":"HandshakeResponse"}`)
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := Validate(TypeHandshakeResponse, v); err == nil {
		t.Fatalf("expected schema violation for missing Success field")
	}
}

func TestValidateUnknownType(t *testing.T) {
	var v any
	if err := Validate("NotARealType", v); err == nil {
		t.Fatalf("expected ErrUnknownMessageType")
	}
}
