package wire

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Marshal encodes a wire message to its JSON form. Swapped for
// segmentio/encoding/json rather than encoding/json: it's a drop-in
// replacement on the hot path every inbound/outbound frame travels.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// PeekType reads just the MessageType discriminant out of a raw frame,
// without allocating/validating the rest of the message.
func PeekType(raw []byte) (MessageType, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	return env.MessageType, nil
}

// Decode unmarshals raw into dst (a pointer to one of the message
// structs in this package).
func Decode(raw []byte, dst any) error {
	return json.Unmarshal(raw, dst)
}
