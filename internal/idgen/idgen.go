// Package idgen mints identifiers used by the client runtime:
// strictly-monotonic callback ids for actions (protocol-visible, per
// spec invariant 4: unique and increasing until disconnect), and
// sortable connection-attempt tags for diagnostics (not protocol-visible).
package idgen

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CallbackIDs hands out action callback ids as decimal strings,
// starting at 1 and incrementing by 1, resetting whenever the owning
// session disconnects (spec §3 invariant 4).
type CallbackIDs struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next callback id and advances the counter.
func (c *CallbackIDs) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return strconv.FormatUint(c.next, 10)
}

// Reset zeroes the counter; called on session disconnect.
func (c *CallbackIDs) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next = 0
}

var ulidEntropy = ulid.Monotonic(rand.Reader, 0)
var ulidMu sync.Mutex

// ConnectionTag mints a sortable, unique tag for one connection attempt,
// for log correlation only — never sent over the wire. No other package
// in this module calls it.
func ConnectionTag() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}
