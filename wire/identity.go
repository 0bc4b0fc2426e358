package wire

import (
	"encoding/json"
	"sort"
)

// FeedIdentity is a feed name plus its arguments (§3: "a non-empty
// string" name, "a mapping from string to string" args).
type FeedIdentity struct {
	Name string
	Args map[string]string
}

// Serial returns the canonical, deterministic, injective key for this
// identity: two identities with the same name and the same argument
// mapping always produce the same serial, regardless of the order
// Args was built in.
//
// The encoding is a JSON array [name, [[k1,v1],[k2,v2],...]] with keys
// sorted lexicographically; JSON string escaping makes the result
// injective the same way it makes object keys injective.
func (f FeedIdentity) Serial() string {
	keys := make([]string, 0, len(f.Args))
	for k := range f.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]string{k, f.Args[k]})
	}

	// encoding/json.Marshal of []any never fails for string/[][2]string data.
	b, _ := json.Marshal([]any{f.Name, pairs})
	return string(b)
}

// CloneArgs returns an independent copy of f.Args.
func (f FeedIdentity) CloneArgs() map[string]string {
	if f.Args == nil {
		return nil
	}
	out := make(map[string]string, len(f.Args))
	for k, v := range f.Args {
		out[k] = v
	}
	return out
}
