package models

import "fmt"

// CounterKey identifies one counter: an identifier within an endpoint.
type CounterKey struct {
	Identifier string
	Endpoint   string
}

// String renders the storage key. The identifier is length-prefixed so that
// identifiers containing ':' (IPv6, "user:" prefixes) cannot spill into the
// endpoint segment and collide with another bucket.
func (k CounterKey) String() string {
	return fmt.Sprintf("rl:%d:%s:%s", len(k.Identifier), k.Identifier, k.Endpoint)
}
