package domain

import (
	"fmt"
	"strings"
)

// Operations a capability grant can allow on a channel.
const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpWildcard  = "*"
)

// MaxCapabilityPatterns bounds the number of patterns a token-embedded
// capability override may carry. Grants are evaluated on every subscribe and
// publish, so an unbounded pattern list would let a client make its own
// frames arbitrarily expensive to authorize.
const MaxCapabilityPatterns = 250

// CapabilitySet maps a channel-name pattern to the operations it grants.
// Patterns are an exact channel name, a prefix wildcard like "room-*", or the
// global "*". Stored capabilities are parsed and validated once at the
// boundary (key creation or token verification); Allows never re-validates.
type CapabilitySet map[string][]string

// Allows reports whether the set grants op on the given raw (unqualified)
// channel name. Precedence: the global "*" pattern, then an exact channel
// match, then every prefix wildcard whose prefix matches. A grant matches if
// it contains op or "*".
func (cs CapabilitySet) Allows(op, channel string) bool {
	if ops, ok := cs[OpWildcard]; ok && containsOp(ops, op) {
		return true
	}

	if ops, ok := cs[channel]; ok && containsOp(ops, op) {
		return true
	}

	for pattern, ops := range cs {
		if !strings.HasSuffix(pattern, "*") || pattern == OpWildcard {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if strings.HasPrefix(channel, prefix) && containsOp(ops, op) {
			return true
		}
	}

	return false
}

func containsOp(ops []string, op string) bool {
	for _, o := range ops {
		if o == op || o == OpWildcard {
			return true
		}
	}
	return false
}

// ParseCapabilities validates a decoded capability mapping at the boundary.
// It rejects empty pattern keys and empty operation lists so that Allows can
// stay a pure lookup.
func ParseCapabilities(raw map[string][]string) (CapabilitySet, error) {
	cs := make(CapabilitySet, len(raw))
	for pattern, ops := range raw {
		if pattern == "" {
			return nil, fmt.Errorf("capability pattern must not be empty")
		}
		if len(ops) == 0 {
			return nil, fmt.Errorf("capability pattern %q grants no operations", pattern)
		}
		cs[pattern] = ops
	}
	return cs, nil
}

// DefaultCapabilities grants everything. Used for freshly created API keys
// when the caller does not restrict them.
func DefaultCapabilities() CapabilitySet {
	return CapabilitySet{OpWildcard: []string{OpWildcard}}
}
