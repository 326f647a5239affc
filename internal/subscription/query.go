package subscription

import (
	"encoding/json"
	"time"

	"github.com/bizmatters/agent-builder/fleet-telemetry/internal/store"
)

// QueryFunc computes a result from a store snapshot. It must only read
// through r so that every range it depends on is recorded.
type QueryFunc func(r *store.Reader) (any, error)

// Query is a named, parameterized read. Two queries with the same Key are
// the same subscription target and share one execution.
type Query struct {
	// Name identifies the query kind for logs and metrics.
	Name string
	// Key identifies the query and its arguments.
	Key string
	Run QueryFunc
	// RefreshAt, when set, returns the instant after which a result
	// computed at now goes stale even without a write.
	RefreshAt func(now time.Time) time.Time
}

// State is the lifecycle of a registered query.
type State string

const (
	StateRegistered  State = "registered"
	StateActive      State = "active"
	StateInvalidated State = "invalidated"
	StateClosed      State = "closed"
)

// Update is one pushed result.
type Update struct {
	Key string `json:"key"`
	// Seq is the commit sequence the result was computed at.
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// Observer receives updates for one subscription, one at a time and in
// commit order.
type Observer func(Update)
