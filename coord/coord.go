// Package coord is the coordination store shared by all processes: keys with
// expiry for locks and counters, and publish/subscribe channels for change
// notifications.
//
// Notifications on channels are delivered at least once to each active
// subscriber, but subscribers that are not connected at the time of publishing
// miss them. Users must treat messages as hints.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for an absent or expired key.
var ErrNotFound = errors.New("coord: key not found")

// Message is a notification received on a subscription.
type Message struct {
	Channel string // Without store prefix.
	Payload string
}

// Subscription delivers messages for subscribed channels until closed.
type Subscription interface {
	// Messages returns the channel messages are delivered on. It is closed when
	// the subscription is closed or the connection to the store is lost for good.
	Messages() <-chan Message
	Close() error
}

// Store is the set of primitives pigeon needs from a coordination store.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value for key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Decr(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// SetNX atomically sets key to value with expiry if the key is absent or
	// expired, returning whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfValue atomically removes key if its current value is value,
	// returning whether it was removed.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	// PSubscribe subscribes to channels matching glob-style patterns, e.g. "notify:*".
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	Close() error
}
