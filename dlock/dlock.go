// Package dlock implements exclusive locks on named resources, shared between
// all processes using the same coordination store.
//
// A lock is a key in the coordination store with the owner's unique id as value
// and an expiry. Only the owner can remove the key. The expiry bounds how long a
// crashed owner blocks others. Waiters are woken by a notification on release,
// and re-check with a bounded backoff in case a notification is missed.
package dlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pigeonbox/pigeon/coord"
	"github.com/pigeonbox/pigeon/mlog"
)

var pkglog = mlog.New("dlock", nil)

var (
	metricWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigeon_lock_wait_duration_seconds",
			Help:    "Time waited for acquiring a lock, by result.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{
			"result", // ok, timeout, error
		},
	)
	metricHold = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pigeon_lock_hold_duration_seconds",
			Help:    "Time a lock was held until release.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
	)
	metricRelease = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_lock_release_total",
			Help: "Number of lock releases, by result.",
		},
		[]string{
			"result", // ok, lost, error
		},
	)
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired within the wait
	// bound. The operation can be retried.
	ErrLockTimeout = errors.New("dlock: timeout waiting for lock")

	// ErrLockRelease is returned when a lock could not be released, e.g. because it
	// expired and may be held by another owner, or the store failed.
	ErrLockRelease = errors.New("dlock: releasing lock")
)

const (
	DefaultWait = 10 * time.Second
	DefaultTTL  = 30 * time.Second

	minBackoff = 10 * time.Millisecond
	maxBackoff = 250 * time.Millisecond
)

// Token is the result of acquiring a lock, required for releasing it.
type Token struct {
	Success    bool
	Key        string // Key in coordination store, "lock:<resource>".
	Owner      string // Unique per acquisition.
	AcquiredAt time.Time
	TTL        time.Duration
}

// Holds returns whether the token is a successful acquisition of the lock for
// resource.
func (t Token) Holds(resource string) bool {
	return t.Success && t.Key == Key(resource)
}

// Key returns the coordination store key for the lock on resource.
func Key(resource string) string {
	return "lock:" + resource
}

func releaseChannel(key string) string {
	return "lock-released:" + strings.TrimPrefix(key, "lock:")
}

// Manager acquires and releases locks in a coordination store.
type Manager struct {
	Store coord.Store
	Wait  time.Duration // Max time to wait for a lock. Zero means DefaultWait.
	TTL   time.Duration // Expiry of lock. Zero means DefaultTTL.
}

// NewManager returns a manager with the given bounds. Zero values select defaults.
func NewManager(store coord.Store, wait, ttl time.Duration) *Manager {
	return &Manager{Store: store, Wait: wait, TTL: ttl}
}

func (m *Manager) wait() time.Duration {
	if m.Wait <= 0 {
		return DefaultWait
	}
	return m.Wait
}

func (m *Manager) ttl() time.Duration {
	if m.TTL <= 0 {
		return DefaultTTL
	}
	return m.TTL
}

// Acquire acquires the lock for resource, waiting for at most the wait bound
// while another owner holds it. Only the calling goroutine blocks.
func (m *Manager) Acquire(ctx context.Context, resource string) (Token, error) {
	log := pkglog.WithContext(ctx)

	key := Key(resource)
	owner := uuid.NewString()
	ttl := m.ttl()
	start := time.Now()
	deadline := start.Add(m.wait())

	var sub coord.Subscription
	var released <-chan coord.Message
	defer func() {
		if sub != nil {
			err := sub.Close()
			log.Check(err, "closing lock release subscription")
		}
	}()

	backoff := minBackoff
	for {
		ok, err := m.Store.SetNX(ctx, key, owner, ttl)
		if err != nil {
			metricWait.WithLabelValues("error").Observe(float64(time.Since(start)) / float64(time.Second))
			return Token{}, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			now := time.Now()
			metricWait.WithLabelValues("ok").Observe(float64(now.Sub(start)) / float64(time.Second))
			log.Debug("lock acquired", slog.String("key", key), slog.Duration("waited", now.Sub(start)))
			return Token{true, key, owner, now, ttl}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metricWait.WithLabelValues("timeout").Observe(float64(time.Since(start)) / float64(time.Second))
			log.Info("timeout waiting for lock", slog.String("key", key), slog.Duration("waited", time.Since(start)))
			return Token{}, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}

		if sub == nil {
			// Subscribe on first contention. The lock may have been released before the
			// subscription was active, so check again immediately.
			sub, err = m.Store.Subscribe(ctx, releaseChannel(key))
			if err != nil {
				log.Debugx("subscribing to lock release, continuing with polling", err, slog.String("key", key))
				sub = nil
			} else {
				released = sub.Messages()
				continue
			}
		}

		timer := time.NewTimer(min(backoff, remaining))
		select {
		case _, ok := <-released:
			if !ok {
				released = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			metricWait.WithLabelValues("error").Observe(float64(time.Since(start)) / float64(time.Second))
			return Token{}, fmt.Errorf("acquiring lock %s: %w", key, ctx.Err())
		}
		timer.Stop()
		backoff = min(2*backoff, maxBackoff)
	}
}

// Release releases the lock if t is still its owner, and notifies waiters.
// Releasing an unsuccessful token is a no-op. If the lock expired and is no
// longer owned, or the store fails, an error wrapping ErrLockRelease is returned.
func (m *Manager) Release(ctx context.Context, t Token) error {
	if !t.Success {
		return nil
	}
	log := pkglog.WithContext(ctx)

	ok, err := m.Store.DeleteIfValue(ctx, t.Key, t.Owner)
	if err != nil {
		metricRelease.WithLabelValues("error").Inc()
		return fmt.Errorf("%w %s: %v", ErrLockRelease, t.Key, err)
	}
	metricHold.Observe(float64(time.Since(t.AcquiredAt)) / float64(time.Second))
	if !ok {
		metricRelease.WithLabelValues("lost").Inc()
		return fmt.Errorf("%w %s: no longer owner, lock expired after %v", ErrLockRelease, t.Key, t.TTL)
	}
	metricRelease.WithLabelValues("ok").Inc()

	// Waiters also poll, a failed notification only delays them.
	err = m.Store.Publish(ctx, releaseChannel(t.Key), t.Owner)
	log.Check(err, "publishing lock release", slog.String("key", t.Key))
	return nil
}

// WithLock calls fn while holding the lock for resource. The lock is released
// on every return from fn, including panics. A release failure is logged, not
// returned, fn's changes have been made at that point.
func (m *Manager) WithLock(ctx context.Context, resource string, fn func(t Token) error) error {
	t, err := m.Acquire(ctx, resource)
	if err != nil {
		return err
	}
	defer func() {
		x := recover()
		err := m.Release(context.WithoutCancel(ctx), t)
		pkglog.WithContext(ctx).Check(err, "releasing lock", slog.String("key", t.Key))
		if x != nil {
			panic(x)
		}
	}()
	return fn(t)
}
