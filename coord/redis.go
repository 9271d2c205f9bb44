package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pigeonbox/pigeon/mlog"
)

var pkglog = mlog.New("coord", nil)

// Deletes the key only when it still holds the expected value, i.e. it is
// still owned by the caller.
var deleteIfValueScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Options for connecting to a Redis-protocol coordination store.
type Options struct {
	Address  string
	Username string
	Password string
	DB       int
	Prefix   string // Prepended with ":" to all keys and channels.
}

// Redis implements Store with a Redis (protocol compatible) server.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis returns a store connecting lazily to the server at opts.Address.
func NewRedis(opts Options) *Redis {
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{Client: c, Prefix: opts.Prefix}
}

// Ping checks that the store is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) key(k string) string {
	if r.Prefix == "" {
		return k
	}
	return r.Prefix + ":" + k
}

func (r *Redis) unkey(k string) string {
	if r.Prefix == "" {
		return k
	}
	return strings.TrimPrefix(k, r.Prefix+":")
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.Client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *Redis) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return r.Client.IncrBy(ctx, r.key(key), delta).Result()
}

func (r *Redis) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	return r.Client.DecrBy(ctx, r.key(key), delta).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ok, err := r.Client.Expire(ctx, r.key(key), ttl).Result()
	if err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, r.key(key)).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *Redis) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfValueScript.Run(ctx, r.Client, []string{r.key(key)}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("delete if value: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.Client.Publish(ctx, r.key(channel), payload).Err()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	l := make([]string, len(channels))
	for i, c := range channels {
		l[i] = r.key(c)
	}
	return r.subscribe(ctx, r.Client.Subscribe(ctx, l...))
}

func (r *Redis) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	l := make([]string, len(patterns))
	for i, p := range patterns {
		l[i] = r.key(p)
	}
	return r.subscribe(ctx, r.Client.PSubscribe(ctx, l...))
}

func (r *Redis) subscribe(ctx context.Context, ps *redis.PubSub) (Subscription, error) {
	// Wait for the confirmation, so messages published after we return are
	// received.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing: %w", err)
	}

	s := &redisSubscription{
		ps:    ps,
		c:     make(chan Message, 64),
		done:  make(chan struct{}),
		ended: make(chan struct{}),
	}
	go func() {
		defer close(s.ended)
		defer close(s.c)
		for m := range ps.Channel() {
			select {
			case s.c <- Message{Channel: r.unkey(m.Channel), Payload: m.Payload}:
			case <-s.done:
				pkglog.Debug("subscription closed with unread messages", slog.String("prefix", r.Prefix))
				return
			}
		}
		pkglog.Debug("subscription ended", slog.String("prefix", r.Prefix))
	}()
	return s, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

type redisSubscription struct {
	ps    *redis.PubSub
	c     chan Message
	done  chan struct{} // Closed by Close, stops a blocked delivery.
	ended chan struct{} // Closed when the delivery goroutine is gone.
	once  sync.Once
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.c
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() { close(s.done) })
	return s.ps.Close()
}
