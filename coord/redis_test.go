package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if got != exp {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(Options{Address: mr.Addr(), Prefix: "test"})
	t.Cleanup(func() {
		r.Close()
	})
	return mr, r
}

func TestKeys(t *testing.T) {
	mr, r := newTestStore(t)

	_, err := r.Get(ctxbg, "absent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("get absent key: got err %v, expected ErrNotFound", err)
	}

	err = r.Set(ctxbg, "k", "v", 0)
	tcheck(t, err, "set")
	v, err := r.Get(ctxbg, "k")
	tcheck(t, err, "get")
	tcompare(t, v, "v")

	// Keys are stored with the prefix.
	tcompare(t, mr.Exists("test:k"), true)

	n, err := r.Incr(ctxbg, "n", 3)
	tcheck(t, err, "incr")
	tcompare(t, n, int64(3))
	n, err = r.Decr(ctxbg, "n", 1)
	tcheck(t, err, "decr")
	tcompare(t, n, int64(2))

	err = r.Expire(ctxbg, "n", time.Second)
	tcheck(t, err, "expire")
	mr.FastForward(2 * time.Second)
	_, err = r.Get(ctxbg, "n")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("get expired key: got err %v, expected ErrNotFound", err)
	}

	err = r.Expire(ctxbg, "absent", time.Second)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expire absent key: got err %v, expected ErrNotFound", err)
	}

	err = r.Delete(ctxbg, "k")
	tcheck(t, err, "delete")
	tcompare(t, mr.Exists("test:k"), false)
}

func TestSetNX(t *testing.T) {
	mr, r := newTestStore(t)

	ok, err := r.SetNX(ctxbg, "lock:a", "owner1", 10*time.Second)
	tcheck(t, err, "setnx")
	tcompare(t, ok, true)

	ok, err = r.SetNX(ctxbg, "lock:a", "owner2", 10*time.Second)
	tcheck(t, err, "setnx while held")
	tcompare(t, ok, false)

	// Only the owner can remove.
	ok, err = r.DeleteIfValue(ctxbg, "lock:a", "owner2")
	tcheck(t, err, "delete by other")
	tcompare(t, ok, false)
	ok, err = r.DeleteIfValue(ctxbg, "lock:a", "owner1")
	tcheck(t, err, "delete by owner")
	tcompare(t, ok, true)

	// After expiry, a new owner can set.
	ok, err = r.SetNX(ctxbg, "lock:a", "owner1", time.Second)
	tcheck(t, err, "setnx")
	tcompare(t, ok, true)
	mr.FastForward(2 * time.Second)
	ok, err = r.SetNX(ctxbg, "lock:a", "owner2", time.Second)
	tcheck(t, err, "setnx after expiry")
	tcompare(t, ok, true)
}

func TestPubSub(t *testing.T) {
	_, r := newTestStore(t)

	sub, err := r.PSubscribe(ctxbg, "notify:*")
	tcheck(t, err, "psubscribe")
	defer sub.Close()

	err = r.Publish(ctxbg, "notify:mjl", "session1")
	tcheck(t, err, "publish")

	select {
	case m := <-sub.Messages():
		tcompare(t, m.Channel, "notify:mjl")
		tcompare(t, m.Payload, "session1")
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
	}

	sub2, err := r.Subscribe(ctxbg, "lock-released:mjl")
	tcheck(t, err, "subscribe")
	err = r.Publish(ctxbg, "lock-released:mjl", "")
	tcheck(t, err, "publish")
	select {
	case m := <-sub2.Messages():
		tcompare(t, m.Channel, "lock-released:mjl")
	case <-time.After(5 * time.Second):
		t.Fatalf("no message received")
	}

	err = sub2.Close()
	tcheck(t, err, "close subscription")
	// Channel is closed after closing the subscription.
	select {
	case _, ok := <-sub2.Messages():
		tcompare(t, ok, false)
	case <-time.After(5 * time.Second):
		t.Fatalf("messages channel not closed")
	}
}

func TestSubscriptionCloseUnread(t *testing.T) {
	_, r := newTestStore(t)

	sub, err := r.Subscribe(ctxbg, "notify:mjl")
	tcheck(t, err, "subscribe")
	s := sub.(*redisSubscription)

	// More messages than fit in the buffer, none read.
	for range 2 * cap(s.c) {
		err := r.Publish(ctxbg, "notify:mjl", "session1")
		tcheck(t, err, "publish")
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(s.c) < cap(s.c) {
		if time.Now().After(deadline) {
			t.Fatalf("buffer not filled, %d messages", len(s.c))
		}
		time.Sleep(10 * time.Millisecond)
	}

	err = sub.Close()
	tcheck(t, err, "close subscription")
	select {
	case <-s.ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("delivery goroutine still running after close")
	}
}
