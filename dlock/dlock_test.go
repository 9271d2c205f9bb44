package dlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pigeonbox/pigeon/coord"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func newTestManager(t *testing.T, wait, ttl time.Duration) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := coord.NewRedis(coord.Options{Address: mr.Addr()})
	t.Cleanup(func() {
		store.Close()
	})
	return mr, NewManager(store, wait, ttl)
}

func TestAcquireRelease(t *testing.T) {
	mr, m := newTestManager(t, time.Second, 0)

	tok, err := m.Acquire(ctxbg, "mjl")
	tcheck(t, err, "acquire")
	if !tok.Success || tok.Key != "lock:mjl" || tok.Owner == "" || tok.TTL != DefaultTTL {
		t.Fatalf("bad token %#v", tok)
	}
	if !tok.Holds("mjl") || tok.Holds("other") {
		t.Fatalf("token holds wrong resource")
	}
	if v, err := mr.Get("lock:mjl"); err != nil || v != tok.Owner {
		t.Fatalf("lock key has value %q (%v), expected owner %q", v, err, tok.Owner)
	}
	if ttl := mr.TTL("lock:mjl"); ttl <= 0 || ttl > DefaultTTL {
		t.Fatalf("lock key has ttl %v", ttl)
	}

	// Other resources are independent.
	tok2, err := m.Acquire(ctxbg, "other")
	tcheck(t, err, "acquire other resource")

	err = m.Release(ctxbg, tok)
	tcheck(t, err, "release")
	if mr.Exists("lock:mjl") {
		t.Fatalf("lock key still present after release")
	}
	err = m.Release(ctxbg, tok2)
	tcheck(t, err, "release other")

	// Releasing an unsuccessful token does nothing.
	err = m.Release(ctxbg, Token{})
	tcheck(t, err, "release unsuccessful token")
}

func TestContention(t *testing.T) {
	_, m := newTestManager(t, 5*time.Second, 0)

	tok, err := m.Acquire(ctxbg, "mjl")
	tcheck(t, err, "acquire")

	type result struct {
		tok Token
		err error
	}
	resultc := make(chan result)
	go func() {
		tok, err := m.Acquire(ctxbg, "mjl")
		resultc <- result{tok, err}
	}()

	select {
	case r := <-resultc:
		t.Fatalf("second acquire did not block, got %v %v", r.tok, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	err = m.Release(ctxbg, tok)
	tcheck(t, err, "release")

	select {
	case r := <-resultc:
		tcheck(t, r.err, "second acquire")
		if r.tok.Owner == tok.Owner {
			t.Fatalf("same owner for different acquisitions")
		}
		err = m.Release(ctxbg, r.tok)
		tcheck(t, err, "release second")
	case <-time.After(2 * time.Second):
		t.Fatalf("second acquire not woken after release")
	}
}

func TestTimeout(t *testing.T) {
	_, m := newTestManager(t, 200*time.Millisecond, 0)

	tok, err := m.Acquire(ctxbg, "mjl")
	tcheck(t, err, "acquire")
	defer m.Release(ctxbg, tok)

	t0 := time.Now()
	_, err = m.Acquire(ctxbg, "mjl")
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got err %v, expected ErrLockTimeout", err)
	}
	if d := time.Since(t0); d < 200*time.Millisecond {
		t.Fatalf("timeout after %v, before wait bound", d)
	}

	// Canceled context stops waiting.
	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	_, err = m.Acquire(ctx, "mjl")
	if err == nil || errors.Is(err, ErrLockTimeout) {
		t.Fatalf("got err %v, expected context error", err)
	}
}

func TestExpiry(t *testing.T) {
	mr, m := newTestManager(t, time.Second, 5*time.Second)

	tok, err := m.Acquire(ctxbg, "mjl")
	tcheck(t, err, "acquire")

	// Owner crashed, lock expires and can be taken by another.
	mr.FastForward(6 * time.Second)
	tok2, err := m.Acquire(ctxbg, "mjl")
	tcheck(t, err, "acquire after expiry")

	// Original owner cannot release the new owner's lock.
	err = m.Release(ctxbg, tok)
	if !errors.Is(err, ErrLockRelease) {
		t.Fatalf("got err %v, expected ErrLockRelease", err)
	}
	if v, _ := mr.Get("lock:mjl"); v != tok2.Owner {
		t.Fatalf("lock value %q, expected second owner %q", v, tok2.Owner)
	}

	// Forged token with wrong owner.
	forged := tok2
	forged.Owner = "someone-else"
	err = m.Release(ctxbg, forged)
	if !errors.Is(err, ErrLockRelease) {
		t.Fatalf("got err %v, expected ErrLockRelease", err)
	}

	err = m.Release(ctxbg, tok2)
	tcheck(t, err, "release")
}

func TestWithLock(t *testing.T) {
	mr, m := newTestManager(t, time.Second, 0)

	errTest := errors.New("test")
	err := m.WithLock(ctxbg, "mjl", func(tok Token) error {
		if !tok.Holds("mjl") || !mr.Exists("lock:mjl") {
			t.Fatalf("lock not held in fn")
		}
		return errTest
	})
	if err != errTest {
		t.Fatalf("got err %v, expected errTest", err)
	}
	if mr.Exists("lock:mjl") {
		t.Fatalf("lock not released after fn")
	}

	func() {
		defer func() {
			x := recover()
			if x != "boom" {
				t.Fatalf("got panic %v, expected boom", x)
			}
		}()
		m.WithLock(ctxbg, "mjl", func(tok Token) error {
			panic("boom")
		})
	}()
	if mr.Exists("lock:mjl") {
		t.Fatalf("lock not released after panic")
	}
}
