package imapserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pigeonbox/pigeon/rpc"
	"github.com/pigeonbox/pigeon/store"
)

const testSecret = "0123456789abcdef0123"

// newDelegating returns an executor forwarding to e.local over the RPC bridge.
func newDelegating(t *testing.T, e *testEnv) *Delegating {
	t.Helper()
	srv := rpc.NewServer([]string{testSecret}, NewRPCHandler(e.local))
	e.notifier.Pusher = srv
	mux := http.NewServeMux()
	mux.Handle("/rpc", srv)
	ts := httptest.NewServer(mux)

	client := rpc.NewClient("ws"+strings.TrimPrefix(ts.URL, "http")+"/rpc", testSecret, "frontend1")
	client.MinReconnect = 50 * time.Millisecond
	// Front-ends wake their local sessions on pushes from the backend.
	client.OnPush = func(ctx context.Context, sessionID string, payload rpc.Payload) {
		var ev store.FireEvent
		if err := payload.Decode(&ev); err == nil {
			e.notifier.Wake(ev.Account)
		}
	}
	ctx, cancel := context.WithCancel(ctxbg)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		ts.Close()
	})
	go client.Run(ctx)
	wctx, wcancel := context.WithTimeout(ctxbg, 5*time.Second)
	defer wcancel()
	err := client.WaitConnected(wctx)
	tcheck(t, err, "connect to backend")

	return &Delegating{Client: client, Timeout: 5 * time.Second}
}

func TestDelegating(t *testing.T) {
	e := newTestEnv(t)
	msgs := e.deliver(t, 9, func(i int) bool { return i == 4 || i == 8 }, nil)
	x := newDelegating(t, e)

	sr, err := x.Select(ctxbg, e.session(false), "Inbox")
	tcheck(t, err, "select")
	tcompare(t, len(sr.UIDs), 9)

	r, err := x.Expunge(ctxbg, e.session(true), ExpungeRequest{MailboxID: e.inbox.ID})
	tcheck(t, err, "expunge")
	tcompare(t, r.Writes, []Write{{"*", "EXPUNGE", 5}, {"*", "EXPUNGE", 9}})
	tcompare(t, r.Expunged, []store.UID{5, 9})
	tcompare(t, e.locker.acquired.Load(), int32(1))
	tcompare(t, e.locker.released.Load(), int32(1))
	tcompare(t, e.firer.fired.Load(), int32(1))

	cr, err := x.Changes(ctxbg, e.session(true), e.inbox.ID, msgs[8].ModSeq)
	tcheck(t, err, "changes")
	tcompare(t, len(cr.Changes), 2)
	tcompare(t, cr.Changes[1].Command, store.CommandExpunge)

	// Response codes from the backend are passed on.
	err = x.Unsubscribe(ctxbg, e.session(false), "Archive")
	tusercode(t, err, CodeNonexistent)
	_, err = x.Expunge(ctxbg, e.session(false), ExpungeRequest{MailboxID: 999})
	tusercode(t, err, CodeNonexistent)

	err = x.Unsubscribe(ctxbg, e.session(false), "Sent")
	tcheck(t, err, "unsubscribe")
	err = x.Subscribe(ctxbg, e.session(false), "Sent")
	tcheck(t, err, "subscribe")

	// A session on a front-end behaves as one on the backend.
	c := NewConn(x, e.notifier, "mjl", "127.0.0.1:1234")
	defer c.Close()
	texec(t, c, Command{Tag: "a1", Name: "select", Mailbox: "Inbox"}, "ok")
	e.deliver(t, 1, func(int) bool { return true }, nil)
	l := texec(t, c, Command{Tag: "a2", Name: "noop"}, "ok")
	tcompare(t, l[0], "* 8 EXISTS")
	l = texec(t, c, Command{Tag: "a3", Name: "expunge"}, "ok")
	tcompare(t, l[0], "* 8 EXPUNGE")
	l = texec(t, c, Command{Tag: "a4", Name: "unsubscribe", Mailbox: "Archive"}, "usererror")
	if !strings.HasPrefix(l[0], "a4 NO [NONEXISTENT] unsubscribe") {
		t.Fatalf("bad result line %q", l[0])
	}
}

type failingRequester struct {
	err error
}

func (r failingRequester) Request(ctx context.Context, action string, payload, result any, timeout time.Duration) error {
	return r.err
}

func TestDelegatingErrors(t *testing.T) {
	sess := Session{ID: "session1", User: "mjl"}

	// Outcome unknown, never reported as success.
	for _, err := range []error{rpc.ErrTimeout, rpc.ErrConnectionLost} {
		x := &Delegating{Client: failingRequester{err}, Timeout: time.Second}
		_, xerr := x.Expunge(ctxbg, sess, ExpungeRequest{MailboxID: 1})
		tusercode(t, xerr, CodeUnavailable)
		xerr = x.Unsubscribe(ctxbg, sess, "Archive")
		tusercode(t, xerr, CodeUnavailable)
	}

	// Backend errors without code are server errors.
	x := &Delegating{Client: failingRequester{&rpc.RemoteError{Message: "disk full"}}, Timeout: time.Second}
	err := x.Subscribe(ctxbg, sess, "Archive")
	var serr serverError
	if !errors.As(err, &serr) {
		t.Fatalf("got err %v, expected server error", err)
	}

	// Protocol rejection for the client.
	c := NewConn(&Delegating{Client: failingRequester{rpc.ErrTimeout}, Timeout: time.Second}, nil, "mjl", "")
	defer c.Close()
	l := texec(t, c, Command{Tag: "a1", Name: "subscribe", Mailbox: "Archive"}, "usererror")
	if !strings.HasPrefix(l[0], "a1 NO [UNAVAILABLE] subscribe") {
		t.Fatalf("bad result line %q", l[0])
	}
}
