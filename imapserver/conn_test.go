package imapserver

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/store"
)

type lines struct {
	sync.Mutex
	l   []string
	err error // Returned by WriteLine if set.
}

func (r *lines) WriteLine(line string) error {
	r.Lock()
	defer r.Unlock()
	if r.err != nil {
		return r.err
	}
	r.l = append(r.l, line)
	return nil
}

func (r *lines) take() []string {
	r.Lock()
	defer r.Unlock()
	l := r.l
	r.l = nil
	return l
}

// wait returns the lines written once one has prefix.
func (r *lines) wait(t *testing.T, prefix string) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.Lock()
		for i, s := range r.l {
			if strings.HasPrefix(s, prefix) {
				l := r.l[:i+1]
				r.l = r.l[i+1:]
				r.Unlock()
				return l
			}
		}
		r.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no line with prefix %q", prefix)
	return nil
}

func texec(t *testing.T, c *Conn, cmd Command, expResult string) []string {
	t.Helper()
	r := &lines{}
	result, err := c.Execute(ctxbg, cmd, r)
	tcheck(t, err, "execute")
	if result != expResult {
		t.Fatalf("command %s: got result %s, expected %s, lines %q", cmd.Name, result, expResult, r.l)
	}
	return r.take()
}

func TestConn(t *testing.T) {
	e := newTestEnv(t)
	e.deliver(t, 9, func(i int) bool { return i == 4 || i == 8 }, nil)

	c := NewConn(e.local, e.notifier, "mjl", "127.0.0.1:1234")
	defer c.Close()

	l := texec(t, c, Command{Tag: "a0", Name: "expunge"}, "usererror")
	tcompare(t, l, []string{"a0 NO expunge no mailbox selected"})

	l = texec(t, c, Command{Tag: "a1", Name: "select", Mailbox: "Inbox"}, "ok")
	tcompare(t, l[0], "* 9 EXISTS")
	tcompare(t, l[len(l)-1], "a1 OK [READ-WRITE] SELECT done")

	// Sequence numbers shift as messages are removed.
	l = texec(t, c, Command{Tag: "a2", Name: "expunge"}, "ok")
	tcompare(t, l[:2], []string{"* 5 EXPUNGE", "* 8 EXPUNGE"})
	if !strings.HasPrefix(l[2], "a2 OK [HIGHESTMODSEQ ") {
		t.Fatalf("bad result line %q", l[2])
	}
	tcompare(t, c.uids, e.uids(t))

	// Own expunges are in the journal, but not sent again.
	l = texec(t, c, Command{Tag: "a3", Name: "noop"}, "ok")
	tcompare(t, l, []string{"a3 OK NOOP done"})

	l = texec(t, c, Command{Tag: "a4", Name: "uid expunge"}, "badsyntax")
	tcompare(t, len(l), 1)

	l = texec(t, c, Command{Tag: "a5", Name: "unsubscribe", Mailbox: "Archive"}, "usererror")
	if !strings.HasPrefix(l[0], "a5 NO [NONEXISTENT] unsubscribe") {
		t.Fatalf("bad result line %q", l[0])
	}
	texec(t, c, Command{Tag: "a6", Name: "unsubscribe", Mailbox: "Trash"}, "ok")
	texec(t, c, Command{Tag: "a7", Name: "subscribe", Mailbox: "Trash"}, "ok")
	texec(t, c, Command{Tag: "a8", Name: "bogus"}, "badsyntax")

	// Changes by another session show up on noop.
	e.deliver(t, 2, func(i int) bool { return i == 0 }, nil)
	l = texec(t, c, Command{Tag: "b1", Name: "noop"}, "ok")
	tcompare(t, l, []string{"* 9 EXISTS", "b1 OK NOOP done"})

	// Close expunges silently.
	l = texec(t, c, Command{Tag: "b2", Name: "close"}, "ok")
	tcompare(t, l, []string{"b2 OK CLOSE done"})
	tcompare(t, e.uids(t), []store.UID{1, 2, 3, 4, 6, 7, 8, 11})

	// Write errors are returned, the connection is done.
	r := &lines{err: errors.New("broken pipe")}
	result, err := c.Execute(ctxbg, Command{Tag: "b3", Name: "noop"}, r)
	if err == nil || result != "ioerror" {
		t.Fatalf("got result %s, err %v, expected ioerror", result, err)
	}
}

func TestIdle(t *testing.T) {
	e := newTestEnv(t)
	e.deliver(t, 2, nil, nil)

	c := NewConn(e.local, e.notifier, "mjl", "127.0.0.1:1234")
	defer c.Close()
	texec(t, c, Command{Tag: "a1", Name: "select", Mailbox: "Inbox"}, "ok")

	r := &lines{}
	done := make(chan struct{})
	idled := make(chan string, 1)
	go func() {
		result, err := c.Execute(ctxbg, Command{Tag: "a2", Name: "idle", Done: done}, r)
		if err != nil {
			t.Errorf("idle: %v", err)
		}
		idled <- result
	}()
	r.wait(t, "+ ")

	// Deliveries by others are sent while idling.
	e.deliver(t, 1, nil, nil)
	tcompare(t, r.wait(t, "* 3 EXISTS"), []string{"* 3 EXISTS"})

	close(done)
	r.wait(t, "a2 OK IDLE done")
	tcompare(t, <-idled, "ok")

	// Without notifier, no idle.
	c2 := NewConn(e.local, nil, "mjl", "127.0.0.1:1234")
	defer c2.Close()
	texec(t, c2, Command{Tag: "b1", Name: "idle", Done: done}, "usererror")
}

func TestConnSyncOrder(t *testing.T) {
	e := newTestEnv(t)
	e.deliver(t, 2, nil, nil)

	c := NewConn(e.local, e.notifier, "mjl", "127.0.0.1:1234")
	defer c.Close()
	texec(t, c, Command{Tag: "a1", Name: "select", Mailbox: "Inbox"}, "ok")

	// Another session delivers and expunges before this session syncs. The new
	// message is announced before its sequence number is used.
	e.deliver(t, 1, func(int) bool { return true }, nil)
	other := e.session(true)
	other.ID = "session2"
	_, err := e.local.Expunge(ctxbg, other, ExpungeRequest{MailboxID: e.inbox.ID, Update: Update{Silent: true}})
	tcheck(t, err, "expunge by other session")
	l := texec(t, c, Command{Tag: "a2", Name: "noop"}, "ok")
	tcompare(t, l, []string{"* 3 EXISTS", "* 3 EXPUNGE", "a2 OK NOOP done"})
	tcompare(t, c.uids, []store.UID{1, 2})

	// Same for flag changes on a new message.
	msgs := e.deliver(t, 1, nil, nil)
	err = e.locks.WithLock(ctxbg, e.acc.LockKey(), func(tok dlock.Token) error {
		return e.acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
			mb, err := e.acc.MailboxByID(tx, e.inbox.ID)
			if err != nil {
				return err
			}
			m := msgs[0]
			_, err = e.acc.SetFlags(tx, tok, mb, &m, []string{`\Seen`}, nil)
			return err
		})
	})
	tcheck(t, err, "set flags")
	l = texec(t, c, Command{Tag: "a3", Name: "noop"}, "ok")
	tcompare(t, len(l), 3)
	tcompare(t, l[0], "* 3 EXISTS")
	if !strings.HasPrefix(l[1], "* 3 FETCH (UID 4 ") {
		t.Fatalf("bad fetch line %q", l[1])
	}
}
