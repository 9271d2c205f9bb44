package store

import (
	"context"
	"errors"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/coord"
	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
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
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

type testEnv struct {
	acc   *Account
	mr    *miniredis.Miniredis
	cs    *coord.Redis
	locks *dlock.Manager
	log   mlog.Log
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	os.RemoveAll("../testdata/store/data")
	pigeon.ConfigStaticPath = "../testdata/store/pigeon.conf"
	pigeon.MustLoadConfig()

	log := mlog.New("store", nil)
	err := Init(log)
	tcheck(t, err, "init store")

	mr := miniredis.RunT(t)
	cs := coord.NewRedis(coord.Options{Address: mr.Addr()})
	acc, err := OpenAccount(log, "mjl")
	tcheck(t, err, "open account")
	t.Cleanup(func() {
		err := acc.Close()
		tcheck(t, err, "closing account")
		cs.Close()
	})
	return testEnv{acc, mr, cs, dlock.NewManager(cs, time.Second, 0), log}
}

// deliver adds a message to mailbox name while holding the lock.
func (e testEnv) deliver(t *testing.T, name string, flags []string, attachments map[string][]byte) Message {
	t.Helper()
	tok, err := e.locks.Acquire(ctxbg, e.acc.LockKey())
	tcheck(t, err, "acquire lock")
	defer e.locks.Release(ctxbg, tok)

	m := Message{Size: 100, Flags: flags}
	err = e.acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := e.acc.MailboxFind(tx, name)
		if err != nil {
			return err
		} else if mb == nil {
			return ErrUnknownMailbox
		}
		return e.acc.DeliverMessage(e.log, tx, tok, mb, &m, attachments)
	})
	tcheck(t, err, "deliver message")
	return m
}

func TestMailbox(t *testing.T) {
	e := newTestEnv(t)
	acc := e.acc

	mailboxes, err := bstore.QueryDB[Mailbox](ctxbg, acc.DB).SortAsc("ID").List()
	tcheck(t, err, "list mailboxes")
	var names []string
	for _, mb := range mailboxes {
		names = append(names, mb.Name)
		if !mb.Subscribed || mb.UIDNext != 1 || mb.UIDValidity == 0 {
			t.Fatalf("bad initial mailbox %#v", mb)
		}
	}
	tcompare(t, names, append([]string{"Inbox"}, DefaultInitialMailboxes...))

	// Opening again shares the account.
	acc2, err := OpenAccount(e.log, "mjl")
	tcheck(t, err, "open account again")
	if acc2 != acc {
		t.Fatalf("second open returned different account")
	}
	err = acc2.Close()
	tcheck(t, err, "close second reference")

	_, err = OpenAccount(e.log, "../etc")
	if !errors.Is(err, ErrAccountName) {
		t.Fatalf("got err %v, expected ErrAccountName", err)
	}

	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxSubscribe(tx, "Archive", false)
		tcheck(t, err, "unsubscribe")
		tcompare(t, mb.Subscribed, false)

		_, err = acc.MailboxSubscribe(tx, "Nonexistent", false)
		if !errors.Is(err, ErrUnknownMailbox) {
			t.Fatalf("got err %v, expected ErrUnknownMailbox", err)
		}

		_, err = acc.MailboxEnsure(tx, dlock.Token{}, "Lists/Go", true)
		if !errors.Is(err, ErrLockNotHeld) {
			t.Fatalf("got err %v, expected ErrLockNotHeld", err)
		}
		return nil
	})
	tcheck(t, err, "write")

	tok, err := e.locks.Acquire(ctxbg, acc.LockKey())
	tcheck(t, err, "acquire")
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxEnsure(tx, tok, "Lists/Go", true)
		tcheck(t, err, "ensure mailbox")
		tcompare(t, mb.Name, "Lists/Go")
		parent, err := acc.MailboxFind(tx, "Lists")
		tcheck(t, err, "find parent")
		if parent == nil || !parent.Subscribed {
			t.Fatalf("parent not created and subscribed: %#v", parent)
		}
		return nil
	})
	tcheck(t, err, "write")
	err = e.locks.Release(ctxbg, tok)
	tcheck(t, err, "release")
}

func TestJournal(t *testing.T) {
	e := newTestEnv(t)
	acc := e.acc

	m1 := e.deliver(t, "Inbox", nil, nil)
	m2 := e.deliver(t, "Inbox", []string{`\Seen`}, nil)
	m3 := e.deliver(t, "Inbox", []string{`\Deleted`}, nil)
	tcompare(t, []UID{m1.UID, m2.UID, m3.UID}, []UID{1, 2, 3})
	if !m1.Undeleted || !m2.Undeleted || m3.Undeleted {
		t.Fatalf("bad undeleted state")
	}
	if m1.ThreadID != m1.ID || m1.Magic == 0 {
		t.Fatalf("thread id or magic not assigned: %#v", m1)
	}

	var inbox Mailbox
	var changes []ChangeEntry
	err := acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, "Inbox")
		tcheck(t, err, "find inbox")
		inbox = *mb
		changes, err = acc.ChangesSince(tx, inbox.ID, 0)
		return err
	})
	tcheck(t, err, "changes")
	tcompare(t, len(changes), 3)
	for i, ch := range changes {
		m := []Message{m1, m2, m3}[i]
		if ch.Command != CommandExists || ch.UID != m.UID || ch.MessageID != m.ID || ch.ModSeq != m.ModSeq {
			t.Fatalf("bad change entry %d: %#v", i, ch)
		}
		if i > 0 && ch.ModSeq <= changes[i-1].ModSeq {
			t.Fatalf("modseqs not increasing")
		}
	}
	tcompare(t, inbox.UIDNext, UID(4))
	tcompare(t, inbox.ModSeq, m3.ModSeq)

	lastSeen := inbox.ModSeq

	// Adding entries requires the lock.
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		return acc.AddEntries(tx, dlock.Token{}, &inbox, ChangeEntry{Command: CommandExpunge, UID: 1})
	})
	if !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("got err %v, expected ErrLockNotHeld", err)
	}
	// A token for another account is not accepted.
	other, err := e.locks.Acquire(ctxbg, "other")
	tcheck(t, err, "acquire other")
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		return acc.AddEntries(tx, other, &inbox, ChangeEntry{Command: CommandExpunge, UID: 1})
	})
	if !errors.Is(err, ErrLockNotHeld) {
		t.Fatalf("got err %v, expected ErrLockNotHeld", err)
	}
	e.locks.Release(ctxbg, other)

	tok, err := e.locks.Acquire(ctxbg, acc.LockKey())
	tcheck(t, err, "acquire")
	err = acc.DB.Write(ctxbg, func(tx *bstore.Tx) error {
		changed, err := acc.SetFlags(tx, tok, &inbox, &m1, []string{`\Deleted`, `\Seen`}, nil)
		tcheck(t, err, "set flags")
		tcompare(t, changed, true)

		changed, err = acc.SetFlags(tx, tok, &inbox, &m1, []string{`\seen`}, nil)
		tcheck(t, err, "set flags again")
		tcompare(t, changed, false)

		changed, err = acc.SetFlags(tx, tok, &inbox, &m3, nil, []string{`\deleted`})
		tcheck(t, err, "clear deleted")
		tcompare(t, changed, true)
		return nil
	})
	tcheck(t, err, "write")
	err = e.locks.Release(ctxbg, tok)
	tcheck(t, err, "release")

	if m1.Undeleted || !m3.Undeleted {
		t.Fatalf("undeleted not updated with flags")
	}

	err = acc.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		var err error
		changes, err = acc.ChangesSince(tx, inbox.ID, lastSeen)
		return err
	})
	tcheck(t, err, "changes since")
	tcompare(t, len(changes), 2)
	tcompare(t, changes[0].Command, CommandFetch)
	tcompare(t, changes[0].UID, m1.UID)
	tcompare(t, changes[0].FlagsAdded, []string{`\Deleted`, `\Seen`})
	tcompare(t, changes[1].UID, m3.UID)
	tcompare(t, changes[1].FlagsRemoved, []string{`\Deleted`})
}

func TestCheckMailboxName(t *testing.T) {
	good := map[string]string{
		"Inbox":      "Inbox",
		"INBOX":      "Inbox",
		"inbox/sub":  "Inbox/sub",
		"Archive/":   "Archive",
		"Cafe\u0301": "Caf\u00e9",
	}
	for in, exp := range good {
		name, err := CheckMailboxName(in)
		tcheck(t, err, "check mailbox name "+in)
		tcompare(t, name, exp)
	}
	for _, in := range []string{"", "/", "a//b", "a\x01", "a*", "a%b"} {
		_, err := CheckMailboxName(in)
		if !errors.Is(err, ErrMailboxName) {
			t.Fatalf("name %q: got err %v, expected ErrMailboxName", in, err)
		}
	}
}
