// Package imapserver executes IMAP commands against account storage.
//
// Commands that change an account go through an Executor. A backend process
// executes them on the account database itself (Local), a front-end process
// forwards them over the RPC bridge to the backend (Delegating). Which one is
// used is decided once at startup, from the configured role. Conn is the
// protocol side: it turns parsed commands into executor calls and results
// into response lines.
package imapserver

import (
	"context"

	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/store"
)

var pkglog = mlog.New("imapserver", nil)

// Executor runs commands for a session. Implementations return errors with
// a response code for protocol-level rejections, e.g. NONEXISTENT.
type Executor interface {
	Select(ctx context.Context, sess Session, name string) (SelectResult, error)
	Expunge(ctx context.Context, sess Session, req ExpungeRequest) (ExpungeResult, error)
	Subscribe(ctx context.Context, sess Session, name string) error
	Unsubscribe(ctx context.Context, sess Session, name string) error
	Changes(ctx context.Context, sess Session, mailboxID int64, since store.ModSeq) (ChangesResult, error)
}

// Session identifies the client session a command is executed for. Only the
// fields a backend needs are included.
type Session struct {
	ID         string
	User       string // Account name, authenticated.
	RemoteAddr string
	Selected   *SelectedMailbox `msgpack:",omitempty"`
}

// SelectedMailbox is the mailbox selected in a session.
type SelectedMailbox struct {
	ID   int64
	Name string
}

// UIDRange is an inclusive range of UIDs.
type UIDRange struct {
	First store.UID
	Last  store.UID
}

func (r UIDRange) contains(uid store.UID) bool {
	return uid >= r.First && uid <= r.Last
}

func uidInRanges(uid store.UID, l []UIDRange) bool {
	for _, r := range l {
		if r.contains(uid) {
			return true
		}
	}
	return false
}

// Update describes which messages an expunge removes and how the session
// wants to hear about it.
type Update struct {
	IsUID  bool       // Restrict to UIDs, for UID EXPUNGE.
	UIDs   []UIDRange // Only used when IsUID is set.
	Silent bool       // No EXPUNGE responses, unless the mailbox is selected.
}

// ExpungeRequest removes messages marked \Deleted from a mailbox.
type ExpungeRequest struct {
	MailboxID int64
	Update    Update
}

// Write is an untagged response to send to the client, in order.
type Write struct {
	Tag     string // Typically "*".
	Command string // E.g. "EXPUNGE".
	UID     store.UID
}

// ExpungeResult holds the responses for an expunge.
type ExpungeResult struct {
	Writes        []Write
	Expunged      []store.UID // In ascending order.
	HighestModSeq store.ModSeq
}

// SelectResult has the state of a mailbox for a session selecting it.
type SelectResult struct {
	Mailbox       SelectedMailbox
	UIDValidity   uint32
	UIDNext       store.UID
	UIDs          []store.UID // Ascending.
	HighestModSeq store.ModSeq
}

// ChangesResult holds journal entries for a mailbox.
type ChangesResult struct {
	Changes       []store.ChangeEntry
	HighestModSeq store.ModSeq
}
