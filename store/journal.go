package store

import (
	"fmt"
	"time"

	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/dlock"
)

// Commands recorded in the change journal.
const (
	CommandExists  = "EXISTS"  // Message added.
	CommandExpunge = "EXPUNGE" // Message removed.
	CommandFetch   = "FETCH"   // Flags changed.
)

// ChangeEntry is a record in the per-account journal of changes to messages.
// Entries are added in the same transaction as the change, and never modified.
// Sessions that missed a notification find their changes by modseq.
type ChangeEntry struct {
	ID           int64
	MailboxID    int64  `bstore:"nonzero,index MailboxID+ModSeq"`
	Command      string `bstore:"nonzero"`
	UID          UID
	MessageID    int64
	ThreadID     int64
	FlagsAdded   []string
	FlagsRemoved []string
	ModSeq       ModSeq    `bstore:"nonzero"`
	Created      time.Time `bstore:"default now"`
}

// AddEntries appends entries for mailbox mb to the journal, in transaction tx
// that also holds the change itself. Entries without ModSeq get the next modseq.
// The ModSeq of mb is raised to that of the last entry, and mb is written.
//
// The lock for the account must be held.
func (a *Account) AddEntries(tx *bstore.Tx, token dlock.Token, mb *Mailbox, entries ...ChangeEntry) error {
	if err := a.CheckToken(token); err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID != 0 {
			return fmt.Errorf("change entry already stored")
		}
		e.MailboxID = mb.ID
		if e.ModSeq == 0 {
			var err error
			e.ModSeq, err = a.NextModSeq(tx)
			if err != nil {
				return fmt.Errorf("assigning next modseq: %w", err)
			}
		}
		if err := tx.Insert(&e); err != nil {
			return fmt.Errorf("inserting change entry: %w", err)
		}
		if e.ModSeq > mb.ModSeq {
			mb.ModSeq = e.ModSeq
		}
	}
	if err := tx.Update(mb); err != nil {
		return fmt.Errorf("updating mailbox modseq: %w", err)
	}
	return nil
}

// ChangesSince returns the journal entries for mailbox with a modseq higher
// than modseq, in order of modseq.
func (a *Account) ChangesSince(tx *bstore.Tx, mailboxID int64, modseq ModSeq) ([]ChangeEntry, error) {
	q := bstore.QueryTx[ChangeEntry](tx)
	q.FilterNonzero(ChangeEntry{MailboxID: mailboxID})
	q.FilterGreater("ModSeq", modseq)
	q.SortAsc("ModSeq")
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing changes: %w", err)
	}
	return l, nil
}
