package imapserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mjl-/bstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
	"github.com/pigeonbox/pigeon/store"
)

var metricExpunged = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "pigeon_imap_expunged_messages_total",
		Help: "Messages removed by expunge on the backend.",
	},
)

// Locker serializes changes to an account database, see dlock.Manager.
type Locker interface {
	Acquire(ctx context.Context, resource string) (dlock.Token, error)
	Release(ctx context.Context, token dlock.Token) error
}

// Firer wakes sessions watching an account, see store.Notifier.
type Firer interface {
	Fire(ctx context.Context, account, sessionID string) error
}

// UsageRequester starts a storage usage recomputation, see store.Usage.
type UsageRequester interface {
	Request(log mlog.Log, account string) <-chan struct{}
}

// Local executes commands on the account databases of this process. Used on
// the backend.
type Local struct {
	Locks    Locker
	Notifier Firer
	Usage    UsageRequester // Optional.
}

var _ Executor = (*Local)(nil)

// refresh checks the session can still run commands, and opens its account.
// The caller must close the account.
func (x *Local) refresh(ctx context.Context, sess Session) (*store.Account, mlog.Log, error) {
	log := pkglog.WithContext(ctx).With(slog.String("session", sess.ID), slog.String("account", sess.User))

	select {
	case <-pigeon.Shutdown.Done():
		return nil, log, usercodeErrorf(CodeUnavailable, "shutting down")
	default:
	}

	acc, err := store.OpenAccount(log, sess.User)
	if err != nil {
		return nil, log, fmt.Errorf("open account: %w", err)
	}
	return acc, log, nil
}

func closeAccount(log mlog.Log, acc *store.Account) {
	err := acc.Close()
	log.Check(err, "closing account")
}

// Select returns the state of mailbox name, with the UIDs of its messages.
// Read-only, no lock is taken.
func (x *Local) Select(ctx context.Context, sess Session, name string) (SelectResult, error) {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return SelectResult{}, usercodeErrorf(CodeCannot, "%w", err)
	}
	acc, log, err := x.refresh(ctx, sess)
	if err != nil {
		return SelectResult{}, err
	}
	defer closeAccount(log, acc)

	var r SelectResult
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxFind(tx, name)
		if err != nil {
			return err
		} else if mb == nil {
			return usercodeErrorf(CodeNonexistent, "%w: %q", store.ErrUnknownMailbox, name)
		}
		r = SelectResult{
			Mailbox:       SelectedMailbox{mb.ID, mb.Name},
			UIDValidity:   mb.UIDValidity,
			UIDNext:       mb.UIDNext,
			HighestModSeq: mb.ModSeq,
		}
		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.SortAsc("UID")
		return q.ForEach(func(m store.Message) error {
			r.UIDs = append(r.UIDs, m.UID)
			return nil
		})
	})
	return r, err
}

// Expunge removes the messages marked \Deleted from the mailbox, optionally
// only those in the requested UID ranges. Rows are removed in ascending UID
// order under the account lock, with a journal entry each. Attachments no
// longer referenced are removed before the lock is released. Sessions
// watching the account are notified once. Storage usage is recomputed in the
// background after the lock is released.
func (x *Local) Expunge(ctx context.Context, sess Session, req ExpungeRequest) (ExpungeResult, error) {
	acc, log, err := x.refresh(ctx, sess)
	if err != nil {
		return ExpungeResult{}, err
	}
	defer closeAccount(log, acc)
	log = log.With(slog.Int64("mailboxid", req.MailboxID))

	// Missing mailbox is found before contending for the lock.
	var mb *store.Mailbox
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err = acc.MailboxByID(tx, req.MailboxID)
		return err
	})
	if err != nil {
		return ExpungeResult{}, err
	} else if mb == nil {
		return ExpungeResult{}, usercodeErrorf(CodeNonexistent, "%w", store.ErrUnknownMailbox)
	}

	r, err := x.expungeLocked(ctx, log, acc, sess, req)
	if err != nil {
		return ExpungeResult{}, err
	}

	if len(r.Expunged) > 0 && x.Usage != nil {
		x.Usage.Request(log, acc.Name)
	}
	return r, nil
}

func (x *Local) expungeLocked(ctx context.Context, log mlog.Log, acc *store.Account, sess Session, req ExpungeRequest) (r ExpungeResult, rerr error) {
	token, err := x.Locks.Acquire(ctx, acc.LockKey())
	if errors.Is(err, dlock.ErrLockTimeout) {
		return ExpungeResult{}, usercodeErrorf(CodeInUse, "account busy, try again")
	} else if err != nil {
		return ExpungeResult{}, fmt.Errorf("acquiring account lock: %w", err)
	}
	defer func() {
		err := x.Locks.Release(context.WithoutCancel(ctx), token)
		if err != nil {
			log.Errorx("releasing account lock", err)
		}
	}()

	selected := sess.Selected != nil && sess.Selected.ID == req.MailboxID
	var removed []store.Message
	err = acc.DB.Write(ctx, func(tx *bstore.Tx) error {
		// Mailbox may have been removed while we waited for the lock.
		mb, err := acc.MailboxByID(tx, req.MailboxID)
		if err != nil {
			return err
		} else if mb == nil {
			return usercodeErrorf(CodeNonexistent, "%w", store.ErrUnknownMailbox)
		}

		q := bstore.QueryTx[store.Message](tx)
		q.FilterNonzero(store.Message{MailboxID: mb.ID})
		q.FilterEqual("Undeleted", false)
		if req.Update.IsUID {
			q.FilterFn(func(m store.Message) bool {
				return uidInRanges(m.UID, req.Update.UIDs)
			})
		}
		q.SortAsc("UID")
		l, err := q.List()
		if err != nil {
			return fmt.Errorf("listing messages to expunge: %w", err)
		}

		entries := make([]store.ChangeEntry, 0, len(l))
		for _, m := range l {
			if ok, err := removeMessage(log, tx, m); err != nil {
				return err
			} else if !ok {
				continue
			}
			removed = append(removed, m)
			r.Expunged = append(r.Expunged, m.UID)
			if !req.Update.Silent || selected {
				r.Writes = append(r.Writes, Write{"*", "EXPUNGE", m.UID})
			}
			entries = append(entries, store.ChangeEntry{
				Command:   store.CommandExpunge,
				UID:       m.UID,
				MessageID: m.ID,
				ThreadID:  m.ThreadID,
			})
		}
		if len(entries) > 0 {
			if err := acc.AddEntries(tx, token, mb, entries...); err != nil {
				return err
			}
		}
		r.HighestModSeq = mb.ModSeq
		return nil
	})
	if err != nil {
		return ExpungeResult{}, err
	}
	if len(removed) == 0 {
		return r, nil
	}
	metricExpunged.Add(float64(len(removed)))
	log.Debug("expunged messages", slog.Int("count", len(removed)), slog.Any("uids", r.Expunged))

	for _, m := range removed {
		if ids := m.AttachmentIDs(); len(ids) > 0 {
			err := acc.DeleteAttachments(ctx, log, token, ids, m.Magic)
			log.Check(err, "removing attachments of expunged message", slog.Int64("msgid", m.ID))
		}
	}

	// Journal entries are committed, sessions missing this notification still
	// find the changes by modseq.
	err = x.Notifier.Fire(ctx, acc.Name, sess.ID)
	log.Check(err, "notifying sessions of expunge")
	return r, nil
}

// removeMessage deletes m from the database. It returns false when the delete
// didn't affect exactly one row, the caller then leaves the message out of the
// expunge, including attachment collection.
func removeMessage(log mlog.Log, tx *bstore.Tx, m store.Message) (bool, error) {
	n, err := bstore.QueryTx[store.Message](tx).FilterID(m.ID).Delete()
	if err != nil {
		return false, fmt.Errorf("removing message: %w", err)
	} else if n != 1 {
		log.Error("unexpected number of rows removed for message, skipping", slog.Int("rows", n), slog.Int64("msgid", m.ID), slog.Any("uid", m.UID))
		return false, nil
	}
	return true, nil
}

// Subscribe marks mailbox name as subscribed. The mailbox must exist.
func (x *Local) Subscribe(ctx context.Context, sess Session, name string) error {
	return x.subscribe(ctx, sess, name, true)
}

// Unsubscribe marks mailbox name as not subscribed. The mailbox must exist.
// Subscriptions don't touch messages, so no lock is taken and no journal
// entry is added.
func (x *Local) Unsubscribe(ctx context.Context, sess Session, name string) error {
	return x.subscribe(ctx, sess, name, false)
}

func (x *Local) subscribe(ctx context.Context, sess Session, name string, subscribed bool) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return usercodeErrorf(CodeCannot, "%w", err)
	}
	acc, log, err := x.refresh(ctx, sess)
	if err != nil {
		return err
	}
	defer closeAccount(log, acc)

	err = acc.DB.Write(ctx, func(tx *bstore.Tx) error {
		_, err := acc.MailboxSubscribe(tx, name, subscribed)
		return err
	})
	if errors.Is(err, store.ErrUnknownMailbox) {
		return usercodeErrorf(CodeNonexistent, "%w", err)
	}
	return err
}

// Changes returns journal entries for the mailbox after modseq since.
// Read-only, no lock is taken.
func (x *Local) Changes(ctx context.Context, sess Session, mailboxID int64, since store.ModSeq) (ChangesResult, error) {
	acc, log, err := x.refresh(ctx, sess)
	if err != nil {
		return ChangesResult{}, err
	}
	defer closeAccount(log, acc)

	var r ChangesResult
	err = acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := acc.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		} else if mb == nil {
			return usercodeErrorf(CodeNonexistent, "%w", store.ErrUnknownMailbox)
		}
		r.HighestModSeq = mb.ModSeq
		r.Changes, err = acc.ChangesSince(tx, mb.ID, since)
		return err
	})
	return r, err
}
