/*
Package store implements storage for accounts, their mailboxes, messages,
attachments and the journal of changes.

Each account has its own database file, "index.db", in its own directory in
the "accounts" directory of the data directory. Attachments are stored as files
named by the hash of their content, in the "attachments" directory of the
account.

Modifications to an account require holding the distributed lock for the
account, see package dlock. Functions that modify take the lock token as
parameter, and fail with ErrLockNotHeld without it.

Changes are recorded as ChangeEntry in the same transaction as the
modification. Sessions are woken through a Notifier after a commit, and read
the journal for changes since the modseq they last saw.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
	"github.com/pigeonbox/pigeon/pigeonvar"
)

var pkglog = mlog.New("store", nil)

var (
	ErrUnknownMailbox = errors.New("no such mailbox")
	ErrLockNotHeld    = errors.New("account lock not held")
	ErrAccountName    = errors.New("invalid account name")
)

// DefaultInitialMailboxes are created for new accounts, in addition to Inbox,
// if none are configured.
var DefaultInitialMailboxes = []string{"Sent", "Archive", "Trash", "Drafts", "Junk"}

// FlagDeleted marks a message for removal by the next expunge.
const FlagDeleted = `\Deleted`

type UID uint32 // IMAP UID.

// ModSeq represents a modseq as stored in the database. ModSeq 0 in the
// database is sent to the client as 1, because modseq 0 is special in IMAP.
type ModSeq int64

func (ms ModSeq) Client() int64 {
	if ms == 0 {
		return 1
	}
	return int64(ms)
}

// NextUIDValidity is a singleton record in the database with the next UIDValidity
// to use for the next mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// SyncState tracks ModSeqs.
type SyncState struct {
	ID int // Just a single record with ID 1.

	// Last used, next assigned will be one higher. The first value we hand out is 2.
	// That's because 0 is special in IMAP, so we return it as 1.
	LastModSeq ModSeq `bstore:"nonzero"`
}

// Mailbox is collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64

	// "Inbox" is the name for the special IMAP "INBOX". Slash separated for
	// hierarchy.
	Name string `bstore:"nonzero,unique"`

	// Subscriptions are per mailbox here, a subscription to a removed mailbox
	// disappears with it.
	Subscribed bool

	// If UIDs are invalidated, e.g. when renaming a mailbox to a previously existing
	// name, UIDValidity must be changed. Used by IMAP for synchronization.
	UIDValidity uint32

	// UID to be assigned to next message.
	UIDNext UID

	// Highest modseq of a change in this mailbox.
	ModSeq ModSeq
}

// Message stored in a mailbox.
type Message struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,unique MailboxID+UID,index MailboxID+Undeleted,ref Mailbox"`
	UID       UID    `bstore:"nonzero"` // Assigned on delivery, per mailbox.
	ThreadID  int64  // ID of first message in thread.
	Size      int64  // Full size of the message, including attachments.
	Flags     []string
	Undeleted bool   // Without \Deleted flag. Messages with false are removed by expunge.
	ModSeq    ModSeq // Of last change.

	// Encoded MIME structure, opaque to the store.
	MimeTree []byte

	// Message-local part key to attachment id.
	Attachments map[string]string

	// Random, added to the Magic of referenced attachments on delivery and
	// subtracted again on removal.
	Magic int64

	Received time.Time `bstore:"default now"`
}

// HasFlag returns whether the message has flag, compared case-insensitively.
func (m Message) HasFlag(flag string) bool {
	return slices.ContainsFunc(m.Flags, func(f string) bool {
		return strings.EqualFold(f, flag)
	})
}

// AttachmentIDs returns the distinct attachment ids referenced by the message,
// sorted.
func (m Message) AttachmentIDs() []string {
	var l []string
	for _, id := range m.Attachments {
		l = append(l, id)
	}
	slices.Sort(l)
	return slices.Compact(l)
}

// Types stored in DB.
var DBTypes = []any{NextUIDValidity{}, SyncState{}, Mailbox{}, Message{}, Attachment{}, ChangeEntry{}}

// Account holds the information about a user, including mailboxes, messages,
// attachments and the change journal.
type Account struct {
	Name   string     // Name, as used by the login and in the lock key.
	Dir    string     // Directory where account files, including the database and attachments, are stored for this account.
	DBPath string     // Path to database with mailboxes, messages, etc.
	DB     *bstore.DB // Open database connection.

	nused int // Reference count, while >0, this account is alive and shared.
}

// InitialUIDValidity returns a UIDValidity used for initializing an account.
// It can be replaced during tests with a predictable value.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // A 2-second resolution will get us far enough beyond 2038.
}

var openAccounts = struct {
	names map[string]*Account
	sync.Mutex
}{
	names: map[string]*Account{},
}

func closeAccount(acc *Account) (rerr error) {
	openAccounts.Lock()
	defer openAccounts.Unlock()
	acc.nused--
	if acc.nused == 0 {
		rerr = acc.DB.Close()
		acc.DB = nil
		delete(openAccounts.names, acc.Name)
	} else if acc.nused < 0 {
		return fmt.Errorf("account %q closed too often", acc.Name)
	}
	return
}

// CheckAccountName returns an error if name cannot be used as account
// directory name.
func CheckAccountName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrAccountName, name)
	}
	for _, c := range name {
		if c < ' ' || c == 0x7f {
			return fmt.Errorf("%w: control character", ErrAccountName)
		}
	}
	return nil
}

// OpenAccount opens an account by name, creating it if it does not yet exist.
// A single shared account exists per name per process. Close must be called
// when done.
func OpenAccount(log mlog.Log, name string) (*Account, error) {
	if err := CheckAccountName(name); err != nil {
		return nil, err
	}

	openAccounts.Lock()
	defer openAccounts.Unlock()
	if acc, ok := openAccounts.names[name]; ok {
		acc.nused++
		return acc, nil
	}

	acc, err := openAccount(log, name)
	if err != nil {
		return nil, err
	}
	acc.nused++
	openAccounts.names[name] = acc
	return acc, nil
}

// openAccount opens an existing account, or creates it if it is missing.
func openAccount(log mlog.Log, name string) (a *Account, rerr error) {
	dir := pigeon.AccountDirPath(name)
	dbpath := filepath.Join(dir, "index.db")

	// Create account if it doesn't exist yet.
	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: pigeonvar.RegisterLogger(dbpath, log.Logger)}
	db, err := bstore.Open(context.TODO(), dbpath, &opts, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			err := db.Close()
			log.Check(err, "closing database file after error")
			if isNew {
				err := os.Remove(dbpath)
				log.Check(err, "removing new database file after error")
			}
		}
	}()

	if isNew {
		if err := initAccount(db); err != nil {
			return nil, fmt.Errorf("initializing account: %v", err)
		}
		log.Info("account created", slog.String("account", name))
	}

	return &Account{
		Name:   name,
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
	}, nil
}

func initAccount(db *bstore.DB) error {
	return db.Write(context.TODO(), func(tx *bstore.Tx) error {
		uidvalidity := InitialUIDValidity()

		mailboxes := pigeon.Conf.Static.InitialMailboxes
		if len(mailboxes) == 0 {
			mailboxes = DefaultInitialMailboxes
		}
		names := []string{"Inbox"}
		for _, name := range mailboxes {
			if !strings.EqualFold(name, "Inbox") {
				names = append(names, name)
			}
		}
		for _, name := range names {
			mb := Mailbox{Name: name, Subscribed: true, UIDValidity: uidvalidity, UIDNext: 1}
			if err := tx.Insert(&mb); err != nil {
				return fmt.Errorf("creating mailbox: %w", err)
			}
		}

		uidvalidity++
		if err := tx.Insert(&NextUIDValidity{1, uidvalidity}); err != nil {
			return fmt.Errorf("inserting nextuidvalidity: %w", err)
		}
		return nil
	})
}

// Close reduces the reference count, and closes the database connection when
// it was the last user.
func (a *Account) Close() error {
	return closeAccount(a)
}

// LockKey returns the resource name for the distributed lock that protects
// modifications to the account database.
func (a *Account) LockKey() string {
	return a.Name
}

// CheckToken returns ErrLockNotHeld if token is not a successful acquisition of
// this account's lock.
func (a *Account) CheckToken(token dlock.Token) error {
	if !token.Holds(a.LockKey()) {
		return fmt.Errorf("%w: account %s", ErrLockNotHeld, a.Name)
	}
	return nil
}

// NextUIDValidity returns the next new/unique uidvalidity to use for this account.
func (a *Account) NextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

// NextModSeq returns the next modification sequence, which is global per account,
// over all types.
func (a *Account) NextModSeq(tx *bstore.Tx) (ModSeq, error) {
	v := SyncState{ID: 1}
	if err := tx.Get(&v); err == bstore.ErrAbsent {
		// We start assigning from modseq 2. Modseq 0 is not usable, so returned as 1, so
		// already used.
		v = SyncState{1, 2}
		return v.LastModSeq, tx.Insert(&v)
	} else if err != nil {
		return 0, err
	}
	v.LastModSeq++
	return v.LastModSeq, tx.Update(&v)
}

// HighestModSeq returns the last assigned modseq, or 0 if none was assigned yet.
func (a *Account) HighestModSeq(tx *bstore.Tx) (ModSeq, error) {
	v := SyncState{ID: 1}
	err := tx.Get(&v)
	if err == bstore.ErrAbsent {
		return 0, nil
	}
	return v.LastModSeq, err
}

// MailboxFind finds a mailbox by name, returning a nil mailbox and nil error if
// mailbox does not exist.
func (a *Account) MailboxFind(tx *bstore.Tx, name string) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterEqual("Name", name)
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// MailboxByID returns the mailbox with id, or a nil mailbox and nil error if
// it does not exist.
func (a *Account) MailboxByID(tx *bstore.Tx, id int64) (*Mailbox, error) {
	mb := Mailbox{ID: id}
	err := tx.Get(&mb)
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// MailboxEnsure ensures mailbox name is present in database, adding records for
// the mailbox and its parents if they aren't present. Name must be valid, see
// CheckMailboxName.
func (a *Account) MailboxEnsure(tx *bstore.Tx, token dlock.Token, name string, subscribe bool) (mb Mailbox, rerr error) {
	if err := a.CheckToken(token); err != nil {
		return Mailbox{}, err
	}

	elems := strings.Split(name, "/")
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterFn(func(mb Mailbox) bool {
		return mb.Name == elems[0] || strings.HasPrefix(mb.Name, elems[0]+"/")
	})
	l, err := q.List()
	if err != nil {
		return Mailbox{}, fmt.Errorf("list mailboxes: %v", err)
	}

	mailboxes := map[string]Mailbox{}
	for _, xmb := range l {
		mailboxes[xmb.Name] = xmb
	}

	p := ""
	for _, elem := range elems {
		if p != "" {
			p += "/"
		}
		p += elem
		var ok bool
		mb, ok = mailboxes[p]
		if ok {
			continue
		}
		uidval, err := a.NextUIDValidity(tx)
		if err != nil {
			return Mailbox{}, fmt.Errorf("next uid validity: %v", err)
		}
		mb = Mailbox{
			Name:        p,
			Subscribed:  subscribe,
			UIDValidity: uidval,
			UIDNext:     1,
		}
		if err := tx.Insert(&mb); err != nil {
			return Mailbox{}, fmt.Errorf("creating new mailbox: %v", err)
		}
	}
	return mb, nil
}

// MailboxSubscribe sets the subscribed flag of mailbox name. It returns
// ErrUnknownMailbox if the mailbox does not exist. Subscriptions do not touch
// messages, so no lock is needed.
func (a *Account) MailboxSubscribe(tx *bstore.Tx, name string, subscribed bool) (Mailbox, error) {
	mb, err := a.MailboxFind(tx, name)
	if err != nil {
		return Mailbox{}, err
	} else if mb == nil {
		return Mailbox{}, fmt.Errorf("%w: %q", ErrUnknownMailbox, name)
	}
	if mb.Subscribed == subscribed {
		return *mb, nil
	}
	mb.Subscribed = subscribed
	if err := tx.Update(mb); err != nil {
		return Mailbox{}, fmt.Errorf("updating subscription: %w", err)
	}
	return *mb, nil
}

// DeliverMessage adds message m to mailbox mb, assigning its UID and modseq,
// storing attachments (part key to content) and recording an EXISTS change.
// The updated mailbox is written to the database and to mb.
//
// The caller must fire the notifier after committing.
func (a *Account) DeliverMessage(log mlog.Log, tx *bstore.Tx, token dlock.Token, mb *Mailbox, m *Message, attachments map[string][]byte) error {
	if err := a.CheckToken(token); err != nil {
		return err
	}
	if m.ID != 0 || m.UID != 0 {
		return fmt.Errorf("message already delivered")
	}

	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return fmt.Errorf("assigning next modseq: %w", err)
	}

	m.MailboxID = mb.ID
	m.UID = mb.UIDNext
	m.ModSeq = modseq
	m.Undeleted = !m.HasFlag(FlagDeleted)
	for m.Magic == 0 {
		m.Magic = rand.Int64()
	}
	if len(attachments) > 0 && m.Attachments == nil {
		m.Attachments = map[string]string{}
	}
	// Keys sorted, for deterministic file writes.
	keys := make([]string, 0, len(attachments))
	for k := range attachments {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	// Magic is added once per distinct content, matching AttachmentIDs on removal.
	stored := map[string]bool{}
	for _, k := range keys {
		id := AttachmentID(attachments[k])
		if !stored[id] {
			var err error
			id, err = a.StoreAttachment(log, tx, attachments[k], m.Magic)
			if err != nil {
				return fmt.Errorf("storing attachment %q: %w", k, err)
			}
			stored[id] = true
		}
		m.Attachments[k] = id
	}

	if err := tx.Insert(m); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	if m.ThreadID == 0 {
		m.ThreadID = m.ID
		if err := tx.Update(m); err != nil {
			return fmt.Errorf("setting thread id: %w", err)
		}
	}

	mb.UIDNext++
	entry := ChangeEntry{
		Command:    CommandExists,
		UID:        m.UID,
		MessageID:  m.ID,
		ThreadID:   m.ThreadID,
		FlagsAdded: m.Flags,
		ModSeq:     modseq,
	}
	if err := a.AddEntries(tx, token, mb, entry); err != nil {
		return err
	}
	log.Debug("delivered message",
		slog.String("account", a.Name),
		slog.String("mailbox", mb.Name),
		slog.Any("uid", m.UID),
		slog.Int64("size", m.Size))
	return nil
}

// SetFlags adds and removes flags on message m in mailbox mb, and records a
// FETCH change with the effective differences. If nothing changes, no modseq
// is assigned and no change recorded.
func (a *Account) SetFlags(tx *bstore.Tx, token dlock.Token, mb *Mailbox, m *Message, add, remove []string) (changed bool, rerr error) {
	if err := a.CheckToken(token); err != nil {
		return false, err
	}
	if m.MailboxID != mb.ID {
		return false, fmt.Errorf("message not in mailbox")
	}

	var added, removed []string
	flags := slices.Clone(m.Flags)
	for _, f := range remove {
		if i := slices.IndexFunc(flags, func(s string) bool { return strings.EqualFold(s, f) }); i >= 0 {
			removed = append(removed, flags[i])
			flags = slices.Delete(flags, i, i+1)
		}
	}
	for _, f := range add {
		if !slices.ContainsFunc(flags, func(s string) bool { return strings.EqualFold(s, f) }) {
			added = append(added, f)
			flags = append(flags, f)
		}
	}
	if len(added) == 0 && len(removed) == 0 {
		return false, nil
	}

	modseq, err := a.NextModSeq(tx)
	if err != nil {
		return false, fmt.Errorf("assigning next modseq: %w", err)
	}
	m.Flags = flags
	m.Undeleted = !m.HasFlag(FlagDeleted)
	m.ModSeq = modseq
	if err := tx.Update(m); err != nil {
		return false, fmt.Errorf("updating message flags: %w", err)
	}
	entry := ChangeEntry{
		Command:      CommandFetch,
		UID:          m.UID,
		MessageID:    m.ID,
		ThreadID:     m.ThreadID,
		FlagsAdded:   added,
		FlagsRemoved: removed,
		ModSeq:       modseq,
	}
	return true, a.AddEntries(tx, token, mb, entry)
}
