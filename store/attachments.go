package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/mlog"
)

// Attachment is content shared by all messages referencing it through their
// Attachments map. The content is stored in a file named by its ID.
type Attachment struct {
	ID string // Hex blake2b-256 of content.

	// Sum of Magic of the messages that referenced this attachment when they
	// were delivered, minus those of removed messages. Zero when the last
	// reference is removed.
	Magic int64

	Size    int64
	Created time.Time `bstore:"default now"`
}

// AttachmentID returns the content address for data.
func AttachmentID(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AttachmentPath returns the file system path for the content of attachment id.
func (a *Account) AttachmentPath(id string) string {
	return filepath.Join(a.Dir, "attachments", id[:2], id)
}

// AttachmentRead returns the content of attachment id.
func (a *Account) AttachmentRead(id string) ([]byte, error) {
	if len(id) != 2*blake2b.Size256 {
		return nil, fmt.Errorf("invalid attachment id %q", id)
	}
	return os.ReadFile(a.AttachmentPath(id))
}

// StoreAttachment stores data as attachment, referenced by a message with
// magic. If the content is already present, only the record is updated. The
// id is returned for use in Message.Attachments.
func (a *Account) StoreAttachment(log mlog.Log, tx *bstore.Tx, data []byte, magic int64) (string, error) {
	id := AttachmentID(data)
	p := a.AttachmentPath(id)

	// Same content always has the same name, so concurrent or repeated writes are
	// harmless.
	if _, err := os.Stat(p); err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("stat attachment file: %w", err)
		}
		if err := writeAttachmentFile(log, p, data); err != nil {
			return "", err
		}
	}

	att := Attachment{ID: id}
	if err := tx.Get(&att); err == bstore.ErrAbsent {
		att = Attachment{ID: id, Magic: magic, Size: int64(len(data))}
		if err := tx.Insert(&att); err != nil {
			return "", fmt.Errorf("inserting attachment: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("get attachment: %w", err)
	} else {
		att.Magic += magic
		if err := tx.Update(&att); err != nil {
			return "", fmt.Errorf("updating attachment: %w", err)
		}
	}
	return id, nil
}

func writeAttachmentFile(log mlog.Log, p string, data []byte) error {
	f, err := CreateTemp(log, "attachment")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if f != nil {
			CloseRemoveTempFile(log, f, "attachment")
		}
	}()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	os.MkdirAll(filepath.Dir(p), 0770)
	if err := os.Rename(f.Name(), p); err != nil {
		return fmt.Errorf("moving attachment into place: %w", err)
	}
	f = nil
	return nil
}

// DeleteAttachments removes the attachments with ids if no message references
// them anymore. Messages with magic referenced them, and magic is subtracted
// from the still referenced attachments.
//
// The account lock must be held for the duration of the call, so no message
// can add a reference between checking and removing. Each attachment is
// handled in its own transaction. Failures are logged and do not stop the
// handling of the remaining attachments. Only ErrLockNotHeld is returned.
func (a *Account) DeleteAttachments(ctx context.Context, log mlog.Log, token dlock.Token, ids []string, magic int64) error {
	if err := a.CheckToken(token); err != nil {
		return err
	}

	for _, id := range ids {
		var remove bool
		err := a.DB.Write(ctx, func(tx *bstore.Tx) error {
			att := Attachment{ID: id}
			if err := tx.Get(&att); err == bstore.ErrAbsent {
				return nil
			} else if err != nil {
				return fmt.Errorf("get attachment: %w", err)
			}
			att.Magic -= magic

			q := bstore.QueryTx[Message](tx)
			q.FilterFn(func(m Message) bool {
				return slices.Contains(m.AttachmentIDs(), id)
			})
			referenced, err := q.Exists()
			if err != nil {
				return fmt.Errorf("checking references: %w", err)
			}
			if referenced {
				return tx.Update(&att)
			}

			if att.Magic != 0 {
				log.Info("attachment magic mismatch on removal of last reference",
					slog.String("account", a.Name),
					slog.String("id", id),
					slog.Int64("magic", att.Magic))
			}
			if err := tx.Delete(&att); err != nil {
				return fmt.Errorf("deleting attachment record: %w", err)
			}
			remove = true
			return nil
		})
		if err != nil {
			log.Errorx("deleting attachment", err, slog.String("account", a.Name), slog.String("id", id))
			continue
		}
		if !remove {
			continue
		}

		// Removed after the commit. A file without record is a leak, a record without
		// file is an error.
		p := a.AttachmentPath(id)
		err = os.Remove(p)
		log.Check(err, "removing attachment file", slog.String("path", p))
		log.Debug("attachment removed", slog.String("account", a.Name), slog.String("id", id))
	}
	return nil
}
