package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mjl-/bstore"

	"github.com/pigeonbox/pigeon/coord"
	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
)

const usagePrefix = "usage:"

// UsageTotals is the storage used by an account.
type UsageTotals struct {
	Messages       int64
	MessageSize    int64
	Attachments    int64
	AttachmentSize int64
}

// Total returns the number of bytes stored for the account. Attachment
// content is included in message sizes but stored once, so only the message
// sizes count.
func (u UsageTotals) Total() int64 {
	return u.MessageSize
}

// Usage recomputes storage usage of accounts and saves it in the coordination
// store, for use by quota checks in any process. Concurrent requests for the
// same account are coalesced. A request made while a recomputation is running
// causes one more recomputation after it.
type Usage struct {
	Store   coord.Store
	Timeout time.Duration // For a single recomputation in the background.

	group   singleflight.Group
	mu      sync.Mutex
	pending map[string]bool // Accounts requested since their last recomputation started.
}

// Recompute calculates the usage of acc and stores it under key
// "usage:<account>".
func (u *Usage) Recompute(ctx context.Context, acc *Account) (UsageTotals, error) {
	var t UsageTotals
	err := acc.DB.Read(ctx, func(tx *bstore.Tx) error {
		err := bstore.QueryTx[Message](tx).ForEach(func(m Message) error {
			t.Messages++
			t.MessageSize += m.Size
			return nil
		})
		if err != nil {
			return fmt.Errorf("summing messages: %w", err)
		}
		return bstore.QueryTx[Attachment](tx).ForEach(func(a Attachment) error {
			t.Attachments++
			t.AttachmentSize += a.Size
			return nil
		})
	})
	if err != nil {
		return UsageTotals{}, err
	}
	if err := u.Store.Set(ctx, usagePrefix+acc.Name, strconv.FormatInt(t.Total(), 10), 0); err != nil {
		return t, fmt.Errorf("saving usage: %w", err)
	}
	return t, nil
}

// Get returns the last saved usage in bytes for account.
func (u *Usage) Get(ctx context.Context, account string) (int64, error) {
	s, err := u.Store.Get(ctx, usagePrefix+account)
	if errors.Is(err, coord.ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// Request starts a recomputation for account in the background. If one is
// already running for the account, another is started when it finishes.
// Failures are logged. The returned channel is closed when a recomputation that
// started after the request is done.
func (u *Usage) Request(log mlog.Log, account string) <-chan struct{} {
	u.mu.Lock()
	if u.pending == nil {
		u.pending = map[string]bool{}
	}
	u.pending[account] = true
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic in usage recompute", slog.Any("err", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Store)
			}
		}()

		// A shared result may come from a recomputation that started before our
		// request, so we go again while the account is still pending.
		for u.isPending(account) {
			u.group.Do(account, func() (any, error) {
				u.mu.Lock()
				delete(u.pending, account)
				u.mu.Unlock()
				return u.recompute(log, account)
			})
		}
	}()
	return done
}

func (u *Usage) isPending(account string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending[account]
}

func (u *Usage) recompute(log mlog.Log, account string) (UsageTotals, error) {
	acc, err := OpenAccount(log, account)
	if err != nil {
		log.Errorx("open account for usage recompute", err, slog.String("account", account))
		return UsageTotals{}, err
	}
	defer func() {
		err := acc.Close()
		log.Check(err, "closing account after usage recompute")
	}()

	timeout := u.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	t, err := u.Recompute(ctx, acc)
	if err != nil {
		log.Errorx("recomputing storage usage", err, slog.String("account", account))
	} else {
		log.Debug("usage recomputed", slog.String("account", account), slog.Int64("bytes", t.Total()))
	}
	return t, err
}
