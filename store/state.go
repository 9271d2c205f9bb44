package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/pigeonbox/pigeon/coord"
	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
)

const notifyPrefix = "notify:"

// Pusher sends an event to connected front-ends, returning after at least one
// acknowledged it. Implemented by the RPC server on the backend.
type Pusher interface {
	Broadcast(ctx context.Context, sessionID string, payload any) error
}

// FireEvent is pushed to front-ends when an account changed.
type FireEvent struct {
	Account   string
	SessionID string // Session that caused the change, can be empty.
}

// Notifier wakes sessions watching an account after changes to the account
// were committed. Within a process, sessions register a Comm. Between
// processes, notifications are published on the coordination store, and
// optionally pushed to front-ends.
//
// Notifications are hints. They can be lost or duplicated, and multiple can
// coalesce into a single wakeup. Sessions always read the change journal for
// modseqs higher than they have seen.
type Notifier struct {
	Store  coord.Store // If nil, only local sessions are woken.
	Pusher Pusher      // If set, Fire also pushes a FireEvent.

	// Time to wait for a front-end to acknowledge a push.
	PushTimeout time.Duration

	sync.Mutex
	regs map[string]map[*Comm]struct{} // Account name to comms.
}

// NewNotifier returns a notifier publishing on store, which may be nil.
func NewNotifier(store coord.Store) *Notifier {
	return &Notifier{
		Store: store,
		regs:  map[string]map[*Comm]struct{}{},
	}
}

// Comm is the registration of a session watching an account.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for IMAP IDLE.
	Account string

	n *Notifier
}

// Register starts a Comm for the account. Unregister must be called.
func (n *Notifier) Register(account string) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so Wake can just do a non-blocking send.
		Account: account,
		n:       n,
	}
	n.Lock()
	defer n.Unlock()
	if _, ok := n.regs[account]; !ok {
		n.regs[account] = map[*Comm]struct{}{}
	}
	n.regs[account][c] = struct{}{}
	return c
}

// Unregister stops this Comm.
func (c *Comm) Unregister() {
	n := c.n
	n.Lock()
	defer n.Unlock()
	delete(n.regs[c.Account], c)
	if len(n.regs[c.Account]) == 0 {
		delete(n.regs, c.Account)
	}
}

// Watchers returns the number of registered comms for account.
func (n *Notifier) Watchers(account string) int {
	n.Lock()
	defer n.Unlock()
	return len(n.regs[account])
}

// Wake signals all local comms for account. A comm with a signal already
// pending is not signaled again.
func (n *Notifier) Wake(account string) {
	n.Lock()
	defer n.Unlock()
	for c := range n.regs[account] {
		select {
		case c.Pending <- struct{}{}:
		default:
		}
	}
}

// Fire notifies all sessions, in all processes, watching account. It must be
// called after the changes, with their journal entries, are committed.
//
// Local sessions are woken directly. An error is returned if publishing to the
// coordination store fails. A push to front-ends happens in the background,
// its failure is only logged.
func (n *Notifier) Fire(ctx context.Context, account, sessionID string) error {
	log := pkglog.WithContext(ctx)

	n.Wake(account)

	if n.Pusher != nil {
		go n.push(log, FireEvent{account, sessionID})
	}

	if n.Store == nil {
		return nil
	}
	if err := n.Store.Publish(ctx, notifyPrefix+account, sessionID); err != nil {
		return fmt.Errorf("publishing change notification: %w", err)
	}
	return nil
}

func (n *Notifier) push(log mlog.Log, ev FireEvent) {
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic in push", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Store)
		}
	}()

	timeout := n.PushTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	// Broadcast has its own acknowledgement bound, this is a backstop.
	ctx, cancel := context.WithTimeout(context.Background(), 2*timeout)
	defer cancel()
	err := n.Pusher.Broadcast(ctx, ev.SessionID, ev)
	log.Debugx("pushed change notification to front-ends", err, slog.String("account", ev.Account))
}

// Start subscribes to notifications from other processes, waking local
// sessions, until ctx is canceled. The subscription is active when Start
// returns without error.
func (n *Notifier) Start(ctx context.Context) error {
	if n.Store == nil {
		return fmt.Errorf("no coordination store")
	}
	sub, err := n.Store.PSubscribe(ctx, notifyPrefix+"*")
	if err != nil {
		return fmt.Errorf("subscribing to change notifications: %w", err)
	}

	go func() {
		log := pkglog.WithContext(ctx)
		defer func() {
			x := recover()
			if x != nil {
				log.Error("unhandled panic in notification subscription", slog.Any("err", x))
				debug.PrintStack()
				metrics.PanicInc(metrics.Store)
			}
		}()

		go func() {
			<-ctx.Done()
			err := sub.Close()
			log.Check(err, "closing notification subscription")
		}()

		for m := range sub.Messages() {
			account := strings.TrimPrefix(m.Channel, notifyPrefix)
			if account == m.Channel {
				continue
			}
			n.Wake(account)
		}
		log.Debug("notification subscription stopped")
	}()
	return nil
}
