package imapserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pigeonbox/pigeon/rpc"
	"github.com/pigeonbox/pigeon/store"
)

// RPC actions handled by the backend.
const (
	actionSelect      = "select"
	actionExpunge     = "expunge"
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionChanges     = "changes"
)

// Requester sends a request to the backend, see rpc.Client.
type Requester interface {
	Request(ctx context.Context, action string, payload, result any, timeout time.Duration) error
}

// Delegating forwards commands to the backend. Used on front-ends.
//
// Requests that time out or are cut off by a lost connection have an unknown
// outcome. They are not retried, the client gets a NO with code UNAVAILABLE.
type Delegating struct {
	Client  Requester
	Timeout time.Duration
}

var _ Executor = (*Delegating)(nil)

type selectArgs struct {
	Session Session
	Name    string
}

type expungeArgs struct {
	Session Session
	Request ExpungeRequest
}

type subscribeArgs struct {
	Session Session
	Name    string
}

type changesArgs struct {
	Session   Session
	MailboxID int64
	Since     store.ModSeq
}

func (x *Delegating) request(ctx context.Context, action string, payload, result any) error {
	timeout := x.Timeout
	if dl, ok := ctx.Deadline(); ok && (timeout <= 0 || time.Until(dl) < timeout) {
		timeout = time.Until(dl)
	}
	err := x.Client.Request(ctx, action, payload, result, timeout)
	return delegateError(err)
}

// delegateError turns errors from the bridge into errors for the client.
func delegateError(err error) error {
	var remote *rpc.RemoteError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &remote):
		if remote.Code != "" {
			return userError{code: remote.Code, err: errors.New(remote.Message)}
		}
		return serverError{fmt.Errorf("backend: %s", remote.Message)}
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, rpc.ErrConnectionLost):
		return userError{code: CodeUnavailable, err: fmt.Errorf("backend unavailable, outcome unknown: %w", err)}
	}
	return err
}

func (x *Delegating) Select(ctx context.Context, sess Session, name string) (SelectResult, error) {
	var r SelectResult
	err := x.request(ctx, actionSelect, selectArgs{sess, name}, &r)
	return r, err
}

func (x *Delegating) Expunge(ctx context.Context, sess Session, req ExpungeRequest) (ExpungeResult, error) {
	var r ExpungeResult
	err := x.request(ctx, actionExpunge, expungeArgs{sess, req}, &r)
	return r, err
}

func (x *Delegating) Subscribe(ctx context.Context, sess Session, name string) error {
	return x.request(ctx, actionSubscribe, subscribeArgs{sess, name}, nil)
}

func (x *Delegating) Unsubscribe(ctx context.Context, sess Session, name string) error {
	return x.request(ctx, actionUnsubscribe, subscribeArgs{sess, name}, nil)
}

func (x *Delegating) Changes(ctx context.Context, sess Session, mailboxID int64, since store.ModSeq) (ChangesResult, error) {
	var r ChangesResult
	err := x.request(ctx, actionChanges, changesArgs{sess, mailboxID, since}, &r)
	return r, err
}
