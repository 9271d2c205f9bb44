package imapserver

import (
	"context"
	"fmt"

	"github.com/pigeonbox/pigeon/rpc"
)

// NewRPCHandler returns the backend handler for requests from Delegating
// executors on front-ends, executing them with exec.
func NewRPCHandler(exec Executor) rpc.Handler {
	return rpc.HandlerFunc(func(ctx context.Context, action string, payload rpc.Payload) (any, error) {
		switch action {
		case actionSelect:
			var a selectArgs
			if err := payload.Decode(&a); err != nil {
				return nil, fmt.Errorf("decoding select request: %w", err)
			}
			return exec.Select(ctx, a.Session, a.Name)

		case actionExpunge:
			var a expungeArgs
			if err := payload.Decode(&a); err != nil {
				return nil, fmt.Errorf("decoding expunge request: %w", err)
			}
			return exec.Expunge(ctx, a.Session, a.Request)

		case actionSubscribe, actionUnsubscribe:
			var a subscribeArgs
			if err := payload.Decode(&a); err != nil {
				return nil, fmt.Errorf("decoding %s request: %w", action, err)
			}
			if action == actionSubscribe {
				return nil, exec.Subscribe(ctx, a.Session, a.Name)
			}
			return nil, exec.Unsubscribe(ctx, a.Session, a.Name)

		case actionChanges:
			var a changesArgs
			if err := payload.Decode(&a); err != nil {
				return nil, fmt.Errorf("decoding changes request: %w", err)
			}
			return exec.Changes(ctx, a.Session, a.MailboxID, a.Since)
		}
		return nil, fmt.Errorf("unknown action %q", action)
	})
}
