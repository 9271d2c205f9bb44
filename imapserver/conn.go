package imapserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
	"github.com/pigeonbox/pigeon/store"
)

var metricIMAPCommands = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pigeon_imap_command_duration_seconds",
		Help:    "IMAP command duration and result codes in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"cmd",
		"result", // ok, badsyntax, servererror, usererror, ioerror, panic
	},
)

// Responder writes response lines to the client. CRLF is added.
type Responder interface {
	WriteLine(line string) error
}

// Command is a parsed IMAP command.
type Command struct {
	Tag     string
	Name    string     // Case-insensitive, e.g. "uid expunge".
	Mailbox string     // For SELECT, SUBSCRIBE, UNSUBSCRIBE.
	UIDs    []UIDRange // For UID EXPUNGE.

	// For IDLE, closed when the client sent DONE.
	Done <-chan struct{}
}

// Conn is the state of an authenticated IMAP session. Commands are executed
// through its Executor, the session does not know whether they run locally or
// on a backend.
type Conn struct {
	exec Executor
	comm *store.Comm
	sess Session
	log  mlog.Log

	// For the selected mailbox.
	uids   []store.UID // Ascending, index+1 is the sequence number.
	modseq store.ModSeq
}

// NewConn returns a session for the authenticated user. If notifier is not
// nil, the session registers for change notifications of the account. Close
// must be called.
func NewConn(exec Executor, notifier *store.Notifier, user, remoteAddr string) *Conn {
	cid := pigeon.Cid()
	c := &Conn{
		exec: exec,
		sess: Session{
			ID:         fmt.Sprintf("%x", cid),
			User:       user,
			RemoteAddr: remoteAddr,
		},
		log: pkglog.WithCid(cid).With(slog.String("user", user), slog.String("remote", remoteAddr)),
	}
	if notifier != nil {
		c.comm = notifier.Register(user)
	}
	return c
}

// Close unregisters the session.
func (c *Conn) Close() {
	if c.comm != nil {
		c.comm.Unregister()
		c.comm = nil
	}
}

// Session returns the identity of this session as sent to executors.
func (c *Conn) Session() Session {
	return c.sess
}

// Execute runs cmd, writing untagged responses and the tagged result to r. The
// result is returned for metrics, e.g. "ok" or "usererror". Errors writing to
// r are returned, the connection should be closed.
func (c *Conn) Execute(ctx context.Context, cmd Command, r Responder) (result string, rerr error) {
	start := time.Now()
	cmdlow := strings.ToLower(cmd.Name)
	cmdMetric := "(unrecognized)"
	if _, ok := commands[cmdlow]; ok {
		cmdMetric = cmdlow
	}
	ctx = context.WithValue(ctx, mlog.CidKey, pigeon.Cid())
	log := c.log.WithContext(ctx)

	defer func() {
		defer func() {
			metricIMAPCommands.WithLabelValues(cmdMetric, result).Observe(float64(time.Since(start)) / float64(time.Second))
		}()

		logFields := []slog.Attr{
			slog.String("cmd", cmdlow),
			slog.Duration("duration", time.Since(start)),
		}

		x := recover()
		if x == nil {
			log.Debug("imap command done", logFields...)
			result = "ok"
			return
		}
		err, ok := x.(error)
		if !ok {
			log.Error("imap command panic", append([]slog.Attr{slog.Any("panic", x)}, logFields...)...)
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
			result = "panic"
			rerr = fmt.Errorf("panic: %v", x)
			return
		}

		var sxerr syntaxError
		var uerr userError
		var serr serverError
		var werr writeError
		switch {
		case errors.As(err, &werr):
			log.Infox("imap command ioerror", err, logFields...)
			result = "ioerror"
			rerr = werr.err
		case errors.As(err, &sxerr):
			result = "badsyntax"
			log.Debugx("imap command syntax error", sxerr.err, logFields...)
			rerr = c.writeLine(r, fmt.Sprintf("%s BAD %s unrecognized syntax/command: %v", cmd.Tag, cmd.Name, sxerr.errmsg))
		case errors.As(err, &serr):
			result = "servererror"
			log.Errorx("imap command server error", err, logFields...)
			rerr = c.writeLine(r, fmt.Sprintf("%s NO %s %v", cmd.Tag, cmd.Name, err))
		case errors.As(err, &uerr):
			result = "usererror"
			log.Debugx("imap command user error", err, logFields...)
			if uerr.code != "" {
				rerr = c.writeLine(r, fmt.Sprintf("%s NO [%s] %s %v", cmd.Tag, uerr.code, cmd.Name, err))
			} else {
				rerr = c.writeLine(r, fmt.Sprintf("%s NO %s %v", cmd.Tag, cmd.Name, err))
			}
		default:
			log.Errorx("imap command panic", err, logFields...)
			debug.PrintStack()
			metrics.PanicInc(metrics.Imapserver)
			result = "panic"
			rerr = err
		}
	}()

	if cmd.Tag == "" {
		xsyntaxErrorf("missing tag")
	}

	select {
	case <-pigeon.Shutdown.Done():
		xusercodeErrorf(CodeUnavailable, "shutting down")
	default:
	}

	fn := commands[cmdlow]
	if fn == nil {
		xsyntaxErrorf("unknown command %q", cmd.Name)
	}
	fn(c, ctx, cmd, r)
	return
}

var commands = map[string]func(c *Conn, ctx context.Context, cmd Command, r Responder){
	"noop":        (*Conn).cmdNoop,
	"select":      (*Conn).cmdSelect,
	"unselect":    (*Conn).cmdUnselect,
	"expunge":     (*Conn).cmdExpunge,
	"uid expunge": (*Conn).cmdExpunge,
	"close":       (*Conn).cmdClose,
	"subscribe":   (*Conn).cmdSubscribe,
	"unsubscribe": (*Conn).cmdUnsubscribe,
	"idle":        (*Conn).cmdIdle,
}

type writeError struct{ err error }

func (e writeError) Error() string { return e.err.Error() }
func (e writeError) Unwrap() error { return e.err }

func (c *Conn) writeLine(r Responder, line string) error {
	c.log.Trace(mlog.LevelTrace, "S: "+line)
	return r.WriteLine(line)
}

func (c *Conn) xwritelinef(r Responder, format string, args ...any) {
	if err := c.writeLine(r, fmt.Sprintf(format, args...)); err != nil {
		panic(writeError{err})
	}
}

func (c *Conn) ok(r Responder, cmd Command) {
	c.xwritelinef(r, "%s OK %s done", cmd.Tag, strings.ToUpper(cmd.Name))
}

func (c *Conn) xselected() *SelectedMailbox {
	if c.sess.Selected == nil {
		xuserErrorf("no mailbox selected")
	}
	return c.sess.Selected
}

// xsequence returns the sequence number for uid, or 0 if not known in the
// session.
func (c *Conn) xsequence(uid store.UID) int {
	i, found := slices.BinarySearch(c.uids, uid)
	if !found {
		return 0
	}
	return i + 1
}

func (c *Conn) sequenceRemove(seq int) {
	c.uids = slices.Delete(c.uids, seq-1, seq)
}

// Sync writes untagged responses for changes to the selected mailbox made by
// other sessions, and returns the number of changes applied.
func (c *Conn) Sync(ctx context.Context, r Responder) (n int, rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(error); ok {
			rerr = err
			return
		}
		panic(x)
	}()
	return c.xsync(ctx, r), nil
}

func (c *Conn) xsync(ctx context.Context, r Responder) int {
	if c.sess.Selected == nil {
		return 0
	}
	cr, err := c.exec.Changes(ctx, c.sess, c.sess.Selected.ID, c.modseq)
	xcheckexec(err, "fetching changes")

	var n int
	// Messages the client knows about. New messages are announced before any
	// other untagged response that could reference their sequence numbers.
	announced := len(c.uids)
	flushExists := func() {
		if len(c.uids) > announced {
			c.xwritelinef(r, "* %d EXISTS", len(c.uids))
			announced = len(c.uids)
		}
	}
	for _, ch := range cr.Changes {
		switch ch.Command {
		case store.CommandExists:
			if len(c.uids) > 0 && ch.UID <= c.uids[len(c.uids)-1] {
				continue
			}
			c.uids = append(c.uids, ch.UID)
			n++
		case store.CommandExpunge:
			seq := c.xsequence(ch.UID)
			if seq == 0 {
				continue
			}
			flushExists()
			c.xwritelinef(r, "* %d EXPUNGE", seq)
			c.sequenceRemove(seq)
			announced--
			n++
		case store.CommandFetch:
			seq := c.xsequence(ch.UID)
			if seq == 0 {
				continue
			}
			flushExists()
			// Clients fetch the current flags themselves.
			c.xwritelinef(r, "* %d FETCH (UID %d MODSEQ (%d))", seq, ch.UID, ch.ModSeq.Client())
			n++
		}
	}
	flushExists()
	if cr.HighestModSeq > c.modseq {
		c.modseq = cr.HighestModSeq
	}
	return n
}

func (c *Conn) cmdNoop(ctx context.Context, cmd Command, r Responder) {
	c.xsync(ctx, r)
	c.ok(r, cmd)
}

func (c *Conn) cmdSelect(ctx context.Context, cmd Command, r Responder) {
	c.sess.Selected = nil
	c.uids = nil
	c.modseq = 0

	sr, err := c.exec.Select(ctx, c.sess, cmd.Mailbox)
	xcheckexec(err, "selecting mailbox")

	c.sess.Selected = &sr.Mailbox
	c.uids = sr.UIDs
	c.modseq = sr.HighestModSeq
	c.xwritelinef(r, "* %d EXISTS", len(c.uids))
	c.xwritelinef(r, "* OK [UIDVALIDITY %d] x", sr.UIDValidity)
	c.xwritelinef(r, "* OK [UIDNEXT %d] x", sr.UIDNext)
	c.xwritelinef(r, "* OK [HIGHESTMODSEQ %d] x", sr.HighestModSeq.Client())
	c.xwritelinef(r, "%s OK [READ-WRITE] %s done", cmd.Tag, strings.ToUpper(cmd.Name))
}

func (c *Conn) cmdUnselect(ctx context.Context, cmd Command, r Responder) {
	c.xselected()
	c.unselect()
	c.ok(r, cmd)
}

func (c *Conn) unselect() {
	c.sess.Selected = nil
	c.uids = nil
	c.modseq = 0
}

// Expunge removes messages marked \Deleted from the selected mailbox, for
// UID EXPUNGE only those in the UID set. An untagged EXPUNGE is written for
// each removed message, in UID order, with the sequence number at the time of
// writing.
func (c *Conn) cmdExpunge(ctx context.Context, cmd Command, r Responder) {
	mb := c.xselected()
	isUID := strings.EqualFold(cmd.Name, "uid expunge")
	if isUID && len(cmd.UIDs) == 0 {
		xsyntaxErrorf("missing uid set")
	}

	req := ExpungeRequest{
		MailboxID: mb.ID,
		Update:    Update{IsUID: isUID, UIDs: cmd.UIDs},
	}
	res, err := c.exec.Expunge(ctx, c.sess, req)
	xcheckexec(err, "expunge")

	c.xwriteExpunges(r, res.Writes)
	c.xwritelinef(r, "%s OK [HIGHESTMODSEQ %d] %s done", cmd.Tag, res.HighestModSeq.Client(), strings.ToUpper(cmd.Name))
}

func (c *Conn) xwriteExpunges(r Responder, writes []Write) {
	for _, w := range writes {
		seq := c.xsequence(w.UID)
		if seq == 0 {
			// Not known to this session, e.g. delivered after it last synced.
			continue
		}
		c.xwritelinef(r, "%s %d %s", w.Tag, seq, w.Command)
		c.sequenceRemove(seq)
	}
}

// Close expunges silently and unselects.
func (c *Conn) cmdClose(ctx context.Context, cmd Command, r Responder) {
	mb := c.xselected()
	c.unselect()
	req := ExpungeRequest{
		MailboxID: mb.ID,
		Update:    Update{Silent: true},
	}
	_, err := c.exec.Expunge(ctx, c.sess, req)
	xcheckexec(err, "expunge for close")
	c.ok(r, cmd)
}

func (c *Conn) cmdSubscribe(ctx context.Context, cmd Command, r Responder) {
	err := c.exec.Subscribe(ctx, c.sess, cmd.Mailbox)
	xcheckexec(err, "subscribe")
	c.ok(r, cmd)
}

func (c *Conn) cmdUnsubscribe(ctx context.Context, cmd Command, r Responder) {
	err := c.exec.Unsubscribe(ctx, c.sess, cmd.Mailbox)
	xcheckexec(err, "unsubscribe")
	c.ok(r, cmd)
}

// Idle writes changes as they come in, until the client is done. Wakeups are
// hints, the journal is read each time.
func (c *Conn) cmdIdle(ctx context.Context, cmd Command, r Responder) {
	if c.comm == nil {
		xuserErrorf("idle not available")
	}
	if cmd.Done == nil {
		xsyntaxErrorf("idle without done")
	}
	c.xwritelinef(r, "+ waiting")
	c.xsync(ctx, r)
	for {
		select {
		case <-c.comm.Pending:
			c.xsync(ctx, r)
		case <-cmd.Done:
			c.ok(r, cmd)
			return
		case <-ctx.Done():
			xuserErrorf("idle canceled: %w", ctx.Err())
		case <-pigeon.Shutdown.Done():
			c.xwritelinef(r, "* BYE shutting down")
			panic(writeError{errors.New("shutting down")})
		}
	}
}
