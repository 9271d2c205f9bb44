package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
)

// PushHandler is called for events pushed by the backend. The push is
// acknowledged after the handler returns.
type PushHandler func(ctx context.Context, sessionID string, payload Payload)

// Client is the front-end side of the bridge. It keeps a connection to the
// backend up while Run is active, and sends requests over it.
type Client struct {
	URL    string // E.g. ws://backend:1143/rpc.
	Secret string // For signing authentication tokens.
	Name   string // Of this front-end, subject of authentication tokens.

	OnPush       PushHandler   // Optional.
	Keepalive    time.Duration // Interval of pings, connection is considered dead after 3 intervals without frames.
	MinReconnect time.Duration // Minimum time between connection attempts.
	MaxFrameSize int64

	sync.Mutex
	conn    *wsConn
	up      chan struct{} // Closed when connected, replaced on disconnect.
	pending map[string]chan result
}

type result struct {
	resp *Response
	err  error
}

// NewClient returns a client for the backend at url. Run must be called to
// connect.
func NewClient(url, secret, name string) *Client {
	return &Client{
		URL:          url,
		Secret:       secret,
		Name:         name,
		Keepalive:    30 * time.Second,
		MinReconnect: time.Second,
		MaxFrameSize: 64 * 1024 * 1024,
		up:           make(chan struct{}),
		pending:      map[string]chan result{},
	}
}

// Pending returns the number of requests waiting for a response.
func (c *Client) Pending() int {
	c.Lock()
	defer c.Unlock()
	return len(c.pending)
}

// WaitConnected blocks until a connection is up or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.Lock()
	up := c.up
	c.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends a request for action with payload to the backend and waits for
// the response, storing the result in result if not nil.
//
// If no response arrives within timeout, ErrTimeout is returned. A timeout of
// zero or less fails immediately without sending. If the connection is down
// or goes down while waiting, ErrConnectionLost is returned. Errors from the
// handler are returned as *RemoteError. After ErrTimeout and ErrConnectionLost
// the backend may have executed the request.
func (c *Client) Request(ctx context.Context, action string, payload, result any, timeout time.Duration) (rerr error) {
	start := time.Now()
	defer func() {
		metricRequest.WithLabelValues("client", action, resultLabel(rerr)).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	if timeout <= 0 {
		return ErrTimeout
	}

	buf, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	id := uuid.NewString()
	rc := make(chan result, 1)
	c.Lock()
	conn := c.conn
	if conn == nil {
		c.Unlock()
		return ErrConnectionLost
	}
	c.pending[id] = rc
	c.Unlock()
	defer func() {
		c.Lock()
		delete(c.pending, id)
		c.Unlock()
	}()

	req := &Request{
		ID:        id,
		Action:    action,
		Payload:   buf,
		TimeoutMS: max(1, timeout.Milliseconds()),
	}
	if err := conn.writeEnvelope(envelope{Kind: KindRequest, Request: req}); err != nil {
		conn.close()
		return fmt.Errorf("%w: writing request: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-rc:
		if r.err != nil {
			return r.err
		}
		if r.resp.Error != nil {
			return &RemoteError{Code: r.resp.Error.Code, Message: r.resp.Error.Message}
		}
		if result != nil && len(r.resp.Result) > 0 {
			if err := Payload(r.resp.Result).Decode(result); err != nil {
				return fmt.Errorf("decoding result: %w", err)
			}
		}
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resultLabel(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &remote):
		return "remote"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connlost"
	default:
		return "error"
	}
}

// Run connects to the backend and keeps reconnecting when the connection is
// lost, until ctx is done.
func (c *Client) Run(ctx context.Context) {
	log := pkglog.WithContext(ctx).With(slog.String("url", c.URL))
	limiter := rate.NewLimiter(rate.Every(c.MinReconnect), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err := c.connect(ctx, log)
		if ctx.Err() != nil {
			return
		}
		log.Infox("connection to backend ended, reconnecting", err)
	}
}

// connect makes a single connection and handles it until it fails.
func (c *Client) connect(ctx context.Context, log mlog.Log) error {
	token, err := NewToken(c.Secret, c.Name)
	if err != nil {
		return fmt.Errorf("making authentication token: %w", err)
	}
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, c.URL, hdr)
	if err != nil {
		metricConnect.WithLabelValues("error").Inc()
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			log.Error("backend rejected authentication, check shared secrets")
			return ErrUnauthorized
		}
		return fmt.Errorf("dial: %w", err)
	}
	metricConnect.WithLabelValues("ok").Inc()
	ws.SetReadLimit(c.MaxFrameSize)

	log = log.WithCid(pigeon.Cid())
	conn := &wsConn{ws: ws, log: log}
	c.Lock()
	c.conn = conn
	close(c.up)
	c.Unlock()
	log.Info("connected to backend")

	done := make(chan struct{})
	defer close(done)
	go conn.keepalive(c.Keepalive, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
		case <-done:
		}
	}()

	err = c.readLoop(ctx, conn)
	conn.close()
	c.disconnected(conn, err)
	return err
}

// disconnected fails all pending requests.
func (c *Client) disconnected(conn *wsConn, err error) {
	c.Lock()
	if c.conn != conn {
		c.Unlock()
		return
	}
	c.conn = nil
	c.up = make(chan struct{})
	pending := c.pending
	c.pending = map[string]chan result{}
	c.Unlock()

	for _, rc := range pending {
		rc <- result{err: fmt.Errorf("%w: %v", ErrConnectionLost, err)}
	}
	if len(pending) > 0 {
		conn.log.Info("failed pending requests after connection loss", slog.Int("count", len(pending)))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *wsConn) error {
	for {
		text, env, err := conn.read(3 * c.Keepalive)
		if err != nil {
			return err
		}
		if text != "" {
			switch text {
			case framePing:
				if err := conn.writeText(framePong); err != nil {
					return err
				}
			case framePong:
			default:
				conn.log.Debug("ignoring unknown text frame", slog.Int("size", len(text)))
			}
			continue
		}

		switch env.Kind {
		case KindResponse:
			if env.Response == nil {
				return fmt.Errorf("response envelope without response")
			}
			c.Lock()
			rc, ok := c.pending[env.Response.ID]
			delete(c.pending, env.Response.ID)
			c.Unlock()
			if !ok {
				conn.log.Debug("dropping response for request no longer pending", slog.String("id", env.Response.ID))
				continue
			}
			rc <- result{resp: env.Response}
		case KindPush:
			if env.Push == nil {
				return fmt.Errorf("push envelope without push")
			}
			go c.handlePush(ctx, conn, env.Push)
		default:
			return fmt.Errorf("unexpected envelope kind %d", env.Kind)
		}
	}
}

func (c *Client) handlePush(ctx context.Context, conn *wsConn, p *Push) {
	defer func() {
		x := recover()
		if x != nil {
			conn.log.Error("unhandled panic in push handler", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.RPC)
		}
	}()

	if c.OnPush != nil {
		c.OnPush(ctx, p.SessionID, Payload(p.Payload))
	}
	err := conn.writeText(p.UUID)
	conn.log.Check(err, "writing push acknowledgement", slog.String("uuid", p.UUID))
}
