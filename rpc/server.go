package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
	"github.com/pigeonbox/pigeon/ratelimit"
)

// Handler executes requests on the backend. The returned value is encoded as
// result. If the error implements "ResponseCode() string", the code is passed
// to the client in the RemoteError.
type Handler interface {
	ServeRPC(ctx context.Context, action string, payload Payload) (any, error)
}

// HandlerFunc is a function implementing Handler.
type HandlerFunc func(ctx context.Context, action string, payload Payload) (any, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, action string, payload Payload) (any, error) {
	return f(ctx, action, payload)
}

// Server is the backend side of the bridge, an http.Handler that upgrades
// authenticated requests to websocket connections.
type Server struct {
	Secrets      []string // Any of these is accepted for authentication.
	Handler      Handler
	AckTimeout   time.Duration // For Broadcast.
	Keepalive    time.Duration
	MaxFrameSize int64

	// Failed authentications per remote address. Addresses over the limit are
	// refused without checking their token.
	AuthFailures *ratelimit.Limiter

	upgrader websocket.Upgrader

	sync.Mutex
	clients map[*serverConn]struct{}
	acks    map[string]chan struct{} // Push uuid to channel closed on first acknowledgement.
	closed  bool
}

type serverConn struct {
	*wsConn
	name string // Of front-end.
	done chan struct{}
}

// NewServer returns a server accepting connections authenticated with any of
// secrets, passing requests to h.
func NewServer(secrets []string, h Handler) *Server {
	return &Server{
		Secrets:      secrets,
		Handler:      h,
		AckTimeout:   5 * time.Second,
		Keepalive:    30 * time.Second,
		MaxFrameSize: 64 * 1024 * 1024,
		AuthFailures: &ratelimit.Limiter{
			Windows: []ratelimit.Window{
				{Duration: time.Minute, Limits: [...]int64{10, 30, 90}},
				{Duration: time.Hour, Limits: [...]int64{60, 180, 540}},
			},
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			// Front-ends are not browsers, they authenticate with a token.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: map[*serverConn]struct{}{},
		acks:    map[string]chan struct{}{},
	}
}

// Clients returns the number of connected front-ends.
func (s *Server) Clients() int {
	s.Lock()
	defer s.Unlock()
	return len(s.clients)
}

// Close disconnects all front-ends and refuses new connections.
func (s *Server) Close() {
	s.Lock()
	s.closed = true
	l := make([]*serverConn, 0, len(s.clients))
	for sc := range s.clients {
		l = append(l, sc)
	}
	s.Unlock()
	for _, sc := range l {
		sc.close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := pkglog.With(slog.Int64("cid", pigeon.Cid()), slog.String("remote", r.RemoteAddr))

	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		addr = ap.Addr()
	}
	now := time.Now()
	if s.AuthFailures != nil && !s.AuthFailures.CanAdd(addr, now, 1) {
		metricAuthFail.Inc()
		log.Info("rpc connection refused, too many failed authentications")
		http.Error(w, "429 - Too Many Requests", http.StatusTooManyRequests)
		return
	}

	name, err := authenticate(s.Secrets, r)
	if err != nil {
		metricAuthFail.Inc()
		if s.AuthFailures != nil {
			s.AuthFailures.Add(addr, now, 1)
		}
		log.Infox("rpc authentication failed", err)
		http.Error(w, "401 - Unauthorized", http.StatusUnauthorized)
		return
	}
	if s.AuthFailures != nil {
		s.AuthFailures.Reset(addr, now)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrader has written an error response.
		log.Debugx("websocket upgrade", err)
		return
	}
	ws.SetReadLimit(s.MaxFrameSize)

	log = log.With(slog.String("frontend", name))
	sc := &serverConn{&wsConn{ws: ws, log: log}, name, make(chan struct{})}
	defer sc.close()

	s.Lock()
	if s.closed {
		s.Unlock()
		return
	}
	s.clients[sc] = struct{}{}
	s.Unlock()
	defer func() {
		s.Lock()
		delete(s.clients, sc)
		s.Unlock()
	}()

	nc := ws.UnderlyingConn()
	pigeon.Connections.Register(nc, "rpc", "backend")
	defer pigeon.Connections.Unregister(nc)

	log.Info("front-end connected")
	defer close(sc.done)
	go sc.keepalive(s.Keepalive, sc.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = s.readLoop(ctx, sc)
	log.Infox("front-end disconnected", err)
}

func (s *Server) readLoop(ctx context.Context, sc *serverConn) error {
	for {
		text, env, err := sc.read(3 * s.Keepalive)
		if err != nil {
			return err
		}
		if text != "" {
			switch {
			case text == framePing:
				if err := sc.writeText(framePong); err != nil {
					return err
				}
			case text == framePong:
			case len(text) == ackSize:
				s.ack(text)
			default:
				sc.log.Debug("ignoring unknown text frame", slog.Int("size", len(text)))
			}
			continue
		}

		if env.Kind != KindRequest || env.Request == nil {
			return fmt.Errorf("unexpected envelope kind %d from front-end", env.Kind)
		}
		go s.serve(ctx, sc, env.Request)
	}
}

// serve executes a single request and writes the response.
func (s *Server) serve(ctx context.Context, sc *serverConn, req *Request) {
	start := time.Now()
	cid := pigeon.Cid()
	log := sc.log.WithCid(cid).With(slog.String("action", req.Action), slog.String("id", req.ID))

	resp := &Response{ID: req.ID}
	defer func() {
		x := recover()
		if x != nil {
			log.Error("unhandled panic in rpc handler", slog.Any("err", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.RPC)
			resp = &Response{ID: req.ID, Error: &ErrorInfo{Message: "internal error"}}
		}

		result := "ok"
		if resp.Error != nil {
			result = "remote"
		}
		metricRequest.WithLabelValues("server", req.Action, result).Observe(float64(time.Since(start)) / float64(time.Second))

		err := sc.writeEnvelope(envelope{Kind: KindResponse, Response: resp})
		log.Check(err, "writing rpc response")
	}()

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		resp.Error = &ErrorInfo{Message: "missing timeout"}
		return
	}
	ctx, cancel := context.WithTimeout(context.WithValue(ctx, mlog.CidKey, cid), timeout)
	defer cancel()

	v, err := s.Handler.ServeRPC(ctx, req.Action, Payload(req.Payload))
	if err != nil {
		log.Debugx("rpc handler error", err)
		resp.Error = remoteErrorFor(err)
		return
	}
	resp.Result, err = encodePayload(v)
	if err != nil {
		log.Errorx("encoding rpc result", err)
		resp.Error = &ErrorInfo{Message: "encoding result"}
	}
}

func (s *Server) ack(id string) {
	s.Lock()
	defer s.Unlock()
	if c, ok := s.acks[id]; ok {
		delete(s.acks, id)
		close(c)
	}
}

// Broadcast pushes payload to all connected front-ends, and waits until one of
// them acknowledges it, for at most AckTimeout. If none does, also when no
// front-end is connected, ErrBroadcastTimeout is returned after AckTimeout.
func (s *Server) Broadcast(ctx context.Context, sessionID string, payload any) (rerr error) {
	defer func() {
		result := "ok"
		if rerr == ErrBroadcastTimeout {
			result = "timeout"
		} else if rerr != nil {
			result = "error"
		}
		metricBroadcast.WithLabelValues(result).Inc()
	}()

	buf, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	id := uuid.NewString()
	acked := make(chan struct{})

	s.Lock()
	s.acks[id] = acked
	l := make([]*serverConn, 0, len(s.clients))
	for sc := range s.clients {
		l = append(l, sc)
	}
	s.Unlock()
	defer func() {
		s.Lock()
		delete(s.acks, id)
		s.Unlock()
	}()

	env := envelope{Kind: KindPush, Push: &Push{UUID: id, SessionID: sessionID, Payload: buf}}
	for _, sc := range l {
		err := sc.writeEnvelope(env)
		sc.log.Check(err, "writing push")
	}

	timer := time.NewTimer(s.AckTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return ErrBroadcastTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
