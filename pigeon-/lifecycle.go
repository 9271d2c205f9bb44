package pigeon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shutdown is canceled when a graceful shutdown starts. Sessions check it
// before starting a command, new commands are refused with UNAVAILABLE and
// idling sessions return.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent for operations that should be aborted a few seconds
// into a shutdown, e.g. pending RPC requests and reconnects to the backend.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

var metricConnections = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "pigeon_connections_count",
		Help: "Open connections, per protocol and listener.",
	},
	[]string{
		"protocol",
		"listener",
	},
)

// Connections tracks open sockets, e.g. of front-ends connected to the
// backend. During shutdown they get an immediate i/o deadline, aborting
// their reads and writes.
var Connections = &connections{conns: map[net.Conn]prometheus.Gauge{}}

type connections struct {
	sync.Mutex
	conns map[net.Conn]prometheus.Gauge
	idle  chan struct{} // Closed and cleared when the last connection is gone.
}

// Register adds nc. Unregister must be called when nc is closed.
func (c *connections) Register(nc net.Conn, protocol, listener string) {
	if Shutdown.Err() != nil {
		pkglog.Error("connection registered during shutdown")
	}

	g := metricConnections.WithLabelValues(protocol, listener)
	g.Inc()

	c.Lock()
	defer c.Unlock()
	c.conns[nc] = g
}

// Unregister removes nc. Unregistering an unknown connection is a no-op.
func (c *connections) Unregister(nc net.Conn) {
	c.Lock()
	defer c.Unlock()
	g, ok := c.conns[nc]
	if !ok {
		return
	}
	g.Dec()
	delete(c.conns, nc)
	if len(c.conns) == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

// Shutdown sets an immediate deadline on all registered connections. Their
// pending i/o fails, after which their owners unregister them.
func (c *connections) Shutdown() {
	now := time.Now()
	c.Lock()
	defer c.Unlock()
	for nc := range c.conns {
		err := nc.SetDeadline(now)
		pkglog.Check(err, "setting immediate deadline for shutdown")
	}
}

// Done returns a channel that is closed when no connections are registered,
// which can be immediately.
func (c *connections) Done() <-chan struct{} {
	c.Lock()
	defer c.Unlock()
	if len(c.conns) == 0 {
		done := make(chan struct{})
		close(done)
		return done
	}
	if c.idle == nil {
		c.idle = make(chan struct{})
	}
	return c.idle
}
