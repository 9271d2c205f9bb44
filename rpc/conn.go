package rpc

import (
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pigeonbox/pigeon/mlog"
)

var pkglog = mlog.New("rpc", nil)

var (
	metricRequest = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pigeon_rpc_request_duration_seconds",
			Help:    "RPC request duration and result, by side and action.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30},
		},
		[]string{
			"side",   // client, server
			"action", // expunge, unsubscribe, etc.
			"result", // ok, remote, timeout, connlost, error
		},
	)
	metricBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_rpc_broadcast_total",
			Help: "Broadcasts to front-ends, by result.",
		},
		[]string{
			"result", // ok, timeout, error
		},
	)
	metricAuthFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pigeon_rpc_auth_failures_total",
			Help: "Rejected RPC connection attempts.",
		},
	)
	metricConnect = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pigeon_rpc_connect_total",
			Help: "RPC connection attempts by front-ends, by result.",
		},
		[]string{
			"result", // ok, error
		},
	)
)

const writeTimeout = 10 * time.Second

// wsConn wraps a websocket connection, serializing writes.
type wsConn struct {
	ws  *websocket.Conn
	log mlog.Log

	wmu sync.Mutex
}

func (c *wsConn) write(mt int, buf []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(mt, buf)
}

func (c *wsConn) writeText(s string) error {
	return c.write(websocket.TextMessage, []byte(s))
}

func (c *wsConn) writeEnvelope(env envelope) error {
	buf, err := encodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	return c.write(websocket.BinaryMessage, buf)
}

// read returns the next frame, after extending the read deadline. Text frames
// are returned as text, binary frames are decoded into env.
func (c *wsConn) read(idle time.Duration) (text string, env envelope, rerr error) {
	if err := c.ws.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return "", envelope{}, err
	}
	mt, buf, err := c.ws.ReadMessage()
	if err != nil {
		return "", envelope{}, err
	}
	switch mt {
	case websocket.TextMessage:
		return string(buf), envelope{}, nil
	case websocket.BinaryMessage:
		env, err := decodeEnvelope(buf)
		if err != nil {
			return "", envelope{}, fmt.Errorf("decoding envelope: %w", err)
		}
		return "", env, nil
	default:
		return "", envelope{}, fmt.Errorf("unexpected frame type %d", mt)
	}
}

func (c *wsConn) close() {
	err := c.ws.Close()
	c.log.Check(err, "closing websocket connection")
}

// keepalive writes pings every interval until done is closed or a write fails.
func (c *wsConn) keepalive(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.writeText(framePing); err != nil {
				c.log.Debugx("writing keepalive ping", err)
				c.close()
				return
			}
		case <-done:
			return
		}
	}
}
