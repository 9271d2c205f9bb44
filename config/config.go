// Package config holds the configuration file definitions.
//
// The configuration file is in sconf format, see
// https://pkg.go.dev/github.com/mjl-/sconf. "pigeon config describe" prints an
// annotated example.
package config

import (
	"time"
)

// Roles a process can run in. Set once at startup.
const (
	RoleBackend    = "backend"
	RoleFrontend   = "frontend"
	RoleStandalone = "standalone"
)

// Defaults for timeouts when not set in the config file.
const (
	DefaultLockWait        = 10 * time.Second
	DefaultLockTTL         = 30 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
	DefaultBroadcastAck    = 5 * time.Second
	DefaultKeepalive       = 30 * time.Second
	DefaultReconnectWait   = time.Second
	DefaultUsageRecompute  = time.Minute
	DefaultMaxFrameSize    = 64 * 1024 * 1024
	DefaultCoordinationKey = "pigeon"
)

// Static is a parsed form of the pigeon.conf configuration file, before
// converting it into a pigeon.Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where all data is stored, i.e. the per-account databases and attachments. If this is a relative path, it is relative to the directory of pigeon.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. rpc, dlock, store, imapserver)."`
	Role             string            `sconf-doc:"Role of this process: backend (owns account databases and serves the RPC endpoint), frontend (stateless, delegates commands to the backend) or standalone (both in one process)."`
	Name             string            `sconf:"optional" sconf-doc:"Name of this node, used as subject in RPC authentication tokens and in logging. Defaults to the hostname."`

	Coordination struct {
		Address   string `sconf-doc:"Address of the coordination store (Redis protocol), e.g. localhost:6379."`
		Username  string `sconf:"optional"`
		Password  string `sconf:"optional"`
		DB        int    `sconf:"optional" sconf-doc:"Database number to select."`
		KeyPrefix string `sconf:"optional" sconf-doc:"Prefix for all keys and channels, for sharing a coordination store between installations. Default: pigeon."`
	} `sconf-doc:"Coordination store shared by all processes, for locks, storage usage counters and change notifications."`

	Backend struct {
		Listen string `sconf:"optional" sconf-doc:"Address to listen on for RPC connections from front-ends, for role backend and standalone."`
		Path   string `sconf:"optional" sconf-doc:"HTTP path of the RPC websocket endpoint. Default: /rpc."`
		URL    string `sconf:"optional" sconf-doc:"Websocket URL of the backend, for role frontend, e.g. ws://backend.internal:1143/rpc."`
	} `sconf:"optional" sconf-doc:"RPC bridge between front-ends and the backend."`

	Secrets []string `sconf:"optional" sconf-doc:"Shared secrets for authenticating RPC connections. Front-ends sign with the first secret, the backend accepts any. Rotate by adding a new secret at the front of the list on all nodes."`

	MetricsListen string `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010."`

	InitialMailboxes []string `sconf:"optional" sconf-doc:"Mailboxes to create for new accounts. Inbox is always created. Default: Sent, Archive, Trash, Drafts and Junk."`

	Timeouts Timeouts `sconf:"optional" sconf-doc:"Timeouts for suspension points. Zero values get defaults."`
}

// Timeouts for each suspension point.
type Timeouts struct {
	LockWait       time.Duration `sconf:"optional" sconf-doc:"Maximum time to wait for an account lock. Default 10s."`
	LockTTL        time.Duration `sconf:"optional" sconf-doc:"Expiry of a held lock, backstop for crashed holders. Default 30s."`
	Request        time.Duration `sconf:"optional" sconf-doc:"Timeout for an RPC request from a front-end. Default 30s."`
	BroadcastAck   time.Duration `sconf:"optional" sconf-doc:"Time to wait for any front-end to acknowledge a push. Default 5s."`
	Keepalive      time.Duration `sconf:"optional" sconf-doc:"Interval for keepalive pings on RPC connections. Default 30s."`
	Reconnect      time.Duration `sconf:"optional" sconf-doc:"Minimum interval between reconnect attempts to the backend. Default 1s."`
	UsageRecompute time.Duration `sconf:"optional" sconf-doc:"Timeout for a background storage usage recomputation. Default 1m."`
}

// WithDefaults returns a copy of t with zero values replaced by defaults.
func (t Timeouts) WithDefaults() Timeouts {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&t.LockWait, DefaultLockWait)
	def(&t.LockTTL, DefaultLockTTL)
	def(&t.Request, DefaultRequestTimeout)
	def(&t.BroadcastAck, DefaultBroadcastAck)
	def(&t.Keepalive, DefaultKeepalive)
	def(&t.Reconnect, DefaultReconnectWait)
	def(&t.UsageRecompute, DefaultUsageRecompute)
	return t
}
