package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pigeonbox/pigeon/config"
	"github.com/pigeonbox/pigeon/coord"
	"github.com/pigeonbox/pigeon/dlock"
	"github.com/pigeonbox/pigeon/imapserver"
	"github.com/pigeonbox/pigeon/metrics"
	"github.com/pigeonbox/pigeon/mlog"
	"github.com/pigeonbox/pigeon/pigeon-"
	"github.com/pigeonbox/pigeon/pigeonvar"
	"github.com/pigeonbox/pigeon/rpc"
	"github.com/pigeonbox/pigeon/store"
)

// Executor is set by start, for the protocol front-end to hand its sessions.
var Executor imapserver.Executor

// Notifier wakes idling sessions of this process.
var Notifier *store.Notifier

// Addresses of started listeners, by name.
var listenAddrs = map[string]string{}

func coordOptions() coord.Options {
	c := pigeon.Conf.Static.Coordination
	return coord.Options{
		Address:  c.Address,
		Username: c.Username,
		Password: c.Password,
		DB:       c.DB,
		Prefix:   pigeon.Conf.KeyPrefix(),
	}
}

func cmdServe(c *cmd) {
	c.help = `Start pigeon, serving the RPC bridge and executing IMAP commands.

The role from the config file decides what runs: a backend opens the account
databases and serves front-ends over the RPC bridge, a frontend connects to the
backend and delegates commands, standalone does both in one process.

Stop with SIGTERM or an interrupt. Connections get a few seconds to finish.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	pigeon.MustLoadConfig()
	log := c.log
	log.Print("starting up",
		slog.String("version", pigeonvar.Version),
		slog.String("role", pigeon.Conf.Static.Role),
		slog.String("name", pigeon.Conf.Static.Name))

	closers, err := start(log)
	if err != nil {
		log.Fatalx("starting", err)
	}
	log.Print("ready")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	sig := <-sigc
	log.Print("shutting down, waiting max 3s for existing connections", slog.Any("signal", sig))
	shutdown(log)
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	if num, ok := sig.(syscall.Signal); ok {
		os.Exit(int(num))
	}
	os.Exit(1)
}

// start connects to the coordination store and starts the components for the
// configured role. The returned functions are called in reverse order after
// shutdown.
func start(log mlog.Log) (closers []func(), rerr error) {
	defer func() {
		if rerr != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
			closers = nil
		}
	}()

	static := pigeon.Conf.Static
	timeouts := pigeon.Conf.Timeouts()

	cs := coord.NewRedis(coordOptions())
	closers = append(closers, func() {
		err := cs.Close()
		log.Check(err, "closing coordination store")
	})
	ctx, cancel := context.WithTimeout(pigeon.Shutdown, 5*time.Second)
	err := cs.Ping(ctx)
	cancel()
	if err != nil {
		return closers, fmt.Errorf("connecting to coordination store: %w", err)
	}

	Notifier = store.NewNotifier(cs)
	Notifier.PushTimeout = timeouts.BroadcastAck
	if err := Notifier.Start(pigeon.Context); err != nil {
		return closers, fmt.Errorf("subscribing to change notifications: %w", err)
	}

	switch static.Role {
	case config.RoleBackend, config.RoleStandalone:
		if err := store.Init(log); err != nil {
			return closers, fmt.Errorf("store init: %w", err)
		}
		local := &imapserver.Local{
			Locks:    dlock.NewManager(cs, timeouts.LockWait, timeouts.LockTTL),
			Notifier: Notifier,
			Usage:    &store.Usage{Store: cs, Timeout: timeouts.UsageRecompute},
		}
		Executor = local

		if static.Backend.Listen != "" {
			srv := rpc.NewServer(static.Secrets, imapserver.NewRPCHandler(local))
			srv.AckTimeout = timeouts.BroadcastAck
			srv.Keepalive = timeouts.Keepalive
			Notifier.Pusher = srv
			closers = append(closers, srv.Close)

			mux := http.NewServeMux()
			mux.Handle(static.Backend.Path, srv)
			hs, err := listenHTTP(log, "rpc", static.Backend.Listen, mux)
			if err != nil {
				return closers, err
			}
			closers = append(closers, func() { hs.Close() })
		}

	case config.RoleFrontend:
		client := rpc.NewClient(static.Backend.URL, static.Secrets[0], static.Name)
		client.Keepalive = timeouts.Keepalive
		client.MinReconnect = timeouts.Reconnect
		client.OnPush = func(ctx context.Context, sessionID string, payload rpc.Payload) {
			var ev store.FireEvent
			if err := payload.Decode(&ev); err != nil {
				log.Debugx("decoding push from backend", err)
				return
			}
			Notifier.Wake(ev.Account)
		}
		go func() {
			defer func() {
				x := recover()
				if x != nil {
					log.Error("rpc client panic", slog.Any("panic", x))
					debug.PrintStack()
					metrics.PanicInc(metrics.Serve)
				}
			}()
			client.Run(pigeon.Context)
		}()
		Executor = &imapserver.Delegating{Client: client, Timeout: timeouts.Request}
	}

	if static.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/loglevels", serveLogLevels(log))
		hs, err := listenHTTP(log, "metrics", static.MetricsListen, mux)
		if err != nil {
			return closers, err
		}
		closers = append(closers, func() { hs.Close() })
	}
	return closers, nil
}

// serveLogLevels lists the log levels on GET, and sets the level of a package
// on POST with form fields "pkg" (empty for the default) and "level".
func serveLogLevels(log mlog.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			level, ok := mlog.Levels[r.FormValue("level")]
			if !ok {
				http.Error(w, "400 - unknown log level", http.StatusBadRequest)
				return
			}
			pigeon.Conf.LogLevelSet(log, r.FormValue("pkg"), level)
		default:
			http.Error(w, "405 - Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		levels := pigeon.Conf.LogLevels()
		pkgs := slices.Sorted(maps.Keys(levels))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		for _, pkg := range pkgs {
			name := pkg
			if name == "" {
				name = "(default)"
			}
			fmt.Fprintf(w, "%s: %s\n", name, mlog.LevelStrings[levels[pkg]])
		}
	}
}

func listenHTTP(log mlog.Log, name, addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for %s: %w", name, err)
	}
	listenAddrs[name] = ln.Addr().String()
	log.Print("listening", slog.String("listener", name), slog.String("addr", listenAddrs[name]))
	hs := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(log.Logger.Handler(), slog.LevelDebug),
	}
	go func() {
		err := hs.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorx("serving http", err, slog.String("listener", name))
		}
	}()
	return hs, nil
}

func shutdown(log mlog.Log) {
	// New commands are rejected from now on, idling sessions return.
	pigeon.ShutdownCancel()

	done := pigeon.Connections.Done()
	second := time.Tick(time.Second)
	select {
	case <-done:
		log.Print("connections shutdown, waiting until 1 second passed")
		<-second

	case <-time.Tick(3 * time.Second):
		// Cancel pending operations and set an immediate deadline on sockets.
		pigeon.ContextCancel()
		pigeon.Connections.Shutdown()

		second := time.Tick(time.Second)
		select {
		case <-done:
			log.Print("no more connections, shutdown is clean, waiting until 1 second passed")
			<-second
		case <-second:
			log.Print("shutting down with pending sockets")
		}
	}
	pigeon.ContextCancel()
}
