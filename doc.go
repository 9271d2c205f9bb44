/*
Command pigeon runs the storage side of an IMAP service split into stateless
protocol front-ends and a backend that owns the per-account databases.

  - Distributed per-account locks in a Redis-compatible coordination store.
  - Request/response and push RPC between front-ends and the backend over a
    websocket, with msgpack frames and JWT authentication.
  - Change journal per account, for sessions to synchronize after EXPUNGE and
    flag changes, with IDLE wake-ups across processes.
  - Content-addressed attachment storage, with garbage collection on expunge.

# Commands

	pigeon [-config config/pigeon.conf] [-loglevel level] [-cpuprof file] [-memprof file] [-trace file] ...
	pigeon serve
	pigeon usage account
	pigeon loglevels [level [pkg]]
	pigeon config test
	pigeon config describe >pigeon.conf
	pigeon version
	pigeon help [command ...]

Many commands talk to the coordination store configured in pigeon.conf. The
"usage" command must run on the backend, where the account databases are.

# pigeon serve

Start pigeon, serving the RPC bridge and executing IMAP commands.

The role from the config file decides what runs: a backend opens the account
databases and serves front-ends over the RPC bridge, a frontend connects to the
backend and delegates commands, standalone does both in one process.

# pigeon usage

Recomputes and prints the storage usage of an account.

# pigeon config describe

Prints an annotated empty configuration for use as pigeon.conf.
*/
package main
