package pigeon

import (
	"sync/atomic"
	"time"
)

// Starts at the startup time, so ids in logs of restarts don't overlap.
var lastCid = func() *atomic.Int64 {
	var v atomic.Int64
	v.Store(time.Now().UnixMilli())
	return &v
}()

// Cid returns a new id for logging a connection, session or RPC request.
func Cid() int64 {
	return lastCid.Add(1)
}
