// Package metrics has prometheus metric variables/functions shared between packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pigeon_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

type Panic string

const (
	Store      Panic = "store"
	Imapserver Panic = "imapserver"
	RPC        Panic = "rpc"
	Serve      Panic = "serve"
)

func PanicInc(name Panic) {
	metricPanic.WithLabelValues(string(name)).Inc()
}
