package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_ratelimit_decisions_total",
	Help: "Rate limit rule evaluations by zone and decision.",
}, []string{"zone", "decision"})

const (
	decisionAllowed  = "allowed"
	decisionRejected = "rejected"
	decisionError    = "error"
)
