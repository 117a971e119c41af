package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "slipway_actions_total",
	Help: "Completed lifecycle actions by kind and outcome.",
}, []string{"kind", "outcome"})
