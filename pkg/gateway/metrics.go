package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gatewayCalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enrollment_gateway_calls_total",
		Help: "Provider calls by provider, operation and outcome.",
	},
	[]string{"provider", "operation", "outcome"},
)
