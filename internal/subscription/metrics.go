package subscription

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "operations_total",
		Help:      "Book operations by name and result.",
	}, []string{"op", "result"}) // result is "ok", "error" or the revert reason

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "operation_duration_seconds",
		Help:      "Book operation latency including persistence.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 15},
	}, []string{"op"})

	treasuryBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "treasury_balance_eth",
		Help:      "Treasury balance in ether.",
	})

	paymentsCredited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "payments_credited_eth_total",
		Help:      "Ether credited by mint and extend.",
	})

	activeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "active_subscriptions",
		Help:      "Tokens live at the last sweep.",
	})

	lapsedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tierpass",
		Subsystem: "book",
		Name:      "lapsed_total",
		Help:      "Tokens observed lapsing by the expiry sweeper.",
	})
)

func init() {
	prometheus.MustRegister(
		operationsTotal,
		operationDuration,
		treasuryBalance,
		paymentsCredited,
		activeSubscriptions,
		lapsedTotal,
	)
}

var weiPerEther = new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

func weiToEther(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), weiPerEther).Float64()
	return f
}
