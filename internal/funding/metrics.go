package funding

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DepositsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funding_checkout_deposits_total",
			Help: "Checkout deposits started, by result",
		},
		[]string{"result"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "funding_notifications_total",
			Help: "Payment notifications handled, by result",
		},
		[]string{"result"},
	)
)
