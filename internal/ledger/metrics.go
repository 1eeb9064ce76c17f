package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts ledger operations by kind and result.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Total number of ledger operations",
		},
		[]string{"kind", "result"},
	)

	// SettlementsTotal counts settlement state changes.
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_settlements_total",
			Help: "Total number of settlement state changes",
		},
		[]string{"state"},
	)

	// PersistenceErrorsTotal counts failed store commits.
	PersistenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_persistence_errors_total",
			Help: "Total number of failed ledger commits",
		},
		[]string{"op"},
	)

	// ReloadsTotal counts ledgers reloaded after another writer changed the account.
	ReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reloads_total",
			Help: "Total number of ledger reloads after a stale commit",
		},
		[]string{"op"},
	)

	// OpenLedgers tracks the number of ledgers held by registries.
	OpenLedgers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_open_ledgers",
		Help: "Number of user ledgers currently loaded",
	})
)
