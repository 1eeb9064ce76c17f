package trader

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TradesTotal counts settled trades.
	TradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_trades_total",
			Help: "Total number of trades by bot and outcome",
		},
		[]string{"bot", "outcome"},
	)

	// TradeErrorsTotal counts trades that ended in a refund or a stranded stake.
	TradeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_trade_errors_total",
			Help: "Total number of trades that could not be settled",
		},
		[]string{"result"},
	)

	// ActiveTrades tracks trades between debit and settlement.
	ActiveTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trader_active_trades",
		Help: "Number of trades waiting to settle",
	})

	// StakeUSD sums stakes placed.
	StakeUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trader_stake_usd_total",
		Help: "Cumulative stake placed",
	})
)
