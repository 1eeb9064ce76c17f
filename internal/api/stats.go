package api

import (
	"time"

	"trade-ledger-go/internal/ledger"

	"github.com/shopspring/decimal"
)

// StatsDetail holds calculated statistics for a given period.
type StatsDetail struct {
	TotalTrades      int64           `json:"total_trades"`
	ProfitableTrades int64           `json:"profitable_trades"`
	WinRate          float64         `json:"win_rate"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	TotalStaked      decimal.Decimal `json:"total_staked"`
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h StatsDetail `json:"since_24h"`
	AllTime  StatsDetail `json:"all_time"`
}

func (s *StatsDetail) add(t ledger.TradeRecord) {
	s.TotalTrades++
	if t.Outcome == ledger.OutcomeWin {
		s.ProfitableTrades++
	}
	s.TotalProfit = s.TotalProfit.Add(t.Net())
	s.TotalStaked = s.TotalStaked.Add(t.Stake)
}

func (s *StatsDetail) finish() {
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.ProfitableTrades) / float64(s.TotalTrades)
	}
}

// Statistics summarises trades over the last 24 hours and all time.
func Statistics(trades []ledger.TradeRecord, now time.Time) StatisticsResponse {
	since24h := now.Add(-24 * time.Hour)

	resp := StatisticsResponse{
		Since24h: StatsDetail{TotalProfit: decimal.Zero, TotalStaked: decimal.Zero},
		AllTime:  StatsDetail{TotalProfit: decimal.Zero, TotalStaked: decimal.Zero},
	}
	for _, trade := range trades {
		resp.AllTime.add(trade)
		if trade.Timestamp.After(since24h) {
			resp.Since24h.add(trade)
		}
	}
	resp.AllTime.finish()
	resp.Since24h.finish()
	return resp
}
