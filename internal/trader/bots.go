package trader

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"trade-ledger-go/internal/config"
	"trade-ledger-go/internal/ledger"
)

// Bot is a trading bot preset.
type Bot struct {
	Type          ledger.BotType `json:"type"`
	Instrument    string         `json:"pair"`
	Market        ledger.Market  `json:"market"`
	Duration      time.Duration  `json:"duration"`
	PayoutPercent float64        `json:"profit"`
}

// Order builds an order for this bot with the given stake.
func (b Bot) Order(stake float64) Order {
	return Order{
		Instrument:    b.Instrument,
		Market:        b.Market,
		Stake:         stake,
		Duration:      b.Duration,
		PayoutPercent: b.PayoutPercent,
		BotType:       b.Type,
	}
}

// DefaultBots are the presets offered on the bots page.
var DefaultBots = []Bot{
	{Type: ledger.BotStandard, Instrument: "SOL/USD", Market: ledger.MarketRiseFall, Duration: 2 * time.Second, PayoutPercent: 100},
	{Type: ledger.BotMaster, Instrument: "BTC/USD", Market: ledger.MarketEvenOdd, Duration: 2 * time.Second, PayoutPercent: 80},
	{Type: ledger.BotPro, Instrument: "ETH/USD", Market: ledger.MarketEvenOdd, Duration: 1 * time.Second, PayoutPercent: 200},
}

// Bots indexes presets by type.
type Bots map[ledger.BotType]Bot

// NewBots returns the default presets with the configured overrides applied.
func NewBots(overrides []config.Bot) (Bots, error) {
	bots := make(Bots, len(DefaultBots))
	for _, b := range DefaultBots {
		bots[b.Type] = b
	}

	for _, o := range overrides {
		t := ledger.BotType(strings.ToUpper(o.Type))
		if t == "" || t == ledger.BotCustom {
			return nil, fmt.Errorf("bot override needs a preset type, got %q", o.Type)
		}
		b := bots[t]
		b.Type = t
		if o.Instrument != "" {
			b.Instrument = o.Instrument
		}
		if o.Market != "" {
			b.Market = ledger.Market(strings.ToUpper(o.Market))
		}
		if o.DurationSeconds > 0 {
			b.Duration = time.Duration(o.DurationSeconds) * time.Second
		}
		if o.PayoutPercent > 0 {
			b.PayoutPercent = o.PayoutPercent
		}
		if b.Instrument == "" || b.Market == "" {
			return nil, fmt.Errorf("bot %s needs an instrument and a market", t)
		}
		bots[t] = b
	}
	return bots, nil
}

// Lookup returns the preset of a bot type.
func (b Bots) Lookup(t ledger.BotType) (Bot, bool) {
	bot, ok := b[ledger.BotType(strings.ToUpper(string(t)))]
	return bot, ok
}

// List returns the presets sorted by type.
func (b Bots) List() []Bot {
	out := make([]Bot, 0, len(b))
	for _, bot := range b {
		out = append(out, bot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
