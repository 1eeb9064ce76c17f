package trader

import (
	"math/rand"
	"sync"
	"time"

	"trade-ledger-go/internal/ledger"
)

// OutcomeSource decides whether a settled trade wins.
type OutcomeSource interface {
	Draw() ledger.Outcome
}

// OutcomeFunc adapts a function to OutcomeSource.
type OutcomeFunc func() ledger.Outcome

func (f OutcomeFunc) Draw() ledger.Outcome { return f() }

// FixedOutcome always returns the same outcome.
type FixedOutcome ledger.Outcome

func (o FixedOutcome) Draw() ledger.Outcome { return ledger.Outcome(o) }

// RandomOutcome draws a win with a fixed probability.
type RandomOutcome struct {
	mu             sync.Mutex
	rnd            *rand.Rand
	winProbability float64
}

// NewRandomOutcome creates a RandomOutcome. A zero seed seeds from the clock.
func NewRandomOutcome(winProbability float64, seed int64) *RandomOutcome {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandomOutcome{
		rnd:            rand.New(rand.NewSource(seed)),
		winProbability: winProbability,
	}
}

func (r *RandomOutcome) Draw() ledger.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rnd.Float64() < r.winProbability {
		return ledger.OutcomeWin
	}
	return ledger.OutcomeLoss
}
