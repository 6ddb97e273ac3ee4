package fees

import (
	"math"
	"math/big"
)

// Snapshot is what the network reports about current fee conditions. BaseFee
// is nil on networks without a two-part fee model.
type Snapshot struct {
	GasPrice    *big.Int
	BaseFee     *big.Int
	PriorityFee *big.Int
}

// Settings are the price and limit used for a single submission attempt.
// Exactly one of GasPrice or the MaxFee/MaxPriorityFee pair is set.
type Settings struct {
	GasPrice       *big.Int
	MaxFee         *big.Int
	MaxPriorityFee *big.Int
	GasLimit       uint64
}

// IsDynamic reports whether the settings use the two-part fee model.
func (s Settings) IsDynamic() bool {
	return s.MaxFee != nil
}

// UnitPrice is the highest price per gas unit the settings allow.
func (s Settings) UnitPrice() *big.Int {
	if s.IsDynamic() {
		return new(big.Int).Set(s.MaxFee)
	}
	if s.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(s.GasPrice)
}

// MaxCost is the most the relay can pay for an attempt with these settings.
func (s Settings) MaxCost() *big.Int {
	return new(big.Int).Mul(s.UnitPrice(), new(big.Int).SetUint64(s.GasLimit))
}

// Config holds the reliability factor and price floors.
type Config struct {
	ReliabilityFactor float64
	MinMaxFee         *big.Int
	MinPriorityFee    *big.Int
	MinGasPrice       *big.Int
	// FallbackGasPrice is used when fee conditions cannot be read at all.
	FallbackGasPrice *big.Int
}

// Estimator derives per-attempt fee settings from a network snapshot.
type Estimator struct {
	cfg Config
	// factor is ReliabilityFactor in thousandths, so scaling stays in integers.
	factor *big.Int
}

var perMille = big.NewInt(1000)

func NewEstimator(cfg Config) *Estimator {
	if cfg.ReliabilityFactor < 1 {
		cfg.ReliabilityFactor = 1
	}
	return &Estimator{
		cfg:    cfg,
		factor: big.NewInt(int64(math.Round(cfg.ReliabilityFactor * 1000))),
	}
}

// Estimate returns the fee settings for the given attempt (1-based). A nil
// snapshot yields the fallback price. GasLimit is left for the caller.
func (e *Estimator) Estimate(snap *Snapshot, attempt int) Settings {
	if attempt < 1 {
		attempt = 1
	}

	var s Settings
	switch {
	case snap == nil || (snap.GasPrice == nil && snap.BaseFee == nil):
		s.GasPrice = atLeast(nil, e.cfg.FallbackGasPrice)
	case snap.BaseFee != nil:
		foundation := maxOf(snap.GasPrice, snap.BaseFee)
		s.MaxFee = atLeast(e.scale(foundation), e.cfg.MinMaxFee)
		s.MaxPriorityFee = atLeast(snap.PriorityFee, e.cfg.MinPriorityFee)
		if s.MaxFee.Cmp(s.MaxPriorityFee) < 0 {
			s.MaxFee = new(big.Int).Set(s.MaxPriorityFee)
		}
	default:
		s.GasPrice = atLeast(e.scale(snap.GasPrice), e.cfg.MinGasPrice)
	}

	if attempt > 1 {
		k := big.NewInt(int64(attempt))
		for _, p := range []*big.Int{s.GasPrice, s.MaxFee, s.MaxPriorityFee} {
			if p != nil {
				p.Mul(p, k)
			}
		}
	}
	return s
}

func (e *Estimator) scale(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	out := new(big.Int).Mul(v, e.factor)
	return out.Quo(out, perMille)
}

// atLeast returns a fresh copy of max(v, floor), treating nil as zero.
func atLeast(v, floor *big.Int) *big.Int {
	return new(big.Int).Set(maxOf(v, floor))
}

func maxOf(a, b *big.Int) *big.Int {
	switch {
	case a == nil && b == nil:
		return new(big.Int)
	case a == nil:
		return b
	case b == nil:
		return a
	case a.Cmp(b) >= 0:
		return a
	}
	return b
}
