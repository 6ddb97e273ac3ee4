package relay

import (
	"context"
	"fmt"
	"math/big"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
)

// FeeQuote is what a first attempt for an intent would currently cost at most.
type FeeQuote struct {
	Settings           fees.Settings
	EstimatedTotalCost *big.Int
}

// Quote prices an unsigned intent without recording or submitting anything.
// A revert during estimation is returned as a *ledger.ExecutionError.
func (p *Pipeline) Quote(ctx context.Context, req intent.Request) (*FeeQuote, error) {
	in, err := p.validator.ValidateForEstimate(req)
	if err != nil {
		return nil, err
	}

	estimate, err := p.ledger.EstimateExecutionCost(ctx, in)
	if err != nil {
		return nil, err
	}
	gasLimit, ok := p.gasLimit(estimate, 1)
	if !ok {
		return nil, &Failure{Reason: ReasonExecutionCostTooHigh, Class: ClassFatal,
			Err: fmt.Errorf("gas limit for estimate %d exceeds ceiling %d", estimate, p.cfg.GasLimitCeiling)}
	}

	snap, err := p.ledger.FeeConditions(ctx)
	if err != nil {
		p.log.Notice("quote: fee conditions unavailable, using fallback price: %v", err)
		snap = nil
	}
	settings := p.estimator.Estimate(snap, 1)
	settings.GasLimit = gasLimit

	return &FeeQuote{Settings: settings, EstimatedTotalCost: settings.MaxCost()}, nil
}

// RelayerStatus describes the relay identity's standing with the verifier.
type RelayerStatus struct {
	SubmitterAddress string
	IsAuthorized     bool
	SpendableBalance *big.Int
	MinimumReserve   *big.Int
}

func (s RelayerStatus) Underfunded() bool {
	return s.SpendableBalance.Cmp(s.MinimumReserve) < 0
}

// Status queries authorization and balance for the relay identity.
func (p *Pipeline) Status(ctx context.Context) (*RelayerStatus, error) {
	relay := p.ledger.RelayAddress()
	authorized, err := p.ledger.CheckAuthorization(ctx, relay)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	balance, err := p.ledger.Balance(ctx, relay)
	if err != nil {
		return nil, fmt.Errorf("relay balance: %w", err)
	}
	return &RelayerStatus{
		SubmitterAddress: relay.Hex(),
		IsAuthorized:     authorized,
		SpendableBalance: balance,
		MinimumReserve:   new(big.Int).Set(p.cfg.MinReserve),
	}, nil
}

// Ping checks that the ledger endpoint answers.
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.ledger.Ping(ctx)
}

// DeadLetterDepth reports how many entries await operator attention.
func (p *Pipeline) DeadLetterDepth() int {
	return p.deadLetters.UpdateDepth()
}
