package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
)

// Handle is the ledger-assigned identifier of a broadcast submission.
type Handle string

// Broadcast is a sent submission and the relay account nonce it occupies.
// Every attempt for one txId reuses that nonce, so a later attempt replaces an
// earlier one instead of queueing behind it.
type Broadcast struct {
	Handle Handle
	Nonce  uint64
}

// Outcome is the ledger's verdict on a confirmed submission.
type Outcome struct {
	Handle            Handle
	Success           bool
	BlockHeight       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	// CostPaid is GasUsed × EffectiveGasPrice, charged even when the call reverted.
	CostPaid *big.Int
	// Revert is set when Success is false.
	Revert *ExecutionError
}

var (
	// ErrConfirmationTimeout means no receipt was seen in time. The submission
	// may still be included later.
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	// ErrNotIncluded is returned by Outcome for a submission that has no
	// receipt yet.
	ErrNotIncluded = errors.New("submission not included yet")
	// ErrReadOnly is returned by Submit on a client without a signing key.
	ErrReadOnly = errors.New("ledger client is read-only")
)

// Client abstracts the verifier contract and the chain it lives on.
type Client interface {
	// RelayAddress is the identity that signs and pays for submissions.
	RelayAddress() common.Address
	CheckAuthorization(ctx context.Context, relay common.Address) (bool, error)
	CurrentNonce(ctx context.Context, user common.Address) (*big.Int, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
	// EstimateExecutionCost returns the gas estimate, or an *ExecutionError
	// when the call would revert.
	EstimateExecutionCost(ctx context.Context, in *intent.SignedIntent) (uint64, error)
	// FeeConditions reports current network fee conditions.
	FeeConditions(ctx context.Context) (*fees.Snapshot, error)
	// Submit signs and broadcasts. Callers serialize it per relay identity.
	// A nil nonce takes the relay's next pending nonce; a non-nil one replaces
	// whatever is pending at that nonce.
	Submit(ctx context.Context, in *intent.SignedIntent, settings fees.Settings, nonce *uint64) (Broadcast, error)
	// AwaitOutcome waits up to timeout for the submission to be included and
	// returns ErrConfirmationTimeout when it is not.
	AwaitOutcome(ctx context.Context, handle Handle, timeout time.Duration) (*Outcome, error)
	// Outcome checks once for a receipt and returns ErrNotIncluded when there
	// is none.
	Outcome(ctx context.Context, handle Handle) (*Outcome, error)
	Ping(ctx context.Context) error
}
