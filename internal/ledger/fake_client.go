package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
)

// Submission is one recorded FakeClient.Submit call.
type Submission struct {
	Intent   *intent.SignedIntent
	Settings fees.Settings
	// Nonce is the relay nonce the caller asked for, nil for the next free one.
	Nonce  *uint64
	Handle Handle
}

// FakeClient is an in-memory ledger. With no hooks set it authorizes the relay,
// confirms every submission immediately and charges gas at the offered price.
// Outcome reports only submissions marked with Land.
// Each hook receives the 1-based number of the call it is answering.
type FakeClient struct {
	Relay       common.Address
	Authorized  bool
	Reserve     *big.Int
	Nonces      map[common.Address]*big.Int
	Snapshot    *fees.Snapshot
	GasEstimate uint64

	AuthorizationFunc func(ctx context.Context, call int) (bool, error)
	BalanceFunc       func(ctx context.Context, call int) (*big.Int, error)
	NonceFunc         func(ctx context.Context, call int, user common.Address) (*big.Int, error)
	EstimateFunc      func(ctx context.Context, call int, in *intent.SignedIntent) (uint64, error)
	FeeFunc           func(ctx context.Context, call int) (*fees.Snapshot, error)
	SubmitFunc        func(ctx context.Context, call int, in *intent.SignedIntent, settings fees.Settings) (Handle, error)
	AwaitFunc         func(ctx context.Context, call int, handle Handle, timeout time.Duration) (*Outcome, error)
	OutcomeFunc       func(ctx context.Context, call int, handle Handle) (*Outcome, error)
	PingFunc          func(ctx context.Context) error

	mu           sync.Mutex
	authCalls    int
	balanceCalls int
	nonceCalls   int
	estimates    int
	feeQueries   int
	submissions  []Submission
	awaits       []time.Duration
	lookups      int
	height       uint64
	relayNonce   uint64
	byHandle     map[Handle]fees.Settings
	landed       map[Handle]*Outcome
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient returns a fake that behaves like a healthy, funded relay on a
// two-part fee network.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Relay:       common.HexToAddress("0x000000000000000000000000000000000000fe11"),
		Authorized:  true,
		Reserve:     new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)),
		Nonces:      make(map[common.Address]*big.Int),
		GasEstimate: 120_000,
		Snapshot: &fees.Snapshot{
			GasPrice:    big.NewInt(40_000_000_000),
			BaseFee:     big.NewInt(35_000_000_000),
			PriorityFee: big.NewInt(30_000_000_000),
		},
		height:   1_000,
		byHandle: make(map[Handle]fees.Settings),
		landed:   make(map[Handle]*Outcome),
	}
}

func (f *FakeClient) RelayAddress() common.Address {
	return f.Relay
}

func (f *FakeClient) Ping(ctx context.Context) error {
	if f.PingFunc != nil {
		return f.PingFunc(ctx)
	}
	return nil
}

func (f *FakeClient) next(counter *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	*counter++
	return *counter
}

func (f *FakeClient) CheckAuthorization(ctx context.Context, _ common.Address) (bool, error) {
	call := f.next(&f.authCalls)
	if f.AuthorizationFunc != nil {
		return f.AuthorizationFunc(ctx, call)
	}
	return f.Authorized, nil
}

func (f *FakeClient) Balance(ctx context.Context, _ common.Address) (*big.Int, error) {
	call := f.next(&f.balanceCalls)
	if f.BalanceFunc != nil {
		return f.BalanceFunc(ctx, call)
	}
	return new(big.Int).Set(f.Reserve), nil
}

func (f *FakeClient) CurrentNonce(ctx context.Context, user common.Address) (*big.Int, error) {
	call := f.next(&f.nonceCalls)
	if f.NonceFunc != nil {
		return f.NonceFunc(ctx, call, user)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.Nonces[user]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (f *FakeClient) EstimateExecutionCost(ctx context.Context, in *intent.SignedIntent) (uint64, error) {
	call := f.next(&f.estimates)
	if f.EstimateFunc != nil {
		return f.EstimateFunc(ctx, call, in)
	}
	return f.GasEstimate, nil
}

func (f *FakeClient) FeeConditions(ctx context.Context) (*fees.Snapshot, error) {
	call := f.next(&f.feeQueries)
	if f.FeeFunc != nil {
		return f.FeeFunc(ctx, call)
	}
	return f.Snapshot, nil
}

func (f *FakeClient) Submit(ctx context.Context, in *intent.SignedIntent, settings fees.Settings, nonce *uint64) (Broadcast, error) {
	f.mu.Lock()
	call := len(f.submissions) + 1
	sub := Submission{Intent: in, Settings: settings}
	if nonce != nil {
		n := *nonce
		sub.Nonce = &n
	}
	f.submissions = append(f.submissions, sub)
	f.mu.Unlock()

	var (
		handle Handle
		err    error
	)
	if f.SubmitFunc != nil {
		handle, err = f.SubmitFunc(ctx, call, in, settings)
	} else {
		handle = fakeHandle(fmt.Sprintf("%s/%x/%d", in.User.Hex(), in.R, call))
	}
	if err != nil {
		return Broadcast{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	used := f.relayNonce
	if nonce != nil {
		used = *nonce
	}
	if used >= f.relayNonce {
		f.relayNonce = used + 1
	}
	f.submissions[call-1].Handle = handle
	f.byHandle[handle] = settings
	return Broadcast{Handle: handle, Nonce: used}, nil
}

func (f *FakeClient) AwaitOutcome(ctx context.Context, handle Handle, timeout time.Duration) (*Outcome, error) {
	f.mu.Lock()
	f.awaits = append(f.awaits, timeout)
	call := len(f.awaits)
	f.mu.Unlock()

	if f.AwaitFunc != nil {
		return f.AwaitFunc(ctx, call, handle, timeout)
	}
	return f.Confirm(handle, true), nil
}

func (f *FakeClient) Outcome(ctx context.Context, handle Handle) (*Outcome, error) {
	call := f.next(&f.lookups)
	if f.OutcomeFunc != nil {
		return f.OutcomeFunc(ctx, call, handle)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.landed[handle]; ok {
		return out, nil
	}
	return nil, ErrNotIncluded
}

// Land marks handle as included after the fact, as a submission whose wait
// timed out can still be mined later.
func (f *FakeClient) Land(handle Handle, success bool) *Outcome {
	out := f.Confirm(handle, success)
	f.mu.Lock()
	f.landed[handle] = out
	f.mu.Unlock()
	return out
}

// Confirm builds the outcome the fake would report for handle, charging the
// estimated gas at the offered unit price.
func (f *FakeClient) Confirm(handle Handle, success bool) *Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height++
	price := f.byHandle[handle].UnitPrice()
	out := &Outcome{
		Handle:            handle,
		Success:           success,
		BlockHeight:       f.height,
		GasUsed:           f.GasEstimate,
		EffectiveGasPrice: price,
		CostPaid:          new(big.Int).Mul(price, new(big.Int).SetUint64(f.GasEstimate)),
	}
	if !success {
		out.Revert = &ExecutionError{Reason: ReasonExecutionReverted}
	}
	return out
}

// Submissions returns a copy of every Submit call seen so far.
func (f *FakeClient) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// AwaitTimeouts returns the timeout passed to each AwaitOutcome call.
func (f *FakeClient) AwaitTimeouts() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.awaits...)
}

// Calls reports how many times each query was made.
type Calls struct {
	Authorization int
	Balance       int
	Nonce         int
	Estimate      int
	FeeQueries    int
	Submit        int
	Await         int
	Outcome       int
}

func (f *FakeClient) Calls() Calls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Calls{
		Authorization: f.authCalls,
		Balance:       f.balanceCalls,
		Nonce:         f.nonceCalls,
		Estimate:      f.estimates,
		FeeQueries:    f.feeQueries,
		Submit:        len(f.submissions),
		Await:         len(f.awaits),
		Outcome:       f.lookups,
	}
}

func fakeHandle(input string) Handle {
	sum := sha256.Sum256([]byte(input))
	return Handle("0x" + hex.EncodeToString(sum[:]))
}
