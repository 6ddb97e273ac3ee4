package relay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
	"gaslessrelay/internal/ledger"
	"gaslessrelay/internal/logger"
	"gaslessrelay/internal/metrics"
	"gaslessrelay/internal/txstore"
)

// Config drives attempt counts, timeouts and gas limits.
type Config struct {
	MinReserve         *big.Int
	MaxAttempts        int
	SubmitTimeout      time.Duration
	ConfirmTimeout     time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	GasLimitMultiplier float64
	GasLimitStep       float64
	GasLimitCeiling    uint64
	CheckNonce         bool
}

func (c Config) withDefaults() Config {
	if c.MinReserve == nil {
		c.MinReserve = new(big.Int)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.GasLimitMultiplier < 1 {
		c.GasLimitMultiplier = 1
	}
	if c.GasLimitCeiling == 0 {
		c.GasLimitCeiling = math.MaxUint64
	}
	return c
}

// Result is what a finished pipeline run reports. Failure is nil on success.
type Result struct {
	Record  txstore.Record
	Failure *Failure
}

// Pipeline validates intents, records them and drives each one to a terminal
// status. One Pipeline is shared by all requests.
type Pipeline struct {
	cfg         Config
	validator   *intent.Validator
	ledger      ledger.Client
	store       txstore.Store
	estimator   *fees.Estimator
	sequencer   *Sequencer
	metrics     *metrics.Registry
	deadLetters *DeadLetters
	log         logger.Logger
	now         func() time.Time
	newTxID     func() string

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

type Option func(*Pipeline)

func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithDeadLetters(d *DeadLetters) Option {
	return func(p *Pipeline) { p.deadLetters = d }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(cfg Config, validator *intent.Validator, client ledger.Client, store txstore.Store, estimator *fees.Estimator, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:       cfg.withDefaults(),
		validator: validator,
		ledger:    client,
		store:     store,
		estimator: estimator,
		sequencer: NewSequencer(),
		log:       &logger.EmptyLogger{},
		now:       time.Now,
		newTxID:   func() string { return "tx_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.NewRegistry()
	}
	return p
}

// Start validates req, records it as pending and runs the rest of the
// pipeline in the background. The run is detached from ctx: once a record
// exists it reaches a terminal status even if the caller goes away. The
// returned channel yields exactly one Result.
func (p *Pipeline) Start(ctx context.Context, req intent.Request) (string, <-chan Result, error) {
	in, err := p.validator.Validate(req)
	if err != nil {
		return "", nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", nil, ErrShuttingDown
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	now := p.now().UTC()
	rec := txstore.Record{
		TxID:        p.newTxID(),
		Status:      txstore.StatusPending,
		Kind:        string(in.Kind),
		UserAddress: in.User.Hex(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Put(runCtx, rec.TxID, rec); err != nil {
		p.inflight.Done()
		return "", nil, fmt.Errorf("record %s: %w", rec.TxID, err)
	}
	p.metrics.PipelineStarted()
	p.log.Info("%s accepted: kind=%s user=%s", rec.TxID, rec.Kind, rec.UserAddress)

	out := make(chan Result, 1)
	go func() {
		defer p.inflight.Done()
		defer p.metrics.PipelineFinished()
		out <- p.run(runCtx, in, rec)
		close(out)
	}()
	return rec.TxID, out, nil
}

// Submit runs the pipeline and waits for its result or for ctx to end. When
// ctx ends first the pipeline keeps running and the pending txId is returned
// with ctx's error.
func (p *Pipeline) Submit(ctx context.Context, req intent.Request) (string, *Result, error) {
	txID, results, err := p.Start(ctx, req)
	if err != nil {
		return "", nil, err
	}
	select {
	case res := <-results:
		return txID, &res, nil
	case <-ctx.Done():
		return txID, nil, ctx.Err()
	}
}

// Wait stops accepting new work and blocks until in-flight runs finish or
// ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup returns the stored record for txID.
func (p *Pipeline) Lookup(ctx context.Context, txID string) (*txstore.Record, error) {
	return p.store.Get(ctx, txID)
}

func (p *Pipeline) run(ctx context.Context, in *intent.SignedIntent, rec txstore.Record) Result {
	if failure := p.preflight(ctx, in); failure != nil {
		return p.fail(ctx, in, rec, failure)
	}
	return p.attempts(ctx, in, rec)
}

// preflight runs the cheap checks that make a submission pointless.
func (p *Pipeline) preflight(ctx context.Context, in *intent.SignedIntent) *Failure {
	relay := p.ledger.RelayAddress()

	authorized, err := retryQuery(ctx, p, "authorization check", func(ctx context.Context) (bool, error) {
		return p.ledger.CheckAuthorization(ctx, relay)
	})
	if err != nil {
		return &Failure{Reason: ReasonLedgerUnavailable, Class: ClassTransient, Err: err}
	}
	if !authorized {
		return &Failure{Reason: ReasonUnauthorizedSubmitter, Class: ClassAuthorization,
			Err: fmt.Errorf("relay %s is not an authorized submitter", relay.Hex())}
	}

	balance, err := retryQuery(ctx, p, "relay balance", func(ctx context.Context) (*big.Int, error) {
		return p.ledger.Balance(ctx, relay)
	})
	if err != nil {
		return &Failure{Reason: ReasonLedgerUnavailable, Class: ClassTransient, Err: err}
	}
	if balance.Cmp(p.cfg.MinReserve) < 0 {
		return &Failure{Reason: ReasonSubmitterUnderfunded, Class: ClassAuthorization,
			Err: fmt.Errorf("relay balance %s wei is below the %s wei reserve", balance, p.cfg.MinReserve)}
	}

	if p.cfg.CheckNonce && in.DeclaredNonce != nil {
		current, err := retryQuery(ctx, p, "user nonce", func(ctx context.Context) (*big.Int, error) {
			return p.ledger.CurrentNonce(ctx, in.User)
		})
		if err != nil {
			return &Failure{Reason: ReasonLedgerUnavailable, Class: ClassTransient, Err: err}
		}
		if current.Cmp(in.DeclaredNonce) != 0 {
			return &Failure{Reason: ReasonStaleNonce, Class: ClassContention,
				Err: fmt.Errorf("declared nonce %s, ledger expects %s", in.DeclaredNonce, current)}
		}
	}
	return nil
}

// retryQuery retries a read-only ledger query with the attempt backoff.
func retryQuery[T any](ctx context.Context, p *Pipeline, what string, query func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		out, err = query(ctx)
		if err == nil {
			return out, nil
		}
		p.log.Notice("%s failed (attempt %d/%d): %v", what, attempt, p.cfg.MaxAttempts, err)
		if attempt < p.cfg.MaxAttempts {
			if sleepErr := p.backoff(ctx, attempt); sleepErr != nil {
				return out, sleepErr
			}
		}
	}
	return out, fmt.Errorf("%s: %w", what, err)
}

// attempts drives submissions until one is mined or the budget runs out. The
// first broadcast fixes the relay nonce, and every later attempt re-prices a
// replacement at that nonce.
func (p *Pipeline) attempts(ctx context.Context, in *intent.SignedIntent, rec txstore.Record) Result {
	var (
		lastErr error
		nonce   *uint64
		sent    []ledger.Handle
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		last := attempt == p.cfg.MaxAttempts

		if outcome := p.landed(ctx, rec.TxID, sent); outcome != nil {
			return p.settle(ctx, in, rec, outcome)
		}
		rec.Attempts = attempt

		estimate, err := p.ledger.EstimateExecutionCost(ctx, in)
		if err != nil {
			var revert *ledger.ExecutionError
			if errors.As(err, &revert) {
				// a late earlier broadcast consumes the signature and makes the estimate revert
				if outcome := p.landed(ctx, rec.TxID, sent); outcome != nil {
					return p.settle(ctx, in, rec, outcome)
				}
				return p.fail(ctx, in, rec, &Failure{Reason: revert.Reason, Class: ClassExecution, Err: revert})
			}
			lastErr = fmt.Errorf("estimate execution cost: %w", err)
			p.metrics.IncAttempt("estimate_failed")
			if failure := p.attemptFailed(ctx, &rec, attempt, last, lastErr); failure != nil {
				return p.fail(ctx, in, rec, failure)
			}
			continue
		}

		gasLimit, ok := p.gasLimit(estimate, attempt)
		if !ok {
			p.log.Error("%s: gas estimate %d exceeds ceiling %d on attempt %d", rec.TxID, estimate, p.cfg.GasLimitCeiling, attempt)
			return p.fail(ctx, in, rec, &Failure{Reason: ReasonExecutionCostTooHigh, Class: ClassFatal,
				Err: fmt.Errorf("gas limit for estimate %d exceeds ceiling %d", estimate, p.cfg.GasLimitCeiling)})
		}

		snap, err := p.ledger.FeeConditions(ctx)
		if err != nil {
			p.log.Notice("%s: fee conditions unavailable, using fallback price: %v", rec.TxID, err)
			p.metrics.IncFeeFallback()
			snap = nil
		}
		settings := p.estimator.Estimate(snap, attempt)
		settings.GasLimit = gasLimit

		broadcast, err := p.submit(ctx, in, settings, nonce)
		if err != nil {
			var revert *ledger.ExecutionError
			switch {
			case errors.As(err, &revert):
				return p.fail(ctx, in, rec, &Failure{Reason: revert.Reason, Class: ClassExecution, Err: revert})
			case errors.Is(err, ledger.ErrReadOnly):
				return p.fail(ctx, in, rec, &Failure{Reason: ReasonUnauthorizedSubmitter, Class: ClassFatal, Err: err})
			}
			lastErr = fmt.Errorf("submit: %w", err)
			p.metrics.IncAttempt("submit_failed")
			if failure := p.attemptFailed(ctx, &rec, attempt, last, lastErr); failure != nil {
				return p.fail(ctx, in, rec, failure)
			}
			continue
		}
		handle := broadcast.Handle
		if nonce == nil {
			n := broadcast.Nonce
			nonce = &n
		}
		sent = append(sent, handle)

		rec.Status = txstore.StatusSubmitted
		rec.LedgerHandle = string(handle)
		if failure := p.persist(ctx, &rec); failure != nil {
			p.log.Error("%s: submitted %s but could not record it: %v", rec.TxID, handle, failure)
			return p.abandon(in, rec, failure)
		}
		p.log.Info("%s: attempt %d submitted %s at relay nonce %d (gas limit %d, unit price %s)",
			rec.TxID, attempt, handle, *nonce, gasLimit, settings.UnitPrice())

		outcome, err := p.ledger.AwaitOutcome(ctx, handle, p.cfg.ConfirmTimeout*time.Duration(attempt))
		if err != nil {
			lastErr = fmt.Errorf("await %s: %w", handle, err)
			p.metrics.IncAttempt("confirm_timeout")
			p.log.Notice("%s: attempt %d/%d: %v", rec.TxID, attempt, p.cfg.MaxAttempts, lastErr)
			rec.LastError = lastErr.Error()
			if failure := p.persist(ctx, &rec); failure != nil {
				return p.abandon(in, rec, failure)
			}
			continue
		}
		return p.settle(ctx, in, rec, outcome)
	}

	if outcome := p.landed(ctx, rec.TxID, sent); outcome != nil {
		return p.settle(ctx, in, rec, outcome)
	}
	return p.fail(ctx, in, rec, &Failure{Reason: ReasonRetriesExhausted, Class: ClassTransient, Err: lastErr})
}

// landed checks every handle broadcast so far for a receipt. They share one
// relay nonce, so at most one of them is ever mined.
func (p *Pipeline) landed(ctx context.Context, txID string, sent []ledger.Handle) *ledger.Outcome {
	for _, handle := range sent {
		outcome, err := p.ledger.Outcome(ctx, handle)
		if err != nil {
			if !errors.Is(err, ledger.ErrNotIncluded) {
				p.log.Notice("%s: receipt check for %s: %v", txID, handle, err)
			}
			continue
		}
		if outcome.Handle == "" {
			outcome.Handle = handle
		}
		p.log.Info("%s: %s was included in block %d after its wait ended", txID, handle, outcome.BlockHeight)
		return outcome
	}
	return nil
}

// settle records the verdict on a mined submission.
func (p *Pipeline) settle(ctx context.Context, in *intent.SignedIntent, rec txstore.Record, outcome *ledger.Outcome) Result {
	rec.LedgerHandle = string(outcome.Handle)
	rec.BlockHeight = outcome.BlockHeight
	if outcome.CostPaid != nil {
		rec.ExecutionCostPaid = outcome.CostPaid.String()
	}
	if !outcome.Success {
		revert := outcome.Revert
		if revert == nil {
			revert = &ledger.ExecutionError{Reason: ledger.ReasonExecutionReverted}
		}
		p.metrics.IncAttempt("reverted")
		return p.fail(ctx, in, rec, &Failure{Reason: revert.Reason, Class: ClassExecution, Err: revert})
	}
	p.metrics.IncAttempt("confirmed")
	return p.succeed(ctx, rec)
}

// attemptFailed records a soft attempt failure and backs off. It returns a
// Failure only when the record cannot be written.
func (p *Pipeline) attemptFailed(ctx context.Context, rec *txstore.Record, attempt int, last bool, err error) *Failure {
	p.log.Notice("%s: attempt %d/%d: %v", rec.TxID, attempt, p.cfg.MaxAttempts, err)
	rec.LastError = err.Error()
	if failure := p.persist(ctx, rec); failure != nil {
		return failure
	}
	if last {
		return nil
	}
	if sleepErr := p.backoff(ctx, attempt); sleepErr != nil {
		return &Failure{Reason: ReasonRetriesExhausted, Class: ClassTransient, Err: sleepErr}
	}
	return nil
}

// submit broadcasts under the relay identity's slot, racing SubmitTimeout. The
// slot stays held until the ledger call itself returns.
func (p *Pipeline) submit(ctx context.Context, in *intent.SignedIntent, settings fees.Settings, nonce *uint64) (ledger.Broadcast, error) {
	release, err := p.sequencer.Acquire(ctx, p.ledger.RelayAddress())
	if err != nil {
		return ledger.Broadcast{}, err
	}

	subCtx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
	defer cancel()

	type submitResult struct {
		broadcast ledger.Broadcast
		err       error
	}
	done := make(chan submitResult, 1)
	go func() {
		defer release()
		broadcast, err := p.ledger.Submit(subCtx, in, settings, nonce)
		done <- submitResult{broadcast: broadcast, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(subCtx.Err(), context.DeadlineExceeded) {
			return ledger.Broadcast{}, ErrSubmitTimeout
		}
		return res.broadcast, res.err
	case <-subCtx.Done():
		return ledger.Broadcast{}, ErrSubmitTimeout
	}
}

// gasLimit scales the estimate by the attempt's multiplier. It reports false
// when the result exceeds the ceiling.
func (p *Pipeline) gasLimit(estimate uint64, attempt int) (uint64, bool) {
	multiplier := p.cfg.GasLimitMultiplier + float64(attempt-1)*p.cfg.GasLimitStep
	perMille := big.NewInt(int64(math.Round(multiplier * 1000)))

	limit := new(big.Int).Mul(new(big.Int).SetUint64(estimate), perMille)
	limit.Add(limit, big.NewInt(999))
	limit.Quo(limit, big.NewInt(1000))
	if !limit.IsUint64() || limit.Uint64() > p.cfg.GasLimitCeiling {
		return 0, false
	}
	return limit.Uint64(), true
}

func (p *Pipeline) backoffDelay(attempt int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffMax {
			return p.cfg.BackoffMax
		}
	}
	return delay
}

func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.backoffDelay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) persist(ctx context.Context, rec *txstore.Record) *Failure {
	rec.UpdatedAt = p.now().UTC()
	if err := p.store.Put(ctx, rec.TxID, *rec); err != nil {
		p.log.Error("%s: store write failed: %v", rec.TxID, err)
		return &Failure{Reason: ReasonStoreUnavailable, Class: ClassFatal, Err: err}
	}
	return nil
}

func (p *Pipeline) succeed(ctx context.Context, rec txstore.Record) Result {
	rec.Status = txstore.StatusSucceeded
	rec.Reason = ""
	if failure := p.persist(ctx, &rec); failure != nil {
		return Result{Record: rec, Failure: failure}
	}
	p.metrics.IncSubmission(string(rec.Status), "")
	p.log.Info("%s succeeded in block %d after %d attempt(s), cost %s wei", rec.TxID, rec.BlockHeight, rec.Attempts, rec.ExecutionCostPaid)
	return Result{Record: rec}
}

// fail records a terminal failure. Transient failures are dead-lettered, and
// so is any failure whose status could not be written, since the stored
// record then never reaches a terminal status.
func (p *Pipeline) fail(ctx context.Context, in *intent.SignedIntent, rec txstore.Record, failure *Failure) Result {
	rec.Status = txstore.StatusFailed
	rec.Reason = failure.Reason
	rec.LastError = failure.Error()
	storeFailure := p.persist(ctx, &rec)
	p.metrics.IncSubmission(string(rec.Status), failure.Reason)

	switch failure.Class {
	case ClassFatal:
		p.log.Error("%s failed: %v", rec.TxID, failure)
	case ClassTransient:
		p.log.Error("%s failed after %d attempt(s): %v", rec.TxID, rec.Attempts, failure)
	default:
		p.log.Notice("%s failed: %v", rec.TxID, failure)
	}

	if storeFailure != nil {
		p.deadLetters.Write(rec.TxID, in, rec.Attempts, &Failure{
			Reason: failure.Reason,
			Class:  failure.Class,
			Err:    errors.Join(failure.Err, storeFailure),
		})
		return Result{Record: rec, Failure: storeFailure}
	}
	if failure.Class == ClassTransient {
		p.deadLetters.Write(rec.TxID, in, rec.Attempts, failure)
	}
	return Result{Record: rec, Failure: failure}
}

// abandon ends a run whose broadcast could not be recorded. The submission may
// still be mined, so the record is left as it is and the dead letter carries
// the handle.
func (p *Pipeline) abandon(in *intent.SignedIntent, rec txstore.Record, storeFailure *Failure) Result {
	p.metrics.IncSubmission(string(txstore.StatusFailed), storeFailure.Reason)
	p.deadLetters.Write(rec.TxID, in, rec.Attempts, &Failure{
		Reason: storeFailure.Reason,
		Class:  storeFailure.Class,
		Err:    fmt.Errorf("last handle %s: %w", rec.LedgerHandle, storeFailure.Err),
	})
	return Result{Record: rec, Failure: storeFailure}
}
