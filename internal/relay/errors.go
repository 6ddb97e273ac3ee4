package relay

import (
	"errors"
	"fmt"
)

// Class groups failure reasons by how the caller should react.
type Class string

const (
	ClassClient        Class = "client"
	ClassAuthorization Class = "authorization"
	ClassContention    Class = "contention"
	ClassTransient     Class = "transient"
	ClassExecution     Class = "execution"
	ClassFatal         Class = "fatal"
)

// Reasons recorded by the relay itself. Ledger reverts use the decoded reason.
const (
	ReasonUnauthorizedSubmitter = "UnauthorizedSubmitter"
	ReasonSubmitterUnderfunded  = "SubmitterUnderfunded"
	ReasonStaleNonce            = "StaleNonce"
	ReasonExecutionCostTooHigh  = "ExecutionCostTooHigh"
	ReasonRetriesExhausted      = "RetriesExhausted"
	ReasonLedgerUnavailable     = "LedgerUnavailable"
	ReasonStoreUnavailable      = "StoreUnavailable"
)

var (
	ErrSubmitTimeout = errors.New("submission timed out")
	ErrShuttingDown  = errors.New("relay is shutting down")
)

// Failure is the terminal error of a pipeline run.
type Failure struct {
	Reason string
	Class  Class
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether the same intent could succeed if submitted again
// later without being re-signed.
func (f *Failure) Retryable() bool {
	return f.Class == ClassTransient
}
