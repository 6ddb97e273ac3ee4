package txstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a submission. The set is closed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitted, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitted:
		return 1
	}
	return 2
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed := Status(raw)
	if !parsed.Valid() {
		return fmt.Errorf("unknown status %q", raw)
	}
	*s = parsed
	return nil
}

// ParseStatus is used by stores that keep the status in a text column.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Record tracks one accepted request from pending to its terminal state.
// ExecutionCostPaid is a decimal wei string so it survives any encoding.
type Record struct {
	TxID              string    `json:"txId"`
	Status            Status    `json:"status"`
	Kind              string    `json:"kind,omitempty"`
	UserAddress       string    `json:"userAddress,omitempty"`
	LedgerHandle      string    `json:"ledgerHandle,omitempty"`
	BlockHeight       uint64    `json:"blockHeight,omitempty"`
	ExecutionCostPaid string    `json:"executionCostPaid,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	Attempts          int       `json:"attempts"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

var (
	ErrNotFound          = errors.New("transaction not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists records keyed by txId. A Put that returns nil must survive a
// restart. Implementations reject non-monotonic writes with ErrInvalidTransition.
type Store interface {
	Get(ctx context.Context, txID string) (*Record, error)
	Put(ctx context.Context, txID string, rec Record) error
}

// Pinger is implemented by stores backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CheckTransition validates replacing prev (nil when absent) with next.
func CheckTransition(prev *Record, next Record) error {
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if prev == nil {
		if next.Status != StatusPending {
			return fmt.Errorf("%w: new record must start %s, got %s", ErrInvalidTransition, StatusPending, next.Status)
		}
		return nil
	}
	if prev.Status.Terminal() {
		return fmt.Errorf("%w: record is already %s", ErrInvalidTransition, prev.Status)
	}
	if next.Status.rank() < prev.Status.rank() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	return nil
}
