package intent

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind selects which verifier entry point an intent is executed through.
type Kind string

const (
	// KindMeta is an opaque function call relayed via executeMetaTransaction.
	KindMeta Kind = "meta"
	// KindNativeTransfer moves native value via executeGaslessPOLTransfer and
	// carries a deadline instead of a declared nonce.
	KindNativeTransfer Kind = "native-transfer"
)

func (k Kind) Valid() bool {
	return k == KindMeta || k == KindNativeTransfer
}

// Request is the JSON body accepted by /submit and /estimate-fee.
type Request struct {
	Kind                     Kind     `json:"kind,omitempty"`
	SubmitterContractAddress string   `json:"submitterContractAddress,omitempty"`
	UserAddress              string   `json:"userAddress"`
	Payload                  string   `json:"payload,omitempty"`
	R                        string   `json:"r"`
	S                        string   `json:"s"`
	V                        *int     `json:"v"`
	DeclaredNonce            *big.Int `json:"declaredNonce,omitempty"`
	Network                  string   `json:"network,omitempty"`
	To                       string   `json:"to,omitempty"`
	Amount                   string   `json:"amount,omitempty"`
	Deadline                 *int64   `json:"deadline,omitempty"`
}

// SignedIntent is a validated request. It is never mutated after Validate
// returns it.
type SignedIntent struct {
	Kind          Kind
	Contract      common.Address
	User          common.Address
	Payload       []byte
	R             [32]byte
	S             [32]byte
	V             uint8
	DeclaredNonce *big.Int

	To       common.Address
	Amount   *big.Int
	Deadline time.Time
}

// HasDeadline reports whether the intent expires on the ledger.
func (i *SignedIntent) HasDeadline() bool {
	return i.Kind == KindNativeTransfer
}

// Error codes reported to clients.
const (
	CodeMissingField       = "MissingField"
	CodeInvalidAddress     = "InvalidAddress"
	CodeContractMismatch   = "ContractMismatch"
	CodeUnsupportedNetwork = "UnsupportedNetwork"
	CodeInvalidPayload     = "InvalidPayload"
	CodeInvalidSignature   = "InvalidSignature"
	CodeInvalidAmount      = "InvalidAmount"
	CodeExpiredDeadline    = "ExpiredDeadline"
	CodeInvalidKind        = "InvalidKind"
	CodeMalformedBody      = "MalformedBody"
)

// ValidationError rejects a request before any record or network call exists.
type ValidationError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"error"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
}

func invalid(code, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

// MarshalJSON renders the intent for dead-letter entries and debug logs.
func (i *SignedIntent) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"kind":        i.Kind,
		"contract":    i.Contract.Hex(),
		"userAddress": i.User.Hex(),
		"payload":     fmt.Sprintf("0x%x", i.Payload),
		"r":           fmt.Sprintf("0x%x", i.R),
		"s":           fmt.Sprintf("0x%x", i.S),
		"v":           i.V,
	}
	if i.DeclaredNonce != nil {
		out["declaredNonce"] = i.DeclaredNonce.String()
	}
	if i.Kind == KindNativeTransfer {
		out["to"] = i.To.Hex()
		out["amount"] = i.Amount.String()
		out["deadline"] = i.Deadline.Unix()
	}
	return json.Marshal(out)
}
