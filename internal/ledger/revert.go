package ledger

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
)

// ReasonExecutionReverted is reported when revert data cannot be decoded.
const ReasonExecutionReverted = "ExecutionReverted"

// ExecutionError is a deterministic rejection by the verifier. Retrying the
// same intent cannot succeed.
type ExecutionError struct {
	Reason   string
	Selector string
	// Message carries the Error(string) text or the node's message.
	Message string
}

func (e *ExecutionError) Error() string {
	if e.Message != "" && e.Message != e.Reason {
		return fmt.Sprintf("execution reverted: %s (%s)", e.Reason, e.Message)
	}
	return "execution reverted: " + e.Reason
}

// customErrors are the verifier's declared errors, keyed by selector.
var customErrors = buildSelectorTable(
	"InvalidSignature()",
	"ExpiredDeadline()",
	"InsufficientBalance()",
	"ExecutionFailed()",
	"UnauthorizedRelayer()",
	"ERC20InsufficientBalance(address,uint256,uint256)",
	"ERC20InsufficientAllowance(address,uint256,uint256)",
	"OwnableUnauthorizedAccount(address)",
)

func buildSelectorTable(signatures ...string) map[[4]byte]string {
	table := make(map[[4]byte]string, len(signatures))
	for _, sig := range signatures {
		var sel [4]byte
		copy(sel[:], crypto.Keccak256([]byte(sig))[:4])
		table[sel] = sig[:strings.IndexByte(sig, '(')]
	}
	return table
}

// DecodeRevert maps raw revert data to a named reason. Unknown selectors fall
// through to ReasonExecutionReverted.
func DecodeRevert(data []byte) *ExecutionError {
	if len(data) < 4 {
		return &ExecutionError{Reason: ReasonExecutionReverted}
	}
	var sel [4]byte
	copy(sel[:], data[:4])
	selector := "0x" + hex.EncodeToString(sel[:])

	if name, ok := customErrors[sel]; ok {
		return &ExecutionError{Reason: name, Selector: selector}
	}
	if msg, err := abi.UnpackRevert(data); err == nil {
		return &ExecutionError{Reason: msg, Selector: selector, Message: msg}
	}
	return &ExecutionError{Reason: ReasonExecutionReverted, Selector: selector}
}

// revertFromError extracts an ExecutionError from an RPC error, if the node
// reported a revert.
func revertFromError(err error) (*ExecutionError, bool) {
	if err == nil {
		return nil, false
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				out := DecodeRevert(data)
				if out.Message == "" {
					out.Message = dataErr.Error()
				}
				return out, true
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &ExecutionError{Reason: ReasonExecutionReverted, Message: err.Error()}, true
	}
	return nil, false
}
