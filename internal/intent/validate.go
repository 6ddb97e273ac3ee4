package intent

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Validator performs the syntactic checks a request must pass before the
// relay spends anything on it. It never touches the network.
type Validator struct {
	// Contract, when non-zero, is the only submitter contract accepted.
	Contract common.Address
	// Network, when set, is the only network name accepted.
	Network string
	Now     func() time.Time
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Validate checks a signed request, short-circuiting on the first failure.
func (v *Validator) Validate(req Request) (*SignedIntent, error) {
	return v.validate(req, true)
}

// ValidateForEstimate runs the same checks without requiring a signature.
func (v *Validator) ValidateForEstimate(req Request) (*SignedIntent, error) {
	return v.validate(req, false)
}

func (v *Validator) validate(req Request, signed bool) (*SignedIntent, error) {
	kind := req.Kind
	if kind == "" {
		kind = KindMeta
	}
	if !kind.Valid() {
		return nil, invalid(CodeInvalidKind, "kind", "unsupported intent kind %q", req.Kind)
	}

	if err := requireFields(req, kind, signed); err != nil {
		return nil, err
	}

	out := &SignedIntent{Kind: kind, DeclaredNonce: req.DeclaredNonce}

	if !common.IsHexAddress(req.UserAddress) {
		return nil, invalid(CodeInvalidAddress, "userAddress", "not a valid address")
	}
	out.User = common.HexToAddress(req.UserAddress)

	if req.SubmitterContractAddress != "" {
		if !common.IsHexAddress(req.SubmitterContractAddress) {
			return nil, invalid(CodeInvalidAddress, "submitterContractAddress", "not a valid address")
		}
		out.Contract = common.HexToAddress(req.SubmitterContractAddress)
		if v.Contract != (common.Address{}) && out.Contract != v.Contract {
			return nil, invalid(CodeContractMismatch, "submitterContractAddress", "relay does not serve contract %s", out.Contract.Hex())
		}
	} else {
		out.Contract = v.Contract
	}
	if v.Network != "" && req.Network != "" && !strings.EqualFold(req.Network, v.Network) {
		return nil, invalid(CodeUnsupportedNetwork, "network", "relay serves %s, not %s", v.Network, req.Network)
	}

	if kind == KindNativeTransfer {
		if !common.IsHexAddress(req.To) {
			return nil, invalid(CodeInvalidAddress, "to", "not a valid address")
		}
		out.To = common.HexToAddress(req.To)
	}

	if req.Payload != "" || kind == KindMeta {
		payload, err := decodePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		out.Payload = payload
	}

	if signed {
		if err := decodeSignature(req, out); err != nil {
			return nil, err
		}
	}
	if req.DeclaredNonce != nil && req.DeclaredNonce.Sign() < 0 {
		return nil, invalid(CodeInvalidPayload, "declaredNonce", "must not be negative")
	}

	if kind == KindNativeTransfer {
		amount, ok := new(big.Int).SetString(req.Amount, 10)
		if !ok || amount.Sign() <= 0 {
			return nil, invalid(CodeInvalidAmount, "amount", "must be a positive integer in wei")
		}
		out.Amount = amount

		out.Deadline = time.Unix(*req.Deadline, 0)
		if !out.Deadline.After(v.now()) {
			return nil, invalid(CodeExpiredDeadline, "deadline", "deadline %d is not in the future", *req.Deadline)
		}
	}

	return out, nil
}

func requireFields(req Request, kind Kind, signed bool) *ValidationError {
	missing := func(field string) *ValidationError {
		return invalid(CodeMissingField, field, "%s is required", field)
	}
	if req.UserAddress == "" {
		return missing("userAddress")
	}
	if kind == KindMeta && req.Payload == "" {
		return missing("payload")
	}
	if signed {
		if req.R == "" {
			return missing("r")
		}
		if req.S == "" {
			return missing("s")
		}
		if req.V == nil {
			return missing("v")
		}
	}
	if kind == KindNativeTransfer {
		if req.To == "" {
			return missing("to")
		}
		if req.Amount == "" {
			return missing("amount")
		}
		if req.Deadline == nil {
			return missing("deadline")
		}
	}
	return nil
}

func decodePayload(raw string) ([]byte, error) {
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		return nil, invalid(CodeInvalidPayload, "payload", "must be 0x-prefixed hex")
	}
	if len(raw)%2 != 0 {
		return nil, invalid(CodeInvalidPayload, "payload", "hex must have an even number of digits")
	}
	b, err := hexutil.Decode(raw)
	if err != nil {
		return nil, invalid(CodeInvalidPayload, "payload", "malformed hex: %v", err)
	}
	return b, nil
}

func decodeSignature(req Request, out *SignedIntent) *ValidationError {
	r, err := hexutil.Decode(req.R)
	if err != nil || len(r) != 32 {
		return invalid(CodeInvalidSignature, "r", "must be 32 bytes of 0x-prefixed hex")
	}
	s, err := hexutil.Decode(req.S)
	if err != nil || len(s) != 32 {
		return invalid(CodeInvalidSignature, "s", "must be 32 bytes of 0x-prefixed hex")
	}
	if *req.V != 27 && *req.V != 28 {
		return invalid(CodeInvalidSignature, "v", "must be 27 or 28, got %d", *req.V)
	}
	copy(out.R[:], r)
	copy(out.S[:], s)
	out.V = uint8(*req.V)
	return nil
}
