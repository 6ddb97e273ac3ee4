package intent

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testNow      = time.Unix(1_700_000_000, 0)
	sig32        = "0x" + "11111111111111111111111111111111" + "11111111111111111111111111111111"
)

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func newValidator() *Validator {
	return &Validator{
		Contract: testContract,
		Network:  "amoy",
		Now:      func() time.Time { return testNow },
	}
}

func validMeta() Request {
	return Request{
		SubmitterContractAddress: testContract.Hex(),
		UserAddress:              "0x00000000000000000000000000000000000000aa",
		Payload:                  "0xa9059cbb",
		R:                        sig32,
		S:                        sig32,
		V:                        intPtr(27),
		DeclaredNonce:            big.NewInt(4),
		Network:                  "amoy",
	}
}

func validTransfer() Request {
	return Request{
		Kind:        KindNativeTransfer,
		UserAddress: "0x00000000000000000000000000000000000000aa",
		To:          "0x00000000000000000000000000000000000000bb",
		Amount:      "1000",
		Deadline:    int64Ptr(testNow.Add(time.Hour).Unix()),
		R:           sig32,
		S:           sig32,
		V:           intPtr(28),
	}
}

func codeOf(t *testing.T, err error) string {
	t.Helper()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr.Code
}

func TestValidateAcceptsMetaIntent(t *testing.T) {
	got, err := newValidator().Validate(validMeta())
	require.NoError(t, err)

	assert.Equal(t, KindMeta, got.Kind)
	assert.Equal(t, testContract, got.Contract)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, got.Payload)
	assert.Equal(t, uint8(27), got.V)
	assert.Equal(t, byte(0x11), got.R[31])
	assert.Equal(t, "4", got.DeclaredNonce.String())
	assert.False(t, got.HasDeadline())
}

func TestValidateAcceptsNativeTransfer(t *testing.T) {
	got, err := newValidator().Validate(validTransfer())
	require.NoError(t, err)

	assert.True(t, got.HasDeadline())
	assert.Equal(t, testContract, got.Contract, "missing contract falls back to the configured one")
	assert.Equal(t, "1000", got.Amount.String())
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000bb"), got.To)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
		field  string
	}{
		{"missing user", func(r *Request) { r.UserAddress = "" }, CodeMissingField, "userAddress"},
		{"missing payload", func(r *Request) { r.Payload = "" }, CodeMissingField, "payload"},
		{"missing r", func(r *Request) { r.R = "" }, CodeMissingField, "r"},
		{"missing v", func(r *Request) { r.V = nil }, CodeMissingField, "v"},
		{"bad user address", func(r *Request) { r.UserAddress = "0x1234" }, CodeInvalidAddress, "userAddress"},
		{"bad contract address", func(r *Request) { r.SubmitterContractAddress = "contract" }, CodeInvalidAddress, "submitterContractAddress"},
		{"other contract", func(r *Request) {
			r.SubmitterContractAddress = "0x00000000000000000000000000000000000000c1"
		}, CodeContractMismatch, "submitterContractAddress"},
		{"other network", func(r *Request) { r.Network = "mainnet" }, CodeUnsupportedNetwork, "network"},
		{"payload without prefix", func(r *Request) { r.Payload = "a9059cbb" }, CodeInvalidPayload, "payload"},
		{"payload odd length", func(r *Request) { r.Payload = "0xa9059cb" }, CodeInvalidPayload, "payload"},
		{"payload not hex", func(r *Request) { r.Payload = "0xzz" }, CodeInvalidPayload, "payload"},
		{"short r", func(r *Request) { r.R = "0x1111" }, CodeInvalidSignature, "r"},
		{"long s", func(r *Request) { r.S = sig32 + "11" }, CodeInvalidSignature, "s"},
		{"v out of range", func(r *Request) { r.V = intPtr(1) }, CodeInvalidSignature, "v"},
		{"unknown kind", func(r *Request) { r.Kind = "swap" }, CodeInvalidKind, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validMeta()
			tt.mutate(&req)
			_, err := newValidator().Validate(req)
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.code, verr.Code)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateNativeTransferRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		code   string
	}{
		{"missing to", func(r *Request) { r.To = "" }, CodeMissingField},
		{"missing amount", func(r *Request) { r.Amount = "" }, CodeMissingField},
		{"missing deadline", func(r *Request) { r.Deadline = nil }, CodeMissingField},
		{"bad to", func(r *Request) { r.To = "0xnope" }, CodeInvalidAddress},
		{"zero amount", func(r *Request) { r.Amount = "0" }, CodeInvalidAmount},
		{"decimal amount", func(r *Request) { r.Amount = "1.5" }, CodeInvalidAmount},
		{"deadline now", func(r *Request) { r.Deadline = int64Ptr(testNow.Unix()) }, CodeExpiredDeadline},
		{"deadline past", func(r *Request) { r.Deadline = int64Ptr(testNow.Add(-time.Minute).Unix()) }, CodeExpiredDeadline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validTransfer()
			tt.mutate(&req)
			_, err := newValidator().Validate(req)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}
}

func TestValidateShortCircuitsInOrder(t *testing.T) {
	req := validMeta()
	req.UserAddress = "bad"
	req.V = intPtr(99)

	_, err := newValidator().Validate(req)
	assert.Equal(t, CodeInvalidAddress, codeOf(t, err))
}

func TestValidateForEstimateSkipsSignature(t *testing.T) {
	req := validMeta()
	req.R, req.S, req.V = "", "", nil

	_, err := newValidator().Validate(req)
	assert.Equal(t, CodeMissingField, codeOf(t, err))

	got, err := newValidator().ValidateForEstimate(req)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), got.V)
}

func TestValidateWithoutConfiguredContract(t *testing.T) {
	v := &Validator{Now: func() time.Time { return testNow }}
	req := validMeta()
	req.SubmitterContractAddress = "0x00000000000000000000000000000000000000c1"
	req.Network = "anything"

	got, err := v.Validate(req)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000c1"), got.Contract)
}

func TestValidateRejectsEveryOutOfRangeV(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("v outside {27,28} is an InvalidSignature", prop.ForAll(
		func(v int) bool {
			req := validMeta()
			req.V = intPtr(v)
			_, err := newValidator().Validate(req)
			var verr *ValidationError
			return errors.As(err, &verr) && verr.Code == CodeInvalidSignature && verr.Field == "v"
		},
		gen.IntRange(-1000, 1000).SuchThat(func(v int) bool { return v != 27 && v != 28 }),
	))

	properties.TestingRun(t)
}
