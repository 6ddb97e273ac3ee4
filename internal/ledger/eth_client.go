package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"gaslessrelay/internal/fees"
	"gaslessrelay/internal/intent"
)

// verifierABI covers the entry points and views the relay uses.
const verifierABI = `[
  {"type":"function","name":"executeMetaTransaction","stateMutability":"payable",
   "inputs":[{"name":"userAddress","type":"address"},{"name":"functionSignature","type":"bytes"},
             {"name":"sigR","type":"bytes32"},{"name":"sigS","type":"bytes32"},{"name":"sigV","type":"uint8"}],
   "outputs":[{"name":"","type":"bytes"}]},
  {"type":"function","name":"executeGaslessPOLTransfer","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"},
             {"name":"deadline","type":"uint256"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"},
             {"name":"v","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"nonces","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"authorizedRelayers","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]}
]`

const receiptPollInterval = 2 * time.Second

// EthClient talks to the verifier contract over JSON-RPC.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	relay     common.Address
	transacts *bind.TransactOpts

	pollInterval time.Duration

	// sent remembers the call behind each handle so a revert can be replayed
	// for its reason.
	mu   sync.Mutex
	sent map[Handle]sentCall
}

var _ Client = (*EthClient)(nil)

type sentCall struct {
	msg   ethereum.CallMsg
	nonce uint64
}

type EthClientConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
}

// NewEthClient dials the RPC endpoint. Without a private key the client is
// read-only and Submit returns ErrReadOnly.
func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("contract address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(verifierABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	c := &EthClient{
		client:       cli,
		contract:     bind.NewBoundContract(address, parsedABI, cli, cli, cli),
		abi:          parsedABI,
		address:      address,
		chainID:      chainID,
		pollInterval: receiptPollInterval,
		sent:         make(map[Handle]sentCall),
	}

	if cfg.PrivateKeyHex != "" {
		pk, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		c.transacts = txOpts
		c.relay = crypto.PubkeyToAddress(pk.PublicKey)
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) RelayAddress() common.Address {
	return c.relay
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) CheckAuthorization(ctx context.Context, relay common.Address) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "authorizedRelayers", relay); err != nil {
		return false, fmt.Errorf("authorizedRelayers: %w", err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("authorizedRelayers: unexpected result %v", out)
	}
	ok, isBool := out[0].(bool)
	if !isBool {
		return false, fmt.Errorf("authorizedRelayers: unexpected result type %T", out[0])
	}
	return ok, nil
}

func (c *EthClient) CurrentNonce(ctx context.Context, user common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "nonces", user); err != nil {
		return nil, fmt.Errorf("nonces: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("nonces: unexpected result %v", out)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("nonces: unexpected result type %T", out[0])
	}
	return n, nil
}

func (c *EthClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, account, nil)
}

func (c *EthClient) calldata(in *intent.SignedIntent) ([]byte, error) {
	switch in.Kind {
	case intent.KindNativeTransfer:
		return c.abi.Pack("executeGaslessPOLTransfer",
			in.User, in.To, in.Amount, big.NewInt(in.Deadline.Unix()), in.R, in.S, in.V)
	default:
		return c.abi.Pack("executeMetaTransaction", in.User, in.Payload, in.R, in.S, in.V)
	}
}

func (c *EthClient) callMsg(in *intent.SignedIntent) (ethereum.CallMsg, error) {
	data, err := c.calldata(in)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("pack call: %w", err)
	}
	to := c.address
	return ethereum.CallMsg{From: c.relay, To: &to, Data: data}, nil
}

func (c *EthClient) EstimateExecutionCost(ctx context.Context, in *intent.SignedIntent) (uint64, error) {
	msg, err := c.callMsg(in)
	if err != nil {
		return 0, err
	}
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		if revert, ok := revertFromError(err); ok {
			return 0, revert
		}
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

func (c *EthClient) FeeConditions(ctx context.Context) (*fees.Snapshot, error) {
	price, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	snap := &fees.Snapshot{GasPrice: price}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	if head.BaseFee != nil {
		snap.BaseFee = head.BaseFee
		// a missing tip suggestion is covered by the priority floor
		if tip, err := c.client.SuggestGasTipCap(ctx); err == nil {
			snap.PriorityFee = tip
		}
	}
	return snap, nil
}

func (c *EthClient) Submit(ctx context.Context, in *intent.SignedIntent, settings fees.Settings, nonce *uint64) (Broadcast, error) {
	if c.transacts == nil {
		return Broadcast{}, ErrReadOnly
	}
	msg, err := c.callMsg(in)
	if err != nil {
		return Broadcast{}, err
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.GasLimit = settings.GasLimit
	if nonce != nil {
		opts.Nonce = new(big.Int).SetUint64(*nonce)
	}
	if settings.IsDynamic() {
		opts.GasFeeCap = settings.MaxFee
		opts.GasTipCap = settings.MaxPriorityFee
	} else {
		opts.GasPrice = settings.GasPrice
	}

	tx, err := c.contract.RawTransact(&opts, msg.Data)
	if err != nil {
		return Broadcast{}, fmt.Errorf("send transaction: %w", err)
	}

	handle := Handle(tx.Hash().Hex())
	c.mu.Lock()
	c.sent[handle] = sentCall{msg: msg, nonce: tx.Nonce()}
	c.mu.Unlock()
	return Broadcast{Handle: handle, Nonce: tx.Nonce()}, nil
}

func (c *EthClient) AwaitOutcome(ctx context.Context, handle Handle, timeout time.Duration) (*Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := waitForReceipt(waitCtx, c.client, common.HexToHash(string(handle)), c.pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrConfirmationTimeout
		}
		return nil, err
	}
	return c.outcome(ctx, handle, receipt), nil
}

func (c *EthClient) Outcome(ctx context.Context, handle Handle) (*Outcome, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(string(handle)))
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrNotIncluded
	}
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", handle, err)
	}
	return c.outcome(ctx, handle, receipt), nil
}

func (c *EthClient) outcome(ctx context.Context, handle Handle, receipt *types.Receipt) *Outcome {
	out := &Outcome{
		Handle:            handle,
		Success:           receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		CostPaid:          new(big.Int),
	}
	if receipt.BlockNumber != nil {
		out.BlockHeight = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		out.CostPaid.Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
	}

	// once one submission at a nonce is mined its replacements never will be
	c.mu.Lock()
	call, known := c.sent[handle]
	if known {
		for h, other := range c.sent {
			if other.nonce == call.nonce {
				delete(c.sent, h)
			}
		}
	}
	c.mu.Unlock()

	if !out.Success {
		out.Revert = &ExecutionError{Reason: ReasonExecutionReverted}
		if known {
			out.Revert = c.replayRevert(ctx, call.msg, receipt.BlockNumber)
		}
	}
	return out
}

// replayRevert re-executes a reverted call against the state before its block
// to recover the reason. Best effort: other transactions in the same block are
// not replayed.
func (c *EthClient) replayRevert(ctx context.Context, msg ethereum.CallMsg, block *big.Int) *ExecutionError {
	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}
	_, err := c.client.CallContract(ctx, msg, at)
	if revert, ok := revertFromError(err); ok {
		return revert
	}
	return &ExecutionError{Reason: ReasonExecutionReverted}
}

// waitForReceipt polls until the transaction is mined or ctx is done.
func waitForReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
