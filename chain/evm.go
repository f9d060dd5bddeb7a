package chain

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
	"github.com/valuebridge/bridge-node/log"
	bridgetypes "github.com/valuebridge/bridge-node/types"
)

const (
	defaultPollPeriod = 2 * time.Second
	baseFeeMultiplier = 2
)

// ErrNoSigner is returned by Submit on clients built without a key
var ErrNoSigner = errors.New("no signer configured")

type EthClienter interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
	ethereum.TransactionReader
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMConfig describes one EVM network as seen by the client
type EVMConfig struct {
	Network string
	ChainID uint64
	// Bridges maps a token symbol to the bridge contract of that token
	Bridges    map[string]common.Address
	GasOffset  uint64
	PollPeriod time.Duration
	DryRun     bool
}

var _ Client = (*EVMClient)(nil)

// EVMClient implements Client against an EVM JSON-RPC endpoint
type EVMClient struct {
	logger    *log.Logger
	cfg       EVMConfig
	client    EthClienter
	key       *ecdsa.PrivateKey
	from      common.Address
	bridgeABI abi.ABI
	erc20ABI  abi.ABI
	sequencer *Sequencer

	tokenAddrsMu sync.Mutex
	tokenAddrs   map[string]common.Address
}

// NewEVMClient builds a client. key may be nil for a read only client
func NewEVMClient(logger *log.Logger, cfg EVMConfig, client EthClienter, key *ecdsa.PrivateKey) (*EVMClient, error) {
	bridgeABI, err := parseABI(BridgeABI)
	if err != nil {
		return nil, fmt.Errorf("error parsing bridge abi: %w", err)
	}
	erc20ABI, err := parseABI(ERC20ABI)
	if err != nil {
		return nil, fmt.Errorf("error parsing erc20 abi: %w", err)
	}
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = defaultPollPeriod
	}
	var from common.Address
	if key != nil {
		from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return &EVMClient{
		logger:     logger,
		cfg:        cfg,
		client:     client,
		key:        key,
		from:       from,
		bridgeABI:  bridgeABI,
		erc20ABI:   erc20ABI,
		sequencer:  SequencerFor(from, cfg.ChainID),
		tokenAddrs: map[string]common.Address{},
	}, nil
}

func (c *EVMClient) Network() string        { return c.cfg.Network }
func (c *EVMClient) ChainID() uint64        { return c.cfg.ChainID }
func (c *EVMClient) Bonder() common.Address { return c.from }
func (c *EVMClient) DryRun() bool           { return c.cfg.DryRun }

func (c *EVMClient) bridge(token string) (common.Address, error) {
	addr, ok := c.cfg.Bridges[token]
	if !ok {
		return common.Address{}, fmt.Errorf("%w %s on %s", ErrUnknownToken, token, c.cfg.Network)
	}
	return addr, nil
}

func (c *EVMClient) LatestBlock(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func chainIDTopic(chainID uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(chainID))
}

func (c *EVMClient) filter(
	ctx context.Context, token, event string, topics [][]common.Hash, fromBlock, toBlock uint64,
) ([]types.Log, error) {
	bridge, err := c.bridge(token)
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{bridge},
		Topics:    append([][]common.Hash{{c.bridgeABI.Events[event].ID}}, topics...),
	}
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error filtering %s logs on %s: %w", event, c.cfg.Network, err)
	}
	return logs, nil
}

func (c *EVMClient) TransferSentEvents(
	ctx context.Context, token string, destChainID uint64, fromBlock, toBlock uint64,
) ([]TransferSentEvent, error) {
	logs, err := c.filter(ctx, token, "TransferSent",
		[][]common.Hash{nil, {chainIDTopic(destChainID)}}, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]TransferSentEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.decodeTransferSent(l)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *EVMClient) decodeTransferSent(l types.Log) (TransferSentEvent, error) {
	if len(l.Topics) != 4 { //nolint:mnd
		return TransferSentEvent{}, fmt.Errorf("TransferSent log %s/%d has %d topics", l.TxHash, l.Index, len(l.Topics))
	}
	values, err := c.bridgeABI.Unpack("TransferSent", l.Data)
	if err != nil {
		return TransferSentEvent{}, fmt.Errorf("error decoding TransferSent log %s/%d: %w", l.TxHash, l.Index, err)
	}
	nums, err := asBigInts(values, 4) //nolint:mnd
	if err != nil {
		return TransferSentEvent{}, fmt.Errorf("error decoding TransferSent log %s/%d: %w", l.TxHash, l.Index, err)
	}
	return TransferSentEvent{
		TransferID:  l.Topics[1],
		DestChainID: new(big.Int).SetBytes(l.Topics[2].Bytes()).Uint64(),
		Recipient:   common.BytesToAddress(l.Topics[3].Bytes()),
		Amount:      nums[0],
		BonderFee:   nums[1],
		Index:       nums[2].Uint64(),
		Deadline:    nums[3].Uint64(),
		BlockNumber: l.BlockNumber,
		LogIndex:    uint64(l.Index),
		TxHash:      l.TxHash,
	}, nil
}

func (c *EVMClient) TransfersCommittedEvents(
	ctx context.Context, token string, destChainID uint64, fromBlock, toBlock uint64,
) ([]TransfersCommittedEvent, error) {
	logs, err := c.filter(ctx, token, "TransfersCommitted",
		[][]common.Hash{{chainIDTopic(destChainID)}}, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]TransfersCommittedEvent, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := c.decodeTransfersCommitted(l)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (c *EVMClient) decodeTransfersCommitted(l types.Log) (TransfersCommittedEvent, error) {
	if len(l.Topics) != 3 { //nolint:mnd
		return TransfersCommittedEvent{}, fmt.Errorf("TransfersCommitted log %s/%d has %d topics",
			l.TxHash, l.Index, len(l.Topics))
	}
	values, err := c.bridgeABI.Unpack("TransfersCommitted", l.Data)
	if err != nil {
		return TransfersCommittedEvent{}, fmt.Errorf("error decoding TransfersCommitted log %s/%d: %w",
			l.TxHash, l.Index, err)
	}
	if len(values) != 3 { //nolint:mnd
		return TransfersCommittedEvent{}, fmt.Errorf("TransfersCommitted log %s/%d has %d values",
			l.TxHash, l.Index, len(values))
	}
	nums, err := asBigInts(values[:2], 2) //nolint:mnd
	if err != nil {
		return TransfersCommittedEvent{}, err
	}
	raw, ok := values[2].([][32]byte)
	if !ok {
		return TransfersCommittedEvent{}, fmt.Errorf("unexpected transferIds type %T", values[2])
	}
	ids := make([]common.Hash, len(raw))
	for i, id := range raw {
		ids[i] = id
	}
	return TransfersCommittedEvent{
		RootHash:    l.Topics[2],
		DestChainID: new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(),
		TotalAmount: nums[0],
		CommittedAt: nums[1].Uint64(),
		TransferIDs: ids,
		BlockNumber: l.BlockNumber,
		LogIndex:    uint64(l.Index),
		TxHash:      l.TxHash,
	}, nil
}

func asBigInts(values []interface{}, n int) ([]*big.Int, error) {
	if len(values) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(values))
	}
	res := make([]*big.Int, n)
	for i, v := range values {
		b, ok := v.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("value %d: unexpected type %T", i, v)
		}
		res[i] = b
	}
	return res, nil
}

func (c *EVMClient) callView(
	ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{},
) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("error packing %s: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("error calling %s on %s: %w", method, c.cfg.Network, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s result: %w", method, err)
	}
	return values, nil
}

func (c *EVMClient) bigView(
	ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{},
) (*big.Int, error) {
	values, err := c.callView(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	nums, err := asBigInts(values, 1)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return nums[0], nil
}

func (c *EVMClient) Credit(ctx context.Context, token string, bonder common.Address) (*big.Int, error) {
	bridge, err := c.bridge(token)
	if err != nil {
		return nil, err
	}
	return c.bigView(ctx, bridge, c.bridgeABI, "getCredit", bonder)
}

// tokenAddress returns the token contract behind a bridge. The zero address means the
// native currency of the network
func (c *EVMClient) tokenAddress(ctx context.Context, token string) (common.Address, error) {
	c.tokenAddrsMu.Lock()
	addr, ok := c.tokenAddrs[token]
	c.tokenAddrsMu.Unlock()
	if ok {
		return addr, nil
	}
	bridge, err := c.bridge(token)
	if err != nil {
		return common.Address{}, err
	}
	values, err := c.callView(ctx, bridge, c.bridgeABI, "token")
	if err != nil {
		return common.Address{}, err
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("token: expected 1 value, got %d", len(values))
	}
	addr, ok = values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("token: unexpected type %T", values[0])
	}
	c.tokenAddrsMu.Lock()
	c.tokenAddrs[token] = addr
	c.tokenAddrsMu.Unlock()
	return addr, nil
}

// IsNative reports whether token is the native currency of the network
func (c *EVMClient) IsNative(ctx context.Context, token string) (bool, error) {
	addr, err := c.tokenAddress(ctx, token)
	if err != nil {
		return false, err
	}
	return addr == (common.Address{}), nil
}

func (c *EVMClient) TokenBalance(ctx context.Context, token string, owner common.Address) (*big.Int, error) {
	addr, err := c.tokenAddress(ctx, token)
	if err != nil {
		return nil, err
	}
	if addr == (common.Address{}) {
		return c.client.BalanceAt(ctx, owner, nil)
	}
	return c.bigView(ctx, addr, c.erc20ABI, "balanceOf", owner)
}

func (c *EVMClient) BondedWithdrawal(
	ctx context.Context, token string, bonder common.Address, transferID common.Hash,
) (bool, error) {
	bridge, err := c.bridge(token)
	if err != nil {
		return false, err
	}
	amount, err := c.bigView(ctx, bridge, c.bridgeABI, "getBondedWithdrawalAmount", bonder, [32]byte(transferID))
	if err != nil {
		return false, err
	}
	return amount.Sign() > 0, nil
}

func (c *EVMClient) TransferRoot(
	ctx context.Context, token string, rootHash common.Hash, total *big.Int,
) (RootInfo, error) {
	bridge, err := c.bridge(token)
	if err != nil {
		return RootInfo{}, err
	}
	values, err := c.callView(ctx, bridge, c.bridgeABI, "getTransferRoot", [32]byte(rootHash), total)
	if err != nil {
		return RootInfo{}, err
	}
	nums, err := asBigInts(values, 4) //nolint:mnd
	if err != nil {
		return RootInfo{}, fmt.Errorf("getTransferRoot: %w", err)
	}
	return RootInfo{
		Total:           nums[0],
		AmountWithdrawn: nums[1],
		CreatedAt:       nums[2].Uint64(),
		BlockNumber:     nums[3].Uint64(),
	}, nil
}

// challengeStatusFromCode maps the contract enum
func challengeStatusFromCode(code uint8) (bridgetypes.ChallengeStatus, error) {
	switch code {
	case 0:
		return bridgetypes.ChallengeNone, nil
	case 1:
		return bridgetypes.ChallengePending, nil
	case 2: //nolint:mnd
		return bridgetypes.ChallengeUpheld, nil
	case 3: //nolint:mnd
		return bridgetypes.ChallengeRejected, nil
	default:
		return "", fmt.Errorf("unknown challenge status %d", code)
	}
}

func (c *EVMClient) ChallengeStatus(
	ctx context.Context, token string, rootHash common.Hash,
) (bridgetypes.ChallengeStatus, error) {
	bridge, err := c.bridge(token)
	if err != nil {
		return "", err
	}
	values, err := c.callView(ctx, bridge, c.bridgeABI, "getChallengeStatus", [32]byte(rootHash))
	if err != nil {
		return "", err
	}
	if len(values) != 1 {
		return "", fmt.Errorf("getChallengeStatus: expected 1 value, got %d", len(values))
	}
	code, ok := values[0].(uint8)
	if !ok {
		return "", fmt.Errorf("getChallengeStatus: unexpected type %T", values[0])
	}
	return challengeStatusFromCode(code)
}

func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func (c *EVMClient) Submit(ctx context.Context, token string, call Call, hooks Hooks) (common.Hash, error) {
	if c.cfg.DryRun {
		return common.Hash{}, ErrDryRun
	}
	if c.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	bridge, err := c.bridge(token)
	if err != nil {
		return common.Hash{}, err
	}
	data, err := c.bridgeABI.Pack(call.Method(), call.Args()...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("error packing %s: %w", call.Method(), err)
	}

	var txHash common.Hash
	err = c.sequencer.Run(ctx, func(ctx context.Context) error {
		if hooks.Guard != nil {
			if err := hooks.Guard(ctx); err != nil {
				return err
			}
		}
		signed, err := c.buildTx(ctx, bridge, data, call.Value())
		if err != nil {
			c.sequencer.Invalidate()
			return err
		}
		if err := c.client.SendTransaction(ctx, signed); err != nil {
			c.sequencer.Invalidate()
			if isRevert(err) {
				return fmt.Errorf("%w: %s: %w", ErrReverted, call.Method(), err)
			}
			return fmt.Errorf("error sending %s: %w", call.Method(), err)
		}
		c.sequencer.Consume()
		txHash = signed.Hash()
		c.logger.Infof("%s sent on %s: tx %s, nonce %d", call.Method(), c.cfg.Network, txHash.Hex(), signed.Nonce())

		if hooks.Record != nil {
			if err := hooks.Record(ctx, txHash); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrNotRecorded, txHash.Hex(), err)
			}
		}
		return nil
	})
	return txHash, err
}

func (c *EVMClient) buildTx(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	nonce, err := c.sequencer.Nonce(ctx, func(ctx context.Context) (uint64, error) {
		return c.client.PendingNonceAt(ctx, c.from)
	})
	if err != nil {
		return nil, fmt.Errorf("error getting nonce: %w", err)
	}
	if value == nil {
		value = big.NewInt(0)
	}
	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, Value: value})
	if err != nil {
		if isRevert(err) {
			return nil, fmt.Errorf("%w: %w", ErrReverted, err)
		}
		return nil, fmt.Errorf("error estimating gas: %w", err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting gas tip: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(baseFeeMultiplier)))
	}

	chainID := new(big.Int).SetUint64(c.cfg.ChainID)
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + c.cfg.GasOffset,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("error signing tx: %w", err)
	}
	return signed, nil
}

func (c *EVMClient) WaitForConfirmations(ctx context.Context, txHash common.Hash, confirmations uint64) (uint64, error) {
	ticker := time.NewTicker(c.cfg.PollPeriod)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			c.logger.Debugf("tx %s not mined yet on %s", txHash.Hex(), c.cfg.Network)
		case err != nil:
			c.logger.Warnf("error getting receipt of tx %s on %s: %v", txHash.Hex(), c.cfg.Network, err)
		case receipt.Status != types.ReceiptStatusSuccessful:
			return receipt.BlockNumber.Uint64(), fmt.Errorf("%w: tx %s on %s", ErrReverted, txHash.Hex(), c.cfg.Network)
		default:
			block := receipt.BlockNumber.Uint64()
			head, err := c.client.BlockNumber(ctx)
			if err != nil {
				c.logger.Warnf("error getting latest block of %s: %v", c.cfg.Network, err)
			} else if head+1 >= block+confirmations {
				return block, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
