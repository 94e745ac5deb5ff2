package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/adamzr2000/blockchain-mec-federation-sub000/internal/config"
)

var (
	txSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_ledger_tx_submitted_total",
		Help: "Total transactions submitted to the ledger",
	})
	txRevertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_ledger_tx_reverted_total",
		Help: "Total transactions rejected by the contract",
	})
	transientRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "federation_ledger_transient_retries_total",
		Help: "Total transient node errors that triggered a retry",
	})
)

// receiptPollInterval is how often the adapter polls for a mined receipt.
const receiptPollInterval = 500 * time.Millisecond

// Adapter is the only surface through which the FM touches the ledger.
// All writes are signed locally; the node is never trusted with keys.
type Adapter struct {
	client   *ethclient.Client
	abi      abiHolder
	contract common.Address
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int

	gasLimit       uint64
	receiptTimeout time.Duration
	lookback       uint64

	logger *slog.Logger

	// nonceMu serializes sign -> submit so that submitted transactions
	// carry strictly increasing nonces.
	nonceMu sync.Mutex
	nonce   uint64
}

// abiHolder avoids repeated sync.Once lookups on the hot path.
type abiHolder struct{}

func (abiHolder) pack(method string, args ...interface{}) ([]byte, error) {
	return contractABI().Pack(method, args...)
}

func (abiHolder) unpack(method string, data []byte) ([]interface{}, error) {
	return contractABI().Unpack(method, data)
}

// New dials the node, loads the signing key and initializes the nonce
// counter from the node's transaction count.
func New(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := ethclient.DialContext(ctx, cfg.NodeURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}

	nonce, err := client.PendingNonceAt(ctx, address)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query transaction count: %w", err)
	}

	logger.Info("ledger adapter ready",
		slog.String("address", address.Hex()),
		slog.String("contract", cfg.ContractAddress),
		slog.Uint64("nonce", nonce),
		slog.String("chain_id", chainID.String()),
	)

	return &Adapter{
		client:         client,
		contract:       common.HexToAddress(cfg.ContractAddress),
		key:            key,
		address:        address,
		chainID:        chainID,
		gasLimit:       cfg.GasLimit,
		receiptTimeout: cfg.ReceiptTimeout,
		lookback:       cfg.EventLookback,
		logger:         logger,
		nonce:          nonce,
	}, nil
}

// Close releases the node connection.
func (a *Adapter) Close() {
	a.client.Close()
}

// Address returns the domain's ledger address.
func (a *Adapter) Address() common.Address {
	return a.address
}

// Nonce returns the adapter's in-process nonce counter.
func (a *Adapter) Nonce() uint64 {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	return a.nonce
}

// BlockNumber returns the current head block.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := withRetry(ctx, func() error {
		var err error
		n, err = a.client.BlockNumber(ctx)
		if err != nil && isTransient(err) {
			transientRetriesTotal.Inc()
		}
		return err
	})
	return n, err
}

// submit packs, signs and submits a contract write, then waits for its
// receipt. The nonce advances only on a successful submission; a failed
// submit leaves it untouched so the next attempt reuses it.
func (a *Adapter) submit(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	data, err := a.abi.pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	a.nonceMu.Lock()
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		a.nonceMu.Unlock()
		if isTransient(err) {
			return common.Hash{}, &TransientError{Err: err}
		}
		return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    a.nonce,
		To:       &a.contract,
		Value:    big.NewInt(0),
		Gas:      a.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		a.nonceMu.Unlock()
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		a.nonceMu.Unlock()
		if reason, ok := revertReason(err); ok {
			txRevertedTotal.Inc()
			return common.Hash{}, &RevertError{Reason: reason}
		}
		if isTransient(err) {
			return common.Hash{}, &TransientError{Err: err}
		}
		return common.Hash{}, fmt.Errorf("send %s: %w", method, err)
	}
	a.nonce++
	txSubmittedTotal.Inc()
	a.nonceMu.Unlock()

	hash := signed.Hash()
	if err := a.waitMined(ctx, hash, data); err != nil {
		return hash, err
	}
	return hash, nil
}

// waitMined polls for the transaction receipt. A failure status triggers a
// call replay at the receipt block to recover the revert reason.
func (a *Adapter) waitMined(ctx context.Context, hash common.Hash, callData []byte) error {
	deadline := time.Now().Add(a.receiptTimeout)
	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			txRevertedTotal.Inc()
			if reason, ok := a.replayForRevert(ctx, callData, receipt.BlockNumber); ok {
				return &RevertError{Reason: reason}
			}
			return fmt.Errorf("%w: tx %s", ErrTransactionFailed, hash.Hex())
		}
		if !errors.Is(err, ethereum.NotFound) && !isTransient(err) {
			return fmt.Errorf("receipt for %s: %w", hash.Hex(), err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: receipt for %s", ErrEventTimeout, hash.Hex())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// replayForRevert re-executes a failed transaction's calldata as a read at
// the block it was mined in, which makes the node return the revert string.
func (a *Adapter) replayForRevert(ctx context.Context, data []byte, block *big.Int) (string, bool) {
	_, err := a.client.CallContract(ctx, ethereum.CallMsg{
		From: a.address,
		To:   &a.contract,
		Data: data,
	}, block)
	if err == nil {
		return "", false
	}
	return revertReason(err)
}

// call executes a read-only contract method with transient retry.
func (a *Adapter) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := a.abi.pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	var raw []byte
	err = withRetry(ctx, func() error {
		var callErr error
		raw, callErr = a.client.CallContract(ctx, ethereum.CallMsg{
			From: a.address,
			To:   &a.contract,
			Data: data,
		}, nil)
		if callErr != nil && isTransient(callErr) {
			transientRetriesTotal.Inc()
		}
		return callErr
	})
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, &RevertError{Reason: reason}
		}
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	out, err := a.abi.unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// RegisterDomain binds this address to a display name. It waits for the
// OperatorRegistered event with the matching name before returning.
func (a *Adapter) RegisterDomain(ctx context.Context, name string) (common.Hash, error) {
	nameBytes, err := toBytes32(name)
	if err != nil {
		return common.Hash{}, err
	}

	sub, err := a.Subscribe(ctx, EventOperatorRegistered)
	if err != nil {
		return common.Hash{}, err
	}

	hash, err := a.submit(ctx, "addOperator", nameBytes)
	if err != nil {
		return common.Hash{}, err
	}

	deadline := time.Now().Add(a.receiptTimeout)
	for time.Now().Before(deadline) {
		events, err := sub.GetNewEntries(ctx)
		if err != nil {
			return hash, err
		}
		for _, ev := range events {
			if ev.OperatorName == name && ev.Operator == a.address {
				return hash, nil
			}
		}
		select {
		case <-ctx.Done():
			return hash, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return hash, fmt.Errorf("%w: OperatorRegistered for %q", ErrEventTimeout, name)
}

// UnregisterDomain removes this address's name binding.
func (a *Adapter) UnregisterDomain(ctx context.Context) (common.Hash, error) {
	return a.submit(ctx, "removeOperator")
}

// AnnounceService opens a new service request on the ledger. The service id
// is generated here and returned synchronously, together with a NewBid
// subscription seeded at the block height preceding the announcement so no
// early bid can be missed.
func (a *Adapter) AnnounceService(ctx context.Context, domain, requirements, consumerEndpoint string) (common.Hash, ServiceID, *Subscription, error) {
	id := NewServiceID(domain)
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return common.Hash{}, "", nil, err
	}

	sub, err := a.Subscribe(ctx, EventNewBid)
	if err != nil {
		return common.Hash{}, "", nil, err
	}

	hash, err := a.submit(ctx, "announceService", idBytes, requirements, consumerEndpoint)
	if err != nil {
		return common.Hash{}, "", nil, err
	}
	return hash, id, sub, nil
}

// GetServiceState reads the current lifecycle state of a request.
func (a *Adapter) GetServiceState(ctx context.Context, id ServiceID) (ServiceState, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return 0, err
	}
	out, err := a.call(ctx, "getServiceState", idBytes)
	if err != nil {
		return 0, err
	}
	state, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("getServiceState: unexpected result type %T", out[0])
	}
	return ServiceState(state), nil
}

// GetBidCount returns the number of bids placed for a request.
func (a *Adapter) GetBidCount(ctx context.Context, id ServiceID) (uint64, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return 0, err
	}
	out, err := a.call(ctx, "getBidCount", idBytes)
	if err != nil {
		return 0, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getBidCount: unexpected result type %T", out[0])
	}
	return count.Uint64(), nil
}

// GetBid returns one bid by its index.
func (a *Adapter) GetBid(ctx context.Context, id ServiceID, index uint64) (Bid, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return Bid{}, err
	}
	out, err := a.call(ctx, "getBid", idBytes, new(big.Int).SetUint64(index))
	if err != nil {
		return Bid{}, err
	}
	provider, ok := out[0].(common.Address)
	if !ok {
		return Bid{}, fmt.Errorf("getBid: unexpected provider type %T", out[0])
	}
	price, ok := out[1].(*big.Int)
	if !ok {
		return Bid{}, fmt.Errorf("getBid: unexpected price type %T", out[1])
	}
	bidIndex, ok := out[2].(*big.Int)
	if !ok {
		return Bid{}, fmt.Errorf("getBid: unexpected index type %T", out[2])
	}
	return Bid{Provider: provider, Price: price, Index: bidIndex.Uint64()}, nil
}

// GetBids reads back all bids currently recorded for a request.
func (a *Adapter) GetBids(ctx context.Context, id ServiceID) ([]Bid, error) {
	count, err := a.GetBidCount(ctx, id)
	if err != nil {
		return nil, err
	}
	bids := make([]Bid, 0, count)
	for i := uint64(0); i < count; i++ {
		bid, err := a.GetBid(ctx, id, i)
		if err != nil {
			return nil, err
		}
		bids = append(bids, bid)
	}
	return bids, nil
}

// PlaceBid submits a provider offer for an open request. If the request
// closed between check and submit, the contract rejects the transaction and
// the error satisfies errors.Is(err, ErrServiceNotOpen).
func (a *Adapter) PlaceBid(ctx context.Context, id ServiceID, price uint64, providerEndpoint string) (common.Hash, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return common.Hash{}, err
	}
	return a.submit(ctx, "placeBid", idBytes, new(big.Int).SetUint64(price), providerEndpoint)
}

// ChooseProvider closes a request, binding the winning bid index to it.
func (a *Adapter) ChooseProvider(ctx context.Context, id ServiceID, bidIndex uint64) (common.Hash, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return common.Hash{}, err
	}
	return a.submit(ctx, "chooseProvider", idBytes, new(big.Int).SetUint64(bidIndex))
}

// IsWinner reports whether this domain's bid won a closed request.
func (a *Adapter) IsWinner(ctx context.Context, id ServiceID) (bool, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return false, err
	}
	out, err := a.call(ctx, "isWinner", idBytes, a.address)
	if err != nil {
		return false, err
	}
	winner, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isWinner: unexpected result type %T", out[0])
	}
	return winner, nil
}

// ServiceDeployed announces deployment completion, transitioning the request
// to Deployed and recording the container-reachable host address.
func (a *Adapter) ServiceDeployed(ctx context.Context, id ServiceID, federatedHost string) (common.Hash, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return common.Hash{}, err
	}
	return a.submit(ctx, "serviceDeployed", idBytes, federatedHost)
}

// GetServiceInfo reads the peer's endpoint for a request. Consumers call
// with asProvider=false and additionally receive the deployed host.
func (a *Adapter) GetServiceInfo(ctx context.Context, id ServiceID, asProvider bool) (ServiceInfo, error) {
	idBytes, err := toBytes32(id.String())
	if err != nil {
		return ServiceInfo{}, err
	}
	out, err := a.call(ctx, "getServiceInfo", idBytes, asProvider, a.address)
	if err != nil {
		return ServiceInfo{}, err
	}
	ep, ok := out[0].(string)
	if !ok {
		return ServiceInfo{}, fmt.Errorf("getServiceInfo: unexpected endpoint type %T", out[0])
	}
	host, ok := out[1].(string)
	if !ok {
		return ServiceInfo{}, fmt.Errorf("getServiceInfo: unexpected host type %T", out[1])
	}
	return ServiceInfo{PeerEndpoint: ep, FederatedHost: host}, nil
}
