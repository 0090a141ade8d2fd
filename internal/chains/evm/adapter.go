// Package evm adapts the EVM-side HTLC contract to the uniform chain
// interface. Amounts cross the boundary as decimal strings and are
// converted to wei here; contract events are normalized into the shared
// event schema.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/starbridge-labs/starbridge/internal/chains"
	"github.com/starbridge-labs/starbridge/pkg/helpers"
	"github.com/starbridge-labs/starbridge/pkg/logging"
)

const wei = 18

// nativeAsset marks escrows funded with the chain's native token.
const nativeAsset = "native"

// gasLimit for contract calls. The HTLC operations are small fixed-shape
// transactions so a static limit is sufficient.
const gasLimit = 300_000

// Adapter implements chains.Adapter against an EVM JSON-RPC endpoint.
type Adapter struct {
	client   *ethclient.Client
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	log      *logging.Logger
}

// Config holds the EVM adapter settings.
type Config struct {
	RPCURL   string
	Contract string
	AdminKey string // hex-encoded secp256k1 private key
}

// New connects to the EVM endpoint and prepares the signing identity.
func New(cfg *Config) (*Adapter, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	key, err := crypto.HexToECDSA(cfg.AdminKey)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("invalid admin key: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Adapter{
		client:   client,
		contract: common.HexToAddress(cfg.Contract),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		log:      logging.Component("evm"),
	}, nil
}

// Chain returns the ledger tag.
func (a *Adapter) Chain() chains.Tag {
	return chains.TagEVM
}

// Close closes the underlying RPC connection.
func (a *Adapter) Close() {
	a.client.Close()
}

// CreateEscrow funds a new escrow on the contract. Native-asset escrows
// carry the amount as tx value; token escrows pass the token address.
func (a *Adapter) CreateEscrow(ctx context.Context, p chains.EscrowParams) (string, string, error) {
	amount, err := helpers.ParseDecimal(p.Amount, wei)
	if err != nil {
		return "", "", chains.NewError(chains.KindValidation, chains.TagEVM, "create_escrow", err)
	}
	if !p.Deadlines.Valid() {
		return "", "", chains.NewError(chains.KindValidation, chains.TagEVM, "create_escrow",
			fmt.Errorf("withdrawal deadline must precede refund deadline"))
	}

	maker := common.HexToAddress(p.Maker)
	token, value := a.assetArgs(p.Asset, amount)

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", "", a.classify("create_escrow", err)
	}

	escrowID := computeEscrowID(maker, p.HashLock, nonce)

	tx, err := a.sendTx(ctx, nonce, value, "createEscrow",
		escrowID, maker, token, amount, p.HashLock,
		big.NewInt(p.Deadlines.WithdrawalDeadline),
		big.NewInt(p.Deadlines.RefundDeadline),
	)
	if err != nil {
		return "", "", a.classify("create_escrow", err)
	}

	id := "0x" + hex.EncodeToString(escrowID[:])
	a.log.Info("escrow created", "escrow_id", id, "tx", tx.Hash().Hex(), "amount", p.Amount)
	return id, tx.Hash().Hex(), nil
}

// LockEscrow assigns a resolver to a created escrow.
func (a *Adapter) LockEscrow(ctx context.Context, escrowID, resolver string) (string, error) {
	id, err := helpers.DecodeHash32(escrowID)
	if err != nil {
		return "", chains.NewError(chains.KindValidation, chains.TagEVM, "lock_escrow", err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", a.classify("lock_escrow", err)
	}

	tx, err := a.sendTx(ctx, nonce, nil, "lockEscrow", id, common.HexToAddress(resolver))
	if err != nil {
		return "", a.classify("lock_escrow", err)
	}
	return tx.Hash().Hex(), nil
}

// CompleteEscrow reveals the secret, releasing funds to the resolver.
func (a *Adapter) CompleteEscrow(ctx context.Context, escrowID string, secret [32]byte, resolver string) (string, error) {
	id, err := helpers.DecodeHash32(escrowID)
	if err != nil {
		return "", chains.NewError(chains.KindValidation, chains.TagEVM, "complete_escrow", err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", a.classify("complete_escrow", err)
	}

	tx, err := a.sendTx(ctx, nonce, nil, "completeEscrow", id, secret, common.HexToAddress(resolver))
	if err != nil {
		return "", a.classify("complete_escrow", err)
	}
	a.log.Info("escrow completed", "escrow_id", escrowID, "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// RefundEscrow returns funds to the maker after the refund deadline.
func (a *Adapter) RefundEscrow(ctx context.Context, escrowID string) (string, error) {
	id, err := helpers.DecodeHash32(escrowID)
	if err != nil {
		return "", chains.NewError(chains.KindValidation, chains.TagEVM, "refund_escrow", err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return "", a.classify("refund_escrow", err)
	}

	tx, err := a.sendTx(ctx, nonce, nil, "refundEscrow", id)
	if err != nil {
		return "", a.classify("refund_escrow", err)
	}
	a.log.Info("escrow refunded", "escrow_id", escrowID, "tx", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

// GetEscrow reads the current escrow state from the contract.
func (a *Adapter) GetEscrow(ctx context.Context, escrowID string) (*chains.EscrowRecord, error) {
	id, err := helpers.DecodeHash32(escrowID)
	if err != nil {
		return nil, chains.NewError(chains.KindValidation, chains.TagEVM, "get_escrow", err)
	}

	cabi, err := contractABI()
	if err != nil {
		return nil, chains.NewError(chains.KindInternal, chains.TagEVM, "get_escrow", err)
	}

	data, err := cabi.Pack("getEscrow", id)
	if err != nil {
		return nil, chains.NewError(chains.KindInternal, chains.TagEVM, "get_escrow", err)
	}

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}

	vals, err := cabi.Unpack("getEscrow", out)
	if err != nil || len(vals) != 8 {
		return nil, chains.NewError(chains.KindInternal, chains.TagEVM, "get_escrow",
			fmt.Errorf("failed to decode escrow: %w", err))
	}

	maker := vals[0].(common.Address)
	resolver := vals[1].(common.Address)
	token := vals[2].(common.Address)
	amount := vals[3].(*big.Int)
	hashLock := vals[4].([32]byte)
	withdrawal := vals[5].(*big.Int)
	refund := vals[6].(*big.Int)
	state := vals[7].(uint8)

	if state == stateEmpty {
		return nil, nil
	}

	asset := nativeAsset
	if token != (common.Address{}) {
		asset = token.Hex()
	}

	return &chains.EscrowRecord{
		ID:       escrowID,
		Chain:    chains.TagEVM,
		Maker:    maker.Hex(),
		Resolver: resolverHex(resolver),
		Amount:   helpers.FormatDecimal(amount, wei),
		Asset:    asset,
		HashLock: hashLock,
		Deadlines: chains.Deadlines{
			WithdrawalDeadline: withdrawal.Int64(),
			RefundDeadline:     refund.Int64(),
		},
		State: escrowState(state),
	}, nil
}

// LatestHeight returns the current block number.
func (a *Adapter) LatestHeight(ctx context.Context) (uint64, error) {
	h, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, a.classify("latest_height", err)
	}
	return h, nil
}

// TxReceipt reports the status of a submitted transaction.
func (a *Adapter) TxReceipt(ctx context.Context, txHash string) (chains.ReceiptStatus, error) {
	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if err == ethereum.NotFound {
			return chains.ReceiptPending, nil
		}
		return chains.ReceiptUnknown, a.classify("tx_receipt", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return chains.ReceiptSuccess, nil
	}
	return chains.ReceiptFailed, nil
}

// EventsInRange fetches contract logs for the half-open interval
// (from, to] and normalizes them.
func (a *Adapter) EventsInRange(ctx context.Context, from, to uint64) ([]chains.Event, error) {
	if to <= from {
		return nil, nil
	}

	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from + 1),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{a.contract},
	})
	if err != nil {
		return nil, a.classify("events_in_range", err)
	}

	var events []chains.Event
	for _, lg := range logs {
		ev, ok, err := decodeLog(lg)
		if err != nil {
			a.log.Warn("skipping undecodable log", "tx", lg.TxHash.Hex(), "err", err)
			continue
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// Stats aggregates escrow counts from the contract's counters.
func (a *Adapter) Stats(ctx context.Context) (chains.Stats, error) {
	cabi, err := contractABI()
	if err != nil {
		return chains.Stats{}, chains.NewError(chains.KindInternal, chains.TagEVM, "stats", err)
	}

	data, err := cabi.Pack("escrowCounts")
	if err != nil {
		return chains.Stats{}, chains.NewError(chains.KindInternal, chains.TagEVM, "stats", err)
	}

	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return chains.Stats{}, a.classify("stats", err)
	}

	vals, err := cabi.Unpack("escrowCounts", out)
	if err != nil || len(vals) != 5 {
		return chains.Stats{}, chains.NewError(chains.KindInternal, chains.TagEVM, "stats",
			fmt.Errorf("failed to decode counts: %w", err))
	}

	return chains.Stats{
		Total:     int(vals[0].(*big.Int).Int64()),
		Pending:   int(vals[1].(*big.Int).Int64()),
		Locked:    int(vals[2].(*big.Int).Int64()),
		Completed: int(vals[3].(*big.Int).Int64()),
		Refunded:  int(vals[4].(*big.Int).Int64()),
	}, nil
}

// sendTx packs, signs and submits a contract call.
func (a *Adapter) sendTx(ctx context.Context, nonce uint64, value *big.Int, method string, args ...interface{}) (*types.Transaction, error) {
	cabi, err := contractABI()
	if err != nil {
		return nil, err
	}

	data, err := cabi.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTransaction(nonce, a.contract, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), a.key)
	if err != nil {
		return nil, err
	}

	if err := a.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, err
	}
	return signedTx, nil
}

// assetArgs splits an asset string into the token address argument and
// the native value to attach to the transaction.
func (a *Adapter) assetArgs(asset string, amount *big.Int) (common.Address, *big.Int) {
	if asset == "" || asset == nativeAsset {
		return common.Address{}, amount
	}
	return common.HexToAddress(asset), big.NewInt(0)
}

func resolverHex(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func escrowState(state uint8) chains.EscrowState {
	switch state {
	case stateCreated:
		return chains.EscrowCreated
	case stateLocked:
		return chains.EscrowLocked
	case stateCompleted:
		return chains.EscrowCompleted
	case stateRefunded:
		return chains.EscrowRefunded
	}
	return chains.EscrowCreated
}

// decodeLog normalizes one contract log. Returns ok=false for events the
// monitor does not track.
func decodeLog(lg types.Log) (chains.Event, bool, error) {
	cabi, err := contractABI()
	if err != nil {
		return chains.Event{}, false, err
	}
	if len(lg.Topics) == 0 {
		return chains.Event{}, false, nil
	}

	ev := chains.Event{
		Chain:  chains.TagEVM,
		TxHash: lg.TxHash.Hex(),
		Height: lg.BlockNumber,
		Ts:     time.Now().UTC(),
	}

	switch lg.Topics[0] {
	case cabi.Events["EscrowCreated"].ID:
		ev.Type = chains.EventEscrowCreated
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Maker = common.HexToAddress(lg.Topics[2].Hex()).Hex()
		vals, err := cabi.Events["EscrowCreated"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 5 {
			return chains.Event{}, false, fmt.Errorf("bad EscrowCreated data: %w", err)
		}
		token := vals[0].(common.Address)
		ev.Asset = nativeAsset
		if token != (common.Address{}) {
			ev.Asset = token.Hex()
		}
		ev.Amount = helpers.FormatDecimal(vals[1].(*big.Int), wei)
		ev.HashLock = vals[2].([32]byte)
		ev.HashLockHex = helpers.EncodeHex(ev.HashLock[:])
		ev.Timelock = vals[4].(*big.Int).Int64()
		return ev, true, nil

	case cabi.Events["EscrowLocked"].ID:
		ev.Type = chains.EventEscrowLocked
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Resolver = common.HexToAddress(lg.Topics[2].Hex()).Hex()
		return ev, true, nil

	case cabi.Events["EscrowCompleted"].ID:
		ev.Type = chains.EventEscrowCompleted
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Resolver = common.HexToAddress(lg.Topics[2].Hex()).Hex()
		vals, err := cabi.Events["EscrowCompleted"].Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 1 {
			return chains.Event{}, false, fmt.Errorf("bad EscrowCompleted data: %w", err)
		}
		ev.Secret = vals[0].([32]byte)
		ev.HasSecret = true
		return ev, true, nil

	case cabi.Events["EscrowRefunded"].ID:
		ev.Type = chains.EventEscrowRefunded
		ev.EscrowID = lg.Topics[1].Hex()
		ev.Maker = common.HexToAddress(lg.Topics[2].Hex()).Hex()
		return ev, true, nil
	}

	return chains.Event{}, false, nil
}
