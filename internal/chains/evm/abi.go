package evm

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract surface of the bridge HTLC. Kept as a JSON ABI string so the
// adapter does not depend on generated bindings.
const htlcABI = `[
	{"type":"function","name":"createEscrow","stateMutability":"payable","inputs":[
		{"name":"escrowId","type":"bytes32"},
		{"name":"maker","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"withdrawalDeadline","type":"uint256"},
		{"name":"refundDeadline","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"lockEscrow","stateMutability":"nonpayable","inputs":[
		{"name":"escrowId","type":"bytes32"},
		{"name":"resolver","type":"address"}],"outputs":[]},
	{"type":"function","name":"completeEscrow","stateMutability":"nonpayable","inputs":[
		{"name":"escrowId","type":"bytes32"},
		{"name":"secret","type":"bytes32"},
		{"name":"resolver","type":"address"}],"outputs":[]},
	{"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[
		{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
		{"name":"escrowId","type":"bytes32"}],"outputs":[
		{"name":"maker","type":"address"},
		{"name":"resolver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"withdrawalDeadline","type":"uint256"},
		{"name":"refundDeadline","type":"uint256"},
		{"name":"state","type":"uint8"}]},
	{"type":"function","name":"escrowCounts","stateMutability":"view","inputs":[],"outputs":[
		{"name":"total","type":"uint256"},
		{"name":"pending","type":"uint256"},
		{"name":"locked","type":"uint256"},
		{"name":"completed","type":"uint256"},
		{"name":"refunded","type":"uint256"}]},
	{"type":"event","name":"EscrowCreated","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"maker","type":"address","indexed":true},
		{"name":"token","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"hashLock","type":"bytes32","indexed":false},
		{"name":"withdrawalDeadline","type":"uint256","indexed":false},
		{"name":"refundDeadline","type":"uint256","indexed":false}]},
	{"type":"event","name":"EscrowLocked","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"resolver","type":"address","indexed":true}]},
	{"type":"event","name":"EscrowCompleted","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"resolver","type":"address","indexed":true},
		{"name":"secret","type":"bytes32","indexed":false}]},
	{"type":"event","name":"EscrowRefunded","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"maker","type":"address","indexed":true}]}
]`

var (
	abiOnce   sync.Once
	parsedABI abi.ABI
	abiErr    error
)

func contractABI() (abi.ABI, error) {
	abiOnce.Do(func() {
		parsedABI, abiErr = abi.JSON(strings.NewReader(htlcABI))
	})
	return parsedABI, abiErr
}

// Contract escrow state values, matching the EscrowState enum on-chain.
const (
	stateEmpty     uint8 = 0
	stateCreated   uint8 = 1
	stateLocked    uint8 = 2
	stateCompleted uint8 = 3
	stateRefunded  uint8 = 4
)

// computeEscrowID derives a deterministic escrow id from the creation
// parameters plus a nonce, mirroring the contract's derivation.
func computeEscrowID(maker common.Address, hashLock [32]byte, nonce uint64) [32]byte {
	var buf []byte
	buf = append(buf, maker.Bytes()...)
	buf = append(buf, hashLock[:]...)
	buf = append(buf, common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 8)...)
	var id [32]byte
	copy(id[:], crypto.Keccak256(buf))
	return id
}
