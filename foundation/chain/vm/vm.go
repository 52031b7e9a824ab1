// Package vm is the boundary to the transaction executor. The chain core
// talks to the Machine interface only; the built-in machine implements
// value transfers and account creation with Ethereum gas accounting, which
// is all a simulator needs without contract bytecode execution.
package vm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/storage"
)

// Gas costs charged by the built-in machine.
const (
	txGas              = 21_000
	txGasCreation      = 53_000
	txDataZeroGas      = 4
	txDataNonZeroGas   = 16
	createdCodeByteGas = 200
	maxCodeSize        = 24_576
)

// transferTopic is the first topic of the log each successful value
// transfer produces, keccak("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// =============================================================================

// TxError reports a transaction the machine rejected. The block it was
// destined for continues without it.
type TxError struct {
	TxHash common.Hash
	Reason string
}

// Error implements the error interface.
func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s: %s", e.TxHash.Hex(), e.Reason)
}

// =============================================================================

// StepEvent describes one execution step for subscribers of the step topic.
type StepEvent struct {
	TxHash common.Hash
	Op     string
}

// StepFunc receives step events during execution.
type StepFunc func(StepEvent)

// RunOpts adjusts a single execution.
type RunOpts struct {
	SkipBalance bool
	SkipNonce   bool
	Step        StepFunc
}

// Result is the outcome of a successful execution.
type Result struct {
	Receipt         storage.Receipt
	Logs            []storage.Log
	GasUsed         uint64
	ContractAddress *common.Address
}

// Machine is the executor interface the chain core consumes.
type Machine interface {
	RunTx(tx storage.SignedTx, header storage.BlockHeader, opts RunOpts) (Result, error)
	Fork() Machine
	SetStateRoot(root common.Hash) error
}

// =============================================================================

// Config carries the chain parameters the machine executes under.
type Config struct {
	ChainID                    uint64
	Hardfork                   string
	AllowUnlimitedContractSize bool
	Accounts                   *accounts.Accounts
	GetBlock                   func(number uint64) (storage.Block, error)
	Step                       StepFunc
}

// machine is the built-in transfer executor.
type machine struct {
	cfg Config
}

// New constructs the built-in machine over the world state.
func New(cfg Config) Machine {
	return &machine{cfg: cfg}
}

// Fork returns a machine over an independent copy of the world state, for
// simulations that must not touch the authoritative trie.
func (m *machine) Fork() Machine {
	cfg := m.cfg
	cfg.Accounts = m.cfg.Accounts.Fork()

	return &machine{cfg: cfg}
}

// SetStateRoot re-roots the machine's world state.
func (m *machine) SetStateRoot(root common.Hash) error {
	return m.cfg.Accounts.SetStateRoot(root)
}

// RunTx executes a single transaction against the world state in the
// context of the specified header. On error the state is left untouched.
func (m *machine) RunTx(tx storage.SignedTx, header storage.BlockHeader, opts RunOpts) (Result, error) {
	txHash := tx.Hash()

	from, err := tx.From(m.cfg.ChainID)
	if err != nil {
		return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("invalid signature: %s", err)}
	}

	// The header must chain off a known block when a resolver is wired.
	if m.cfg.GetBlock != nil && header.Number > 0 {
		parent, err := m.cfg.GetBlock(header.Number - 1)
		if err != nil {
			return Result{}, fmt.Errorf("resolving parent blk[%d]: %w", header.Number-1, err)
		}
		if header.ParentHash != parent.Hash() {
			return Result{}, fmt.Errorf("header parent hash does not match blk[%d]", header.Number-1)
		}
	}

	intrinsic, err := m.intrinsicGas(tx)
	if err != nil {
		return Result{}, &TxError{TxHash: txHash, Reason: err.Error()}
	}
	if tx.GasLimit < intrinsic {
		return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("out of gas: intrinsic gas %d exceeds gas limit %d", intrinsic, tx.GasLimit)}
	}
	if tx.GasLimit > header.GasLimit {
		return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("gas limit %d exceeds block gas limit %d", tx.GasLimit, header.GasLimit)}
	}

	sender, _, err := m.cfg.Accounts.Get(from)
	if err != nil {
		return Result{}, err
	}

	if !opts.SkipNonce {
		if tx.Nonce != sender.Nonce {
			return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("invalid nonce: have %d, want %d", tx.Nonce, sender.Nonce)}
		}
	}

	// Resolve the destination and the full gas consumption up front so
	// the sender is charged for exactly what the coinbase receives.
	gasUsed := intrinsic
	var to common.Address
	var contract *common.Address
	if tx.To != nil {
		to = *tx.To
	} else {
		if !m.cfg.AllowUnlimitedContractSize && len(tx.Data) > maxCodeSize {
			return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("max code size exceeded: %d > %d", len(tx.Data), maxCodeSize)}
		}
		to = crypto.CreateAddress(from, tx.Nonce)
		contract = &to
		gasUsed += uint64(len(tx.Data)) * createdCodeByteGas
		if gasUsed > tx.GasLimit {
			return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("out of gas: need %d, limit %d", gasUsed, tx.GasLimit)}
		}
	}

	charge := new(big.Int).SetUint64(gasUsed)
	charge.Mul(charge, tx.GasPrice)
	charge.Add(charge, tx.Value)

	if !opts.SkipBalance {
		if sender.Balance.Cmp(tx.Cost()) < 0 {
			return Result{}, &TxError{TxHash: txHash, Reason: fmt.Sprintf("insufficient funds: balance %s, need %s", sender.Balance, tx.Cost())}
		}
	} else if sender.Balance.Cmp(charge) < 0 {
		// Simulations run against balances that may not cover the
		// transfer. Charge what the account holds.
		charge = new(big.Int).Set(sender.Balance)
	}

	op := "TRANSFER"
	if contract != nil {
		op = "CREATE"
	}
	m.step(opts.Step, txHash, op)

	// Apply the sender side.
	sender.Balance = new(big.Int).Sub(sender.Balance, charge)
	sender.Nonce++
	if err := m.cfg.Accounts.Put(from, sender); err != nil {
		return Result{}, err
	}

	receiver, _, err := m.cfg.Accounts.Get(to)
	if err != nil {
		return Result{}, err
	}
	receiver.Balance = new(big.Int).Add(receiver.Balance, tx.Value)
	if contract != nil {
		receiver.CodeHash = crypto.Keccak256Hash(tx.Data)
	}
	if err := m.cfg.Accounts.Put(to, receiver); err != nil {
		return Result{}, err
	}

	// Credit the coinbase with the fee for the gas consumed.
	fee := new(big.Int).SetUint64(gasUsed)
	fee.Mul(fee, tx.GasPrice)
	coinbase, _, err := m.cfg.Accounts.Get(header.Coinbase)
	if err != nil {
		return Result{}, err
	}
	coinbase.Balance = new(big.Int).Add(coinbase.Balance, fee)
	if err := m.cfg.Accounts.Put(header.Coinbase, coinbase); err != nil {
		return Result{}, err
	}

	log := storage.Log{
		Address: to,
		Topics:  []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:    common.BigToHash(tx.Value).Bytes(),
	}

	result := Result{
		Receipt: storage.Receipt{
			Status:  storage.ReceiptStatusSuccessful,
			GasUsed: gasUsed,
		},
		Logs:            []storage.Log{log},
		GasUsed:         gasUsed,
		ContractAddress: contract,
	}

	return result, nil
}

// =============================================================================

// intrinsicGas computes the gas charged before any execution happens.
func (m *machine) intrinsicGas(tx storage.SignedTx) (uint64, error) {
	gas := uint64(txGas)
	if tx.To == nil {
		gas = txGasCreation
	}

	nonZeroGas := uint64(txDataNonZeroGas)
	if preIstanbul(m.cfg.Hardfork) {
		nonZeroGas = 68
	}

	for _, b := range tx.Data {
		if b == 0 {
			gas += txDataZeroGas
			continue
		}
		gas += nonZeroGas
	}

	return gas, nil
}

// preIstanbul reports whether the hardfork predates the Istanbul calldata
// repricing.
func preIstanbul(hardfork string) bool {
	switch hardfork {
	case "frontier", "homestead", "tangerineWhistle", "spuriousDragon", "byzantium", "constantinople", "petersburg":
		return true
	}

	return false
}

// step delivers a step event to the per-run listener and the configured one.
func (m *machine) step(fn StepFunc, txHash common.Hash, op string) {
	ev := StepEvent{TxHash: txHash, Op: op}
	if fn != nil {
		fn(ev)
	}
	if m.cfg.Step != nil {
		m.cfg.Step(ev)
	}
}
