// Package executor is the dispatch shim between untrusted RPC input and
// the chain's public surface. Only declared methods resolve; everything
// else, prototype tricks included, is rejected by name.
package executor

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/chain/storage"
)

// InvalidMethodError reports a method name that is not part of the
// declared method set.
type InvalidMethodError struct {
	Method any
}

// Error implements the error interface.
func (e *InvalidMethodError) Error() string {
	return fmt.Sprintf("invalid or unsupported method: %v", e.Method)
}

// =============================================================================

// Method is a dispatchable operation over the chain.
type Method func(params []any) (any, error)

// Executor dispatches whitelisted method calls into the chain.
type Executor struct {
	methods map[string]Method
}

// New constructs an executor with the declared method set for the chain.
func New(st *state.State) *Executor {
	e := Executor{
		methods: make(map[string]Method),
	}

	e.methods["isMining"] = func(params []any) (any, error) {
		return st.IsMining(), nil
	}

	e.methods["mine"] = func(params []any) (any, error) {
		maxTransactions := -1
		if len(params) > 0 {
			v, err := asInt(params[0])
			if err != nil {
				return nil, err
			}
			maxTransactions = v
		}
		var timestamp uint64
		if len(params) > 1 {
			v, err := asUint64(params[1])
			if err != nil {
				return nil, err
			}
			timestamp = v
		}

		block, err := st.Mine(maxTransactions, timestamp)
		if err != nil {
			return nil, err
		}
		return block, nil
	}

	e.methods["pause"] = func(params []any) (any, error) {
		st.Pause()
		return true, nil
	}

	e.methods["resume"] = func(params []any) (any, error) {
		// A thread count may arrive as the first parameter. Reserved.
		st.Resume()
		return true, nil
	}

	e.methods["snapshot"] = func(params []any) (any, error) {
		return st.TakeSnapshot(), nil
	}

	e.methods["revert"] = func(params []any) (any, error) {
		if len(params) == 0 || params[0] == nil {
			return nil, state.ErrNilSnapshotID
		}
		id, err := asInt(params[0])
		if err != nil {
			return nil, err
		}
		return st.Revert(&id)
	}

	e.methods["increaseTime"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("seconds parameter is required")
		}
		seconds, err := asInt(params[0])
		if err != nil {
			return nil, err
		}
		return st.IncreaseTime(int64(seconds)), nil
	}

	e.methods["setTime"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("time parameter is required")
		}
		seconds, err := asUint64(params[0])
		if err != nil {
			return nil, err
		}
		return st.SetTime(time.Unix(int64(seconds), 0)), nil
	}

	e.methods["queueTransaction"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("transaction parameter is required")
		}
		tx, err := asTransaction(params[0])
		if err != nil {
			return nil, err
		}
		txHash, err := st.QueueTransaction(tx, nil)
		if err != nil {
			return nil, err
		}
		return txHash.Hex(), nil
	}

	e.methods["simulateTransaction"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("transaction parameter is required")
		}
		tx, err := asTransaction(params[0])
		if err != nil {
			return nil, err
		}
		parent := st.LatestBlock()
		next := storage.Block{Header: storage.BlockHeader{
			ParentHash: parent.Hash(),
			Number:     parent.Header.Number + 1,
			Coinbase:   parent.Header.Coinbase,
			TimeStamp:  st.CurrentTime(),
			GasLimit:   parent.Header.GasLimit,
		}}
		return st.SimulateTransaction(tx, parent, next, nil)
	}

	e.methods["stop"] = func(params []any) (any, error) {
		if err := st.Stop(); err != nil {
			return nil, err
		}
		return true, nil
	}

	e.methods["latestBlock"] = func(params []any) (any, error) {
		return st.LatestBlock(), nil
	}

	e.methods["getBlockByNumber"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("block number parameter is required")
		}
		number, err := asUint64(params[0])
		if err != nil {
			return nil, err
		}
		return st.GetBlockByNumber(number)
	}

	e.methods["getBlockByHash"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("block hash parameter is required")
		}
		hash, err := asHash(params[0])
		if err != nil {
			return nil, err
		}
		return st.GetBlockByHash(hash)
	}

	e.methods["getTransaction"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("transaction hash parameter is required")
		}
		hash, err := asHash(params[0])
		if err != nil {
			return nil, err
		}
		return st.GetTransaction(hash)
	}

	e.methods["getReceipt"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("transaction hash parameter is required")
		}
		hash, err := asHash(params[0])
		if err != nil {
			return nil, err
		}
		return st.GetReceipt(hash)
	}

	e.methods["getBalance"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("address parameter is required")
		}
		address, err := asAddress(params[0])
		if err != nil {
			return nil, err
		}
		balance, err := st.GetBalance(address)
		if err != nil {
			return nil, err
		}
		return balance.String(), nil
	}

	e.methods["getNonce"] = func(params []any) (any, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("address parameter is required")
		}
		address, err := asAddress(params[0])
		if err != nil {
			return nil, err
		}
		return st.GetNonce(address)
	}

	e.methods["currentTime"] = func(params []any) (any, error) {
		return st.CurrentTime(), nil
	}

	return &e
}

// Call resolves and invokes a declared method. The name must be a string,
// must not be "constructor", and must resolve to a registered method.
func (e *Executor) Call(method any, params []any) (any, error) {
	name, ok := method.(string)
	if !ok {
		return nil, &InvalidMethodError{Method: method}
	}
	if name == "constructor" {
		return nil, &InvalidMethodError{Method: name}
	}

	m, exists := e.methods[name]
	if !exists || m == nil {
		return nil, &InvalidMethodError{Method: name}
	}

	return m(params)
}

// =============================================================================
// Parameter coercion. JSON numbers arrive as float64, quantities may also
// arrive as hex strings.

func asInt(v any) (int, error) {
	switch v := v.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case string:
		u, err := parseQuantity(v)
		if err != nil {
			return 0, err
		}
		return int(u), nil
	}

	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func asUint64(v any) (uint64, error) {
	switch v := v.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("negative quantity %v", v)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative quantity %v", v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case string:
		return parseQuantity(v)
	}

	return 0, fmt.Errorf("cannot use %T as quantity", v)
}

func asBig(v any) (*big.Int, error) {
	switch v := v.(type) {
	case float64:
		return new(big.Int).SetUint64(uint64(v)), nil
	case string:
		if strings.HasPrefix(v, "0x") {
			return hexutil.DecodeBig(v)
		}
		b, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", v)
		}
		return b, nil
	case nil:
		return new(big.Int), nil
	}

	return nil, fmt.Errorf("cannot use %T as quantity", v)
}

func asHash(v any) (common.Hash, error) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "0x") || len(s) != 66 {
		return common.Hash{}, fmt.Errorf("invalid hash %v", v)
	}

	return common.HexToHash(s), nil
}

func asAddress(v any) (common.Address, error) {
	s, ok := v.(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %v", v)
	}

	return common.HexToAddress(s), nil
}

// asTransaction maps a JSON transaction object onto a signed transaction.
func asTransaction(v any) (storage.SignedTx, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return storage.SignedTx{}, fmt.Errorf("cannot use %T as transaction", v)
	}

	var tx storage.SignedTx
	var err error

	if tx.Nonce, err = asUint64(defaulted(m["nonce"], float64(0))); err != nil {
		return storage.SignedTx{}, fmt.Errorf("nonce: %w", err)
	}
	if tx.GasPrice, err = asBig(m["gasPrice"]); err != nil {
		return storage.SignedTx{}, fmt.Errorf("gasPrice: %w", err)
	}
	if tx.GasLimit, err = asUint64(defaulted(m["gasLimit"], float64(21_000))); err != nil {
		return storage.SignedTx{}, fmt.Errorf("gasLimit: %w", err)
	}
	if tx.Value, err = asBig(m["value"]); err != nil {
		return storage.SignedTx{}, fmt.Errorf("value: %w", err)
	}

	if to, exists := m["to"]; exists && to != nil {
		address, err := asAddress(to)
		if err != nil {
			return storage.SignedTx{}, fmt.Errorf("to: %w", err)
		}
		tx.To = &address
	}

	if data, exists := m["data"]; exists && data != nil {
		s, ok := data.(string)
		if !ok {
			return storage.SignedTx{}, fmt.Errorf("data: cannot use %T", data)
		}
		if tx.Data, err = hexutil.Decode(s); err != nil {
			return storage.SignedTx{}, fmt.Errorf("data: %w", err)
		}
	}

	for field, dst := range map[string]**big.Int{"v": &tx.V, "r": &tx.R, "s": &tx.S} {
		if raw, exists := m[field]; exists && raw != nil {
			if *dst, err = asBig(raw); err != nil {
				return storage.SignedTx{}, fmt.Errorf("%s: %w", field, err)
			}
		}
	}

	return tx, nil
}

func defaulted(v any, def any) any {
	if v == nil {
		return def
	}
	return v
}

// parseQuantity accepts decimal or 0x-prefixed hex.
func parseQuantity(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") {
		return hexutil.DecodeUint64(s)
	}

	return strconv.ParseUint(s, 10, 64)
}
