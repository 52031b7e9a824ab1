package executor_test

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/simchain/simchain/foundation/chain/executor"
	"github.com/simchain/simchain/foundation/chain/state"
)

func newChain(t *testing.T) *state.State {
	t.Helper()

	genesisTime := time.Unix(1577836800, 0)
	st, err := state.New(state.Config{
		GasLimit: 6_000_000,
		Time:     &genesisTime,
		Coinbase: common.HexToAddress("0xFef311483Cc040e1A89fb9bb469eeB8A70935EF8"),
		ChainID:  1337,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Stop() })

	return st
}

func TestDispatchRejections(t *testing.T) {
	e := executor.New(newChain(t))

	tt := []struct {
		name   string
		method any
	}{
		{name: "non-string", method: 42},
		{name: "nil", method: nil},
		{name: "constructor", method: "constructor"},
		{name: "unknown", method: "deleteEverything"},
		{name: "prototype walk", method: "__proto__"},
		{name: "toString", method: "toString"},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Call(tc.method, nil)

			var invalid *executor.InvalidMethodError
			require.ErrorAs(t, err, &invalid)
			require.Contains(t, err.Error(), "invalid or unsupported method")
		})
	}
}

func TestDispatchDeclaredMethods(t *testing.T) {
	st := newChain(t)
	e := executor.New(st)

	result, err := e.Call("isMining", nil)
	require.NoError(t, err)
	require.Equal(t, false, result)

	result, err = e.Call("snapshot", nil)
	require.NoError(t, err)
	require.Equal(t, 1, result)

	// The genesis time seeds the adjustment, so the result is relative to it.
	adjustment := st.IncreaseTime(0)
	result, err = e.Call("increaseTime", []any{float64(30)})
	require.NoError(t, err)
	require.Equal(t, adjustment+30, result)

	result, err = e.Call("revert", []any{float64(1)})
	require.NoError(t, err)
	require.Equal(t, true, result)

	_, err = e.Call("revert", []any{nil})
	require.ErrorIs(t, err, state.ErrNilSnapshotID)

	result, err = e.Call("getBalance", []any{st.LatestBlock().Header.Coinbase.Hex()})
	require.NoError(t, err)
	require.Equal(t, "0", result)
}
