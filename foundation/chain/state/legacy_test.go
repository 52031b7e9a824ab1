package state_test

import (
	"testing"

	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/chain/worker"
)

func Test_LegacyInstamineWaitsForInclusion(t *testing.T) {
	t.Log("Given the need for legacy instamine to block until persistence.")

	key, fundedAddr := newKey(t)
	st := newChain(t, fundedAddr, func(cfg *state.Config) {
		cfg.LegacyInstamine = true
	})

	worker.Run(st, nil)

	// The call returns only after the transaction landed in a block, so
	// the record is queryable immediately.
	txHash, err := st.QueueTransaction(sign(t, key, 0, 10), nil)
	if err != nil {
		t.Fatalf("\t%s\tShould queue and complete the transaction: %v", failed, err)
	}
	t.Logf("\t%s\tShould return after the transaction completed.", success)

	stored, err := st.GetTransaction(txHash)
	if err != nil {
		t.Fatalf("\t%s\tShould find the persisted transaction right away: %v", failed, err)
	}
	if stored.BlockNumber != 1 {
		t.Fatalf("\t%s\tShould be recorded in block 1, got %d", failed, stored.BlockNumber)
	}
	t.Logf("\t%s\tShould observe persistence before the call returns.", success)

	if st.LatestBlock().Header.Number != 1 {
		t.Fatalf("\t%s\tShould have advanced to block 1", failed)
	}
	t.Logf("\t%s\tShould have advanced the chain.", success)

	// While paused, legacy instamine returns the hash immediately.
	st.Pause()
	pausedHash, err := st.QueueTransaction(sign(t, key, 1, 10), nil)
	if err != nil {
		t.Fatalf("\t%s\tShould accept the transaction while paused: %v", failed, err)
	}
	if _, err := st.GetTransaction(pausedHash); err == nil {
		t.Fatalf("\t%s\tShould not have mined while paused", failed)
	}
	t.Logf("\t%s\tShould return the hash immediately while paused.", success)
}
