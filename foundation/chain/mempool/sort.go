package mempool

import (
	"sort"

	"github.com/simchain/simchain/foundation/chain/storage"
)

// byNonce provides sorting support by the transaction nonce value.
type byNonce []poolTx

// Len returns the number of transactions in the list.
func (bn byNonce) Len() int {
	return len(bn)
}

// Less helps to sort the list by nonce in ascending order to keep the
// transactions in the right order of processing.
func (bn byNonce) Less(i, j int) bool {
	return bn[i].tx.Nonce < bn[j].tx.Nonce
}

// Swap moves transactions in the order of the nonce value.
func (bn byNonce) Swap(i, j int) {
	bn[i], bn[j] = bn[j], bn[i]
}

// =============================================================================

// contiguousRun sorts a sender's pending transactions by nonce and returns
// the executable prefix: the run whose nonces step one by one from the
// sender's current state nonce. A gap ends the run.
func contiguousRun(ptxs []poolTx, stateNonce uint64) []storage.SignedTx {
	sort.Sort(byNonce(ptxs))

	var run []storage.SignedTx
	next := stateNonce
	for _, ptx := range ptxs {
		if ptx.tx.Nonce < next {
			// Stale entry left behind by a prior block. Skippable.
			continue
		}
		if ptx.tx.Nonce != next {
			break
		}
		run = append(run, ptx.tx)
		next++
	}

	return run
}
