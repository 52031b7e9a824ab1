package state

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/vm"
	"github.com/simchain/simchain/foundation/events"
)

// TxFailureError carries the hash of a transaction whose execution failed,
// for callers configured to receive it on the RPC response.
type TxFailureError struct {
	TxHash common.Hash
	Err    error
}

// Error implements the error interface.
func (e *TxFailureError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the underlying execution error.
func (e *TxFailureError) Unwrap() error {
	return e.Err
}

// =============================================================================

// QueueTransaction accepts a transaction for inclusion. A private key signs
// the transaction first. The hash returns once the pool has accepted; under
// legacy instamine the call further waits for the transaction to complete
// or fail in its block.
func (s *State) QueueTransaction(tx storage.SignedTx, privateKey *ecdsa.PrivateKey) (common.Hash, error) {
	if privateKey != nil {
		var err error
		if tx, err = tx.Sign(privateKey, s.cfg.ChainID); err != nil {
			return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
		}
	}

	// Legacy instamine waits on the completion topics. Subscribing before
	// the push closes the window where mining could outrun the caller.
	wait := s.cfg.LegacyInstamine && s.IsInstamining() && !s.IsPaused()

	var success, failure <-chan []any
	var cancelSuccess, cancelFailure func()
	if wait {
		txHash := tx.Hash()
		success, cancelSuccess = s.bus.Once(events.TransactionTopic(txHash))
		failure, cancelFailure = s.bus.Once(events.TransactionFailureTopic(txHash))
	}

	txHash, err := s.mempool.Upsert(tx)
	if err != nil {
		if wait {
			cancelSuccess()
			cancelFailure()
		}
		return common.Hash{}, err
	}

	s.evHandler("state: QueueTransaction: tx[%s] pending", tx)
	s.bus.Publish(events.TopicPendingTransaction, tx)
	s.bus.Send(fmt.Sprintf("%s: %s", events.TopicPendingTransaction, txHash.Hex()))

	if !wait {
		return txHash, nil
	}

	select {
	case <-success:
		cancelFailure()
		return txHash, nil

	case args := <-failure:
		cancelSuccess()
		err := fmt.Errorf("transaction failed: %s", txHash.Hex())
		if len(args) > 0 {
			if e, ok := args[0].(error); ok {
				err = e
			}
		}
		if s.cfg.VMErrorsOnRPCResponse {
			return txHash, &TxFailureError{TxHash: txHash, Err: err}
		}
		return txHash, err
	}
}

// SimulateTransaction runs the transaction against a forked machine rooted
// at the parent block's state. Balance and nonce rules are skipped and the
// authoritative trie is never touched.
func (s *State) SimulateTransaction(tx storage.SignedTx, parent storage.Block, block storage.Block, step vm.StepFunc) (vm.Result, error) {
	fork := s.machine.Fork()
	if err := fork.SetStateRoot(parent.Header.StateRoot); err != nil {
		return vm.Result{}, fmt.Errorf("rooting simulation at blk[%d]: %w", parent.Header.Number, err)
	}

	opts := vm.RunOpts{
		SkipBalance: true,
		SkipNonce:   true,
		Step:        step,
	}

	return fork.RunTx(tx, block.Header, opts)
}
