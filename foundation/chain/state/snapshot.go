package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/storage"
)

// ErrNilSnapshotID is returned when Revert is called without an ordinal.
var ErrNilSnapshotID = errors.New("snapshot id is required")

// TakeSnapshot records the chain tip, state root, and time adjustment as a
// revert target and returns its 1-based ordinal.
func (s *State) TakeSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, Snapshot{
		BlockHash:      s.latest.Hash(),
		StateRoot:      s.latest.Header.StateRoot,
		TimeAdjustment: s.timeAdjustment,
	})

	id := len(s.snapshots)
	s.evHandler("state: TakeSnapshot: snapshot[%d]: blk[%d]", id, s.latest.Header.Number)

	return id
}

// Revert rolls the chain back to the specified snapshot: the state root,
// chain tip, and time adjustment are restored, and every block committed
// since the snapshot is deleted along with its transactions and receipts.
// A missing ordinal is an error; an out-of-range one returns false.
func (s *State) Revert(snapshotID *int) (bool, error) {
	if snapshotID == nil {
		return false, ErrNilSnapshotID
	}

	// Await the in-flight commit so the rewind cannot race it.
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.Lock()
	idx := *snapshotID - 1
	if idx < 0 || idx >= len(s.snapshots) {
		s.mu.Unlock()
		return false, nil
	}

	// Truncate the stack. The first removed element is the target; the
	// ones above it die with the rewind.
	target := s.snapshots[idx]
	s.snapshots = s.snapshots[:idx]
	latest := s.latest
	s.mu.Unlock()

	s.evHandler("state: Revert: snapshot[%d]: target blk hash[%s]", *snapshotID, target.BlockHash.Hex())

	if latest.Hash() == target.BlockHash {
		return true, nil
	}

	// A mid-execution savepoint means the state root cannot be swapped
	// out from underneath it. The caller retries after quiescing.
	if s.accounts.InCheckpoint() {
		return false, accounts.ErrCheckpointOpen
	}

	var targetBlock storage.Block

	var g errgroup.Group
	g.Go(func() error {
		return s.accounts.SetStateRoot(target.StateRoot)
	})
	g.Go(func() error {
		var err error
		targetBlock, err = s.blocks.GetByHash(target.BlockHash)
		if err != nil {
			return fmt.Errorf("snapshot target block: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.deleteBlocksBackTo(latest, target.BlockHash)
	})
	if err := g.Wait(); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.latest = targetBlock
	s.timeAdjustment = target.TimeAdjustment
	s.mu.Unlock()

	return true, nil
}

// deleteBlocksBackTo walks the parent chain from the tip and deletes every
// block above the target, each block's records in one atomic batch.
func (s *State) deleteBlocksBackTo(tip storage.Block, targetHash common.Hash) error {
	for block := tip; block.Hash() != targetHash; {
		s.evHandler("state: Revert: delete blk[%d]", block.Header.Number)

		batch := s.db.NewBatch()
		s.blocks.Delete(batch, block)
		s.blockLogs.Delete(batch, block.Header.Number)
		for _, tx := range block.Transactions {
			txHash := tx.Hash()
			s.txs.Delete(batch, txHash)
			s.receipts.Delete(batch, txHash)
		}

		// Resolve the parent before the delete lands.
		parent, err := s.blocks.GetByHash(block.Header.ParentHash)
		if err != nil {
			return fmt.Errorf("parent of blk[%d]: %w", block.Header.Number, err)
		}

		if err := s.db.Write(batch); err != nil {
			return fmt.Errorf("deleting blk[%d]: %w", block.Header.Number, err)
		}

		block = parent
	}

	return nil
}
