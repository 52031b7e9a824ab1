// Package state is the core API for the chain simulator and implements all
// the business rules and processing: lifecycle, the mining pipeline,
// snapshot and revert, and time control.
package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/simchain/simchain/foundation/chain/accounts"
	"github.com/simchain/simchain/foundation/chain/database"
	"github.com/simchain/simchain/foundation/chain/mempool"
	"github.com/simchain/simchain/foundation/chain/miner"
	"github.com/simchain/simchain/foundation/chain/storage"
	"github.com/simchain/simchain/foundation/chain/trie"
	"github.com/simchain/simchain/foundation/chain/vm"
	"github.com/simchain/simchain/foundation/events"
)

// EventHandler defines a function that is called when events occur in the
// processing of blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by
// any package providing support for the mining loops.
type Worker interface {
	Shutdown()
	SignalDrain()
}

// =============================================================================

// Lifecycle phases. The paused bit composes with started.
type lifecycle uint32

const (
	starting lifecycle = 1 << iota
	started
	paused
	stopping
	stopped
)

// =============================================================================

// InitialAccount is an account committed into the genesis state.
type InitialAccount struct {
	Address common.Address
	Balance *big.Int
	Nonce   uint64
}

// Config represents the configuration required to start the chain.
type Config struct {
	DB                         *database.Database // takes precedence over DBPath
	DBPath                     string
	InitialAccounts            []InitialAccount
	Hardfork                   string
	AllowUnlimitedContractSize bool
	GasLimit                   uint64
	Time                       *time.Time
	BlockTime                  time.Duration
	Coinbase                   common.Address
	ChainID                    uint64
	LegacyInstamine            bool
	VMErrorsOnRPCResponse      bool
	EvHandler                  EventHandler
}

// State manages the chain: the authoritative world state, block production,
// and the snapshot stack.
type State struct {
	mu       sync.Mutex
	commitMu sync.Mutex // the processing-block serial lock

	cfg       Config
	evHandler EventHandler
	bus       *events.Bus

	db        *database.Database
	accounts  *accounts.Accounts
	machine   vm.Machine
	blocks    *storage.BlockManager
	txs       *storage.TransactionManager
	receipts  *storage.ReceiptManager
	blockLogs *storage.BlockLogsManager
	mempool   *mempool.Mempool
	miner     *miner.Miner

	earliest storage.Block
	latest   storage.Block

	// The snapshot stack grows without bound for the life of the
	// process; every entry pins its state root in the database.
	snapshots []Snapshot

	timeAdjustment int64 // seconds added to wall clock
	life           lifecycle

	Worker Worker
}

// Snapshot is a revert target: the chain tip, state root, and time
// adjustment at the moment it was taken.
type Snapshot struct {
	BlockHash      common.Hash
	StateRoot      common.Hash
	TimeAdjustment int64
}

// =============================================================================

// New constructs the chain and brings the world state up: it opens the
// database, recovers a persisted chain or creates genesis, and leaves the
// chain in the starting phase. worker.Run wires the mining loops and
// completes the start.
func New(cfg Config) (*State, error) {
	if cfg.Coinbase == (common.Address{}) {
		return nil, errors.New("coinbase account is required")
	}
	if cfg.GasLimit == 0 {
		return nil, errors.New("block gas limit is required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	// Open the database, unless one was injected, and wait for the
	// keyspaces to be ready.
	db := cfg.DB
	if db == nil {
		var err error
		if db, err = database.Open(cfg.DBPath); err != nil {
			return nil, err
		}
	}
	<-db.Ready()

	st := State{
		cfg:       cfg,
		evHandler: ev,
		bus:       events.New(),
		db:        db,
		life:      starting,
	}

	if err := st.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}

	return &st, nil
}

// bootstrap runs the start-up ordering over an open database.
func (s *State) bootstrap() error {
	cfg := s.cfg

	// A persisted chain makes this a recovery, not a genesis.
	recovered, err := s.blocksExist()
	if err != nil {
		return err
	}

	// Root the state trie from the persisted latest block if there is one.
	var latest storage.Block
	stateRoot := trie.EmptyRoot

	if s.blocks, err = storage.NewBlockManager(s.db); err != nil {
		return err
	}
	if recovered {
		if latest, err = s.blocks.Latest(); err != nil {
			return err
		}
		stateRoot = latest.Header.StateRoot
		s.evHandler("state: bootstrap: recovered chain: latest blk[%d]", latest.Header.Number)
	}

	if s.accounts, err = accounts.NewAtRoot(s.db, stateRoot); err != nil {
		return err
	}

	// Remaining managers over their keyspaces.
	s.txs = storage.NewTransactionManager(s.db)
	s.receipts = storage.NewReceiptManager(s.db)
	s.blockLogs = storage.NewBlockLogsManager(s.db)

	// The machine resolves block numbers through the block manager.
	s.machine = vm.New(vm.Config{
		ChainID:                    cfg.ChainID,
		Hardfork:                   cfg.Hardfork,
		AllowUnlimitedContractSize: cfg.AllowUnlimitedContractSize,
		Accounts:                   s.accounts,
		GetBlock:                   s.blocks.GetByNumber,
		Step: func(ev vm.StepEvent) {
			s.bus.Publish(events.TopicStep, ev)
		},
	})

	s.mempool = mempool.New(mempool.Config{
		Accounts:      s.accounts,
		ChainID:       cfg.ChainID,
		BlockGasLimit: cfg.GasLimit,
		EvHandler:     s.evHandler,
		Drain: func() {
			if w := s.Worker; w != nil {
				w.SignalDrain()
			}
		},
	})

	if recovered {
		genesis, err := s.blocks.GetByNumber(0)
		if err != nil {
			return err
		}
		s.earliest = genesis
		s.latest = latest
	} else {
		genesis, err := s.createGenesis()
		if err != nil {
			return err
		}
		s.earliest = genesis
		s.latest = genesis
	}

	s.miner = miner.New(miner.Config{
		Machine:   s.machine,
		Accounts:  s.accounts,
		EvHandler: s.evHandler,
		OnFailure: func(f miner.Failure) {
			s.bus.Publish(events.TransactionFailureTopic(f.TxHash), f.Err)
		},
	})

	return nil
}

// createGenesis commits the initial accounts and persists block zero.
func (s *State) createGenesis() (storage.Block, error) {
	s.evHandler("state: createGenesis: commit %d initial accounts", len(s.cfg.InitialAccounts))

	// Commit the initial accounts under a savepoint.
	s.accounts.Checkpoint()
	for _, ia := range s.cfg.InitialAccounts {
		if err := s.accounts.Put(ia.Address, storage.NewAccount(ia.Balance, ia.Nonce)); err != nil {
			return storage.Block{}, err
		}
	}
	if err := s.accounts.Commit(); err != nil {
		return storage.Block{}, err
	}

	// The genesis timestamp seeds the time adjustment when supplied.
	timeStamp := uint64(time.Now().Unix())
	if s.cfg.Time != nil {
		timeStamp = uint64(s.cfg.Time.Unix())
		s.timeAdjustment = s.cfg.Time.Unix() - time.Now().Unix()
	}

	batch := s.db.NewBatch()
	stateRoot := s.accounts.Persist(batch)

	genesis := storage.Block{
		Header: storage.BlockHeader{
			Number:           0x0,
			Coinbase:         s.cfg.Coinbase,
			TimeStamp:        timeStamp,
			GasLimit:         s.cfg.GasLimit,
			StateRoot:        stateRoot,
			TransactionsTrie: trie.EmptyRoot,
			ReceiptTrie:      trie.EmptyRoot,
		},
	}

	if err := s.blocks.Put(batch, genesis); err != nil {
		return storage.Block{}, err
	}
	if err := s.db.Write(batch); err != nil {
		return storage.Block{}, fmt.Errorf("persisting genesis: %w", err)
	}

	return genesis, nil
}

// blocksExist reports whether the blocks keyspace holds a persisted chain.
func (s *State) blocksExist() (bool, error) {
	count, err := s.db.CountWithPrefix(database.KeyspaceBlocks, []byte("n"))
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// =============================================================================

// MarkStarted completes the start-up: the worker calls it once the mining
// loops are wired. The start event fires exactly once.
func (s *State) MarkStarted() {
	s.mu.Lock()
	if s.life&started != 0 {
		s.mu.Unlock()
		return
	}
	s.life = started
	s.mu.Unlock()

	s.evHandler("state: MarkStarted: chain started")
	s.bus.Publish(events.TopicStart)
	s.bus.Send(events.TopicStart)
}

// Pause suspends block production. Mining signals received while paused
// hold until Resume.
func (s *State) Pause() {
	s.mu.Lock()
	if s.life&started == 0 || s.life&paused != 0 {
		s.mu.Unlock()
		return
	}
	s.life |= paused
	s.mu.Unlock()

	s.evHandler("state: Pause: block production paused")
	s.bus.Publish(events.TopicPause)
	s.bus.Send(events.TopicPause)
}

// Resume releases a paused chain. Resuming a chain that is not paused is
// a warned no-op.
func (s *State) Resume() {
	s.mu.Lock()
	if s.life&paused == 0 {
		s.mu.Unlock()
		s.evHandler("state: Resume: WARNING: chain is not paused")
		return
	}
	s.life &^= paused
	s.mu.Unlock()

	s.evHandler("state: Resume: block production resumed")
	s.bus.Publish(events.TopicResume)
	s.bus.Send(events.TopicResume)
}

// Stop cleanly brings the chain down: in-flight writes complete, the
// database closes, and the stop event always fires.
func (s *State) Stop() error {
	s.evHandler("state: Stop: started")
	defer s.evHandler("state: Stop: completed")

	// A stop during start-up must wait for the start to finish or
	// in-flight writes would collide with the close.
	startCh, cancel := s.bus.Once(events.TopicStart)
	s.mu.Lock()
	if s.life&starting != 0 && s.life&started == 0 && s.Worker != nil {
		s.mu.Unlock()
		<-startCh
		s.mu.Lock()
	}
	cancel()

	if s.life&(stopping|stopped) != 0 {
		s.mu.Unlock()
		s.bus.Publish(events.TopicStop)
		s.bus.Send(events.TopicStop)
		return nil
	}

	s.life = stopping
	s.mu.Unlock()

	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	// Serialise against any in-flight commit before closing.
	s.commitMu.Lock()
	err := s.db.Close()
	s.commitMu.Unlock()

	s.mu.Lock()
	s.life = stopped
	s.mu.Unlock()

	s.bus.Publish(events.TopicStop)
	s.bus.Send(events.TopicStop)

	return err
}

// =============================================================================

// IsMining reports whether the chain produces blocks right now.
func (s *State) IsMining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.life&started != 0 && s.life&paused == 0
}

// IsPaused reports whether the paused bit is set.
func (s *State) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.life&paused != 0
}

// IsInstamining reports whether the chain mines a block per drain signal.
func (s *State) IsInstamining() bool {
	return s.cfg.BlockTime <= 0
}

// BlockTime returns the configured interval between blocks.
func (s *State) BlockTime() time.Duration {
	return s.cfg.BlockTime
}

// Bus returns the chain event bus.
func (s *State) Bus() *events.Bus {
	return s.bus
}

// ChainID returns the configured chain id.
func (s *State) ChainID() uint64 {
	return s.cfg.ChainID
}
