// Package worker implements the mining loops for the chain: instant mode
// driven by the pool's drain signal and interval mode driven by a
// self-rescheduling timer.
package worker

import (
	"sync"
	"time"

	"github.com/simchain/simchain/foundation/chain/state"
	"github.com/simchain/simchain/foundation/events"
)

// Worker manages the mining workflows for the chain.
type Worker struct {
	state     *state.State
	wg        sync.WaitGroup
	shut      chan struct{}
	drain     chan struct{}
	evHandler state.EventHandler
}

// Run creates a worker, registers the worker with the state package, starts
// the mining loop matching the configured mode, and completes the chain
// start-up.
func Run(st *state.State, evHandler state.EventHandler) {
	if evHandler == nil {
		evHandler = func(v string, args ...any) {}
	}

	w := Worker{
		state:     st,
		shut:      make(chan struct{}),
		drain:     make(chan struct{}, 1),
		evHandler: evHandler,
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Select the operation for the configured mining mode.
	operation := w.instantOperations
	if st.BlockTime() > 0 {
		operation = w.intervalOperations
	}

	// We don't want to return until we know the G is up and running.
	hasStarted := make(chan bool)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		hasStarted <- true
		operation()
	}()

	<-hasStarted

	// The mining loop is wired: the chain is started.
	st.MarkStarted()
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutine performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	close(w.shut)
	w.wg.Wait()
}

// SignalDrain wakes the mining loop because executable transactions are
// available. A signal already pending is enough; extra ones collapse.
func (w *Worker) SignalDrain() {
	select {
	case w.drain <- struct{}{}:
		w.evHandler("worker: SignalDrain: drain signaled")
	default:
	}
}

// =============================================================================

// instantOperations mines one transaction's worth per drain signal, or
// everything accumulated when a pause ends.
func (w *Worker) instantOperations() {
	w.evHandler("worker: instantOperations: G started")
	defer w.evHandler("worker: instantOperations: G completed")

	for {
		select {
		case <-w.drain:
			if w.isShutdown() {
				return
			}

			// A drain can go stale when a previous cycle already
			// consumed everything. Never mine an empty block for it.
			if !w.state.HasExecutables() {
				continue
			}

			if w.state.IsPaused() {
				// Hold until the resume, then drain everything that
				// accumulated while paused.
				if !w.waitResume() {
					return
				}
				w.mine(-1)
				continue
			}

			w.mine(1)

		case <-w.shut:
			w.evHandler("worker: instantOperations: received shut signal")
			return
		}
	}
}

// intervalOperations mines everything executable once per block time. The
// timer lives on this goroutine, so it never keeps the process alive on
// its own.
func (w *Worker) intervalOperations() {
	w.evHandler("worker: intervalOperations: G started: interval[%v]", w.state.BlockTime())
	defer w.evHandler("worker: intervalOperations: G completed")

	ticker := time.NewTicker(w.state.BlockTime())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if w.isShutdown() {
				return
			}

			if w.state.IsPaused() {
				if !w.waitResume() {
					return
				}
			}

			w.mine(-1)

		case <-w.shut:
			w.evHandler("worker: intervalOperations: received shut signal")
			return
		}
	}
}

// =============================================================================

// mine runs one mining cycle and logs failures.
func (w *Worker) mine(maxTransactions int) {
	if _, err := w.state.Mine(maxTransactions, 0); err != nil {
		w.evHandler("worker: mine: ERROR: %s", err)
	}
}

// waitResume blocks until the chain resumes or the worker shuts down. The
// false return means shutdown.
func (w *Worker) waitResume() bool {
	resume, cancel := w.state.Bus().Once(events.TopicResume)
	defer cancel()

	// The pause may have ended between the check and the subscription.
	if !w.state.IsPaused() {
		return true
	}

	select {
	case <-resume:
		return true
	case <-w.shut:
		return false
	}
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
