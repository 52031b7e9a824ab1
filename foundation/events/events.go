// Package events provides the publish/subscribe bus the blockchain uses to
// signal lifecycle, block, and transaction activity, plus the registering and
// receiving of raw event strings for streaming to clients.
package events

import (
	"fmt"
	"sync"

	"github.com/asaskevich/EventBus"
	"github.com/ethereum/go-ethereum/common"
)

// The closed set of topics carried on the bus. Per-transaction completion
// topics are constructed dynamically from the transaction hash.
const (
	TopicStart              = "start"
	TopicPause              = "pause"
	TopicResume             = "resume"
	TopicStop               = "stop"
	TopicStep               = "step"
	TopicBlock              = "block"
	TopicBlockLogs          = "blockLogs"
	TopicPendingTransaction = "pendingTransaction"
)

// TransactionTopic returns the completion topic for the specified hash.
func TransactionTopic(txHash common.Hash) string {
	return fmt.Sprintf("transaction:%s", txHash.Hex())
}

// TransactionFailureTopic returns the failure topic for the specified hash.
func TransactionFailureTopic(txHash common.Hash) string {
	return fmt.Sprintf("transaction-failure:%s", txHash.Hex())
}

// =============================================================================

// Bus carries the typed chain topics and maintains a mapping of unique id and
// channels so goroutines can register and receive raw event strings.
type Bus struct {
	bus EventBus.Bus
	m   map[string]chan string
	mu  sync.RWMutex
}

// New constructs a bus for publishing and receiving events.
func New() *Bus {
	return &Bus{
		bus: EventBus.New(),
		m:   make(map[string]chan string),
	}
}

// Publish delivers the arguments to every subscriber of the topic.
func (b *Bus) Publish(topic string, args ...any) {
	b.bus.Publish(topic, args...)
}

// Subscribe registers the handler function for the topic.
func (b *Bus) Subscribe(topic string, fn any) error {
	return b.bus.Subscribe(topic, fn)
}

// Unsubscribe removes the handler function for the topic.
func (b *Bus) Unsubscribe(topic string, fn any) error {
	return b.bus.Unsubscribe(topic, fn)
}

// Once returns a channel that receives the arguments of the next publish on
// the topic, plus a cancel function to release the subscription if the
// caller stops waiting.
func (b *Bus) Once(topic string) (<-chan []any, func()) {
	ch := make(chan []any, 1)

	fn := func(args ...any) {
		select {
		case ch <- args:
		default:
		}
	}
	b.bus.SubscribeOnce(topic, fn)

	cancel := func() {
		b.bus.Unsubscribe(topic, fn)
	}

	return ch, cancel
}

// =============================================================================

// Shutdown closes and removes all channels that were provided by
// the call to Acquire.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.m {
		delete(b.m, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used
// to receive raw event strings.
func (b *Bus) Acquire(id string) chan string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.m[id]
	if exists {
		return ch
	}

	// Since a message will be dropped if the websocket receiver is
	// not ready to receive, this arbitrary buffer should give the receiver
	// enough time to not lose a message. Websocket send could take long.
	const messageBuffer = 100

	b.m[id] = make(chan string, messageBuffer)
	return b.m[id]
}

// Release closes and removes the channel that was provided by
// the call to Acquire.
func (b *Bus) Release(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(b.m, id)
	close(ch)
	return nil
}

// Send signals a message to every registered channel. Send will not block
// waiting for a receiver on any given channel.
func (b *Bus) Send(s string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.m {
		select {
		case ch <- s:
		default:
		}
	}
}
