package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"kestrelvision.io/kestrel/internal/log"
)

// EventBus decouples the engine's hot loops from event reporting. Publish
// never blocks; a full partition drops the event rather than stalling the
// video path.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler)
	Close() error
	Stats() *Stats
}

// Stats counts bus activity.
type Stats struct {
	PublishedCount int64
	DroppedCount   int64
	ProcessedCount int64
	PartitionCount int
}

// InMemoryEventBus is the only bus implementation; events never leave the
// process except through a subscribed reporter.
type InMemoryEventBus struct {
	partitions     []*partition
	partitionCount int
	subscribers    map[string][]Handler
	mu             sync.RWMutex
	closed         int32

	publishedCount int64
	droppedCount   int64
	processedCount int64
}

// NewInMemoryEventBus starts partitionCount consumer goroutines, each with a
// queue of queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int) *InMemoryEventBus {
	if partitionCount <= 0 {
		partitionCount = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	bus := &InMemoryEventBus{
		partitionCount: partitionCount,
		subscribers:    make(map[string][]Handler),
		partitions:     make([]*partition, partitionCount),
	}
	for i := 0; i < partitionCount; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		bus.partitions[i] = &partition{
			id:      i,
			queue:   make(chan *Event, queueSize),
			ctx:     ctx,
			cancel:  cancel,
			handler: bus.dispatch,
		}
		go bus.runPartition(bus.partitions[i])
	}
	return bus
}

// Publish routes the event to its partition. Returns an error only when the
// bus is closed; a full queue counts as a drop and returns nil.
func (b *InMemoryEventBus) Publish(event *Event) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return fmt.Errorf("event bus is closed")
	}
	p := b.partitions[b.partitionID(event.Key)]
	select {
	case p.queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		atomic.AddInt64(&b.droppedCount, 1)
		return nil
	}
}

// Subscribe registers a handler for a topic. Multiple handlers per topic are
// invoked in registration order.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Close stops all partitions. Queued events are discarded.
func (b *InMemoryEventBus) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}
	for _, p := range b.partitions {
		p.cancel()
	}
	return nil
}

// Stats returns a snapshot of bus counters.
func (b *InMemoryEventBus) Stats() *Stats {
	return &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		DroppedCount:   atomic.LoadInt64(&b.droppedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		PartitionCount: b.partitionCount,
	}
}

func (b *InMemoryEventBus) partitionID(key string) int {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return int(hasher.Sum32()) % b.partitionCount
}

func (b *InMemoryEventBus) dispatch(event *Event) error {
	b.mu.RLock()
	handlers := b.subscribers[event.Topic]
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			return err
		}
	}
	return nil
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case event, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.handler(event); err != nil {
				log.GetLogger().WithError(err).
					WithField("topic", event.Topic).
					Errorf("failed to handle event in partition %d", p.id)
			} else {
				atomic.AddInt64(&b.processedCount, 1)
			}
		}
	}
}
