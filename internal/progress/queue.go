package progress

import (
	"sync"
	"sync/atomic"
)

// Queue decouples producers from a slow consumer with a bounded buffer. When
// the buffer is full new events are dropped.
type Queue struct {
	events   chan Event
	consumer Sink
	onDrop   func()
	dropped  atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue creates a queue delivering to consumer. onDrop, when set, is called
// for every dropped event.
func NewQueue(size int, consumer Sink, onDrop func()) *Queue {
	if size <= 0 {
		size = 256
	}
	if consumer == nil {
		consumer = Discard
	}
	return &Queue{
		events:   make(chan Event, size),
		consumer: consumer,
		onDrop:   onDrop,
		done:     make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case e := <-q.events:
			q.consumer.Publish(e)
		}
	}
}

// Publish enqueues an event without blocking.
func (q *Queue) Publish(e Event) {
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.events <- e:
	default:
		q.dropped.Add(1)
		if q.onDrop != nil {
			q.onDrop()
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close stops delivery. Buffered events that were not yet delivered are discarded.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}
