// Package events carries prediction outcomes from the request path to
// background subscribers such as the history store.
package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"github.com/Brownie44l1/cattle-breed-api/internal/logging"
)

// TopicPredictionCompleted is published once per orchestrator run.
const TopicPredictionCompleted = "prediction:completed"

// DefaultQueueSize bounds the outcomes waiting for delivery.
const DefaultQueueSize = 1000

// Outcome summarises one finished prediction run.
type Outcome struct {
	RequestID   string
	Filename    string
	State       string
	ErrorKind   string
	TopBreed    string
	Confidence  float32
	Alternates  []Alternate
	ModelLoaded bool
	Duration    time.Duration
	At          time.Time
}

// Alternate is a ranked runner-up breed.
type Alternate struct {
	BreedName  string  `json:"breed_name"`
	Confidence float32 `json:"confidence"`
}

// Success reports whether the run reached the completed state.
func (o Outcome) Success() bool { return o.ErrorKind == "" }

// Publisher is the side the orchestrator needs.
type Publisher interface {
	PublishOutcome(Outcome)
}

// Bus queues outcomes on a buffered channel and delivers them to EventBus
// subscribers from a single worker goroutine. Publishing never waits for a
// subscriber; when the queue is full the outcome is dropped and counted.
type Bus struct {
	bus    evbus.Bus
	queue  chan Outcome
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	pending sync.WaitGroup
	dropped atomic.Int64
}

func New() *Bus {
	return NewWithQueue(DefaultQueueSize, nil)
}

// NewWithQueue starts a bus whose queue holds size outcomes.
func NewWithQueue(size int, logger *slog.Logger) *Bus {
	if size < 1 {
		size = DefaultQueueSize
	}
	b := &Bus{
		bus:    evbus.New(),
		queue:  make(chan Outcome, size),
		logger: logging.OrDefault(logger),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.worker()
	return b
}

func (b *Bus) worker() {
	defer close(b.done)
	for {
		select {
		case <-b.stop:
			// Publishers are shut out by now, so the queue only shrinks.
			for {
				select {
				case o := <-b.queue:
					b.deliver(o)
				default:
					return
				}
			}
		case o := <-b.queue:
			b.deliver(o)
		}
	}
}

func (b *Bus) deliver(o Outcome) {
	defer b.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("outcome subscriber panicked", "request_id", o.RequestID, "panic", r)
		}
	}()
	b.bus.Publish(TopicPredictionCompleted, o)
}

// PublishOutcome enqueues o and returns immediately.
func (b *Bus) PublishOutcome(o Outcome) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}

	b.pending.Add(1)
	select {
	case b.queue <- o:
	default:
		b.pending.Done()
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("outcome queue full, dropping", "request_id", o.RequestID, "dropped", n)
		}
	}
}

// OnOutcome registers fn for every delivered outcome. Subscribers run one
// outcome at a time on the bus worker, so their calls never overlap.
func (b *Bus) OnOutcome(fn func(Outcome)) error {
	if err := b.bus.Subscribe(TopicPredictionCompleted, fn); err != nil {
		return fmt.Errorf("subscribe %s: %w", TopicPredictionCompleted, err)
	}
	return nil
}

// Dropped returns how many outcomes were discarded.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Wait blocks until every queued outcome has been delivered.
func (b *Bus) Wait() {
	b.pending.Wait()
}

// Close stops accepting outcomes, delivers what is queued and stops the
// worker. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.stop)
	}
	b.mu.Unlock()
	<-b.done
}
