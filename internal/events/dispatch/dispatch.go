// Package dispatch serializes event handling per key. Handlers for the same
// task lineage must run one at a time and in arrival order; handlers for
// different lineages may run concurrently.
package dispatch

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events/bus"
)

const defaultWorkers = 8

// job carries one unit of work to a worker. The reply channel propagates the
// outcome back to the blocked Do call so broker acknowledgment waits for the
// handler.
type job struct {
	ctx   context.Context
	fn    func(ctx context.Context) bus.Outcome
	reply chan bus.Outcome
}

// KeyedDispatcher routes work onto a fixed pool of workers by key hash. Work
// sharing a key lands on the same worker and therefore runs FIFO.
type KeyedDispatcher struct {
	workers []chan job
	wg      sync.WaitGroup
	logger  *logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKeyedDispatcher starts a dispatcher with the given worker count; zero or
// negative selects the default.
func NewKeyedDispatcher(workers int, log *logger.Logger) *KeyedDispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	d := &KeyedDispatcher{
		workers: make([]chan job, workers),
		logger:  log.WithFields(zap.String("component", "keyed_dispatcher")),
	}
	for i := range d.workers {
		ch := make(chan job)
		d.workers[i] = ch
		d.wg.Add(1)
		go d.run(ch)
	}
	return d
}

func (d *KeyedDispatcher) run(jobs <-chan job) {
	defer d.wg.Done()
	for j := range jobs {
		select {
		case <-j.ctx.Done():
			j.reply <- bus.Retry
		default:
			j.reply <- j.fn(j.ctx)
		}
	}
}

// Do runs fn on the worker owning key and blocks until it finishes, returning
// the handler outcome. After Close, or when ctx expires before a worker picks
// the job up, Do returns Retry so the message goes back to the broker.
func (d *KeyedDispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) bus.Outcome) bus.Outcome {
	// The read lock covers the send so Close cannot close a worker channel
	// with a send in flight.
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return bus.Retry
	}
	worker := d.workers[d.workerIndex(key)]

	j := job{ctx: ctx, fn: fn, reply: make(chan bus.Outcome, 1)}
	select {
	case worker <- j:
		d.mu.RUnlock()
		return <-j.reply
	case <-ctx.Done():
		d.mu.RUnlock()
		d.logger.Warn("dispatch timed out waiting for worker", zap.String("key", key))
		return bus.Retry
	}
}

func (d *KeyedDispatcher) workerIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.workers)))
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (d *KeyedDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
