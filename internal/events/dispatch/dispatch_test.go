package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/todoflow/todoflow/internal/common/logger"
	"github.com/todoflow/todoflow/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func TestKeyedDispatcher_ReturnsOutcome(t *testing.T) {
	d := NewKeyedDispatcher(4, newTestLogger(t))
	defer d.Close()

	for _, want := range []bus.Outcome{bus.Ack, bus.Retry, bus.Drop} {
		got := d.Do(context.Background(), "key", func(ctx context.Context) bus.Outcome {
			return want
		})
		if got != want {
			t.Errorf("Expected outcome %v, got %v", want, got)
		}
	}
}

func TestKeyedDispatcher_SameKeyRunsInOrder(t *testing.T) {
	d := NewKeyedDispatcher(4, newTestLogger(t))
	defer d.Close()

	// Do blocks until the handler finishes, so an ordered caller (the bus's
	// per-subscription delivery loop) yields ordered execution.
	const total = 100
	var order []int
	for i := 0; i < total; i++ {
		i := i
		d.Do(context.Background(), "lineage-1", func(ctx context.Context) bus.Outcome {
			order = append(order, i)
			return bus.Ack
		})
	}

	if len(order) != total {
		t.Fatalf("Expected %d executions, got %d", total, len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("Out of order at %d: got %d", i, v)
		}
	}
}

func TestKeyedDispatcher_SameKeyNeverOverlaps(t *testing.T) {
	d := NewKeyedDispatcher(8, newTestLogger(t))
	defer d.Close()

	var inFlight, maxInFlight int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Do(context.Background(), "same-key", func(ctx context.Context) bus.Outcome {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&maxInFlight)
					if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return bus.Ack
			})
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxInFlight); got != 1 {
		t.Errorf("Expected at most 1 in-flight handler per key, observed %d", got)
	}
}

func TestKeyedDispatcher_DifferentKeysRunConcurrently(t *testing.T) {
	d := NewKeyedDispatcher(8, newTestLogger(t))
	defer d.Close()

	release := make(chan struct{})
	started := make(chan string, 2)

	var wg sync.WaitGroup
	for _, key := range []string{"alpha", "bravo"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Do(context.Background(), key, func(ctx context.Context) bus.Outcome {
				started <- key
				<-release
				return bus.Ack
			})
		}()
	}

	// Both handlers must start while neither has finished. With eight workers
	// and two distinct keys a shared worker is possible but the fnv spread of
	// these two keys keeps them apart.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			close(release)
			t.Fatal("Handlers for distinct keys did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestKeyedDispatcher_ClosedReturnsRetry(t *testing.T) {
	d := NewKeyedDispatcher(2, newTestLogger(t))
	d.Close()

	got := d.Do(context.Background(), "key", func(ctx context.Context) bus.Outcome {
		t.Error("Handler must not run after close")
		return bus.Ack
	})
	if got != bus.Retry {
		t.Errorf("Expected Retry after close, got %v", got)
	}
}

func TestKeyedDispatcher_ExpiredContextReturnsRetry(t *testing.T) {
	d := NewKeyedDispatcher(1, newTestLogger(t))
	defer d.Close()

	block := make(chan struct{})
	go d.Do(context.Background(), "hold", func(ctx context.Context) bus.Outcome {
		<-block
		return bus.Ack
	})
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	got := d.Do(ctx, "hold", func(ctx context.Context) bus.Outcome {
		return bus.Ack
	})
	close(block)

	if got != bus.Retry {
		t.Errorf("Expected Retry when no worker picks the job up in time, got %v", got)
	}
}
