package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/models"
)

// Sink persists a batch of events.
type Sink interface {
	Write(ctx context.Context, events []models.CacheEvent) error
}

// maxBacklog caps buffered events, as a multiple of the batch size, while
// the sink is failing.
const maxBacklog = 10

// Batcher buffers events and writes them to a Sink in batches: when the
// buffer reaches its size, on every flush interval, and on Close.
type Batcher struct {
	sink     Sink
	size     int
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	buf     []models.CacheEvent
	dropped int64

	kick    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewBatcher creates a stopped Batcher; call Start to run the flush loop.
func NewBatcher(sink Sink, size int, interval time.Duration, logger *zap.Logger) *Batcher {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		sink:     sink,
		size:     size,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the flush loop. It is a no-op after the first call.
func (b *Batcher) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	b.wg.Add(1)
	go b.loop()
}

// Record buffers one event. It never blocks on the sink.
func (b *Batcher) Record(ev models.CacheEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.buf) >= b.size*maxBacklog {
		b.dropped++
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, ev)
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush writes everything buffered. On failure the events are put back.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	dropped := b.dropped
	b.dropped = 0
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("analytics events dropped", zap.Int64("count", dropped))
	}
	if len(batch) == 0 {
		return nil
	}

	if err := b.sink.Write(ctx, batch); err != nil {
		b.mu.Lock()
		if room := b.size*maxBacklog - len(b.buf); room > 0 {
			if len(batch) > room {
				batch = batch[len(batch)-room:]
			}
			b.buf = append(batch, b.buf...)
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

// Close stops the loop and flushes what remains.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.done)
		b.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Flush(ctx)
}

// Pending returns the number of buffered events.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		case <-b.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.Flush(ctx); err != nil {
			b.logger.Warn("analytics flush failed", zap.Error(err))
		}
		cancel()
	}
}
