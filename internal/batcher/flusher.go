// ABOUTME: Debounced flush policy that drains quiet threads from the buffer
// ABOUTME: Hands each drained batch to a sink on a bounded worker pool without overlapping a thread

package batcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/threadbuf"
)

// Defaults for zero-valued Options fields.
const (
	DefaultQuietPeriod     = 3 * time.Second
	DefaultWorkers         = 4
	DefaultDeliverTimeout  = 2 * time.Minute
	DefaultShutdownTimeout = 15 * time.Second
)

// Buffer is the subset of threadbuf.Buffer the flusher drains.
type Buffer interface {
	Drain(channelID, threadTS string) []threadbuf.Message
	Pending(channelID, threadTS string) int
	Threads() []threadbuf.ThreadStat
}

// Batch is everything drained from one thread in one flush.
type Batch struct {
	ID        string
	Key       threadbuf.ThreadKey
	Messages  []threadbuf.Message
	DrainedAt time.Time
}

// Attachments returns every attachment in the batch in message order.
func (b Batch) Attachments() []threadbuf.Attachment {
	var out []threadbuf.Attachment
	for _, m := range b.Messages {
		out = append(out, m.Attachments...)
	}
	return out
}

// Sink receives drained batches. Calls for the same thread never overlap.
type Sink interface {
	Deliver(ctx context.Context, batch Batch) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, batch Batch) error

// Deliver calls f(ctx, batch).
func (f SinkFunc) Deliver(ctx context.Context, batch Batch) error { return f(ctx, batch) }

// Options controls when threads are flushed.
type Options struct {
	// QuietPeriod is how long a thread must go without new messages.
	QuietPeriod time.Duration
	// MaxWait flushes a busy thread this long after its first unflushed
	// message even if it never goes quiet. Zero disables.
	MaxWait time.Duration
	// MaxBatch flushes as soon as this many messages are pending. Zero disables.
	MaxBatch int
	// Workers bounds concurrent deliveries.
	Workers int
	// DeliverTimeout bounds a single Sink call.
	DeliverTimeout time.Duration
	// ShutdownTimeout bounds the final flush after Run's context ends.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.QuietPeriod <= 0 {
		out.QuietPeriod = DefaultQuietPeriod
	}
	if out.Workers <= 0 {
		out.Workers = DefaultWorkers
	}
	if out.DeliverTimeout <= 0 {
		out.DeliverTimeout = DefaultDeliverTimeout
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = DefaultShutdownTimeout
	}
	return out
}

// threadTimer is the flush bookkeeping for one thread.
type threadTimer struct {
	timer    *time.Timer
	started  time.Time // first notify since the last flush
	queued   bool      // sent to the ready channel, not yet picked up
	inFlight bool      // a worker is draining/delivering
	dirty    bool      // notified while in flight
	gen      uint64    // bumped whenever the timer is re-armed or cancelled
}

// Flusher decides when to drain threads and delivers the batches.
type Flusher struct {
	buf    Buffer
	sink   Sink
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	threads map[threadbuf.ThreadKey]*threadTimer
	stopped bool

	ready chan threadbuf.ThreadKey
	done  chan struct{}
}

// New creates a Flusher. Call Run to start delivering.
func New(buf Buffer, sink Sink, opts Options, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flusher{
		buf:     buf,
		sink:    sink,
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "flusher"),
		now:     time.Now,
		threads: make(map[threadbuf.ThreadKey]*threadTimer),
		ready:   make(chan threadbuf.ThreadKey, 64),
		done:    make(chan struct{}),
	}
}

// Notify records that key just received a message and (re)arms its timer.
func (f *Flusher) Notify(key threadbuf.ThreadKey) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}

	t, ok := f.threads[key]
	if !ok {
		t = &threadTimer{started: f.now()}
		f.threads[key] = t
	}
	if t.inFlight {
		t.dirty = true
		return
	}
	if t.queued {
		return
	}

	if f.opts.MaxBatch > 0 && f.buf.Pending(key.ChannelID, key.ThreadTS) >= f.opts.MaxBatch {
		f.enqueueLocked(key, t)
		return
	}
	f.armLocked(key, t)
}

// armLocked schedules the next flush for key. Must be called with mu held.
func (f *Flusher) armLocked(key threadbuf.ThreadKey, t *threadTimer) {
	delay := f.opts.QuietPeriod
	if f.opts.MaxWait > 0 {
		if untilMax := t.started.Add(f.opts.MaxWait).Sub(f.now()); untilMax < delay {
			delay = max(untilMax, 0)
		}
	}

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() { f.fire(key, t, gen) })
}

// fire runs on the timer goroutine when a thread's delay elapses. A callback
// that lost the race with a re-arm or a flush carries an old generation and
// is ignored.
func (f *Flusher) fire(key threadbuf.ThreadKey, t *threadTimer, gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.threads[key]; !ok || cur != t || t.gen != gen {
		return
	}
	if f.stopped || t.queued || t.inFlight {
		return
	}
	f.enqueueLocked(key, t)
}

// enqueueLocked hands key to the workers. Must be called with mu held.
func (f *Flusher) enqueueLocked(key threadbuf.ThreadKey, t *threadTimer) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	t.queued = true
	// Sending happens off the lock so a full channel cannot stall Notify
	go func() {
		select {
		case f.ready <- key:
		case <-f.done:
		}
	}()
}

// Run delivers flushed threads until ctx is cancelled, then drains every
// registered thread one last time.
func (f *Flusher) Run(ctx context.Context) error {
	f.logger.Info("flusher running",
		"quiet_period", f.opts.QuietPeriod,
		"max_wait", f.opts.MaxWait,
		"max_batch", f.opts.MaxBatch,
		"workers", f.opts.Workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < f.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case key := <-f.ready:
					f.flush(context.WithoutCancel(ctx), key)
				}
			}
		})
	}
	_ = g.Wait()

	f.stop()
	f.flushAll()
	return nil
}

// stop prevents new timers and releases pending enqueue goroutines.
func (f *Flusher) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	f.stopped = true
	close(f.done)
	for _, t := range f.threads {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

// flush drains one thread and delivers the batch.
func (f *Flusher) flush(ctx context.Context, key threadbuf.ThreadKey) {
	f.mu.Lock()
	t, ok := f.threads[key]
	if !ok {
		t = &threadTimer{}
		f.threads[key] = t
	}
	t.queued = false
	t.inFlight = true
	t.dirty = false
	f.mu.Unlock()

	msgs := f.buf.Drain(key.ChannelID, key.ThreadTS)
	if len(msgs) > 0 {
		f.deliver(ctx, key, msgs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t.inFlight = false
	if t.dirty && !f.stopped {
		t.dirty = false
		t.started = f.now()
		f.armLocked(key, t)
		return
	}
	delete(f.threads, key)
}

func (f *Flusher) deliver(ctx context.Context, key threadbuf.ThreadKey, msgs []threadbuf.Message) {
	batch := Batch{
		ID:        uuid.NewString(),
		Key:       key,
		Messages:  msgs,
		DrainedAt: f.now(),
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.DeliverTimeout)
	defer cancel()

	f.logger.Info("delivering batch", "batch_id", batch.ID, "thread", key.String(), "messages", len(msgs))
	if err := f.sink.Deliver(ctx, batch); err != nil {
		f.logger.Error("batch delivery failed", "batch_id", batch.ID, "thread", key.String(), "error", err)
	}
}

// flushAll drains every registered thread that still holds messages.
func (f *Flusher) flushAll() {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.ShutdownTimeout)
	defer cancel()

	for _, st := range f.buf.Threads() {
		if st.Pending == 0 {
			continue
		}
		if ctx.Err() != nil {
			f.logger.Warn("shutdown timeout reached, abandoning buffered threads")
			return
		}
		msgs := f.buf.Drain(st.Key.ChannelID, st.Key.ThreadTS)
		if len(msgs) > 0 {
			f.deliver(ctx, st.Key, msgs)
		}
	}
}
