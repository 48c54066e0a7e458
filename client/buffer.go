package client

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultFlushInterval = 50 * time.Millisecond
	defaultMinBufferSize = 3
)

// BufferConfig controls how tokens are batched for rendering.
type BufferConfig struct {
	// FlushInterval is the longest a received token waits before it is flushed.
	FlushInterval time.Duration
	// MinBufferSize is the number of pending tokens that triggers an immediate flush.
	MinBufferSize int
}

func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		FlushInterval: defaultFlushInterval,
		MinBufferSize: defaultMinBufferSize,
	}
}

type flush struct {
	chunk       string
	accumulated string
}

// TokenBuffer batches streamed tokens into larger chunks.
//
// A token is flushed immediately when MinBufferSize tokens are pending or
// FlushInterval has passed since the last flush; otherwise a flush is
// scheduled FlushInterval from now. The interval is measured from the last
// flush, or from creation or Reset before the first one. The accumulated text is always the exact
// concatenation of every token added since the last Reset.
//
// onFlush runs outside the buffer's lock, one call at a time, in flush order.
// It must not call AddToken or ForceFlush.
type TokenBuffer struct {
	cfg     BufferConfig
	onFlush func(chunk, accumulated string)

	mu          sync.Mutex
	pending     []string
	accumulated strings.Builder
	lastFlush   time.Time
	timer       *time.Timer
	// gen invalidates timer callbacks that lost a race with a flush or reset.
	gen        uint64
	queue      []flush
	delivering bool
	idle       *sync.Cond
}

func NewTokenBuffer(cfg BufferConfig, onFlush func(chunk, accumulated string)) *TokenBuffer {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.MinBufferSize <= 0 {
		cfg.MinBufferSize = defaultMinBufferSize
	}
	b := &TokenBuffer{cfg: cfg, onFlush: onFlush, lastFlush: time.Now()}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// AddToken appends a token and flushes or schedules a flush.
func (b *TokenBuffer) AddToken(token string) {
	b.mu.Lock()
	b.pending = append(b.pending, token)

	if len(b.pending) >= b.cfg.MinBufferSize || time.Since(b.lastFlush) >= b.cfg.FlushInterval {
		b.flushLocked()
		b.mu.Unlock()
		b.deliver(false)
		return
	}

	b.scheduleLocked()
	b.mu.Unlock()
}

// ForceFlush cancels any scheduled flush and flushes pending tokens now.
// Every flush is delivered by the time it returns.
func (b *TokenBuffer) ForceFlush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
	b.deliver(true)
}

// Reset discards pending and accumulated text, cancels the scheduled flush and
// drops flushes not yet delivered. The flush interval restarts from now, as
// Reset marks the start of a new stream.
func (b *TokenBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopTimerLocked()
	b.pending = nil
	b.accumulated.Reset()
	b.lastFlush = time.Now()
	b.queue = nil
}

// Text returns the flushed text.
func (b *TokenBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accumulated.String()
}

// Pending returns the number of tokens waiting to be flushed.
func (b *TokenBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *TokenBuffer) scheduleLocked() {
	b.stopTimerLocked()
	gen := b.gen
	b.timer = time.AfterFunc(b.cfg.FlushInterval, func() {
		b.timerFired(gen)
	})
}

func (b *TokenBuffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

func (b *TokenBuffer) timerFired(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.flushLocked()
	b.mu.Unlock()
	b.deliver(false)
}

// flushLocked moves pending tokens into the accumulated text and queues the
// chunk for delivery. Nothing is queued when nothing is pending.
func (b *TokenBuffer) flushLocked() {
	b.stopTimerLocked()
	if len(b.pending) == 0 {
		return
	}

	chunk := strings.Join(b.pending, "")
	b.pending = b.pending[:0]
	b.accumulated.WriteString(chunk)
	b.lastFlush = time.Now()
	b.queue = append(b.queue, flush{chunk: chunk, accumulated: b.accumulated.String()})
}

// deliver drains the flush queue. Only one goroutine delivers at a time; the
// others leave their flushes to it, or with wait set, block until it is done.
func (b *TokenBuffer) deliver(wait bool) {
	b.mu.Lock()
	if b.delivering {
		for wait && b.delivering {
			b.idle.Wait()
		}
		b.mu.Unlock()
		return
	}
	b.delivering = true
	for len(b.queue) > 0 {
		f := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		if b.onFlush != nil {
			b.onFlush(f.chunk, f.accumulated)
		}
		b.mu.Lock()
	}
	b.delivering = false
	b.idle.Broadcast()
	b.mu.Unlock()
}
