package client

import (
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	chunks  []string
	last    string
	flushed chan string
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{flushed: make(chan string, 64)}
}

func (r *flushRecorder) onFlush(chunk, accumulated string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.last = accumulated
	r.mu.Unlock()
	select {
	case r.flushed <- chunk:
	default:
	}
}

func (r *flushRecorder) snapshot() ([]string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.chunks...), r.last
}

func TestTokenBuffer_FirstTokensWaitForBatch(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: time.Hour, MinBufferSize: 3}, rec.onFlush)

	b.AddToken("Hel")

	if chunks, _ := rec.snapshot(); len(chunks) != 0 {
		t.Errorf("expected first token to wait for a batch, got flushes %q", chunks)
	}
	if got := b.Pending(); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestTokenBuffer_SizeThreshold(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: time.Hour, MinBufferSize: 3}, rec.onFlush)

	b.AddToken("a")
	b.AddToken("b")
	if got := b.Pending(); got != 2 {
		t.Fatalf("Pending() = %d before threshold, want 2", got)
	}
	if got := b.Text(); got != "" {
		t.Fatalf("Text() = %q before threshold, want empty", got)
	}

	b.AddToken("c")

	if got := b.Pending(); got != 0 {
		t.Errorf("Pending() = %d after %d tokens, want 0", got, 3)
	}
	if got := b.Text(); got != "abc" {
		t.Errorf("Text() = %q, want %q", got, "abc")
	}
	chunks, last := rec.snapshot()
	if len(chunks) != 1 || chunks[0] != "abc" || last != "abc" {
		t.Errorf("chunks = %q (accumulated %q), want one flush of %q", chunks, last, "abc")
	}
}

func TestTokenBuffer_TimeThreshold(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: 20 * time.Millisecond, MinBufferSize: 100}, rec.onFlush)

	// Interval already elapsed: the token is flushed synchronously.
	time.Sleep(30 * time.Millisecond)
	b.AddToken("a")
	if got := b.Text(); got != "a" {
		t.Fatalf("Text() = %q, want immediate flush of %q", got, "a")
	}
	<-rec.flushed

	// Interval not elapsed: the token waits for the scheduled flush.
	b.AddToken("b")
	if got := b.Pending(); got != 1 {
		t.Errorf("Pending() = %d right after flush, want 1", got)
	}

	select {
	case chunk := <-rec.flushed:
		if chunk != "b" {
			t.Errorf("chunk = %q, want %q", chunk, "b")
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled flush did not happen")
	}
	if got := b.Text(); got != "ab" {
		t.Errorf("Text() = %q, want %q", got, "ab")
	}
}

func TestTokenBuffer_RescheduleReplacesPendingFlush(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: 40 * time.Millisecond, MinBufferSize: 100}, rec.onFlush)

	b.AddToken("a")
	<-rec.flushed
	b.AddToken("b")
	b.AddToken("c")

	select {
	case chunk := <-rec.flushed:
		if chunk != "bc" {
			t.Errorf("chunk = %q, want a single flush of %q", chunk, "bc")
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled flush did not happen")
	}

	select {
	case chunk := <-rec.flushed:
		t.Errorf("unexpected extra flush %q", chunk)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTokenBuffer_ForceFlush(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: time.Hour, MinBufferSize: 10}, rec.onFlush)

	b.AddToken("x")
	b.AddToken("y")
	b.AddToken("z")
	b.ForceFlush()
	b.ForceFlush()

	chunks, _ := rec.snapshot()
	want := []string{"xyz"}
	if strings.Join(chunks, "|") != strings.Join(want, "|") {
		t.Errorf("chunks = %q, want %q (no empty flush)", chunks, want)
	}
	if got := b.Text(); got != "xyz" {
		t.Errorf("Text() = %q, want %q", got, "xyz")
	}
}

func TestTokenBuffer_ResetCancelsScheduledFlush(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: 20 * time.Millisecond, MinBufferSize: 100}, rec.onFlush)

	b.AddToken("old")
	<-rec.flushed
	b.AddToken("stale")
	b.Reset()

	select {
	case chunk := <-rec.flushed:
		t.Errorf("late flush after reset: %q", chunk)
	case <-time.After(80 * time.Millisecond):
	}

	if b.Text() != "" || b.Pending() != 0 {
		t.Errorf("expected empty buffer after reset, got text %q pending %d", b.Text(), b.Pending())
	}

	b.AddToken("new")
	if got := b.Text(); got != "" {
		t.Errorf("Text() = %q right after reset, want the token held for a batch", got)
	}
	b.ForceFlush()
	if got := b.Text(); got != "new" {
		t.Errorf("Text() = %q after reset, want %q", got, "new")
	}
}

func TestTokenBuffer_PreservesContentUnderTimerRaces(t *testing.T) {
	rec := newFlushRecorder()
	b := NewTokenBuffer(BufferConfig{FlushInterval: time.Millisecond, MinBufferSize: 3}, rec.onFlush)

	var want strings.Builder
	for i := 0; i < 2000; i++ {
		tok := strconv.Itoa(i) + ","
		want.WriteString(tok)
		b.AddToken(tok)
		if i%50 == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	b.ForceFlush()

	if got := b.Text(); got != want.String() {
		t.Fatalf("accumulated text differs from tokens received\n got %q\nwant %q", got, want.String())
	}

	chunks, last := rec.snapshot()
	for _, c := range chunks {
		if c == "" {
			t.Fatal("empty chunk flushed")
		}
	}
	if joined := strings.Join(chunks, ""); joined != want.String() {
		t.Errorf("flushed chunks do not concatenate to the stream")
	}
	if last != want.String() {
		t.Errorf("last accumulated value is stale")
	}
}
