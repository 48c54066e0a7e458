package ws

import (
	"context"
	"io"
	"sync"

	"github.com/streamchat/server/llm"
)

// mockProvider streams a fixed reply. With block set the stream stalls after
// the deltas until its context is cancelled.
type mockProvider struct {
	deltas []string
	block  bool

	mu       sync.Mutex
	requests [][]llm.Message
}

func newMockProvider(deltas ...string) *mockProvider {
	return &mockProvider{deltas: deltas}
}

func (p *mockProvider) Stream(ctx context.Context, messages []llm.Message, params llm.Params) (llm.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, messages)
	p.mu.Unlock()

	return &mockStream{ctx: ctx, deltas: p.deltas, block: p.block}, nil
}

func (p *mockProvider) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *mockProvider) request(i int) []llm.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type mockStream struct {
	ctx    context.Context
	deltas []string
	block  bool
	pos    int
}

func (s *mockStream) Recv() (string, error) {
	if s.pos < len(s.deltas) {
		d := s.deltas[s.pos]
		s.pos++
		return d, nil
	}
	if s.block {
		<-s.ctx.Done()
		return "", s.ctx.Err()
	}
	return "", io.EOF
}

func (s *mockStream) Close() error { return nil }
