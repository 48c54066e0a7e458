package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// maxLineSize bounds a single streamed line.
const maxLineSize = 1024 * 1024

// lineParser decodes one non-empty line of a streaming response body.
// done reports the upstream completion signal; delta may be non-empty alongside it.
type lineParser func(line []byte) (delta string, done bool, err error)

// ErrResponseTimeout reports that the upstream sent no response headers in time.
var ErrResponseTimeout = errors.New("no response from upstream")

// openStream sends req and waits up to timeout for the response headers. The
// body is then read without a deadline, so long generations are not cut off;
// ctx still aborts the request at any point.
func openStream(ctx context.Context, client *http.Client, provider ProviderType, timeout time.Duration, req *http.Request, parse lineParser) (Stream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	resp, err := client.Do(req.WithContext(reqCtx))
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, upstreamErr(provider, "request", 0, fmt.Errorf("%w within %s", ErrResponseTimeout, timeout))
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, upstreamErr(provider, "request", 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, upstreamErr(provider, "request", resp.StatusCode, errors.New(strings.TrimSpace(string(detail))))
	}

	return newLineStream(reqCtx, cancel, provider, resp.Body, parse), nil
}

// lineStream implements Stream over a line-delimited HTTP response body.
type lineStream struct {
	provider ProviderType
	ctx      context.Context
	cancel   context.CancelFunc
	body     io.ReadCloser
	reader   *bufio.Reader
	parse    lineParser

	err       error
	closeOnce sync.Once
}

func newLineStream(ctx context.Context, cancel context.CancelFunc, provider ProviderType, body io.ReadCloser, parse lineParser) *lineStream {
	return &lineStream{
		provider: provider,
		ctx:      ctx,
		cancel:   cancel,
		body:     body,
		reader:   bufio.NewReaderSize(body, 64*1024),
		parse:    parse,
	}
}

func (s *lineStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for {
		line, readErr := s.readLine()
		if len(line) > 0 {
			delta, done, err := s.parse(line)
			if err != nil {
				return "", s.fail(upstreamErr(s.provider, "decode stream", 0, err))
			}
			if done {
				s.err = io.EOF
				s.Close()
				if delta != "" {
					return delta, nil
				}
				return "", io.EOF
			}
			if delta != "" {
				return delta, nil
			}
		}

		if readErr != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				if errors.Is(ctxErr, context.Canceled) {
					return "", s.fail(ctxErr)
				}
				return "", s.fail(upstreamErr(s.provider, "read stream", 0, ctxErr))
			}
			if errors.Is(readErr, io.EOF) {
				// Body ended without the completion marker: the reply is truncated.
				return "", s.fail(upstreamErr(s.provider, "read stream", 0, io.ErrUnexpectedEOF))
			}
			return "", s.fail(upstreamErr(s.provider, "read stream", 0, readErr))
		}
	}
}

func (s *lineStream) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, errors.New("stream line too long")
		}
		if err != nil || !isPrefix {
			return bytes.TrimSpace(buf), err
		}
	}
}

func (s *lineStream) fail(err error) error {
	s.err = err
	s.Close()
	return err
}

func (s *lineStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		if s.cancel != nil {
			s.cancel()
		}
	})
	return err
}
