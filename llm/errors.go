package llm

import "fmt"

// UpstreamError reports a failed or unreachable completion provider.
type UpstreamError struct {
	Provider   ProviderType
	Op         string
	StatusCode int // zero when no HTTP response was received
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstreamErr(provider ProviderType, op string, status int, err error) *UpstreamError {
	return &UpstreamError{Provider: provider, Op: op, StatusCode: status, Err: err}
}
