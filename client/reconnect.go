package client

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrPermanent marks a dial failure that retrying cannot fix, such as a
// rejected auth token.
var ErrPermanent = errors.New("permanent connection failure")

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is a snapshot of the reconnection state for display.
type Status struct {
	State      State
	RetryCount int
	// NextDelay and NextRetryAt describe the scheduled retry, if any.
	NextDelay   time.Duration
	NextRetryAt time.Time
	// Final is set when the server asked us not to reconnect.
	Final bool
	// Failed is set when the retry budget is exhausted.
	Failed  bool
	LastErr error
}

// Retrying reports whether a retry is scheduled.
func (s Status) Retrying() bool {
	return s.State == StateDisconnected && !s.NextRetryAt.IsZero()
}

// Link is one established connection.
type Link interface {
	// Done is closed when the connection is lost.
	Done() <-chan struct{}
	// Final reports whether the peer closed the connection on purpose and
	// asked not to be reconnected.
	Final() bool
	Close() error
}

type Dialer func(ctx context.Context) (Link, error)

type ReconnectConfig struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	MaxRetries int
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Factor:      2,
		MaxRetries:  10,
		DialTimeout: 10 * time.Second,
		Rand:        rand.Float64,
	}
}

func (c ReconnectConfig) withDefaults() ReconnectConfig {
	d := DefaultReconnectConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.Rand == nil {
		c.Rand = d.Rand
	}
	return c
}

// Delay returns min(MaxDelay, BaseDelay*Factor^retry) scaled by jitter.
func (c ReconnectConfig) Delay(retry int, jitter float64) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.Factor, float64(retry))
	if backoff > float64(c.MaxDelay) || math.IsInf(backoff, 0) {
		backoff = float64(c.MaxDelay)
	}
	return time.Duration(backoff * jitter)
}

// jitter maps Rand into [0.5, 1.0].
func (c ReconnectConfig) jitter() float64 {
	return 0.5 + 0.5*c.Rand()
}

// Reconnector keeps a connection alive. It is the only place that decides
// when to reconnect; connection drops are reported through status updates,
// never as errors.
type Reconnector struct {
	cfg       ReconnectConfig
	dial      Dialer
	onConnect func(Link)

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	retryCount  int
	nextDelay   time.Duration
	nextRetryAt time.Time
	final       bool
	failed      bool
	lastErr     error
	link        Link
	timer       *time.Timer
	gen         uint64
	closed      bool
	onStatus    func(Status)
}

// NewReconnector creates a reconnector. onConnect is called with each newly
// established link before it is reported as connected. It runs under the
// reconnector's lock and must not call back into it.
func NewReconnector(cfg ReconnectConfig, dial Dialer, onConnect func(Link)) *Reconnector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconnector{
		cfg:       cfg.withDefaults(),
		dial:      dial,
		onConnect: onConnect,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// OnStatus registers a callback invoked after every state change.
func (r *Reconnector) OnStatus(fn func(Status)) {
	r.mu.Lock()
	r.onStatus = fn
	r.mu.Unlock()
}

func (r *Reconnector) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Reconnector) statusLocked() Status {
	return Status{
		State:       r.state,
		RetryCount:  r.retryCount,
		NextDelay:   r.nextDelay,
		NextRetryAt: r.nextRetryAt,
		Final:       r.final,
		Failed:      r.failed,
		LastErr:     r.lastErr,
	}
}

func (r *Reconnector) notify(st Status) {
	r.mu.Lock()
	fn := r.onStatus
	r.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// Start makes the first connection attempt in the background.
func (r *Reconnector) Start() {
	r.mu.Lock()
	if r.closed || r.state != StateDisconnected || r.link != nil {
		r.mu.Unlock()
		return
	}
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	go r.attempt(gen)
}

// ReconnectNow connects immediately, skipping any scheduled delay. It also
// clears Final and Failed and restores the retry budget. Returns false unless
// disconnected.
func (r *Reconnector) ReconnectNow() bool {
	r.mu.Lock()
	if r.closed || r.state != StateDisconnected {
		r.mu.Unlock()
		return false
	}
	r.stopTimerLocked()
	r.retryCount = 0
	r.final = false
	r.failed = false
	gen := r.gen
	r.mu.Unlock()

	slog.Debug("manual reconnect requested")
	go r.attempt(gen)
	return true
}

// Close stops reconnecting, cancels a pending timer or dial and closes the
// current link. No attempt is made after Close returns.
func (r *Reconnector) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.stopTimerLocked()
	link := r.link
	r.link = nil
	r.state = StateDisconnected
	r.mu.Unlock()

	r.cancel()
	if link != nil {
		return link.Close()
	}
	return nil
}

// stopTimerLocked cancels the scheduled retry and invalidates any attempt
// already started from it.
func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.nextDelay = 0
	r.nextRetryAt = time.Time{}
	r.gen++
}

func (r *Reconnector) attempt(gen uint64) {
	r.mu.Lock()
	if r.closed || gen != r.gen || r.state != StateDisconnected {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.nextDelay = 0
	r.nextRetryAt = time.Time{}
	r.state = StateConnecting
	r.gen++
	gen = r.gen
	st := r.statusLocked()
	r.mu.Unlock()
	r.notify(st)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.DialTimeout)
	link, err := r.dial(ctx)
	cancel()

	r.mu.Lock()
	if r.closed || gen != r.gen {
		r.mu.Unlock()
		if link != nil {
			link.Close()
		}
		return
	}

	if err != nil {
		r.state = StateDisconnected
		r.lastErr = err
		if errors.Is(err, ErrPermanent) {
			r.final = true
			slog.Warn("connection refused permanently", "error", err)
		} else {
			slog.Debug("connection attempt failed", "retry", r.retryCount, "error", err)
			r.scheduleRetryLocked()
		}
		st = r.statusLocked()
		r.mu.Unlock()
		r.notify(st)
		return
	}

	// The owner adopts the link before anyone can observe StateConnected.
	if r.onConnect != nil {
		r.onConnect(link)
	}
	r.state = StateConnected
	r.retryCount = 0
	r.lastErr = nil
	r.final = false
	r.failed = false
	r.link = link
	st = r.statusLocked()
	r.mu.Unlock()

	slog.Debug("connected")
	r.notify(st)

	go r.watch(link)
}

func (r *Reconnector) watch(link Link) {
	select {
	case <-link.Done():
	case <-r.ctx.Done():
		return
	}

	r.mu.Lock()
	if r.closed || r.link != link {
		r.mu.Unlock()
		return
	}
	r.link = nil
	r.state = StateDisconnected
	if link.Final() {
		r.final = true
		slog.Info("connection closed by server, not reconnecting")
	} else {
		slog.Info("connection lost, reconnecting")
		r.scheduleRetryLocked()
	}
	st := r.statusLocked()
	r.mu.Unlock()
	r.notify(st)
}

func (r *Reconnector) scheduleRetryLocked() {
	if r.retryCount >= r.cfg.MaxRetries {
		r.failed = true
		r.nextDelay = 0
		r.nextRetryAt = time.Time{}
		slog.Warn("giving up reconnecting", "retries", r.retryCount)
		return
	}

	delay := r.cfg.Delay(r.retryCount, r.cfg.jitter())
	r.retryCount++
	r.stopTimerLocked()
	r.nextDelay = delay
	r.nextRetryAt = time.Now().Add(delay)
	gen := r.gen
	r.timer = time.AfterFunc(delay, func() {
		r.attempt(gen)
	})
}
