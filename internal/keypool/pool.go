// Package keypool spreads model API calls across a pool of credentials,
// putting transiently failing credentials on an escalating cooldown and
// permanently disabling credentials the provider rejects as invalid.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the lifecycle state of one credential.
type State string

const (
	StateHealthy  State = "healthy"
	StateCooldown State = "cooldown"
	StateDisabled State = "disabled"
)

// ErrExhausted is returned when no credential is currently selectable.
var ErrExhausted = errors.New("keypool: no healthy credentials available")

// DefaultLadder is the escalating cooldown sequence. A credential's step
// index advances on each transient failure and caps at the last entry; it
// resets only after that credential's next successful call.
var DefaultLadder = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

// CooldownStore persists cooldown expiries so that a cooldown set by one
// process instance is honored by all instances sharing the pool
// configuration. Only cooldown timestamps are shared; counters stay local.
type CooldownStore interface {
	// LoadCooldowns returns cooldown expiries keyed by credential index.
	// Missing entries are reported as zero times.
	LoadCooldowns(ctx context.Context, n int) ([]time.Time, error)

	// SaveCooldown records the cooldown expiry for one credential index.
	SaveCooldown(ctx context.Context, index int, until time.Time) error
}

type credential struct {
	index         int
	key           string
	state         State
	cooldownUntil time.Time
	cooldownStep  int

	requests      int64
	errors        int64
	lastErrorCode int
	lastErrorAt   time.Time
}

// Pool is a rotating credential pool. Safe for use by concurrent jobs; no
// lock is held across a model call, only across pointer scans and state
// updates.
type Pool struct {
	mu     sync.Mutex
	creds  []*credential
	next   int
	ladder []time.Duration
	store  CooldownStore
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLadder overrides the cooldown ladder.
func WithLadder(ladder []time.Duration) Option {
	return func(p *Pool) {
		if len(ladder) > 0 {
			p.ladder = ladder
		}
	}
}

// WithCooldownStore attaches a shared store for cooldown expiries.
func WithCooldownStore(store CooldownStore) Option {
	return func(p *Pool) { p.store = store }
}

// WithClock overrides the time source (used by tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Pool over the given credentials.
func New(keys []string, opts ...Option) (*Pool, error) {
	if len(keys) == 0 {
		return nil, errors.New("keypool: at least one credential required")
	}

	p := &Pool{
		creds:  make([]*credential, len(keys)),
		ladder: DefaultLadder,
		now:    time.Now,
		logger: slog.Default(),
	}
	for i, k := range keys {
		p.creds[i] = &credential{index: i, key: k, state: StateHealthy}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Size returns the number of configured credentials.
func (p *Pool) Size() int {
	return len(p.creds)
}

// acquire selects the next usable credential, skipping indices in tried.
// Scanning from the rotating pointer it revives credentials whose cooldown
// has expired and returns the first healthy one, advancing the pointer
// past it.
func (p *Pool) acquire(ctx context.Context, tried map[int]struct{}) (int, string, error) {
	p.syncCooldowns(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for off := 0; off < len(p.creds); off++ {
		i := (p.next + off) % len(p.creds)
		c := p.creds[i]

		if c.state == StateCooldown && !now.Before(c.cooldownUntil) {
			c.state = StateHealthy
		}
		if c.state != StateHealthy {
			continue
		}
		if _, ok := tried[i]; ok {
			continue
		}

		c.requests++
		p.next = (i + 1) % len(p.creds)
		return i, c.key, nil
	}

	return 0, "", ErrExhausted
}

// syncCooldowns adopts cooldown expiries set by other process instances.
// Best-effort: a store failure only logs.
func (p *Pool) syncCooldowns(ctx context.Context) {
	if p.store == nil {
		return
	}

	untils, err := p.store.LoadCooldowns(ctx, len(p.creds))
	if err != nil {
		p.logger.Warn("loading shared cooldowns failed", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i, until := range untils {
		if i >= len(p.creds) {
			break
		}
		c := p.creds[i]
		if c.state == StateDisabled {
			continue
		}
		if until.After(now) && until.After(c.cooldownUntil) {
			c.state = StateCooldown
			c.cooldownUntil = until
		}
	}
}

func (p *Pool) markSuccess(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creds[index].cooldownStep = 0
}

func (p *Pool) markCooldown(ctx context.Context, index, status int) {
	p.mu.Lock()
	c := p.creds[index]
	step := c.cooldownStep
	if step >= len(p.ladder) {
		step = len(p.ladder) - 1
	}
	until := p.now().Add(p.ladder[step])
	c.state = StateCooldown
	c.cooldownUntil = until
	c.cooldownStep++
	c.errors++
	c.lastErrorCode = status
	c.lastErrorAt = p.now()
	p.mu.Unlock()

	p.logger.Warn("credential placed on cooldown",
		"credential", maskKey(c.key), "status", status, "until", until)

	if p.store != nil {
		if err := p.store.SaveCooldown(ctx, index, until); err != nil {
			p.logger.Warn("persisting cooldown failed", "credential", maskKey(c.key), "error", err)
		}
	}
}

func (p *Pool) markDisabled(index, status int) {
	p.mu.Lock()
	c := p.creds[index]
	c.state = StateDisabled
	c.errors++
	c.lastErrorCode = status
	c.lastErrorAt = p.now()
	p.mu.Unlock()

	p.logger.Error("credential disabled permanently",
		"credential", maskKey(c.key), "status", status)
}

// httpStatusError is implemented by provider errors that carry an HTTP
// status code (genai.APIError does).
type httpStatusError interface {
	HTTPStatus() int
}

func statusOf(err error) (int, bool) {
	var se httpStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus(), true
	}
	return 0, false
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func fatal(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// Do invokes fn with a credential from the pool, rotating to the next
// credential on retryable provider failures. Each credential is attempted
// at most once per logical call. On exhaustion the last observed error is
// returned; non-retryable errors propagate immediately.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context, apiKey string) (T, error)) (T, error) {
	var zero T
	tried := make(map[int]struct{}, len(p.creds))
	var lastErr error

	for {
		index, key, err := p.acquire(ctx, tried)
		if err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w", ErrExhausted, lastErr)
			}
			return zero, err
		}

		out, err := fn(ctx, key)
		if err == nil {
			p.markSuccess(index)
			return out, nil
		}

		status, ok := statusOf(err)
		switch {
		case ok && retryable(status):
			p.markCooldown(ctx, index, status)
		case ok && fatal(status):
			p.markDisabled(index, status)
		default:
			return zero, err
		}

		lastErr = err
		tried[index] = struct{}{}
		if len(tried) >= len(p.creds) {
			return zero, lastErr
		}
	}
}

// CredentialStatus is a read-only view of one credential.
type CredentialStatus struct {
	Index         int       `json:"index"`
	Key           string    `json:"key"` // masked
	State         State     `json:"state"`
	CooldownUntil time.Time `json:"cooldownUntil,omitzero"`
	CooldownStep  int       `json:"cooldownStep"`
	Requests      int64     `json:"requests"`
	Errors        int64     `json:"errors"`
	LastErrorCode int       `json:"lastErrorCode,omitempty"`
	LastErrorAt   time.Time `json:"lastErrorAt,omitzero"`
}

// Snapshot returns the current status of every credential.
func (p *Pool) Snapshot() []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]CredentialStatus, len(p.creds))
	for i, c := range p.creds {
		out[i] = CredentialStatus{
			Index:         c.index,
			Key:           maskKey(c.key),
			State:         c.state,
			CooldownUntil: c.cooldownUntil,
			CooldownStep:  c.cooldownStep,
			Requests:      c.requests,
			Errors:        c.errors,
			LastErrorCode: c.lastErrorCode,
			LastErrorAt:   c.lastErrorAt,
		}
	}
	return out
}

// maskKey keeps the first and last four characters of a credential visible.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
