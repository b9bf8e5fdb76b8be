package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type statusErr struct{ status int }

func (e *statusErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e *statusErr) HTTPStatus() int { return e.status }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, keys []string, clock *fakeClock) *Pool {
	t.Helper()
	p, err := New(keys, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return p
}

func TestRotationOnRateLimit(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb"}, clock)

	var calls []string
	got, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
		calls = append(calls, key)
		if key == "credential-aaaa" {
			return "", &statusErr{status: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if len(calls) != 2 || calls[0] != "credential-aaaa" || calls[1] != "credential-bbbb" {
		t.Errorf("unexpected call order: %v", calls)
	}

	// A's cooldown must land in (now, now+30s].
	snap := p.Snapshot()
	a := snap[0]
	if a.State != StateCooldown {
		t.Fatalf("credential A state = %q, want cooldown", a.State)
	}
	until := a.CooldownUntil
	if !until.After(clock.Now()) || until.After(clock.Now().Add(30*time.Second)) {
		t.Errorf("cooldownUntil %v outside (now, now+30s]", until)
	}
}

func TestCooldownExcludesCredentialUntilExpiry(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb"}, clock)

	// Put A on cooldown.
	_, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
		if key == "credential-aaaa" {
			return "", &statusErr{status: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	// While A cools down, only B is ever selected.
	for range 3 {
		_, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
			if key == "credential-aaaa" {
				t.Error("credential on cooldown was selected")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}

	// After expiry A is revived.
	clock.Advance(31 * time.Second)
	seen := make(map[string]bool)
	for range 4 {
		_, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
			seen[key] = true
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
	if !seen["credential-aaaa"] {
		t.Error("credential not revived after cooldown expiry")
	}
}

func TestBackoffLadderEscalates(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb"}, clock)

	failA := func(_ context.Context, key string) (string, error) {
		if key == "credential-aaaa" {
			return "", &statusErr{status: 429}
		}
		return "ok", nil
	}

	// First 429 on A: 30s cooldown.
	if _, err := Do(context.Background(), p, failA); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	first := p.Snapshot()[0].CooldownUntil
	if got := first.Sub(clock.Now()); got != 30*time.Second {
		t.Errorf("first cooldown = %v, want 30s", got)
	}

	// Let it expire naturally, fail again: next rung is 60s.
	clock.Advance(31 * time.Second)
	if _, err := Do(context.Background(), p, failA); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	second := p.Snapshot()[0]
	if got := second.CooldownUntil.Sub(clock.Now()); got < 60*time.Second {
		t.Errorf("second cooldown = %v, want >= 60s", got)
	}
	if second.CooldownStep != 2 {
		t.Errorf("cooldownStep = %d, want 2", second.CooldownStep)
	}
}

func TestSuccessResetsBackoffStep(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa"}, clock)

	// Fail, expire, succeed: the step resets to zero.
	_, err := Do(context.Background(), p, func(_ context.Context, _ string) (string, error) {
		return "", &statusErr{status: 503}
	})
	if err == nil {
		t.Fatal("expected error with single failing credential")
	}

	clock.Advance(31 * time.Second)
	if _, err := Do(context.Background(), p, func(_ context.Context, _ string) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if step := p.Snapshot()[0].CooldownStep; step != 0 {
		t.Errorf("cooldownStep = %d, want 0 after success", step)
	}
}

func TestUnauthorizedDisablesForever(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb"}, clock)

	_, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
		if key == "credential-aaaa" {
			return "", &statusErr{status: 401}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if state := p.Snapshot()[0].State; state != StateDisabled {
		t.Fatalf("credential A state = %q, want disabled", state)
	}

	// Arbitrary elapsed time never revives a disabled credential.
	clock.Advance(24 * time.Hour)
	for range 4 {
		_, err := Do(context.Background(), p, func(_ context.Context, key string) (string, error) {
			if key == "credential-aaaa" {
				t.Error("disabled credential was selected")
			}
			return "ok", nil
		})
		if err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
}

func TestExhaustionReturnsLastError(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb", "credential-cccc"}, clock)

	calls := 0
	_, err := Do(context.Background(), p, func(_ context.Context, _ string) (string, error) {
		calls++
		return "", &statusErr{status: 429}
	})
	if err == nil {
		t.Fatal("expected error when all credentials are rate limited")
	}
	if calls != 3 {
		t.Errorf("attempts = %d, want one per credential", calls)
	}

	var se *statusErr
	if !errors.As(err, &se) || se.status != 429 {
		t.Errorf("expected last 429 error, got %v", err)
	}

	for i, c := range p.Snapshot() {
		if c.State != StateCooldown {
			t.Errorf("credential %d state = %q, want cooldown", i, c.State)
		}
	}

	// With every credential cooling down, the next call fails immediately.
	_, err = Do(context.Background(), p, func(_ context.Context, _ string) (string, error) {
		t.Error("no call should be attempted with an exhausted pool")
		return "", nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
}

func TestNonRetryableStatusPropagatesImmediately(t *testing.T) {
	clock := newFakeClock()
	p := newTestPool(t, []string{"credential-aaaa", "credential-bbbb"}, clock)

	calls := 0
	_, err := Do(context.Background(), p, func(_ context.Context, _ string) (string, error) {
		calls++
		return "", &statusErr{status: 400}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1 (no rotation on non-retryable status)", calls)
	}
	if state := p.Snapshot()[0].State; state != StateHealthy {
		t.Errorf("credential state = %q, want healthy after non-retryable error", state)
	}
}

// memCooldownStore is an in-memory CooldownStore standing in for the shared
// external store.
type memCooldownStore struct {
	mu     sync.Mutex
	untils map[int]time.Time
}

func (s *memCooldownStore) LoadCooldowns(_ context.Context, n int) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, n)
	for i, t := range s.untils {
		if i < n {
			out[i] = t
		}
	}
	return out, nil
}

func (s *memCooldownStore) SaveCooldown(_ context.Context, index int, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.untils == nil {
		s.untils = make(map[int]time.Time)
	}
	s.untils[index] = until
	return nil
}

func TestSharedCooldownsHonoredAcrossPools(t *testing.T) {
	clock := newFakeClock()
	store := &memCooldownStore{}
	keys := []string{"credential-aaaa", "credential-bbbb"}

	p1, err := New(keys, WithClock(clock.Now), WithCooldownStore(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	p2, err := New(keys, WithClock(clock.Now), WithCooldownStore(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	// Instance 1 puts A on cooldown.
	if _, err := Do(context.Background(), p1, func(_ context.Context, key string) (string, error) {
		if key == "credential-aaaa" {
			return "", &statusErr{status: 429}
		}
		return "ok", nil
	}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	// Instance 2 must not select A before the shared cooldown expires.
	for range 3 {
		if _, err := Do(context.Background(), p2, func(_ context.Context, key string) (string, error) {
			if key == "credential-aaaa" {
				t.Error("instance 2 selected a credential cooled down by instance 1")
			}
			return "ok", nil
		}); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("sk-abcdefghijklmnop"); got != "sk-a…mnop" {
		t.Errorf("maskKey = %q", got)
	}
	if got := maskKey("short"); got != "****" {
		t.Errorf("short keys must be fully masked, got %q", got)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty credential list")
	}
}
