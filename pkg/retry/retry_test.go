package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/replguard/pkg/backoff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSleeper captures requested sleeps without waiting
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

func newTestExecutor(p Policy) (*Executor, *recordingSleeper) {
	e := NewExecutor(p, zerolog.Nop())
	rec := &recordingSleeper{}
	e.sleep = rec.sleep
	return e, rec
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	value, attempts, err := Do(context.Background(), e, "probe dc01", func(ctx context.Context) (string, error) {
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.sleeps)
}

func TestDoPermanentErrorSingleAttempt(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	calls := 0
	_, attempts, err := Do(context.Background(), e, "probe dc01", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("Access is denied.")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.sleeps)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, backoff.KindPermanent, rerr.Kind)
	assert.Equal(t, 1, rerr.Attempts)
}

func TestDoUnknownErrorFailsFast(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	calls := 0
	_, _, err := Do(context.Background(), e, "probe", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("exit status 9")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.sleeps)
}

func TestDoTransientExhaustsBudget(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 4, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second})

	cause := errors.New("The RPC server is unavailable.")
	calls := 0
	_, attempts, err := Do(context.Background(), e, "probe dc02", func(ctx context.Context) (int, error) {
		calls++
		return 0, cause
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, attempts)
	assert.ErrorIs(t, err, cause)

	// sleeps happen strictly between attempts, never after the last one
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second}, rec.sleeps)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, backoff.KindTransient, rerr.Kind)
	assert.Equal(t, 4, rerr.Attempts)
	assert.Contains(t, rerr.Error(), "probe dc02")
}

func TestDoTransientThenSuccess(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 10 * time.Second})

	var observed []Attempt
	e = e.WithObserver(func(a Attempt) { observed = append(observed, a) })

	calls := 0
	value, attempts, err := Do(context.Background(), e, "probe dc02", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("The RPC server is unavailable.")
		}
		return "snapshot", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "snapshot", value)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.sleeps)

	require.Len(t, observed, 3)
	assert.Equal(t, backoff.KindTransient, observed[0].Kind)
	assert.Equal(t, time.Second, observed[0].Delay)
	assert.Equal(t, 3, observed[2].Number)
	assert.NoError(t, observed[2].Err)
}

func TestDoSingleAttemptNeverSleeps(t *testing.T) {
	e, rec := newTestExecutor(Policy{MaxAttempts: 1, InitialDelay: time.Second, MaxDelay: time.Second})

	_, attempts, err := Do(context.Background(), e, "repair", func(ctx context.Context) (int, error) {
		return 0, errors.New("connection failed")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, rec.sleeps)
}

func TestDoAbortsOnCancelledContext(t *testing.T) {
	e := NewExecutor(Policy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	calls := 0
	_, attempts, err := Do(ctx, e, "probe dc03", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("operation timed out")
	})

	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.NotNil(t, rerr.Aborted)
}

func TestDoAlreadyCancelled(t *testing.T) {
	e, _ := newTestExecutor(DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, attempts, err := Do(ctx, e, "probe", func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoConcurrentCallers(t *testing.T) {
	e, _ := newTestExecutor(Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			calls := 0
			v, _, err := Do(context.Background(), e, "probe", func(ctx context.Context) (int, error) {
				calls++
				if calls == 1 {
					return 0, errors.New("connection failed")
				}
				return i, nil
			})
			assert.NoError(t, err)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{"default", DefaultPolicy(), false},
		{"zero attempts", Policy{MaxAttempts: 0}, true},
		{"negative delay", Policy{MaxAttempts: 1, InitialDelay: -time.Second}, true},
		{"initial above max", Policy{MaxAttempts: 1, InitialDelay: time.Minute, MaxDelay: time.Second}, true},
		{"bad jitter", Policy{MaxAttempts: 1, Jitter: 2}, true},
		{"jitter ok", Policy{MaxAttempts: 1, Jitter: 0.2}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
