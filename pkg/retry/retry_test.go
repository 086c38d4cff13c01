package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/flatetl/pkg/errors"
)

// recordingSleep captures requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func testPolicy(attempts int, base time.Duration, rec *recordingSleep) Policy {
	p := NewPolicy(attempts, base)
	p.Sleep = rec.sleep
	return p
}

func TestDoExhaustsWithExponentialSleeps(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	transient := errors.New(errors.ErrorTypeExtraction, "disk hiccup")

	out := Do(context.Background(), testPolicy(3, 10*time.Millisecond, rec), "extract",
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, transient
		})

	assert.False(t, out.OK())
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, ReasonExhausted, out.Reason)
	assert.Equal(t, "extract", out.Stage)
	assert.ErrorIs(t, out.Err, transient)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestDoRecoversOnThirdAttempt(t *testing.T) {
	rec := &recordingSleep{}
	out := Do(context.Background(), testPolicy(3, time.Second, rec), "load",
		func(ctx context.Context, attempt int) (string, error) {
			if attempt < 3 {
				return "", stderrors.New("connection reset")
			}
			return "done", nil
		})

	require.True(t, out.OK())
	assert.Equal(t, "done", out.Value)
	assert.Equal(t, 3, out.Attempts)
	assert.Empty(t, out.Reason)
	assert.Len(t, rec.delays, 2)
}

func TestDoSucceedsFirstTimeWithoutSleeping(t *testing.T) {
	rec := &recordingSleep{}
	out := Do(context.Background(), testPolicy(5, time.Second, rec), "transform",
		func(ctx context.Context, attempt int) (int, error) { return 7, nil })

	assert.True(t, out.OK())
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, rec.delays)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	rec := &recordingSleep{}
	calls := 0
	out := Do(context.Background(), testPolicy(5, time.Second, rec), "transform",
		func(ctx context.Context, attempt int) (int, error) {
			calls++
			return 0, errors.New(errors.ErrorTypeConfig, "unknown strategy")
		})

	assert.Equal(t, 1, calls)
	assert.Equal(t, ReasonPermanent, out.Reason)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, rec.delays)
}

func TestDoCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	p := NewPolicy(5, time.Hour)
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	out := Do(ctx, p, "load", func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, stderrors.New("timeout")
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.True(t, errors.IsCancelled(out.Err))
}

func TestDoCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := Do(ctx, NewPolicy(3, time.Second), "extract", func(ctx context.Context, attempt int) (int, error) {
		t.Fatal("must not run")
		return 0, nil
	})

	assert.Equal(t, 0, out.Attempts)
	assert.Equal(t, ReasonCancelled, out.Reason)
}

func TestDoTimerSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := Do(ctx, NewPolicy(3, time.Minute), "extract", func(ctx context.Context, attempt int) (int, error) {
		return 0, stderrors.New("flaky")
	})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Equal(t, 1, out.Attempts)
}

func TestOnRetryHook(t *testing.T) {
	rec := &recordingSleep{}
	p := testPolicy(3, time.Millisecond, rec)
	var seen []int
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		seen = append(seen, attempt)
	}

	Do(context.Background(), p, "extract", func(ctx context.Context, attempt int) (int, error) {
		return 0, stderrors.New("again")
	})

	assert.Equal(t, []int{1, 2}, seen)
}

func TestDelay(t *testing.T) {
	p := NewPolicy(10, 100*time.Millisecond)
	p.MaxDelay = time.Second

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(6))

	p.RandomizeFactor = 0.5
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
