package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when a condition never held within the policy's bounds.
var ErrExhausted = errors.New("condition not met")

var errNotYet = errors.New("not yet")

// Clock supplies time and sleeping. The browser surface implements it so
// waits go through the same capability as everything else.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Policy bounds a polling loop. A zero MaxAttempts means "until Timeout";
// when both are zero the condition is checked exactly once.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

// Condition reports whether the awaited state has been reached. An error
// counts as "not yet" and is kept for the final report.
type Condition func(ctx context.Context) (bool, error)

// Until checks cond until it holds, the attempts run out or the timeout
// elapses. Elapsed time is the larger of wall time and time spent sleeping,
// so clocks that do not advance still terminate.
func (p Policy) Until(ctx context.Context, clock Clock, cond Condition) error {
	var lastErr error
	check := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		ok, err := cond(ctx)
		if err != nil {
			lastErr = err
			return err
		}
		if !ok {
			return errNotYet
		}
		return nil
	}

	err := backoff.RetryNotifyWithTimer(check, backoff.WithContext(p.backOff(clock), ctx), nil, &clockTimer{ctx: ctx, clock: clock})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case lastErr != nil:
		return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
	default:
		return ErrExhausted
	}
}

func (p Policy) backOff(clock Clock) backoff.BackOff {
	if p.MaxAttempts <= 0 && p.Timeout <= 0 {
		return &backoff.StopBackOff{}
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	if p.Timeout > 0 {
		b = &deadline{BackOff: b, clock: clock, timeout: p.Timeout}
	}
	return b
}

// deadline stops the wrapped BackOff once the next wait would end past
// timeout.
type deadline struct {
	backoff.BackOff
	clock   Clock
	timeout time.Duration

	start time.Time
	slept time.Duration
}

func (d *deadline) Reset() {
	d.BackOff.Reset()
	d.start = d.clock.Now()
	d.slept = 0
}

func (d *deadline) NextBackOff() time.Duration {
	next := d.BackOff.NextBackOff()
	if next == backoff.Stop {
		return backoff.Stop
	}
	elapsed := d.clock.Now().Sub(d.start)
	if d.slept > elapsed {
		elapsed = d.slept
	}
	if elapsed+next > d.timeout {
		return backoff.Stop
	}
	d.slept += next
	return next
}

// clockTimer is a backoff.Timer that waits on a Clock. Start blocks for the
// whole wait, so C is ready by the time the retry loop selects on it. A
// failed sleep still fires; the next check sees the cancelled context.
type clockTimer struct {
	ctx   context.Context
	clock Clock
	c     chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	if t.c == nil {
		t.c = make(chan time.Time, 1)
	}
	_ = t.clock.Sleep(t.ctx, d)
	select {
	case t.c <- t.clock.Now():
	default:
	}
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
