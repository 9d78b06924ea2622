package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("busy")
var errGone = errors.New("gone")

func TestPollSucceedsEventually(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 5}, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollExhausts(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), Policy{Interval: time.Millisecond, MaxAttempts: 4}, func(context.Context) (bool, error) {
		calls++
		return false, errBusy
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errBusy)

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 4, ex.Attempts)
}

func TestPollTerminalStopsEarly(t *testing.T) {
	calls := 0
	p := Policy{
		Interval:    time.Millisecond,
		MaxAttempts: 10,
		Terminal:    func(err error) bool { return errors.Is(err, errGone) },
	}
	err := Poll(context.Background(), p, func(context.Context) (bool, error) {
		calls++
		if calls == 2 {
			return false, errGone
		}
		return false, errBusy
	})
	assert.ErrorIs(t, err, errGone)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, calls)
}

func TestPollDoneWithError(t *testing.T) {
	err := Poll(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) (bool, error) {
		return true, errGone
	})
	assert.ErrorIs(t, err, errGone)
}

func TestPollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Poll(ctx, Policy{Interval: time.Hour, MaxAttempts: 3}, func(context.Context) (bool, error) {
		calls++
		cancel()
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		if calls < 2 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackoffGrowth(t *testing.T) {
	p := Policy{Multiplier: 2, MaxInterval: 300 * time.Millisecond}
	assert.Equal(t, 200*time.Millisecond, p.next(100*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, p.next(200*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, Policy{}.next(100*time.Millisecond))
}

func TestAttempts(t *testing.T) {
	assert.Equal(t, 60, Attempts(30*time.Second, 500*time.Millisecond))
	assert.Equal(t, 10, Attempts(5*time.Second, 500*time.Millisecond))
	assert.Equal(t, 1, Attempts(0, time.Second))
}
