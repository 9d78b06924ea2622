package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPath(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	var seen []string
	tr := NewTracker(func(_, from, to string) {
		mu.Lock()
		seen = append(seen, from+">"+to)
		mu.Unlock()
	})

	for _, ev := range []string{EventEnter, EventCapture, EventHandOff, EventTerminate} {
		res, err := tr.Fire(ctx, "c1", ev)
		require.NoError(t, err, ev)
		assert.True(t, res.Changed, ev)
	}
	assert.Equal(t, StateTerminated, tr.State("c1"))
	assert.Equal(t, []string{
		"unseen>entered", "entered>capturing", "capturing>handed_off", "handed_off>terminated",
	}, seen)
}

func TestDuplicateEventsAreNoOps(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)

	_, err := tr.Fire(ctx, "c2", EventEnter)
	require.NoError(t, err)
	res, err := tr.Fire(ctx, "c2", EventEnter)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = tr.Fire(ctx, "c2", EventTrap)
	require.NoError(t, err)
	res, err = tr.Fire(ctx, "c2", EventTrap)
	require.NoError(t, err)
	assert.False(t, res.Changed)

	_, err = tr.Fire(ctx, "c2", EventFree)
	require.NoError(t, err)
	res, err = tr.Fire(ctx, "c2", EventFree)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, StateEntered, res.To)
}

func TestEventsAfterTerminationIgnored(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)
	_, err := tr.Fire(ctx, "c3", EventTerminate)
	require.NoError(t, err)

	res, err := tr.Fire(ctx, "c3", EventCapture)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, StateTerminated, res.To)
}

func TestInvalidEvent(t *testing.T) {
	tr := NewTracker(nil)
	_, err := tr.Fire(context.Background(), "c4", EventCapture)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Equal(t, StateUnseen, tr.State("c4"))
	assert.False(t, tr.Machine("c4").Can(EventFree))
}

func TestTrackerForgetAndCounts(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(nil)
	_, _ = tr.Fire(ctx, "a", EventEnter)
	_, _ = tr.Fire(ctx, "b", EventEnter)
	_, _ = tr.Fire(ctx, "b", EventTrap)

	assert.Equal(t, map[string]int{StateEntered: 1, StateTrapped: 1}, tr.Counts())
	tr.Forget("a")
	assert.Equal(t, StateUnseen, tr.State("a"))
}
