package pump

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebas/callcapture/internal/capture/ari"
	"github.com/sebas/callcapture/internal/capture/store"
)

type exits struct {
	mu      sync.Mutex
	results []Result
}

func (e *exits) add(r Result) {
	e.mu.Lock()
	e.results = append(e.results, r)
	e.mu.Unlock()
}

func (e *exits) all() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

func newSupervisor(h *harness, ex *exits, chunks *int) *Supervisor {
	var mu sync.Mutex
	return NewSupervisor(h.cfg, h.fake, h.reg, h.sink, Hooks{
		Exited: ex.add,
		Chunk: func(store.Chunk) {
			mu.Lock()
			*chunks++
			mu.Unlock()
		},
	}, h.pub)
}

func TestSupervisorStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxEmpty = 1_000_000
	ex := &exits{}
	var chunks int
	sup := newSupervisor(h, ex, &chunks)
	spec := h.capture(t, "C1")

	assert.True(t, sup.Start(spec))
	assert.False(t, sup.Start(spec))
	assert.True(t, sup.Running(spec.SessionID))
	assert.Equal(t, []string{spec.SessionID}, sup.Active())

	sup.Stop(spec.SessionID)
	assert.False(t, sup.Running(spec.SessionID))
	require.Len(t, ex.all(), 1)
	assert.Equal(t, ReasonCancelled, ex.all()[0].Reason)

	// Stopping again is a no-op.
	sup.Stop(spec.SessionID)
	sup.StopAll()
}

func TestSupervisorPumpEndsOnItsOwn(t *testing.T) {
	h := newHarness(t)
	ex := &exits{}
	var chunks int
	sup := newSupervisor(h, ex, &chunks)
	defer sup.StopAll()
	spec := h.capture(t, "C1")
	h.fake.PushSnapshot(spec.Handle, make([]byte, 200))

	require.True(t, sup.Start(spec))
	require.Eventually(t, func() bool { return len(ex.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, sup.Running(spec.SessionID))
	assert.Equal(t, ReasonIdle, ex.all()[0].Reason)
	assert.Len(t, h.sink.Chunks(spec.SessionID), 1)
	assert.Equal(t, 1, h.pub.count())
}

func TestSupervisorReplacesPumpForNewHandle(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxEmpty = 1_000_000
	ex := &exits{}
	var chunks int
	sup := newSupervisor(h, ex, &chunks)
	defer sup.StopAll()
	spec := h.capture(t, "C1")

	require.True(t, sup.Start(spec))

	next := spec
	next.Handle = "call_tap-1"
	_, err := h.reg.RecordCaptureStopped(spec.SessionID)
	require.NoError(t, err)
	require.NoError(t, h.reg.RecordCaptureStarted(spec.SessionID, next.Handle))
	require.NoError(t, h.fake.StartCapture(context.Background(), ari.ChannelTarget("C1"), next.Handle))
	assert.True(t, sup.Start(next))

	require.Eventually(t, func() bool { return len(ex.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, spec.Handle, ex.all()[0].Handle)
	assert.True(t, sup.Running(spec.SessionID))
}

func TestSupervisorStopAllWaits(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxEmpty = 1_000_000
	ex := &exits{}
	var chunks int
	sup := newSupervisor(h, ex, &chunks)

	for _, id := range []string{"C1", "C2", "C3"} {
		require.True(t, sup.Start(h.capture(t, id)))
	}
	sup.StopAll()

	assert.Len(t, ex.all(), 3)
	assert.Empty(t, sup.Active())
	assert.False(t, sup.Start(h.capture(t, "C4")), "no pumps start after StopAll")
}
