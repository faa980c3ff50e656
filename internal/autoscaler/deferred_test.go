package autoscaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/poolscaler/internal/job"
)

func TestDeferredQueue_PopReadyInWakeOrder(t *testing.T) {
	q := newDeferredQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	late := &UpscaleRequest{Job: job.Job{ID: 3}}
	first := &UpscaleRequest{Job: job.Job{ID: 1}}
	second := &UpscaleRequest{Job: job.Job{ID: 2}}

	q.Push(base.Add(time.Minute), late)
	q.Push(base.Add(time.Second), first)
	q.Push(base.Add(time.Second), second)

	next, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), next)

	assert.Empty(t, q.PopReady(base))

	ready := q.PopReady(base.Add(2 * time.Second))
	require.Len(t, ready, 2)
	assert.Same(t, first, ready[0], "equal wake times keep insertion order")
	assert.Same(t, second, ready[1])
	assert.Equal(t, 1, q.Len())

	ready = q.PopReady(base.Add(time.Hour))
	require.Len(t, ready, 1)
	assert.Same(t, late, ready[0])

	_, ok = q.Next()
	assert.False(t, ok)
}

func TestDeferredQueue_PushSignalsWake(t *testing.T) {
	q := newDeferredQueue()
	q.Push(time.Now(), &UpscaleRequest{})
	q.Push(time.Now(), &UpscaleRequest{})

	select {
	case <-q.Wake():
	default:
		t.Fatal("expected a wake signal")
	}
	select {
	case <-q.Wake():
		t.Fatal("wake signals coalesce")
	default:
	}
	assert.Len(t, q.Snapshot(), 2)
}

func TestUpscaleRequest_Exhausted(t *testing.T) {
	tests := []struct {
		name      string
		create    int
		poolFull  int
		exhausted bool
	}{
		{"fresh", 0, 0, false},
		{"create at cap", 3, 0, false},
		{"create over cap", 4, 0, true},
		{"pool full at cap", 0, 1000, false},
		{"pool full over cap", 0, 1001, true},
		{"either counter", 4, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &UpscaleRequest{RetryCreateFailed: tt.create, RetryPoolFull: tt.poolFull}
			assert.Equal(t, tt.exhausted, r.exhausted(3, 1000))
		})
	}
}
