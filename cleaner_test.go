package lb

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l4lb/flows"
)

func TestCleanerExpiresIdleFlows(t *testing.T) {
	var now atomic.Uint64
	now.Store(uint64(10 * time.Second))

	dir := flows.NewDirectory(16, flows.WithClock(now.Load))
	m := NewMetrics(testTable(t, 1), dir)
	cleaner := NewConnectionCleaner(dir, 5*time.Second, now.Load, m)

	require.True(t, dir.InsertIfAbsent(flowKey(1), 0))
	require.True(t, dir.InsertIfAbsent(flowKey(2), 0))

	now.Store(uint64(14 * time.Second))
	_, ok := dir.Lookup(flowKey(2))
	require.True(t, ok)
	assert.Zero(t, cleaner.Clean())

	now.Store(uint64(16 * time.Second))
	assert.Equal(t, 1, cleaner.Clean())
	_, ok = dir.Lookup(flowKey(1))
	assert.False(t, ok)
	_, ok = dir.Lookup(flowKey(2))
	assert.True(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.flowsExpired))
}

func TestCleanerClockFailure(t *testing.T) {
	dir := flows.NewDirectory(16)
	require.True(t, dir.InsertIfAbsent(flowKey(1), 0))

	cleaner := NewConnectionCleaner(dir, time.Second, func() uint64 { return 0 }, nil)
	assert.Zero(t, cleaner.Clean())
	assert.Equal(t, 1, dir.Len())
}

func TestCleanLoopStops(t *testing.T) {
	var now atomic.Uint64
	now.Store(uint64(time.Hour))
	dir := flows.NewDirectory(16, flows.WithClock(now.Load))
	require.True(t, dir.InsertIfAbsent(flowKey(1), 0))
	now.Store(uint64(2 * time.Hour))

	cleaner := NewConnectionCleaner(dir, time.Minute, now.Load, nil)
	cleaner.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.CleanLoop(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return dir.Len() == 0 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestGetMonoNowNano(t *testing.T) {
	a := GetMonoNowNano()
	b := GetMonoNowNano()
	assert.NotZero(t, a)
	assert.GreaterOrEqual(t, b, a)
}
