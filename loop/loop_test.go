package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIterate_RunsPostedCallbacksInOrder(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	n := l.Iterate(10 * time.Millisecond)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestIterate_BlocksAtMostMax(t *testing.T) {
	l := New()
	defer l.Stop()

	start := time.Now()
	n := l.Iterate(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Zero(t, n)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestIterate_WakesForPostFromOtherGoroutine(t *testing.T) {
	l := New()
	defer l.Stop()

	ran := false
	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Post(func() { ran = true })
	}()

	start := time.Now()
	n := l.Iterate(2 * time.Second)
	assert.Equal(t, 1, n)
	assert.True(t, ran)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallLater_FiresOnlyInsideIterate(t *testing.T) {
	l := New()
	defer l.Stop()

	fired := false
	dc := l.CallLater(10*time.Millisecond, func() { fired = true })

	time.Sleep(30 * time.Millisecond)
	assert.False(t, fired, "timer must not fire outside Iterate")
	assert.True(t, dc.Active())

	l.Iterate(10 * time.Millisecond)
	assert.True(t, fired)
	assert.False(t, dc.Active())
}

func TestCallLater_Cancel(t *testing.T) {
	l := New()
	defer l.Stop()

	fired := false
	dc := l.CallLater(5*time.Millisecond, func() { fired = true })
	dc.Cancel()
	dc.Cancel()

	l.Iterate(30 * time.Millisecond)
	assert.False(t, fired)
	assert.False(t, dc.Active())
}

func TestCallLater_OrderedByDeadline(t *testing.T) {
	l := New()
	defer l.Stop()

	var got []string
	l.CallLater(20*time.Millisecond, func() { got = append(got, "late") })
	l.CallLater(5*time.Millisecond, func() { got = append(got, "early") })

	deadline := time.Now().Add(time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		l.Iterate(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"early", "late"}, got)
}

func TestRun_StopsWithContext(t *testing.T) {
	l := New()
	defer l.Stop()

	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Run(ctx)
	}()

	for i := 0; i < 3; i++ {
		l.Post(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}

func TestStop_DropsLaterPosts(t *testing.T) {
	l := New()
	l.Stop()
	assert.True(t, l.Stopped())

	ran := false
	l.Post(func() { ran = true })
	assert.Zero(t, l.Iterate(10*time.Millisecond))
	assert.False(t, ran)
}
