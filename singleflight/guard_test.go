package singleflight

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunIfIdleSkipsConcurrentInvocation(t *testing.T) {
	var g Guard

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	go g.RunIfIdle(func() {
		calls++
		close(started)
		<-release
	})

	<-started
	ran := g.RunIfIdle(func() { calls++ })
	require.False(t, ran)

	close(release)
}

func TestRunIfIdleAllowsSequentialInvocations(t *testing.T) {
	var g Guard
	var mu sync.Mutex
	count := 0

	for i := 0; i < 3; i++ {
		ok := g.RunIfIdle(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
		require.True(t, ok)
	}

	require.Equal(t, 3, count)
}

func TestIsRunningReflectsInFlightState(t *testing.T) {
	var g Guard
	release := make(chan struct{})
	go g.RunIfIdle(func() { <-release })

	require.Eventually(t, g.IsRunning, time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool { return !g.IsRunning() }, time.Second, time.Millisecond)
}
