package loadctrl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartLimiter_Unlimited(t *testing.T) {
	l := NewStartLimiter(0, 0)
	ctx := context.Background()
	for range 1000 {
		require.NoError(t, l.Wait(ctx))
	}
	assert.Equal(t, 0.0, l.Rate())
	assert.Equal(t, int64(1000), l.Stats().Started)
}

func TestStartLimiter_Burst(t *testing.T) {
	assert.Equal(t, 20, NewStartLimiter(20, 0).Burst())
	assert.Equal(t, 1, NewStartLimiter(0.5, 0).Burst())
	assert.Equal(t, 3, NewStartLimiter(100, 3).Burst())
}

func TestStartLimiter_Wait(t *testing.T) {
	l := NewStartLimiter(1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Wait(ctx))
	// The next token is a second away, beyond the deadline.
	assert.Error(t, l.Wait(ctx))
	assert.Equal(t, int64(1), l.Stats().Started)
}

func TestStartLimiter_SetRate(t *testing.T) {
	l := NewStartLimiter(1, 1)
	l.SetRate(5)
	assert.Equal(t, 5.0, l.Rate())
	assert.Equal(t, 5.0, l.Stats().Rate)

	l.SetRate(-1)
	assert.Equal(t, 0.0, l.Rate())
	ctx := context.Background()
	for range 100 {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestStartLimiter_Concurrent(t *testing.T) {
	l := NewStartLimiter(1000, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				assert.NoError(t, l.Wait(ctx))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), l.Stats().Started)
}
