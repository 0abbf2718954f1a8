package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFlight_DeduplicatesConcurrentCalls(t *testing.T) {
	f := NewFlight[int]("test_dedupe", time.Second)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const callers = 20
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, _, err := f.Do(context.Background(), "same-key", fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	started.Wait()
	// let every goroutine reach DoChan before the computation finishes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestFlight_CallerCancellationDoesNotCancelSharedCall(t *testing.T) {
	f := NewFlight[string]("test_cancel", time.Second)

	release := make(chan struct{})
	var sawCancel atomic.Bool
	fn := func(ctx context.Context) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			sawCancel.Store(true)
			return "", ctx.Err()
		}
	}

	cancelled, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, _, err := f.Do(cancelled, "k", fn)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	resCh := make(chan string, 1)
	go func() {
		v, _, err := f.Do(context.Background(), "k", fn)
		assert.NoError(t, err)
		resCh <- v
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	assert.Equal(t, "done", <-resCh)
	assert.False(t, sawCancel.Load(), "shared computation must not observe caller cancellation")
}

func TestFlight_PropagatesErrors(t *testing.T) {
	f := NewFlight[int]("test_err", 0)
	boom := errors.New("boom")

	_, _, err := f.Do(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	// failures are not cached
	v, _, err := f.Do(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFlight_TimeoutBoundsComputation(t *testing.T) {
	f := NewFlight[int]("test_timeout", 20*time.Millisecond)
	_, _, err := f.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFlight_MistypedSharedResultIsRecomputed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewFlight[int]("test_mistyped", time.Second, WithLogger(zap.New(core)))

	// an in-flight call under the same key that yields a string
	release := make(chan struct{})
	seeded := f.group.DoChan("k", func() (any, error) {
		<-release
		return "not an int", nil
	})

	var calls atomic.Int32
	done := make(chan struct{})
	var (
		got int
		err error
	)
	go func() {
		defer close(done)
		got, _, err = f.Do(context.Background(), "k", func(context.Context) (int, error) {
			calls.Add(1)
			return 7, nil
		})
	}()
	time.Sleep(50 * time.Millisecond) // let Do join the seeded call
	close(release)
	<-seeded
	<-done

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.DPanicLevel).Len())
}

func TestFlight_NilInterfaceResult(t *testing.T) {
	f := NewFlight[error]("test_nil_interface", time.Second)
	v, _, err := f.Do(context.Background(), "k", func(context.Context) (error, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, v)
}
