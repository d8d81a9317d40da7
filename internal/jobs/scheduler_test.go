package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDedupAndRerun(t *testing.T) {
	s := NewScheduler(context.Background(), nil)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32
	task := func(context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}

	require.True(t, s.Enqueue("drain", task))
	<-started

	// both absorbed by the running job, they schedule a single re-run
	assert.False(t, s.Enqueue("drain", task))
	assert.False(t, s.Enqueue("drain", task))
	assert.True(t, s.Active("drain"))

	close(release)
	s.Wait()

	assert.Equal(t, int32(2), runs.Load())
	assert.False(t, s.Active("drain"))
}

func TestEnqueueDistinctKeysRunConcurrently(t *testing.T) {
	s := NewScheduler(context.Background(), nil)

	var wg sync.WaitGroup
	wg.Add(2)
	block := func(context.Context) error {
		wg.Done()
		wg.Wait()
		return nil
	}

	assert.True(t, s.Enqueue("a", block))
	assert.True(t, s.Enqueue("b", block))
	s.Wait()
}

func TestEnqueueAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx, nil)
	cancel()

	assert.False(t, s.Enqueue("drain", func(context.Context) error { return nil }))
}

func TestFailingTaskIsLogged(t *testing.T) {
	s := NewScheduler(context.Background(), nil)

	var runs atomic.Int32
	s.Enqueue("drain", func(context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})
	s.Wait()

	assert.Equal(t, int32(1), runs.Load())
	assert.False(t, s.Active("drain"))
}

type fakeLocker struct {
	held     bool
	err      error
	unlocked atomic.Int32
}

func (l *fakeLocker) TryLock(context.Context, string) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	return func() { l.unlocked.Add(1) }, true, nil
}

func TestLockerGuardsExecution(t *testing.T) {
	tests := []struct {
		name     string
		locker   *fakeLocker
		wantRuns int32
	}{
		{"free", &fakeLocker{}, 1},
		{"held elsewhere", &fakeLocker{held: true}, 0},
		{"lock error", &fakeLocker{err: errors.New("etcd unavailable")}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(context.Background(), tt.locker)
			var runs atomic.Int32
			s.Enqueue("drain", func(context.Context) error {
				runs.Add(1)
				return nil
			})
			s.Wait()
			assert.Equal(t, tt.wantRuns, runs.Load())
			assert.Equal(t, tt.wantRuns, tt.locker.unlocked.Load())
		})
	}
}

func TestEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(ctx, nil)

	ran := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		s.Every(ctx, 5*time.Millisecond, "safety-net", func(context.Context) error {
			ran <- struct{}{}
			return nil
		})
		close(done)
	}()

	for range 2 {
		select {
		case <-ran:
		case <-time.After(time.Second):
			t.Fatal("periodic job did not run")
		}
	}
	cancel()
	<-done
	s.Wait()
}
