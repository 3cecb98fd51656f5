package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/js-owl/maas-back/pkg/infra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff() *infra.Backoff {
	return infra.NewBackoff(time.Millisecond, 5*time.Millisecond, 2.0)
}

func TestSupervisor_RestartsAfterPanic(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(ctx context.Context) error {
		if runs.Add(1) <= 2 {
			panic("worker loop bug")
		}
		<-ctx.Done()
		return nil
	}
	s := NewSupervisor("sync", run, nil, fastBackoff(), setupTestLogger())

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.Status().Running && runs.Load() == 3 }, time.Second, time.Millisecond)

	st := s.Status()
	assert.Equal(t, 2, st.Restarts)
	assert.Contains(t, st.LastError, "worker loop bug")
	assert.True(t, s.Alive(time.Minute))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.False(t, s.Status().Running)
}

func TestSupervisor_RestartsAfterError(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return errors.New("broker unreachable")
		}
		<-ctx.Done()
		return nil
	}
	s := NewSupervisor("sync", run, nil, fastBackoff(), setupTestLogger())
	go s.Run(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "broker unreachable", s.Status().LastError)
}

func TestSupervisor_UnexpectedReturnCountsAsCrash(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			return nil
		}
		<-ctx.Done()
		return nil
	}
	s := NewSupervisor("sync", run, nil, fastBackoff(), setupTestLogger())
	go s.Run(ctx)

	require.Eventually(t, func() bool { return s.Status().Restarts == 1 }, time.Second, time.Millisecond)
}

func TestSupervisor_AliveFollowsHeartbeat(t *testing.T) {
	var last atomic.Int64
	last.Store(time.Now().Add(-time.Hour).UnixNano())
	heartbeat := func() time.Time { return time.Unix(0, last.Load()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}
	s := NewSupervisor("sync", run, heartbeat, fastBackoff(), setupTestLogger())
	assert.False(t, s.Alive(time.Minute), "not started yet")

	go s.Run(ctx)
	require.Eventually(t, func() bool { return s.Status().Running }, time.Second, time.Millisecond)

	assert.False(t, s.Alive(time.Minute), "stale heartbeat")
	last.Store(time.Now().UnixNano())
	assert.True(t, s.Alive(time.Minute))
}
