package stream

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, s *Stream[T]) []T {
	t.Helper()
	var got []T
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-s.C():
			if !ok {
				return got
			}
			got = append(got, v)
		case <-timeout:
			t.Fatalf("stream did not end, got %v so far", got)
		}
	}
}

func TestStreamDeliversInOrderThenFinishes(t *testing.T) {
	s := New[int](nil)
	for i := 0; i < 100; i++ {
		require.True(t, s.Send(i))
	}
	s.Finish()

	got := collect(t, s)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
	assert.NoError(t, s.Err())
}

func TestStreamFailDeliversQueuedValuesFirst(t *testing.T) {
	boom := errors.New("boom")
	s := New[string](nil)
	s.Send("a")
	s.Send("b")
	s.Fail(boom)

	assert.Equal(t, []string{"a", "b"}, collect(t, s))
	assert.ErrorIs(t, s.Err(), boom)
	assert.False(t, s.Send("c"))
}

func TestStreamCloseRunsReleaseOnce(t *testing.T) {
	var released int32
	s := New[int](func() { atomic.AddInt32(&released, 1) })
	s.Send(1)
	s.Close()
	s.Close()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stream did not stop after Close")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&released))
	assert.False(t, s.Send(2))
}

func TestStreamSendNeverBlocksWithoutConsumer(t *testing.T) {
	s := New[int](nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked")
	}
}
