package asyncseq

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-asyncseq/internal/guard"
)

func mergeTagOf[E any](m *Merge[E]) mergeTag {
	return guard.Do(m.state, func(s *mergeCore[E]) mergeTag { return s.tag })
}

func mergeBufLen[E any](m *Merge[E]) int {
	return guard.Do(m.state, func(s *mergeCore[E]) int { return s.buf.Len() })
}

func TestMerge_PreconditionOnArity(t *testing.T) {
	one := newSliceIterator(1)
	four := []Iterator[int]{newSliceIterator(1), newSliceIterator(2), newSliceIterator(3), newSliceIterator(4)}

	assert.Panics(t, func() { NewMerge[int](one) })
	assert.Panics(t, func() { NewMerge[int](four...) })
}

func TestMerge_InterleavesUntilAllEnd(t *testing.T) {
	a := newSliceIterator(1, 2)
	b := newSliceIterator(10, 20)
	m := NewMerge[int](a, b)
	defer m.Close()

	got, err := drainAll(t, m)
	require.ErrorIs(t, err, io.EOF)
	assert.ElementsMatch(t, []int{1, 2, 10, 20}, got)
	assert.Len(t, got, 4)
}

func TestMerge_FirstProducerWinsDemand(t *testing.T) {
	fast := newChanIterator[string]()
	slow := newChanIterator[string]()
	m := NewMerge[string](fast, slow)
	defer m.Close()

	fast.push("fast-1")

	v, err := m.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast-1", v)

	slow.push("slow-1")
	v, err = m.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "slow-1", v)

	fast.end()
	slow.end()
	_, err = m.Advance(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestMerge_UpstreamFailureCancelsSiblings(t *testing.T) {
	boom := io.ErrClosedPipe
	failing := newChanIterator[int]()
	sibling := newChanIterator[int]()
	m := NewMerge[int](failing, sibling)
	defer m.Close()

	failing.fail(boom)

	_, err := m.Advance(context.Background())
	require.ErrorIs(t, err, boom)

	// driverDone closes only once every sub-task has returned, i.e. once
	// the sibling blocked on its upstream has been cancelled.
	select {
	case <-m.driverDone:
	case <-time.After(time.Second):
		t.Fatal("sibling sub-task was not cancelled after the failure")
	}

	_, err = m.Advance(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestMerge_BufferedElementsDrainBeforeFailure(t *testing.T) {
	boom := io.ErrClosedPipe
	a := newChanIterator[int]()
	b := newChanIterator[int]()
	c := newChanIterator[int]()
	m := NewMerge[int](a, b, c)
	defer m.Close()

	// The first advance grants demand to all three and a wins,
	// delivered directly to the waiting consumer.
	a.push(1)
	resultErr := make(chan error, 1)
	resultV := make(chan int, 1)
	go func() {
		v, err := m.Advance(context.Background())
		resultErr <- err
		resultV <- v
	}()
	require.NoError(t, <-resultErr)
	assert.Equal(t, 1, <-resultV)

	// With the consumer no longer waiting, b's element has nowhere to
	// go but the buffer, and c's failure is merely recorded rather than
	// delivered, since neither finds a consumerWaiter installed.
	// c fails only after b's element is buffered: a failure recorded first
	// would make onElement drop b's element.
	b.push(2)
	require.Eventually(t, func() bool {
		return mergeBufLen(m) == 1
	}, time.Second, time.Millisecond, "b's element should be buffered before c fails")
	c.fail(boom)
	require.Eventually(t, func() bool {
		return mergeTagOf(m) == mgUpstreamFailure && mergeBufLen(m) == 1
	}, time.Second, time.Millisecond, "b's element and c's failure should both land without a waiting consumer")

	// The buffered element drains first, exercising the
	// UpstreamFailure-with-nonempty-buffer branch of Advance...
	v, err := m.Advance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// ...and only then is the recorded failure delivered.
	_, err = m.Advance(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestMerge_CloseUnblocksConsumer(t *testing.T) {
	a := newChanIterator[int]()
	b := newChanIterator[int]()
	m := NewMerge[int](a, b)

	done := make(chan error, 1)
	go func() {
		_, err := m.Advance(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the suspended consumer")
	}
}
