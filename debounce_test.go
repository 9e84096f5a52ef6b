package asyncseq

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-asyncseq/internal/clocktest"
	"github.com/joeycumines/go-asyncseq/internal/guard"
)

// chanIterator lets a test drive upstream production and completion by
// hand, one item at a time.
type chanIterator[E any] struct {
	items chan chanItem[E]
}

type chanItem[E any] struct {
	value E
	err   error
}

func newChanIterator[E any]() *chanIterator[E] {
	return &chanIterator[E]{items: make(chan chanItem[E], 16)}
}

func (c *chanIterator[E]) Advance(ctx context.Context) (E, error) {
	var zero E
	select {
	case it := <-c.items:
		return it.value, it.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *chanIterator[E]) push(v E) { c.items <- chanItem[E]{value: v} }
func (c *chanIterator[E]) end()     { c.items <- chanItem[E]{err: io.EOF} }
func (c *chanIterator[E]) fail(err error) {
	c.items <- chanItem[E]{err: err}
}

func TestDebounce_QuiescenceEmitsLatest(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, 10*time.Millisecond, time.Nanosecond, clk)
	defer d.Close()

	resultCh := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := d.Advance(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- v
	}()

	// Let the reader park on the upstream read before producing, so 1
	// and 2 are seen as a burst within one debounce window.
	time.Sleep(10 * time.Millisecond)
	up.push(1)
	up.push(2)

	require.Eventually(t, func() bool {
		return debounceTagOf(d) == dbDebouncing
	}, time.Second, time.Millisecond)

	clk.Advance(10 * time.Millisecond)

	select {
	case v := <-resultCh:
		assert.Equal(t, 2, v, "only the latest element within the quiescent window should be emitted")
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("debounced element was never delivered")
	}
}

func TestDebounce_ResetsOnNewArrival(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, 10*time.Millisecond, time.Nanosecond, clk)
	defer d.Close()

	resultCh := make(chan int, 1)
	go func() {
		v, _ := d.Advance(context.Background())
		resultCh <- v
	}()

	time.Sleep(10 * time.Millisecond)
	up.push(1)
	require.Eventually(t, func() bool {
		return debounceTagOf(d) == dbDebouncing
	}, time.Second, time.Millisecond)

	// Advance the clock partway, short of the deadline, then supersede.
	clk.Advance(5 * time.Millisecond)
	up.push(2)
	require.Eventually(t, func() bool {
		return debounceCurrentOf(d) == 2
	}, time.Second, time.Millisecond)

	// Advancing by only the remainder of the original window must not
	// fire: the deadline was reset when element 2 arrived.
	clk.Advance(5 * time.Millisecond)
	select {
	case v := <-resultCh:
		t.Fatalf("fired before the reset deadline, got %d", v)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(10 * time.Millisecond)
	select {
	case v := <-resultCh:
		assert.Equal(t, 2, v)
	case <-time.After(time.Second):
		t.Fatal("debounced element was never delivered after reset")
	}
}

func TestDebounce_UpstreamEndFlushesPending(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, 10*time.Millisecond, time.Nanosecond, clk)
	defer d.Close()

	resultCh := make(chan int, 1)
	go func() {
		v, _ := d.Advance(context.Background())
		resultCh <- v
	}()

	time.Sleep(10 * time.Millisecond)
	up.push(7)
	require.Eventually(t, func() bool {
		return debounceTagOf(d) == dbDebouncing
	}, time.Second, time.Millisecond)

	up.end()

	select {
	case v := <-resultCh:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("pending element was never flushed on upstream end")
	}

	_, err := d.Advance(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestDebounce_UpstreamFailureDropsPending(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, 10*time.Millisecond, time.Nanosecond, clk)
	defer d.Close()

	boom := io.ErrClosedPipe
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Advance(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	up.push(9)
	require.Eventually(t, func() bool {
		return debounceTagOf(d) == dbDebouncing
	}, time.Second, time.Millisecond)

	up.fail(boom)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, boom)
	case <-time.After(time.Second):
		t.Fatal("upstream failure was never delivered")
	}

	_, err := d.Advance(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestDebounce_EmptyUpstreamEndsCleanly(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, 10*time.Millisecond, time.Nanosecond, clk)
	defer d.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		up.end()
	}()

	_, err := d.Advance(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestDebounce_CloseUnblocksConsumer(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	up := newChanIterator[int]()
	d := NewDebounce[int](up, time.Hour, time.Nanosecond, clk)

	done := make(chan error, 1)
	go func() {
		_, err := d.Advance(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock the suspended consumer")
	}
}

func debounceTagOf[E any](d *Debounce[E]) debounceTag {
	return guard.Do(d.state, func(s *debounceCore[E]) debounceTag { return s.tag })
}

func debounceCurrentOf[E any](d *Debounce[E]) E {
	return guard.Do(d.state, func(s *debounceCore[E]) E { return s.current })
}
