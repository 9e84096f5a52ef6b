package asyncseq

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-asyncseq/internal/clocktest"
)

func TestRepeating_TicksOnSchedule(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	r := Repeating(clk, 10*time.Millisecond, time.Nanosecond)

	tickCh := make(chan time.Time, 1)
	go func() {
		v, err := r.Advance(context.Background())
		require.NoError(t, err)
		tickCh <- v
	}()

	require.Eventually(t, func() bool { return true }, 10*time.Millisecond, time.Millisecond)
	clk.Advance(10 * time.Millisecond)

	select {
	case v := <-tickCh:
		assert.Equal(t, clk.Now(), v)
	case <-time.After(time.Second):
		t.Fatal("repeater never ticked")
	}
}

func TestRepeating_CancellationEndsCleanly(t *testing.T) {
	clk := clocktest.New(time.Unix(0, 0))
	r := Repeating(clk, time.Hour, time.Nanosecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Advance(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("cancellation never resumed the repeater")
	}
}
