package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	for _, f := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(ctx, []byte(f)))
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestPipeCopiesFrames(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, a.Send(ctx, buf))
	buf[0] = 'z'

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestPipePeerCloseDrainsThenEOF(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, []byte("last")))
	require.NoError(t, a.Close())

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last", string(got))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, b.Send(ctx, []byte("x")), io.ErrClosedPipe)
}

func TestPipeSelfCloseUnblocksReceive(t *testing.T) {
	a, b := NewPipe()
	defer b.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := a.Receive(context.Background())
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receive did not unblock")
	}
}

func TestPipeReceiveHonorsContext(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
