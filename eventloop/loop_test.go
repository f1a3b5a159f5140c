package eventloop

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T) (*Loop, chan error) {
	t.Helper()
	l := New(nil)
	errs := make(chan error, 1)
	go func() { errs <- l.Run(context.Background()) }()
	t.Cleanup(l.Stop)
	return l, errs
}

func TestPostOrder(t *testing.T) {
	l, _ := run(t)
	got := make(chan int, 4)
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { got <- i })
	}
	// Posting from the loop itself never blocks
	l.Post(func() {
		l.Post(func() { got <- 3 })
	})
	for i := 0; i < 4; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatal("closure never ran")
		}
	}
}

func TestStop(t *testing.T) {
	l, errs := run(t)
	l.Stop()
	l.Stop()
	select {
	case err := <-errs:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop kept running")
	}
	ran := false
	l.Post(func() { ran = true })
	assert.False(t, ran)
}

func TestRunContext(t *testing.T) {
	l := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Run(ctx), context.Canceled)
	<-l.Stopped()
}

func TestWatchFd(t *testing.T) {
	l, _ := run(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	got := make(chan string, 1)
	stop := l.WatchFd(int(r.Fd()), func() {
		buf := make([]byte, 16)
		n, _ := r.Read(buf)
		got <- string(buf[:n])
	})
	_, err = w.Write([]byte("ping"))
	require.NoError(t, err)
	select {
	case v := <-got:
		assert.Equal(t, "ping", v)
	case <-time.After(2 * time.Second):
		t.Fatal("fd never reported readable")
	}
	stop()
	stop()
	l.Stop()
	l.Wait()
}

func TestAfterFunc(t *testing.T) {
	l, _ := run(t)
	fired := make(chan struct{})
	l.AfterFunc(time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}

	tm := l.AfterFunc(time.Hour, func() {})
	assert.True(t, tm.Stop())
}
