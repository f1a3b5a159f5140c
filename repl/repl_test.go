package repl

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closeBuffer) Close() error {
	b.closed = true
	return nil
}

func echo(in string, _ *Repl) (string, error) {
	if in == "quit" {
		return "bye", ErrQuit
	}
	if in == "explode" {
		return "", errors.New("boom")
	}
	return "> " + in, nil
}

func TestRun(t *testing.T) {
	in := io.NopCloser(strings.NewReader("hello\n\n  world  \n"))
	out := &closeBuffer{}
	r := NewRepl(in, out)
	require.NoError(t, r.Run(echo))
	assert.Equal(t, "> hello\n> world\n", out.String())
	assert.True(t, out.closed)
	assert.Error(t, r.Println("late"))
}

func TestQuit(t *testing.T) {
	out := &closeBuffer{}
	r := NewRepl(io.NopCloser(strings.NewReader("quit\nhello\n")), out)
	r.Prompt = "w2g> "
	require.NoError(t, r.Run(echo))
	assert.Equal(t, "w2g> bye\n", out.String())
}

func TestHandlerError(t *testing.T) {
	out := &closeBuffer{}
	r := NewRepl(io.NopCloser(strings.NewReader("explode\nhello\n")), out)
	err := r.Run(echo)
	assert.ErrorContains(t, err, "explode")
	assert.Empty(t, out.String())
	assert.True(t, out.closed)
}
