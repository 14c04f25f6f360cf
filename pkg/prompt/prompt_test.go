package prompt

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseRetriesOnJunk(t *testing.T) {
	var out bytes.Buffer
	p := New(strings.NewReader("x\n0\n4\n 2 \n"), &out)

	i, err := p.Choose(context.Background(), "pick a region", []string{"oregon", "iowa", "south carolina"})
	require.NoError(t, err)
	assert.Equal(t, 1, i)
	assert.Contains(t, out.String(), "[3] south carolina")
	assert.Equal(t, 3, strings.Count(out.String(), "invalid choice"))
}

func TestChooseLastLineWithoutNewline(t *testing.T) {
	p := New(strings.NewReader("1"), io.Discard)
	i, err := p.Choose(context.Background(), "t", []string{"only"})
	require.NoError(t, err)
	assert.Zero(t, i)
}

func TestChooseEOF(t *testing.T) {
	p := New(strings.NewReader("nope\n"), io.Discard)
	_, err := p.Choose(context.Background(), "t", []string{"a", "b"})
	assert.True(t, errors.Is(err, io.EOF))
}

func TestChooseEmpty(t *testing.T) {
	p := New(strings.NewReader("1\n"), io.Discard)
	_, err := p.Choose(context.Background(), "projects", nil)
	assert.ErrorContains(t, err, "nothing to choose from")
}

func TestConfirm(t *testing.T) {
	p := New(strings.NewReader("y\nYES\nn\n\nsure\n"), io.Discard)
	ctx := context.Background()
	for _, want := range []bool{true, true, false, false, false} {
		got, err := p.Confirm(ctx, "add rule?")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadLineCancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := New(r, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Confirm(ctx, "waiting forever?")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
