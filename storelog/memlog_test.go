package storelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemLogAppendAndReadAt(t *testing.T) {
	l := NewMemLog[string]()
	ctx := context.Background()

	addr1, err := l.Append(ctx, "first")
	require.NoError(t, err)
	addr2, err := l.Append(ctx, "second")
	require.NoError(t, err)
	assert.NotEqual(t, addr1, addr2)

	got, err := l.ReadAt(ctx, addr1)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	got, err = l.ReadAt(ctx, addr2)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestMemLogReadAtOutOfRange(t *testing.T) {
	l := NewMemLog[string]()
	_, err := l.ReadAt(context.Background(), 5)
	assert.Error(t, err)
}

func TestMemLogScanYieldsInOrder(t *testing.T) {
	l := NewMemLog[int]()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, i)
		require.NoError(t, err)
	}

	entries, errc := l.Scan(ctx)
	var got []int
	for e := range entries {
		got = append(got, e.Record)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestMemLogCloseRejectsFurtherAppends(t *testing.T) {
	l := NewMemLog[int]()
	require.NoError(t, l.Close())
	_, err := l.Append(context.Background(), 1)
	assert.Error(t, err)
}
