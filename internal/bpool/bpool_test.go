package bpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolGetPutReusesBuffer(t *testing.T) {
	p := NewPool(1 << 10)
	defer p.Close()

	buf := p.Get()
	_, err := buf.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), buf.Bytes())

	p.Put(buf)

	reused := p.Get()
	assert.Equal(t, int64(0), reused.Size(), "Put must reset the buffer before it's handed out again")
}

func TestPoolGetWithoutPriorPutReturnsFreshBuffer(t *testing.T) {
	p := NewPool(0)
	defer p.Close()

	buf := p.Get()
	assert.Equal(t, int64(0), buf.Size())
}
