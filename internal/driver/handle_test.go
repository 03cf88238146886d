package driver

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandle(t *testing.T) {
	h := NewHandle()
	fd, ok := h.FD()
	assert.False(t, ok)
	assert.Zero(t, fd)
	assert.False(t, h.Loaded())
	assert.Equal(t, State{}, h.Snapshot())

	h.SetFD(17)
	fd, ok = h.FD()
	assert.True(t, ok)
	assert.Equal(t, int32(17), fd)
	assert.True(t, h.Loaded())

	h.SetFD(0)
	snap := h.Snapshot()
	assert.Equal(t, int32(0), snap.FD)
	assert.True(t, snap.HasFD)
	assert.True(t, snap.Loaded)
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestHandle_ConcurrentReaders(t *testing.T) {
	var h Handle
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				h.SetFD(int32(i))
				return
			}
			s := h.Snapshot()
			assert.Equal(t, s.Loaded, s.HasFD)
		}(i)
	}
	wg.Wait()
	assert.True(t, h.Loaded())
}
