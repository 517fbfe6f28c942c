package comm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorldSendRecv(t *testing.T) {
	world := NewWorld(2)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c := world[0]
		c.Isend([]byte("halo"), 1, 7).Wait()
	}()

	var got [8]byte
	go func() {
		defer wg.Done()
		c := world[1]
		req := c.Irecv(got[:], 0, 7)
		req.Wait()
		assert.True(t, req.Test())
	}()

	wg.Wait()
	assert.Equal(t, "halo", string(got[:4]))
}

func TestWorldTagMatching(t *testing.T) {
	world := NewWorld(2)

	// two messages with different tags arrive out of order relative to
	// the posted receives
	world[0].Isend([]byte{1}, 1, 10).Wait()
	world[0].Isend([]byte{2}, 1, 20).Wait()

	var a, b [1]byte
	r20 := world[1].Irecv(b[:], 0, 20)
	r10 := world[1].Irecv(a[:], 0, 10)
	r20.Wait()
	r10.Wait()

	assert.Equal(t, byte(1), a[0])
	assert.Equal(t, byte(2), b[0])
}

func TestWorldFIFOWithinTag(t *testing.T) {
	world := NewWorld(2)

	world[0].Isend([]byte{1}, 1, 5).Wait()
	world[0].Isend([]byte{2}, 1, 5).Wait()

	var a, b [1]byte
	world[1].Irecv(a[:], 0, 5).Wait()
	world[1].Irecv(b[:], 0, 5).Wait()

	assert.Equal(t, byte(1), a[0])
	assert.Equal(t, byte(2), b[0])
}

func TestWorldBarrier(t *testing.T) {
	const n = 4
	world := NewWorld(n)

	var mu sync.Mutex
	phase := make([]int, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			c := world[rank]
			mu.Lock()
			phase[rank] = 1
			mu.Unlock()
			c.Barrier()
			// after the barrier every rank must have reached phase 1
			mu.Lock()
			for r := 0; r < n; r++ {
				assert.Equal(t, 1, phase[r])
			}
			mu.Unlock()
			c.Barrier()
		}(i)
	}
	wg.Wait()
}

func TestWorldAllgather(t *testing.T) {
	const n = 3
	world := NewWorld(n)

	var wg sync.WaitGroup
	results := make([][]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			results[rank] = world[rank].AllgatherInt(rank * 10)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.Equal(t, []int{0, 10, 20}, results[i])
	}
}

func TestColocatedDiscovery(t *testing.T) {
	// ranks 0,1 on host 0; ranks 2,3 on host 1
	world := NewWorldOnHosts([]int{0, 0, 1, 1})

	var wg sync.WaitGroup
	infos := make([]ColocatedInfo, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			infos[rank] = Colocated(world[rank])
		}(i)
	}
	wg.Wait()

	require.Equal(t, []int{0, 1}, infos[0].Ranks)
	require.Equal(t, []int{0, 1}, infos[1].Ranks)
	require.Equal(t, []int{2, 3}, infos[2].Ranks)
	assert.True(t, infos[0].Contains(1))
	assert.False(t, infos[0].Contains(2))

	assert.Equal(t, "node000", world[0].ProcessorName())
	assert.Equal(t, "node001", world[3].ProcessorName())
	assert.NotEqual(t, world[0].ProcessorName(), world[2].ProcessorName())
}

func TestWorldContractViolations(t *testing.T) {
	world := NewWorld(2)
	assert.Panics(t, func() { world[0].Isend(nil, 5, 0) })
	assert.Panics(t, func() { world[0].Irecv(nil, 0, -1) })
}
