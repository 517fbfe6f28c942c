package partitions

import (
	"testing"

	"github.com/notargets/gostencil/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPFP10x5x5Into2x1(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(10, 5, 5), 2, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, part.GetRank(geom.NewDim3(0, 0, 0)))
	assert.Equal(t, geom.NewDim3(1, 1, 1), part.GPUDim())
	assert.Equal(t, geom.NewDim3(2, 1, 1), part.RankDim())

	for i := 0; i < 2; i++ {
		idx := part.RankIdx(i)
		assert.True(t, idx.AllGE(0))
		assert.True(t, idx.AllLT(part.RankDim()))
		assert.Equal(t, i, part.GetRank(idx.Mul(part.GPUDim())))
	}

	assert.Equal(t, geom.NewDim3(5, 5, 5), part.LocalDomainSize(geom.NewDim3(0, 0, 0)))
}

func TestPFP10x3x1Into4x1(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(10, 3, 1), 4, 1)
	require.NoError(t, err)

	assert.Equal(t, geom.NewDim3(3, 3, 1), part.LocalDomainSize(geom.NewDim3(0, 0, 0)))
	assert.Equal(t, geom.NewDim3(3, 3, 1), part.LocalDomainSize(geom.NewDim3(1, 0, 0)))
	assert.Equal(t, geom.NewDim3(2, 3, 1), part.LocalDomainSize(geom.NewDim3(2, 0, 0)))
	assert.Equal(t, geom.NewDim3(2, 3, 1), part.LocalDomainSize(geom.NewDim3(3, 0, 0)))
}

func TestPFP10x5x5Into3x1(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(10, 5, 5), 3, 1)
	require.NoError(t, err)

	assert.Equal(t, geom.NewDim3(4, 5, 5), part.LocalDomainSize(geom.NewDim3(0, 0, 0)))
	assert.Equal(t, geom.NewDim3(3, 5, 5), part.LocalDomainSize(geom.NewDim3(1, 0, 0)))
	assert.Equal(t, geom.NewDim3(3, 5, 5), part.LocalDomainSize(geom.NewDim3(2, 0, 0)))
}

func TestPFP13x7x7Into4x1(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(13, 7, 7), 4, 1)
	require.NoError(t, err)

	assert.Equal(t, geom.NewDim3(4, 7, 7), part.LocalDomainSize(geom.NewDim3(0, 0, 0)))
	for i := int64(1); i < 4; i++ {
		assert.Equal(t, geom.NewDim3(3, 7, 7), part.LocalDomainSize(geom.NewDim3(i, 0, 0)))
	}
}

func TestPFP17x7x7Into3x2(t *testing.T) {
	// X splits into 6,6,5 across ranks, then Y into 4,3 across gpus.
	part, err := NewPFP(geom.NewDim3(17, 7, 7), 3, 2)
	require.NoError(t, err)

	assert.Equal(t, geom.NewDim3(3, 1, 1), part.RankDim())
	assert.Equal(t, geom.NewDim3(1, 2, 1), part.GPUDim())

	assert.Equal(t, geom.NewDim3(6, 4, 7), part.LocalDomainSize(geom.NewDim3(0, 0, 0)))
	assert.Equal(t, geom.NewDim3(6, 4, 7), part.LocalDomainSize(geom.NewDim3(1, 0, 0)))
	assert.Equal(t, geom.NewDim3(5, 4, 7), part.LocalDomainSize(geom.NewDim3(2, 0, 0)))
	assert.Equal(t, geom.NewDim3(6, 3, 7), part.LocalDomainSize(geom.NewDim3(0, 1, 0)))
	assert.Equal(t, geom.NewDim3(6, 3, 7), part.LocalDomainSize(geom.NewDim3(1, 1, 0)))
	assert.Equal(t, geom.NewDim3(5, 3, 7), part.LocalDomainSize(geom.NewDim3(2, 1, 0)))

	assert.Equal(t, geom.NewDim3(2, 1, 0), part.DomIdx(2, 1))
}

func TestPFPRoundTrips(t *testing.T) {
	cases := []struct {
		size        geom.Dim3
		ranks, gpus int
	}{
		{geom.NewDim3(10, 5, 5), 2, 1},
		{geom.NewDim3(17, 7, 7), 3, 2},
		{geom.NewDim3(64, 64, 64), 8, 4},
		{geom.NewDim3(30, 24, 18), 6, 6},
	}
	for _, tc := range cases {
		part, err := NewPFP(tc.size, tc.ranks, tc.gpus)
		require.NoError(t, err)

		assert.Equal(t, int64(tc.ranks), part.RankDim().Prod())
		assert.Equal(t, int64(tc.gpus), part.GPUDim().Prod())

		for rank := 0; rank < tc.ranks; rank++ {
			for slot := 0; slot < tc.gpus; slot++ {
				idx := part.DomIdx(rank, slot)
				assert.Equal(t, rank, part.GetRank(idx))
				assert.Equal(t, slot, part.GetGPU(idx))
			}
		}
	}
}

func TestPFPAxisSums(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(23, 17, 11), 6, 4)
	require.NoError(t, err)

	grid := part.RankDim().Mul(part.GPUDim())

	// The local extents along any axis-aligned line sum to the global
	// extent on that axis.
	for y := int64(0); y < grid.Y; y++ {
		for z := int64(0); z < grid.Z; z++ {
			var sum int64
			for x := int64(0); x < grid.X; x++ {
				sum += part.LocalDomainSize(geom.NewDim3(x, y, z)).X
			}
			assert.Equal(t, int64(23), sum)
		}
	}
	for x := int64(0); x < grid.X; x++ {
		for z := int64(0); z < grid.Z; z++ {
			var sum int64
			for y := int64(0); y < grid.Y; y++ {
				sum += part.LocalDomainSize(geom.NewDim3(x, y, z)).Y
			}
			assert.Equal(t, int64(17), sum)
		}
	}
	for x := int64(0); x < grid.X; x++ {
		for y := int64(0); y < grid.Y; y++ {
			var sum int64
			for z := int64(0); z < grid.Z; z++ {
				sum += part.LocalDomainSize(geom.NewDim3(x, y, z)).Z
			}
			assert.Equal(t, int64(11), sum)
		}
	}
}

func TestPFPInfeasible(t *testing.T) {
	_, err := NewPFP(geom.NewDim3(10, 5, 5), 0, 1)
	assert.ErrorIs(t, err, ErrInfeasible)

	_, err = NewPFP(geom.NewDim3(10, 5, 5), 2, -1)
	assert.ErrorIs(t, err, ErrInfeasible)

	// 128 ranks cannot tile a 2x2x2 domain
	_, err = NewPFP(geom.NewDim3(2, 2, 2), 128, 1)
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestPFPBoundsPanic(t *testing.T) {
	part, err := NewPFP(geom.NewDim3(10, 5, 5), 2, 1)
	require.NoError(t, err)

	assert.Panics(t, func() { part.RankIdx(2) })
	assert.Panics(t, func() { part.GPUIdx(-1) })
}
