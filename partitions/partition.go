// Package partitions maps a global 3D computational domain onto a process
// grid and a per-process device grid.
package partitions

import (
	"errors"
	"fmt"

	"github.com/notargets/gostencil/geom"
)

// ErrInfeasible reports that the requested grids cannot tile the global
// extent.
var ErrInfeasible = errors.New("partition infeasible")

// Partition is an immutable decomposition plan. It provides the bijections
// between flat rank ids / device slots and their grid indices, and between
// (rank, slot) pairs and positions in the combined sub-domain index space.
type Partition interface {
	// GlobalDim is the global domain extent in cells.
	GlobalDim() geom.Dim3

	// RankDim is the process-grid extent; the product of its components
	// equals the rank count.
	RankDim() geom.Dim3

	// GPUDim is the device-grid extent; the product of its components
	// equals the devices-per-rank count.
	GPUDim() geom.Dim3

	// RankIdx is the row-major inverse of a flat rank id into the process
	// grid. rank must be in [0, |RankDim|).
	RankIdx(rank int) geom.Dim3

	// GPUIdx is the row-major inverse of a flat device slot into the
	// device grid. slot must be in [0, |GPUDim|).
	GPUIdx(slot int) geom.Dim3

	// GetRank returns the rank owning the sub-domain at idx in the
	// combined RankDim*GPUDim index space.
	GetRank(idx geom.Dim3) int

	// GetGPU returns the device slot owning the sub-domain at idx.
	GetGPU(idx geom.Dim3) int

	// DomIdx returns the position of (rank, slot) in the combined
	// sub-domain index space.
	DomIdx(rank, slot int) geom.Dim3

	// LocalDomainSize returns the interior extent of the sub-domain at
	// idx. Along each axis, the first G mod N sub-domains get the ceiling
	// share and the rest the floor share.
	LocalDomainSize(idx geom.Dim3) geom.Dim3
}

// flat converts a grid index to a flat id, x fastest.
func flat(idx, dim geom.Dim3) int {
	return int(idx.X + idx.Y*dim.X + idx.Z*dim.X*dim.Y)
}

// unflat is the row-major inverse of flat.
func unflat(id int, dim geom.Dim3) geom.Dim3 {
	i := int64(id)
	return geom.Dim3{
		X: i % dim.X,
		Y: (i / dim.X) % dim.Y,
		Z: i / (dim.X * dim.Y),
	}
}

func checkBounds(what string, id, n int) {
	if id < 0 || id >= n {
		panic(fmt.Sprintf("partitions: %s %d out of range [0,%d)", what, id, n))
	}
}
