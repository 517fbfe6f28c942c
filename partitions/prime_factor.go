package partitions

import (
	"fmt"
	"sort"

	"github.com/notargets/gostencil/geom"
)

// PFP is the prime-factor partition. Rank and device counts are factored
// into primes independently; each prime is assigned greedily to the
// currently-longest axis of the working extent, rank grid first, then the
// device grid on the residual per-rank extent. Ties break toward the lower
// axis index, which keeps sub-domains as close to cubic as the factor
// counts allow.
type PFP struct {
	size    geom.Dim3 // global extent
	rankDim geom.Dim3
	gpuDim  geom.Dim3
}

// NewPFP builds a prime-factor partition of size over ranks processes with
// gpus devices each.
func NewPFP(size geom.Dim3, ranks, gpus int) (*PFP, error) {
	if ranks <= 0 || gpus <= 0 {
		return nil, fmt.Errorf("%w: ranks=%d gpus=%d", ErrInfeasible, ranks, gpus)
	}
	if !size.AllGE(1) {
		return nil, fmt.Errorf("%w: global extent %s", ErrInfeasible, size)
	}

	p := &PFP{size: size}

	work := size
	p.rankDim = splitPrimes(&work, ranks)
	p.gpuDim = splitPrimes(&work, gpus)

	grid := p.rankDim.Mul(p.gpuDim)
	if !grid.AllGE(1) || grid.X > size.X || grid.Y > size.Y || grid.Z > size.Z {
		return nil, fmt.Errorf("%w: %s cannot hold %s ranks x %s gpus",
			ErrInfeasible, size, p.rankDim, p.gpuDim)
	}
	return p, nil
}

// splitPrimes factors n and folds each prime into the longest axis of
// *work, largest primes first. *work is left holding the ceiling residual
// extent so a subsequent split sees the per-cell extent that remains.
func splitPrimes(work *geom.Dim3, n int) geom.Dim3 {
	dim := geom.NewDim3(1, 1, 1)
	for _, f := range primeFactors(n) {
		p := int64(f)
		switch longestAxis(*work) {
		case 0:
			dim.X *= p
			work.X = ceilDiv(work.X, p)
		case 1:
			dim.Y *= p
			work.Y = ceilDiv(work.Y, p)
		default:
			dim.Z *= p
			work.Z = ceilDiv(work.Z, p)
		}
	}
	return dim
}

// longestAxis returns 0, 1, or 2 for the largest component, preferring the
// lower axis on ties.
func longestAxis(d geom.Dim3) int {
	axis := 0
	longest := d.X
	if d.Y > longest {
		axis, longest = 1, d.Y
	}
	if d.Z > longest {
		axis = 2
	}
	return axis
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}

// primeFactors returns the prime factorization of n in descending order.
func primeFactors(n int) []int {
	var fs []int
	for f := 2; f*f <= n; f++ {
		for n%f == 0 {
			fs = append(fs, f)
			n /= f
		}
	}
	if n > 1 {
		fs = append(fs, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(fs)))
	return fs
}

func (p *PFP) GlobalDim() geom.Dim3 { return p.size }
func (p *PFP) RankDim() geom.Dim3   { return p.rankDim }
func (p *PFP) GPUDim() geom.Dim3    { return p.gpuDim }

func (p *PFP) RankIdx(rank int) geom.Dim3 {
	checkBounds("rank", rank, int(p.rankDim.Prod()))
	return unflat(rank, p.rankDim)
}

func (p *PFP) GPUIdx(slot int) geom.Dim3 {
	checkBounds("gpu slot", slot, int(p.gpuDim.Prod()))
	return unflat(slot, p.gpuDim)
}

func (p *PFP) GetRank(idx geom.Dim3) int {
	rankIdx := geom.Dim3{X: idx.X / p.gpuDim.X, Y: idx.Y / p.gpuDim.Y, Z: idx.Z / p.gpuDim.Z}
	return flat(rankIdx, p.rankDim)
}

func (p *PFP) GetGPU(idx geom.Dim3) int {
	gpuIdx := geom.Dim3{X: idx.X % p.gpuDim.X, Y: idx.Y % p.gpuDim.Y, Z: idx.Z % p.gpuDim.Z}
	return flat(gpuIdx, p.gpuDim)
}

func (p *PFP) DomIdx(rank, slot int) geom.Dim3 {
	return p.RankIdx(rank).Mul(p.gpuDim).Add(p.GPUIdx(slot))
}

func (p *PFP) LocalDomainSize(idx geom.Dim3) geom.Dim3 {
	grid := p.rankDim.Mul(p.gpuDim)
	share := func(g, n, i int64) int64 {
		q, rem := g/n, g%n
		if i < rem {
			return q + 1
		}
		return q
	}
	return geom.Dim3{
		X: share(p.size.X, grid.X, idx.X),
		Y: share(p.size.Y, grid.Y, idx.Y),
		Z: share(p.size.Z, grid.Z, idx.Z),
	}
}
