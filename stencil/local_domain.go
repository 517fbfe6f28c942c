package stencil

import (
	"fmt"

	"github.com/notargets/gostencil/geom"
	"github.com/notargets/gostencil/runtime"
)

// LocalDomain owns the payload memory backing one sub-domain on one
// physical device. The interior extent is padded on every side by the
// maximum stencil radius; ghost slabs live in the padding.
type LocalDomain struct {
	sz     geom.Dim3 // interior extent
	radius geom.Radius
	dev    runtime.Device

	elemSizes []int64
	buffers   []runtime.Buffer
	stream    runtime.Stream
	realized  bool
	unified   bool
}

// NewLocalDomain creates an unrealized domain with the given interior
// extent. dev may be nil for geometry-only use (computing a remote peer's
// slab positions).
func NewLocalDomain(sz geom.Dim3, dev runtime.Device) *LocalDomain {
	if !sz.AllGE(1) {
		panic(fmt.Sprintf("stencil: local domain extent %s must be positive", sz))
	}
	return &LocalDomain{sz: sz, dev: dev}
}

// SetRadius sets the stencil radius. Must precede Realize.
func (ld *LocalDomain) SetRadius(r geom.Radius) {
	if ld.realized {
		panic("stencil: SetRadius after Realize")
	}
	ld.radius = r
}

// Radius returns the stencil radius.
func (ld *LocalDomain) Radius() geom.Radius { return ld.radius }

// AddData registers a data field of elemSize bytes per cell and returns
// its stable index.
func (ld *LocalDomain) AddData(elemSize int64) int {
	if ld.realized {
		panic("stencil: AddData after Realize")
	}
	if elemSize <= 0 {
		panic(fmt.Sprintf("stencil: element size %d must be positive", elemSize))
	}
	ld.elemSizes = append(ld.elemSizes, elemSize)
	return len(ld.elemSizes) - 1
}

// Realize allocates every registered field in device memory.
func (ld *LocalDomain) Realize() error { return ld.realize(false) }

// RealizeUnified allocates every registered field in unified memory.
func (ld *LocalDomain) RealizeUnified() error { return ld.realize(true) }

func (ld *LocalDomain) realize(unified bool) error {
	if ld.realized {
		panic("stencil: LocalDomain realized twice")
	}
	if ld.dev == nil {
		panic("stencil: Realize on a geometry-only domain")
	}
	pitch := ld.Pitch()
	for i, es := range ld.elemSizes {
		var (
			buf runtime.Buffer
			err error
		)
		if unified {
			buf, err = ld.dev.AllocUnified(pitch.Prod() * es)
		} else {
			buf, err = ld.dev.Alloc(pitch.Prod() * es)
		}
		if err != nil {
			return fmt.Errorf("field %d on device %d: %w", i, ld.dev.ID(), err)
		}
		ld.buffers = append(ld.buffers, buf)
	}
	ld.stream = ld.dev.NewStream()
	ld.realized = true
	ld.unified = unified
	return nil
}

// Free releases every field buffer.
func (ld *LocalDomain) Free() {
	for _, b := range ld.buffers {
		b.Free()
	}
	ld.buffers = nil
}

// NumData returns the number of registered fields.
func (ld *LocalDomain) NumData() int { return len(ld.elemSizes) }

// ElemSize returns the element size of field f.
func (ld *LocalDomain) ElemSize(f int) int64 {
	ld.checkField(f)
	return ld.elemSizes[f]
}

// Buffer returns the device buffer of field f. Valid after Realize.
func (ld *LocalDomain) Buffer(f int) runtime.Buffer {
	ld.checkField(f)
	if !ld.realized {
		panic("stencil: Buffer before Realize")
	}
	return ld.buffers[f]
}

func (ld *LocalDomain) checkField(f int) {
	if f < 0 || f >= len(ld.elemSizes) {
		panic(fmt.Sprintf("stencil: field %d out of range [0,%d)", f, len(ld.elemSizes)))
	}
}

// Size returns the interior extent.
func (ld *LocalDomain) Size() geom.Dim3 { return ld.sz }

// Device returns the owning device, nil for geometry-only domains.
func (ld *LocalDomain) Device() runtime.Device { return ld.dev }

// Pad returns the padding depth on each side, the maximum radius entry.
func (ld *LocalDomain) Pad() int64 { return ld.radius.Max() }

// Pitch returns the allocated extent, interior plus padding.
func (ld *LocalDomain) Pitch() geom.Dim3 {
	p := 2 * ld.Pad()
	return geom.Dim3{X: ld.sz.X + p, Y: ld.sz.Y + p, Z: ld.sz.Z + p}
}

// InteriorPos returns the position of the interior origin in the padded
// allocation.
func (ld *LocalDomain) InteriorPos() geom.Dim3 {
	r := ld.Pad()
	return geom.Dim3{X: r, Y: r, Z: r}
}

// HaloExtent returns the slab extent exchanged in direction dir: the
// direction's radius deep along active axes, the full interior across
// passive ones.
func (ld *LocalDomain) HaloExtent(dir geom.Dim3) geom.Dim3 {
	rad := ld.dirRadius(dir)
	pick := func(d, sz int64) int64 {
		if d == 0 {
			return sz
		}
		return rad
	}
	return geom.Dim3{
		X: pick(dir.X, ld.sz.X),
		Y: pick(dir.Y, ld.sz.Y),
		Z: pick(dir.Z, ld.sz.Z),
	}
}

// HaloSrcPos returns the position of the interior slab sent toward dir.
func (ld *LocalDomain) HaloSrcPos(dir geom.Dim3) geom.Dim3 {
	rad := ld.dirRadius(dir)
	r := ld.Pad()
	pick := func(d, sz int64) int64 {
		if d == 1 {
			return r + sz - rad
		}
		return r
	}
	return geom.Dim3{
		X: pick(dir.X, ld.sz.X),
		Y: pick(dir.Y, ld.sz.Y),
		Z: pick(dir.Z, ld.sz.Z),
	}
}

// HaloDstPos returns the position of the ghost slab where a message
// traveling in direction dir lands: the side facing the sender.
func (ld *LocalDomain) HaloDstPos(dir geom.Dim3) geom.Dim3 {
	rad := ld.dirRadius(dir)
	r := ld.Pad()
	pick := func(d, sz int64) int64 {
		switch d {
		case 1:
			return r - rad
		case -1:
			return r + sz
		default:
			return r
		}
	}
	return geom.Dim3{
		X: pick(dir.X, ld.sz.X),
		Y: pick(dir.Y, ld.sz.Y),
		Z: pick(dir.Z, ld.sz.Z),
	}
}

// HaloBytes returns the dense size of the dir slab for field f.
func (ld *LocalDomain) HaloBytes(dir geom.Dim3, f int) int64 {
	return ld.HaloExtent(dir).Prod() * ld.ElemSize(f)
}

func (ld *LocalDomain) dirRadius(dir geom.Dim3) int64 {
	if !dir.IsDirection() || dir == geom.Zero {
		panic(fmt.Sprintf("stencil: %s is not an exchange direction", dir))
	}
	return ld.radius.Dir(int(dir.X), int(dir.Y), int(dir.Z))
}

// WriteRegion copies data into a region of field f; pos is in padded
// coordinates. Intended for the compute layer and tests.
func (ld *LocalDomain) WriteRegion(f int, pos, ext geom.Dim3, data []byte) {
	ld.stream.UnpackFromHost(ld.Buffer(f), pos, ld.Pitch(), ext, data, ld.ElemSize(f))
	if err := ld.stream.Sync(); err != nil {
		panic(fmt.Sprintf("stencil: write region: %v", err))
	}
}

// ReadRegion copies a region of field f out to the host; pos is in padded
// coordinates.
func (ld *LocalDomain) ReadRegion(f int, pos, ext geom.Dim3) []byte {
	out := make([]byte, ext.Prod()*ld.ElemSize(f))
	ld.stream.PackToHost(out, ld.Buffer(f), pos, ld.Pitch(), ext, ld.ElemSize(f))
	if err := ld.stream.Sync(); err != nil {
		panic(fmt.Sprintf("stencil: read region: %v", err))
	}
	return out
}
