package stencil

import (
	"testing"

	"github.com/notargets/gostencil/geom"
	"github.com/notargets/gostencil/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDomain(t *testing.T, sz geom.Dim3, rad int64) *LocalDomain {
	t.Helper()
	rt := runtime.NewHostRuntime(1)
	ld := NewLocalDomain(sz, rt.Device(0))
	ld.SetRadius(geom.Constant(rad))
	ld.AddData(8)
	require.NoError(t, ld.Realize())
	return ld
}

func TestLocalDomainGeometry(t *testing.T) {
	ld := testDomain(t, geom.NewDim3(4, 5, 6), 2)

	assert.Equal(t, int64(2), ld.Pad())
	assert.Equal(t, geom.NewDim3(8, 9, 10), ld.Pitch())
	assert.Equal(t, geom.NewDim3(2, 2, 2), ld.InteriorPos())

	// +x face: a 2-deep slab across the full tangential extent
	px := geom.NewDim3(1, 0, 0)
	assert.Equal(t, geom.NewDim3(2, 5, 6), ld.HaloExtent(px))
	assert.Equal(t, geom.NewDim3(4, 2, 2), ld.HaloSrcPos(px))
	assert.Equal(t, geom.NewDim3(0, 2, 2), ld.HaloDstPos(px))

	// -x face
	mx := geom.NewDim3(-1, 0, 0)
	assert.Equal(t, geom.NewDim3(2, 2, 2), ld.HaloSrcPos(mx))
	assert.Equal(t, geom.NewDim3(6, 2, 2), ld.HaloDstPos(mx))

	// corner
	c := geom.NewDim3(1, -1, 1)
	assert.Equal(t, geom.NewDim3(2, 2, 2), ld.HaloExtent(c))
	assert.Equal(t, geom.NewDim3(4, 2, 6), ld.HaloSrcPos(c))
	assert.Equal(t, geom.NewDim3(0, 7, 0), ld.HaloDstPos(c))

	assert.Equal(t, int64(2*5*6*8), ld.HaloBytes(px, 0))
}

func TestLocalDomainFieldRegistry(t *testing.T) {
	rt := runtime.NewHostRuntime(1)
	ld := NewLocalDomain(geom.NewDim3(3, 3, 3), rt.Device(0))
	ld.SetRadius(geom.Constant(1))

	h0 := ld.AddData(4)
	h1 := ld.AddData(8)
	assert.Equal(t, 0, h0)
	assert.Equal(t, 1, h1)
	assert.Equal(t, 2, ld.NumData())
	assert.Equal(t, int64(4), ld.ElemSize(0))
	assert.Equal(t, int64(8), ld.ElemSize(1))

	require.NoError(t, ld.Realize())
	assert.Equal(t, int64(5*5*5*4), ld.Buffer(0).Bytes())
	assert.Equal(t, int64(5*5*5*8), ld.Buffer(1).Bytes())
}

func TestLocalDomainContractViolations(t *testing.T) {
	ld := testDomain(t, geom.NewDim3(3, 3, 3), 1)

	assert.Panics(t, func() { _ = ld.Realize() })        // double realize
	assert.Panics(t, func() { ld.AddData(4) })           // add after realize
	assert.Panics(t, func() { ld.SetRadius(geom.Constant(2)) })
	assert.Panics(t, func() { ld.Buffer(1) })            // unknown field
	assert.Panics(t, func() { ld.HaloExtent(geom.Zero) })

	bare := NewLocalDomain(geom.NewDim3(2, 2, 2), nil)
	assert.Panics(t, func() { _ = bare.Realize() })
	assert.Panics(t, func() { NewLocalDomain(geom.NewDim3(0, 1, 1), nil) })
}

func TestLocalDomainReadWriteRegion(t *testing.T) {
	ld := testDomain(t, geom.NewDim3(2, 2, 2), 1)

	ext := geom.NewDim3(2, 1, 1)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	ld.WriteRegion(0, ld.InteriorPos(), ext, data)
	assert.Equal(t, data, ld.ReadRegion(0, ld.InteriorPos(), ext))
}
