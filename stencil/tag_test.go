package stencil

import (
	"testing"

	"github.com/notargets/gostencil/geom"
	"github.com/stretchr/testify/assert"
)

func allDirections() []geom.Dim3 {
	var dirs []geom.Dim3
	for z := int64(-1); z <= 1; z++ {
		for y := int64(-1); y <= 1; y++ {
			for x := int64(-1); x <= 1; x++ {
				dirs = append(dirs, geom.NewDim3(x, y, z))
			}
		}
	}
	return dirs
}

func TestTagForScenario(t *testing.T) {
	a := TagFor(3, 7, geom.NewDim3(-1, 0, 1))
	b := TagFor(3, 7, geom.NewDim3(1, 0, -1))

	assert.GreaterOrEqual(t, a, 0)
	assert.GreaterOrEqual(t, b, 0)
	assert.Equal(t, a, TagFor(3, 7, geom.NewDim3(-1, 0, 1)))
	assert.NotEqual(t, a, b)
}

func TestTagForUniqueness(t *testing.T) {
	seen := make(map[int]bool)
	for _, dir := range allDirections() {
		for slot := 0; slot < 8; slot++ {
			for field := 0; field < 8; field++ {
				tag := TagFor(slot, field, dir)
				assert.GreaterOrEqual(t, tag, 0)
				assert.False(t, seen[tag], "tag collision at slot=%d field=%d dir=%s", slot, field, dir)
				seen[tag] = true
			}
		}
	}
}

func TestTagDirUniqueness(t *testing.T) {
	seen := make(map[int]bool)
	for _, dir := range allDirections() {
		for slot := 0; slot < 16; slot++ {
			tag := TagDir(slot, dir)
			assert.GreaterOrEqual(t, tag, 0)
			assert.False(t, seen[tag])
			seen[tag] = true
		}
	}
}

func TestTagKindUniqueness(t *testing.T) {
	seen := make(map[int]bool)
	for kind := ColocatedEvt; kind <= Other; kind++ {
		for _, dir := range allDirections() {
			for payload := 0; payload < 4; payload++ {
				tag := TagKind(kind, payload, dir)
				assert.GreaterOrEqual(t, tag, 0)
				assert.False(t, seen[tag])
				seen[tag] = true
			}
		}
	}

	// the full payload range stays clear of the sign bit
	assert.GreaterOrEqual(t, TagKind(Other, 1<<23-1, geom.NewDim3(-1, -1, -1)), 0)
}

func TestTagBoundsPanic(t *testing.T) {
	assert.Panics(t, func() { TagFor(256, 0, geom.Zero) })
	assert.Panics(t, func() { TagFor(0, 1<<16, geom.Zero) })
	assert.Panics(t, func() { TagFor(-1, 0, geom.Zero) })
	assert.Panics(t, func() { TagFor(0, 0, geom.NewDim3(2, 0, 0)) })
	assert.Panics(t, func() { TagDir(256, geom.Zero) })
	assert.Panics(t, func() { TagKind(Other, 1<<23, geom.Zero) })
	assert.Panics(t, func() { TagKind(MsgKind(4), 0, geom.Zero) })
}
