package stencil

import (
	"fmt"

	"github.com/notargets/gostencil/geom"
)

// Message tags pack a flow's identity into a non-negative 31-bit integer
// so that many independent flows share one cross-host channel without
// collision. Three forms are provided; the colocated control plane runs on
// its own communicator, so kind-tagged control tags cannot collide with
// data tags.

// MsgKind distinguishes control-plane message classes on the shared-host
// communicator.
type MsgKind int

const (
	// ColocatedEvt signals that a co-located sender finished writing into
	// a peer's ghost region.
	ColocatedEvt MsgKind = iota

	// ColocatedMem carries an exported IPC memory handle.
	ColocatedMem

	// ColocatedDev carries a device identity during rendezvous.
	ColocatedDev

	// Other is the data-plane kind.
	Other
)

const (
	tagIdxBits  = 16
	tagSlotBits = 8
	tagDirBits  = 6

	tagKindPayloadBits = 23
)

// dirBits encodes a direction vector into 6 bits, 2 per axis:
// 0 -> 00, +1 -> 01, -1 -> 10.
func dirBits(dir geom.Dim3) int {
	if !dir.IsDirection() {
		panic(fmt.Sprintf("stencil: %s is not a direction vector", dir))
	}
	enc := func(v int64) int {
		switch v {
		case 1:
			return 0b01
		case -1:
			return 0b10
		default:
			return 0b00
		}
	}
	return enc(dir.X) | enc(dir.Y)<<2 | enc(dir.Z)<<4
}

// TagKind builds a control tag: kind in bits 29-30, direction in bits
// 23-28, payload in bits 0-22.
func TagKind(kind MsgKind, payload int, dir geom.Dim3) int {
	if kind < 0 || kind > 3 {
		panic(fmt.Sprintf("stencil: message kind %d out of range", kind))
	}
	if payload < 0 || payload >= 1<<tagKindPayloadBits {
		panic(fmt.Sprintf("stencil: tag payload %d out of range", payload))
	}
	return int(kind)<<29 | dirBits(dir)<<tagKindPayloadBits | payload
}

// TagFor builds a data tag from a device slot, a field index, and a
// direction: field index in bits 0-15, slot in bits 16-23, direction in
// bits 24-29. Distinct in-range tuples yield distinct non-negative tags.
func TagFor(slot, fieldIdx int, dir geom.Dim3) int {
	if slot < 0 || slot >= 1<<tagSlotBits {
		panic(fmt.Sprintf("stencil: device slot %d out of range", slot))
	}
	if fieldIdx < 0 || fieldIdx >= 1<<tagIdxBits {
		panic(fmt.Sprintf("stencil: field index %d out of range", fieldIdx))
	}
	return dirBits(dir)<<(tagIdxBits+tagSlotBits) | slot<<tagIdxBits | fieldIdx
}

// TagDir builds the reduced data tag from a device slot and a direction:
// slot in bits 0-7, direction in bits 8-13.
func TagDir(slot int, dir geom.Dim3) int {
	if slot < 0 || slot >= 1<<tagSlotBits {
		panic(fmt.Sprintf("stencil: device slot %d out of range", slot))
	}
	return dirBits(dir)<<tagSlotBits | slot
}
