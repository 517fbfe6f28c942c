package stencil

import "github.com/notargets/gostencil/geom"

// Message schedules one halo transfer: the slab leaving SrcSlot's
// sub-domain in direction Dir, landing in DstSlot's ghost region. Slots
// are device-slot indices within the owning rank's device grid. Messages
// are created during planning, consumed by each transport's prepare, and
// not referenced afterwards.
type Message struct {
	Dir     geom.Dim3
	SrcSlot int
	DstSlot int
}

// Less orders messages by direction vector; the order is total over the 26
// directions, so both ends of a flow enumerate their shared messages
// identically.
func (m Message) Less(o Message) bool {
	return m.Dir.Less(o.Dir)
}
