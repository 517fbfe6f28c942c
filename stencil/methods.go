package stencil

// MethodFlags selects which transport tiers the planner may use. Subsets
// force the planner down the tier list; a direction no enabled tier can
// carry is a fatal planning error.
type MethodFlags int

const (
	// MethodNone disables every tier.
	MethodNone MethodFlags = 0

	// MethodRemote enables the cross-host staged pipeline.
	MethodRemote MethodFlags = 1 << iota

	// MethodColocated enables shared-host transfers through IPC memory
	// handles.
	MethodColocated

	// MethodPeerCopy enables same-process cross-device copies.
	MethodPeerCopy

	// MethodKernel enables same-device strided kernel copies.
	MethodKernel

	// MethodAll enables everything.
	MethodAll = MethodRemote | MethodColocated | MethodPeerCopy | MethodKernel
)

// Any reports whether any of the given methods are enabled.
func (f MethodFlags) Any(m MethodFlags) bool { return f&m != MethodNone }
