// Package runtime abstracts the accelerator runtime the exchange engine
// drives: device enumeration, memory, asynchronous copies, strided halo
// pack/unpack, peer access, and inter-process memory handles.
//
// Two implementations are provided: a host-memory runtime for tests and
// CPU-only runs, and an OCCA-backed runtime over gocca devices.
package runtime

import (
	"errors"

	"github.com/notargets/gostencil/geom"
)

// ErrNoIPC reports that a runtime cannot export or import memory handles.
var ErrNoIPC = errors.New("runtime: IPC handles not supported")

// Runtime enumerates the devices available to this process.
type Runtime interface {
	DeviceCount() int
	Device(id int) Device
}

// Device owns memory and streams on one accelerator.
type Device interface {
	// ID is the runtime-local device ordinal.
	ID() int

	// Alloc allocates device memory.
	Alloc(bytes int64) (Buffer, error)

	// AllocUnified allocates memory addressable from both host and device.
	AllocUnified(bytes int64) (Buffer, error)

	// NewStream creates an in-order asynchronous work queue.
	NewStream() Stream

	// CanAccessPeer reports whether direct copies to dst's memory work.
	CanAccessPeer(dst Device) bool

	// EnablePeerAccess enables direct copies to dst's memory.
	EnablePeerAccess(dst Device) error

	// IPCExport produces a handle another process on the same host can
	// open with IPCOpen. Runtimes without IPC return ErrNoIPC.
	IPCExport(b Buffer) (IPCHandle, error)

	// IPCOpen maps a buffer exported by a co-located process.
	IPCOpen(h IPCHandle) (Buffer, error)
}

// Buffer is a device allocation. Imported IPC buffers are Buffers too.
type Buffer interface {
	Bytes() int64
	Free()
}

// IPCHandle is an opaque token transferable between co-located processes
// over the message layer.
type IPCHandle []byte

// Stream is an in-order asynchronous work queue. Operations are queued and
// may complete after the call returns; Query polls for drain and Sync
// blocks for it. Within one stream, operations run FIFO.
type Stream interface {
	// CopyFromHost queues host-to-device of len(src) bytes.
	CopyFromHost(dst Buffer, dstOff int64, src []byte)

	// CopyToHost queues device-to-host of len(dst) bytes.
	CopyToHost(dst []byte, src Buffer, srcOff int64)

	// Copy queues a device-to-device copy. dst may live on a peer device
	// or be an imported IPC buffer.
	Copy(dst Buffer, dstOff int64, src Buffer, srcOff, n int64)

	// Copy3D queues a strided copy of ext elements of elemSize bytes
	// between 3D regions. Positions and pitches are in elements.
	Copy3D(dst Buffer, dstPos, dstPitch geom.Dim3,
		src Buffer, srcPos, srcPitch geom.Dim3, ext geom.Dim3, elemSize int64)

	// PackToHost queues a gather of a 3D region into a dense host slice.
	PackToHost(dst []byte, src Buffer, srcPos, srcPitch, ext geom.Dim3, elemSize int64)

	// UnpackFromHost queues a scatter of a dense host slice into a 3D
	// region.
	UnpackFromHost(dst Buffer, dstPos, dstPitch, ext geom.Dim3, src []byte, elemSize int64)

	// Query reports whether all queued work has completed.
	Query() bool

	// Sync blocks until all queued work has completed.
	Sync() error
}

// regionBytes returns the dense size of a packed region.
func regionBytes(ext geom.Dim3, elemSize int64) int64 {
	return ext.Prod() * elemSize
}
