package runtime

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/notargets/gostencil/geom"
)

// HostRuntime emulates a multi-device accelerator in host memory. Streams
// execute eagerly, so Query is always true and Sync never blocks; the FIFO
// ordering contract holds trivially. Peer access is universal and IPC
// handles resolve through a process-wide registry, which makes the runtime
// a drop-in for co-located exchange tests where every simulated rank lives
// in one address space.
type HostRuntime struct {
	devices []*hostDevice
}

// NewHostRuntime creates a host runtime exposing n devices.
func NewHostRuntime(n int) *HostRuntime {
	rt := &HostRuntime{}
	for i := 0; i < n; i++ {
		rt.devices = append(rt.devices, &hostDevice{id: i})
	}
	return rt
}

func (rt *HostRuntime) DeviceCount() int { return len(rt.devices) }

func (rt *HostRuntime) Device(id int) Device {
	if id < 0 || id >= len(rt.devices) {
		panic(fmt.Sprintf("runtime: device %d out of range [0,%d)", id, len(rt.devices)))
	}
	return rt.devices[id]
}

// ipcRegistry maps exported handles to buffers across all host runtimes in
// the process, standing in for the driver's inter-process handle table.
var ipcRegistry = struct {
	sync.Mutex
	next uint64
	bufs map[uint64]*hostBuffer
}{bufs: make(map[uint64]*hostBuffer)}

type hostDevice struct {
	id int
}

func (d *hostDevice) ID() int { return d.id }

func (d *hostDevice) Alloc(bytes int64) (Buffer, error) {
	if bytes < 0 {
		return nil, fmt.Errorf("runtime: negative allocation %d", bytes)
	}
	return &hostBuffer{data: make([]byte, bytes)}, nil
}

func (d *hostDevice) AllocUnified(bytes int64) (Buffer, error) {
	return d.Alloc(bytes)
}

func (d *hostDevice) NewStream() Stream { return &hostStream{} }

func (d *hostDevice) CanAccessPeer(dst Device) bool { return true }

func (d *hostDevice) EnablePeerAccess(dst Device) error { return nil }

func (d *hostDevice) IPCExport(b Buffer) (IPCHandle, error) {
	hb, ok := b.(*hostBuffer)
	if !ok {
		return nil, fmt.Errorf("runtime: foreign buffer %T", b)
	}
	ipcRegistry.Lock()
	defer ipcRegistry.Unlock()
	ipcRegistry.next++
	key := ipcRegistry.next
	ipcRegistry.bufs[key] = hb
	h := make(IPCHandle, 8)
	binary.LittleEndian.PutUint64(h, key)
	return h, nil
}

func (d *hostDevice) IPCOpen(h IPCHandle) (Buffer, error) {
	if len(h) != 8 {
		return nil, fmt.Errorf("runtime: malformed IPC handle (%d bytes)", len(h))
	}
	key := binary.LittleEndian.Uint64(h)
	ipcRegistry.Lock()
	defer ipcRegistry.Unlock()
	b, ok := ipcRegistry.bufs[key]
	if !ok {
		return nil, fmt.Errorf("runtime: stale IPC handle %d", key)
	}
	return b, nil
}

type hostBuffer struct {
	data []byte
}

func (b *hostBuffer) Bytes() int64 { return int64(len(b.data)) }
func (b *hostBuffer) Free()        { b.data = nil }

type hostStream struct{}

func hostData(b Buffer) []byte {
	hb, ok := b.(*hostBuffer)
	if !ok {
		panic(fmt.Sprintf("runtime: foreign buffer %T on host stream", b))
	}
	return hb.data
}

func (s *hostStream) CopyFromHost(dst Buffer, dstOff int64, src []byte) {
	copy(hostData(dst)[dstOff:], src)
}

func (s *hostStream) CopyToHost(dst []byte, src Buffer, srcOff int64) {
	copy(dst, hostData(src)[srcOff:srcOff+int64(len(dst))])
}

func (s *hostStream) Copy(dst Buffer, dstOff int64, src Buffer, srcOff, n int64) {
	copy(hostData(dst)[dstOff:dstOff+n], hostData(src)[srcOff:srcOff+n])
}

// rowIter walks the ext.Y*ext.Z rows of a region, calling fn with the
// element offset of each row start in the src and dst layouts.
func rowIter(dstPos, dstPitch, srcPos, srcPitch, ext geom.Dim3, fn func(dstOff, srcOff int64)) {
	for z := int64(0); z < ext.Z; z++ {
		for y := int64(0); y < ext.Y; y++ {
			srcOff := (srcPos.Z+z)*srcPitch.Y*srcPitch.X + (srcPos.Y+y)*srcPitch.X + srcPos.X
			dstOff := (dstPos.Z+z)*dstPitch.Y*dstPitch.X + (dstPos.Y+y)*dstPitch.X + dstPos.X
			fn(dstOff, srcOff)
		}
	}
}

func (s *hostStream) Copy3D(dst Buffer, dstPos, dstPitch geom.Dim3,
	src Buffer, srcPos, srcPitch geom.Dim3, ext geom.Dim3, elemSize int64) {
	dd, sd := hostData(dst), hostData(src)
	row := ext.X * elemSize
	rowIter(dstPos, dstPitch, srcPos, srcPitch, ext, func(dstOff, srcOff int64) {
		copy(dd[dstOff*elemSize:dstOff*elemSize+row], sd[srcOff*elemSize:srcOff*elemSize+row])
	})
}

func (s *hostStream) PackToHost(dst []byte, src Buffer, srcPos, srcPitch, ext geom.Dim3, elemSize int64) {
	if int64(len(dst)) < regionBytes(ext, elemSize) {
		panic(fmt.Sprintf("runtime: pack destination %d bytes < region %d bytes",
			len(dst), regionBytes(ext, elemSize)))
	}
	sd := hostData(src)
	row := ext.X * elemSize
	var linear int64
	densePos := geom.Zero
	densePitch := geom.Dim3{X: ext.X, Y: ext.Y, Z: ext.Z}
	rowIter(densePos, densePitch, srcPos, srcPitch, ext, func(_, srcOff int64) {
		copy(dst[linear:linear+row], sd[srcOff*elemSize:srcOff*elemSize+row])
		linear += row
	})
}

func (s *hostStream) UnpackFromHost(dst Buffer, dstPos, dstPitch, ext geom.Dim3, src []byte, elemSize int64) {
	if int64(len(src)) < regionBytes(ext, elemSize) {
		panic(fmt.Sprintf("runtime: unpack source %d bytes < region %d bytes",
			len(src), regionBytes(ext, elemSize)))
	}
	dd := hostData(dst)
	row := ext.X * elemSize
	var linear int64
	densePos := geom.Zero
	densePitch := geom.Dim3{X: ext.X, Y: ext.Y, Z: ext.Z}
	rowIter(dstPos, dstPitch, densePos, densePitch, ext, func(dstOff, _ int64) {
		copy(dd[dstOff*elemSize:dstOff*elemSize+row], src[linear:linear+row])
		linear += row
	})
}

func (s *hostStream) Query() bool { return true }
func (s *hostStream) Sync() error { return nil }
