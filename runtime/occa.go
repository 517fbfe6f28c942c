package runtime

import (
	"fmt"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/gostencil/geom"
)

// OCCARuntime drives one OCCA device per slot. Copies and pack kernels run
// through gocca; the bindings complete work before returning, so streams
// report drained and Sync reduces to a device Finish. Peer access is
// limited to the same device and IPC handles are not available. The
// planner does not consult these capabilities, so a plan that uses the
// peer-copy or co-located tier fails to prepare on this runtime.
type OCCARuntime struct {
	devices []*occaDevice
}

// NewOCCARuntime creates one device per property string, e.g.
// `{"mode": "CUDA", "device_id": 0}`.
func NewOCCARuntime(deviceProps []string) (*OCCARuntime, error) {
	rt := &OCCARuntime{}
	for i, props := range deviceProps {
		dev, err := gocca.NewDevice(props)
		if err != nil {
			rt.Free()
			return nil, fmt.Errorf("device %d (%s): %w", i, props, err)
		}
		rt.devices = append(rt.devices, &occaDevice{id: i, dev: dev})
	}
	return rt, nil
}

// Free releases every device.
func (rt *OCCARuntime) Free() {
	for _, d := range rt.devices {
		d.dev.Free()
	}
	rt.devices = nil
}

func (rt *OCCARuntime) DeviceCount() int { return len(rt.devices) }

func (rt *OCCARuntime) Device(id int) Device {
	if id < 0 || id >= len(rt.devices) {
		panic(fmt.Sprintf("runtime: device %d out of range [0,%d)", id, len(rt.devices)))
	}
	return rt.devices[id]
}

type occaDevice struct {
	id      int
	dev     *gocca.OCCADevice
	kernels map[string]*gocca.OCCAKernel
}

func (d *occaDevice) ID() int { return d.id }

func (d *occaDevice) Alloc(bytes int64) (Buffer, error) {
	mem := d.dev.Malloc(bytes, nil, nil)
	if mem == nil {
		return nil, fmt.Errorf("runtime: device %d failed to allocate %d bytes", d.id, bytes)
	}
	return &occaBuffer{mem: mem, bytes: bytes}, nil
}

func (d *occaDevice) AllocUnified(bytes int64) (Buffer, error) {
	props := gocca.JsonParse(`{"host": true}`)
	defer props.Free()
	mem := d.dev.Malloc(bytes, nil, props)
	if mem == nil {
		return nil, fmt.Errorf("runtime: device %d failed to allocate %d unified bytes", d.id, bytes)
	}
	return &occaBuffer{mem: mem, bytes: bytes}, nil
}

func (d *occaDevice) NewStream() Stream { return &occaStream{dev: d} }

func (d *occaDevice) CanAccessPeer(dst Device) bool { return dst.ID() == d.id }

func (d *occaDevice) EnablePeerAccess(dst Device) error {
	if dst.ID() != d.id {
		return fmt.Errorf("runtime: OCCA device %d cannot peer with %d", d.id, dst.ID())
	}
	return nil
}

func (d *occaDevice) IPCExport(Buffer) (IPCHandle, error) { return nil, ErrNoIPC }
func (d *occaDevice) IPCOpen(IPCHandle) (Buffer, error)   { return nil, ErrNoIPC }

// kernel builds and caches the named halo kernel.
func (d *occaDevice) kernel(name, source string) *gocca.OCCAKernel {
	if d.kernels == nil {
		d.kernels = make(map[string]*gocca.OCCAKernel)
	}
	if k, ok := d.kernels[name]; ok {
		return k
	}
	k, err := d.dev.BuildKernelFromString(source, name, nil)
	if err != nil {
		panic(fmt.Sprintf("runtime: building %s on device %d: %v", name, d.id, err))
	}
	d.kernels[name] = k
	return k
}

type occaBuffer struct {
	mem   *gocca.OCCAMemory
	bytes int64
}

func (b *occaBuffer) Bytes() int64 { return b.bytes }
func (b *occaBuffer) Free()        { b.mem.Free() }

func occaMem(b Buffer) *occaBuffer {
	ob, ok := b.(*occaBuffer)
	if !ok {
		panic(fmt.Sprintf("runtime: foreign buffer %T on OCCA stream", b))
	}
	return ob
}

type occaStream struct {
	dev     *occaDevice
	scratch *occaBuffer
}

// scratchFor grows the stream's bounce buffer to at least n bytes.
func (s *occaStream) scratchFor(n int64) *occaBuffer {
	if s.scratch == nil || s.scratch.bytes < n {
		if s.scratch != nil {
			s.scratch.Free()
		}
		mem := s.dev.dev.Malloc(n, nil, nil)
		s.scratch = &occaBuffer{mem: mem, bytes: n}
	}
	return s.scratch
}

func (s *occaStream) CopyFromHost(dst Buffer, dstOff int64, src []byte) {
	if len(src) == 0 {
		return
	}
	ob := occaMem(dst)
	if dstOff == 0 {
		ob.mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)))
		return
	}
	sc := s.scratchFor(int64(len(src)))
	sc.mem.CopyFrom(unsafe.Pointer(&src[0]), int64(len(src)))
	ob.mem.CopyDeviceToDevice(dstOff, sc.mem, 0, int64(len(src)))
}

func (s *occaStream) CopyToHost(dst []byte, src Buffer, srcOff int64) {
	if len(dst) == 0 {
		return
	}
	ob := occaMem(src)
	if srcOff == 0 {
		ob.mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)))
		return
	}
	sc := s.scratchFor(int64(len(dst)))
	sc.mem.CopyDeviceToDevice(0, ob.mem, srcOff, int64(len(dst)))
	sc.mem.CopyTo(unsafe.Pointer(&dst[0]), int64(len(dst)))
}

func (s *occaStream) Copy(dst Buffer, dstOff int64, src Buffer, srcOff, n int64) {
	occaMem(dst).mem.CopyDeviceToDevice(dstOff, occaMem(src).mem, srcOff, n)
}

func (s *occaStream) Copy3D(dst Buffer, dstPos, dstPitch geom.Dim3,
	src Buffer, srcPos, srcPitch geom.Dim3, ext geom.Dim3, elemSize int64) {
	k := s.dev.kernel(copyKernelName, copyKernelSource())
	err := k.RunWithArgs(
		int32(ext.X), int32(ext.Y), int32(ext.Z),
		int32(srcPos.X), int32(srcPos.Y), int32(srcPos.Z),
		int32(srcPitch.X), int32(srcPitch.Y),
		int32(dstPos.X), int32(dstPos.Y), int32(dstPos.Z),
		int32(dstPitch.X), int32(dstPitch.Y),
		int32(elemSize),
		occaMem(src).mem, occaMem(dst).mem)
	if err != nil {
		panic(fmt.Sprintf("runtime: %s: %v", copyKernelName, err))
	}
}

func (s *occaStream) PackToHost(dst []byte, src Buffer, srcPos, srcPitch, ext geom.Dim3, elemSize int64) {
	n := regionBytes(ext, elemSize)
	if int64(len(dst)) < n {
		panic(fmt.Sprintf("runtime: pack destination %d bytes < region %d bytes", len(dst), n))
	}
	sc := s.scratchFor(n)
	k := s.dev.kernel(packKernelName, packKernelSource())
	err := k.RunWithArgs(
		int32(ext.X), int32(ext.Y), int32(ext.Z),
		int32(srcPos.X), int32(srcPos.Y), int32(srcPos.Z),
		int32(srcPitch.X), int32(srcPitch.Y),
		int32(elemSize),
		occaMem(src).mem, sc.mem)
	if err != nil {
		panic(fmt.Sprintf("runtime: %s: %v", packKernelName, err))
	}
	sc.mem.CopyTo(unsafe.Pointer(&dst[0]), n)
}

func (s *occaStream) UnpackFromHost(dst Buffer, dstPos, dstPitch, ext geom.Dim3, src []byte, elemSize int64) {
	n := regionBytes(ext, elemSize)
	if int64(len(src)) < n {
		panic(fmt.Sprintf("runtime: unpack source %d bytes < region %d bytes", len(src), n))
	}
	sc := s.scratchFor(n)
	sc.mem.CopyFrom(unsafe.Pointer(&src[0]), n)
	k := s.dev.kernel(unpackKernelName, unpackKernelSource())
	err := k.RunWithArgs(
		int32(ext.X), int32(ext.Y), int32(ext.Z),
		int32(dstPos.X), int32(dstPos.Y), int32(dstPos.Z),
		int32(dstPitch.X), int32(dstPitch.Y),
		int32(elemSize),
		sc.mem, occaMem(dst).mem)
	if err != nil {
		panic(fmt.Sprintf("runtime: %s: %v", unpackKernelName, err))
	}
}

func (s *occaStream) Query() bool { return true }

func (s *occaStream) Sync() error {
	s.dev.dev.Finish()
	return nil
}
