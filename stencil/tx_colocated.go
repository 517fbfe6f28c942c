package stencil

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/notargets/gostencil/comm"
	"github.com/notargets/gostencil/geom"
	"github.com/notargets/gostencil/runtime"
)

// The co-located tier moves slabs between processes on one host by
// writing directly into the peer's ghost memory through imported IPC
// handles. The rendezvous is two-phase: every endpoint first posts its
// handle sends and receives (StartPrepare), then completes them
// (FinishPrepare), so paired peers cannot deadlock. Control traffic runs
// on the shared-host communicator, keeping its tags off the data plane.

const (
	coloSlotCap  = 128 // slots per payload field, 7 bits
	coloFieldCap = 512 // fields per payload field, 9 bits

	// length-prefixed IPC handle, bounded by the largest driver handle
	coloHandleBytes = 64
)

// coloPayload packs (srcSlot, dstSlot, field) into a control tag payload.
func coloPayload(srcSlot, dstSlot, field int) int {
	if srcSlot < 0 || srcSlot >= coloSlotCap || dstSlot < 0 || dstSlot >= coloSlotCap {
		panic(fmt.Sprintf("stencil: colocated slot pair (%d,%d) out of range", srcSlot, dstSlot))
	}
	if field < 0 || field >= coloFieldCap {
		panic(fmt.Sprintf("stencil: colocated field %d out of range", field))
	}
	return srcSlot<<16 | dstSlot<<9 | field
}

func coloHandleTag(srcSlot, dstSlot, field int) int {
	return TagKind(ColocatedMem, coloPayload(srcSlot, dstSlot, field), geom.Zero)
}

func coloEvtTag(srcSlot, dstSlot int) int {
	return TagKind(ColocatedEvt, coloPayload(srcSlot, dstSlot, 0), geom.Zero)
}

func encodeHandle(h runtime.IPCHandle) []byte {
	if len(h) > coloHandleBytes-2 {
		panic(fmt.Sprintf("stencil: IPC handle of %d bytes exceeds wire format", len(h)))
	}
	buf := make([]byte, coloHandleBytes)
	binary.LittleEndian.PutUint16(buf, uint16(len(h)))
	copy(buf[2:], h)
	return buf
}

func decodeHandle(buf []byte) runtime.IPCHandle {
	n := binary.LittleEndian.Uint16(buf)
	return runtime.IPCHandle(buf[2 : 2+n])
}

// slotField identifies one imported buffer.
type slotField struct {
	slot, field int
}

// colocatedSender serves one (sub-domain, destination rank) pair. It
// imports the destination domains' field buffers during the rendezvous and
// writes slabs into their ghost regions with device copies, then raises an
// arrival event per destination slot.
type colocatedSender struct {
	shared    comm.Communicator
	dstShared int // destination's rank on the shared communicator
	srcSlot   int
	dom       *LocalDomain
	dstGeom   map[int]*LocalDomain // geometry-only, per destination slot

	msgs       []Message
	stream     runtime.Stream
	handleReqs map[slotField]comm.Request
	handleBufs map[slotField][]byte
	imported   map[slotField]runtime.Buffer
	notifiers  []*commSender
}

func newColocatedSender(shared comm.Communicator, dstShared, srcSlot int,
	dom *LocalDomain, dstGeom map[int]*LocalDomain) *colocatedSender {
	return &colocatedSender{
		shared:    shared,
		dstShared: dstShared,
		srcSlot:   srcSlot,
		dom:       dom,
		dstGeom:   dstGeom,
	}
}

// StartPrepare posts the handle receives for every destination buffer the
// outbox touches. Must complete on all endpoints before any FinishPrepare.
func (s *colocatedSender) StartPrepare(outbox []Message) error {
	s.msgs = append([]Message(nil), outbox...)
	sort.Slice(s.msgs, func(i, j int) bool { return s.msgs[i].Less(s.msgs[j]) })

	s.stream = s.dom.Device().NewStream()
	s.handleReqs = make(map[slotField]comm.Request)
	s.handleBufs = make(map[slotField][]byte)
	s.imported = make(map[slotField]runtime.Buffer)

	slots := make(map[int]bool)
	for _, m := range s.msgs {
		slots[m.DstSlot] = true
		for f := 0; f < s.dom.NumData(); f++ {
			key := slotField{m.DstSlot, f}
			if _, ok := s.handleReqs[key]; ok {
				continue
			}
			buf := make([]byte, coloHandleBytes)
			s.handleBufs[key] = buf
			s.handleReqs[key] = s.shared.Irecv(buf, s.dstShared, coloHandleTag(s.srcSlot, m.DstSlot, f))
		}
	}
	for slot := range slots {
		s.notifiers = append(s.notifiers,
			newCommSender(s.shared, s.dstShared, coloEvtTag(s.srcSlot, slot)))
	}
	return nil
}

// FinishPrepare completes the rendezvous and maps the remote buffers into
// this process.
func (s *colocatedSender) FinishPrepare() error {
	for key, req := range s.handleReqs {
		req.Wait()
		buf, err := s.dom.Device().IPCOpen(decodeHandle(s.handleBufs[key]))
		if err != nil {
			return fmt.Errorf("mapping slot %d field %d: %w", key.slot, key.field, err)
		}
		s.imported[key] = buf
	}
	s.handleReqs = nil
	s.handleBufs = nil
	return nil
}

// Send queues the slab copies into the peers' ghost regions.
func (s *colocatedSender) Send() {
	for _, m := range s.msgs {
		dg := s.dstGeom[m.DstSlot]
		ext := s.dom.HaloExtent(m.Dir)
		for f := 0; f < s.dom.NumData(); f++ {
			s.stream.Copy3D(
				s.imported[slotField{m.DstSlot, f}], dg.HaloDstPos(m.Dir), dg.Pitch(),
				s.dom.Buffer(f), s.dom.HaloSrcPos(m.Dir), s.dom.Pitch(),
				ext, s.dom.ElemSize(f))
		}
	}
}

// Wait drains the copies, then raises the arrival events the receivers
// block on.
func (s *colocatedSender) Wait() {
	if err := s.stream.Sync(); err != nil {
		panic(fmt.Sprintf("stencil: colocated sender: %v", err))
	}
	for _, n := range s.notifiers {
		n.Resize(0)
		n.Send(nil)
		n.Wait()
	}
}

// colocatedRecver serves one (sub-domain, source rank) pair. It exports
// this domain's buffers during the rendezvous and consumes one arrival
// event per sending slot each step.
type colocatedRecver struct {
	shared    comm.Communicator
	srcShared int
	mySlot    int
	dom       *LocalDomain

	handleSends []comm.Request
	evtRecvers  []*commRecver
}

func newColocatedRecver(shared comm.Communicator, srcShared, mySlot int, dom *LocalDomain) *colocatedRecver {
	return &colocatedRecver{shared: shared, srcShared: srcShared, mySlot: mySlot, dom: dom}
}

// StartPrepare exports this domain's field buffers to every sending slot
// in the inbox.
func (r *colocatedRecver) StartPrepare(inbox []Message) error {
	srcSlots := make(map[int]bool)
	for _, m := range inbox {
		srcSlots[m.SrcSlot] = true
	}

	// deterministic rendezvous order
	var slots []int
	for slot := range srcSlots {
		slots = append(slots, slot)
	}
	sort.Ints(slots)

	for _, slot := range slots {
		for f := 0; f < r.dom.NumData(); f++ {
			h, err := r.dom.Device().IPCExport(r.dom.Buffer(f))
			if err != nil {
				return fmt.Errorf("exporting field %d: %w", f, err)
			}
			req := r.shared.Isend(encodeHandle(h), r.srcShared, coloHandleTag(slot, r.mySlot, f))
			r.handleSends = append(r.handleSends, req)
		}
		r.evtRecvers = append(r.evtRecvers,
			newCommRecver(r.shared, r.srcShared, coloEvtTag(slot, r.mySlot)))
	}
	return nil
}

// FinishPrepare completes the handle sends.
func (r *colocatedRecver) FinishPrepare() error {
	for _, req := range r.handleSends {
		req.Wait()
	}
	r.handleSends = nil
	return nil
}

// Recv posts the arrival-event receives for this step.
func (r *colocatedRecver) Recv() {
	for _, er := range r.evtRecvers {
		er.Resize(0)
		er.Recv(nil)
	}
}

// Wait blocks until every sending slot has signaled arrival.
func (r *colocatedRecver) Wait() {
	for _, er := range r.evtRecvers {
		er.Wait()
	}
}
