package stencil

import (
	"fmt"
	"sort"

	"github.com/notargets/gostencil/comm"
	"github.com/notargets/gostencil/runtime"
)

// txState tracks a stateful endpoint through its pipeline.
type txState int

const (
	txIdle txState = iota
	txD2H          // sender: packing into host staging
	txH2H          // in flight on the message layer
	txH2D          // recver: unpacking into the ghost region
)

// segment is one (message, field) slice of an endpoint's staging buffer.
type segment struct {
	msg   Message
	field int
	off   int64
	n     int64
}

// buildSegments lays out staging for a message list, sorted by direction
// so both endpoint sides enumerate identically.
func buildSegments(msgs []Message, dom *LocalDomain) ([]segment, int64) {
	sorted := append([]Message(nil), msgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	var segs []segment
	var total int64
	for _, m := range sorted {
		for f := 0; f < dom.NumData(); f++ {
			n := dom.HaloBytes(m.Dir, f)
			segs = append(segs, segment{msg: m, field: f, off: total, n: n})
			total += n
		}
	}
	return segs, total
}

// remoteSender drives the cross-host send pipeline for one
// (sub-domain, destination sub-domain) pair: pack device slabs into host
// staging, then hand each segment to the message layer under its flow tag.
type remoteSender struct {
	world   comm.Communicator
	dstRank int
	dom     *LocalDomain

	stream  runtime.Stream
	staging []byte
	segs    []segment
	senders []*commSender
	state   txState
}

func newRemoteSender(world comm.Communicator, dstRank int, dom *LocalDomain) *remoteSender {
	return &remoteSender{world: world, dstRank: dstRank, dom: dom}
}

// Prepare sizes host staging from the outbox and opens one tagged flow per
// (message, field).
func (s *remoteSender) Prepare(outbox []Message) error {
	var total int64
	s.segs, total = buildSegments(outbox, s.dom)
	s.staging = make([]byte, total)
	s.stream = s.dom.Device().NewStream()
	for _, seg := range s.segs {
		tag := TagFor(seg.msg.DstSlot, seg.field, seg.msg.Dir)
		s.senders = append(s.senders, newCommSender(s.world, s.dstRank, tag))
	}
	return nil
}

// Send starts the device-to-host stage.
func (s *remoteSender) Send() {
	for _, seg := range s.segs {
		m := seg.msg
		s.stream.PackToHost(
			s.staging[seg.off:seg.off+seg.n],
			s.dom.Buffer(seg.field),
			s.dom.HaloSrcPos(m.Dir), s.dom.Pitch(), s.dom.HaloExtent(m.Dir),
			s.dom.ElemSize(seg.field))
	}
	s.state = txD2H
}

// IsD2H reports whether the endpoint is in the device-to-host stage.
func (s *remoteSender) IsD2H() bool { return s.state == txD2H }

// D2HDone reports whether the device-to-host stage has drained.
func (s *remoteSender) D2HDone() bool { return s.stream.Query() }

// SendH2H hands every staged segment to the message layer.
func (s *remoteSender) SendH2H() {
	if s.state != txD2H {
		panic(fmt.Sprintf("stencil: SendH2H in state %d", s.state))
	}
	for i, seg := range s.segs {
		s.senders[i].Resize(seg.n)
		s.senders[i].Send(s.staging[seg.off:])
	}
	s.state = txH2H
}

// IsH2H reports whether segments are in flight.
func (s *remoteSender) IsH2H() bool { return s.state == txH2H }

func (s *remoteSender) Active() bool { return s.state == txD2H }

func (s *remoteSender) NextReady() bool { return s.state == txD2H && s.D2HDone() }

func (s *remoteSender) Next() { s.SendH2H() }

// Wait blocks until every in-flight segment is consumable again.
func (s *remoteSender) Wait() {
	for _, cs := range s.senders {
		cs.Wait()
	}
	s.state = txIdle
}

// remoteRecver drives the cross-host receive pipeline for one
// (sub-domain, source sub-domain) pair: post tagged receives into host
// staging, then unpack into the ghost slabs.
type remoteRecver struct {
	world   comm.Communicator
	srcRank int
	mySlot  int
	dom     *LocalDomain

	stream  runtime.Stream
	staging []byte
	segs    []segment
	recvers []*commRecver
	state   txState
}

func newRemoteRecver(world comm.Communicator, srcRank, mySlot int, dom *LocalDomain) *remoteRecver {
	return &remoteRecver{world: world, srcRank: srcRank, mySlot: mySlot, dom: dom}
}

// Prepare sizes host staging from the inbox and opens the matching tagged
// flows.
func (r *remoteRecver) Prepare(inbox []Message) error {
	var total int64
	r.segs, total = buildSegments(inbox, r.dom)
	r.staging = make([]byte, total)
	r.stream = r.dom.Device().NewStream()
	for _, seg := range r.segs {
		// the sender tags with the destination slot, which is this side
		tag := TagFor(r.mySlot, seg.field, seg.msg.Dir)
		r.recvers = append(r.recvers, newCommRecver(r.world, r.srcRank, tag))
	}
	return nil
}

// Recv posts the host-to-host receives.
func (r *remoteRecver) Recv() {
	for i, seg := range r.segs {
		r.recvers[i].Resize(seg.n)
		r.recvers[i].Recv(r.staging[seg.off:])
	}
	r.state = txH2H
}

// IsH2H reports whether receives are outstanding.
func (r *remoteRecver) IsH2H() bool { return r.state == txH2H }

// H2HDone reports whether every posted receive has landed.
func (r *remoteRecver) H2HDone() bool {
	for _, cr := range r.recvers {
		if !cr.Test() {
			return false
		}
	}
	return true
}

// RecvH2D starts unpacking staged slabs into the ghost regions.
func (r *remoteRecver) RecvH2D() {
	if r.state != txH2H {
		panic(fmt.Sprintf("stencil: RecvH2D in state %d", r.state))
	}
	for _, seg := range r.segs {
		m := seg.msg
		r.stream.UnpackFromHost(
			r.dom.Buffer(seg.field),
			r.dom.HaloDstPos(m.Dir), r.dom.Pitch(), r.dom.HaloExtent(m.Dir),
			r.staging[seg.off:seg.off+seg.n],
			r.dom.ElemSize(seg.field))
	}
	r.state = txH2D
}

func (r *remoteRecver) Active() bool { return r.state == txH2H }

func (r *remoteRecver) NextReady() bool { return r.state == txH2H && r.H2HDone() }

func (r *remoteRecver) Next() { r.RecvH2D() }

// Wait blocks until the ghost regions hold the received slabs.
func (r *remoteRecver) Wait() {
	if r.state == txH2H {
		for _, cr := range r.recvers {
			cr.Wait()
		}
		r.RecvH2D()
	}
	if err := r.stream.Sync(); err != nil {
		panic(fmt.Sprintf("stencil: remote recver: %v", err))
	}
	r.state = txIdle
}

var (
	_ StatefulSender = (*remoteSender)(nil)
	_ StatefulRecver = (*remoteRecver)(nil)
)
