package stencil

import (
	"fmt"
	"sort"

	"github.com/notargets/gostencil/geom"
	"github.com/notargets/gostencil/runtime"
)

// peerAccessSender serves messages whose source and destination
// sub-domains share one physical device. Each message is a strided copy
// kernel over the halo region; one sender aggregates the messages of every
// local sub-domain.
type peerAccessSender struct {
	domains []*LocalDomain
	localOf map[int]int // device slot -> local domain index
	msgs    []Message
	streams map[int]runtime.Stream // device id -> stream
}

func (s *peerAccessSender) Prepare(outbox []Message, domains []*LocalDomain, localOf map[int]int) {
	s.domains = domains
	s.localOf = localOf
	s.msgs = append([]Message(nil), outbox...)
	sort.Slice(s.msgs, func(i, j int) bool { return s.msgs[i].Less(s.msgs[j]) })

	s.streams = make(map[int]runtime.Stream)
	for _, m := range s.msgs {
		dev := domains[localOf[m.SrcSlot]].Device()
		if _, ok := s.streams[dev.ID()]; !ok {
			s.streams[dev.ID()] = dev.NewStream()
		}
	}
}

func (s *peerAccessSender) Send() {
	for _, m := range s.msgs {
		src := s.domains[s.localOf[m.SrcSlot]]
		dst := s.domains[s.localOf[m.DstSlot]]
		stream := s.streams[src.Device().ID()]
		ext := src.HaloExtent(m.Dir)
		for f := 0; f < src.NumData(); f++ {
			stream.Copy3D(
				dst.Buffer(f), dst.HaloDstPos(m.Dir), dst.Pitch(),
				src.Buffer(f), src.HaloSrcPos(m.Dir), src.Pitch(),
				ext, src.ElemSize(f))
		}
	}
}

func (s *peerAccessSender) Wait() {
	for _, stream := range s.streams {
		if err := stream.Sync(); err != nil {
			panic(fmt.Sprintf("stencil: peer access sender: %v", err))
		}
	}
}

// peerCopySender serves same-process messages between different devices.
// Each message packs the slab into linear staging on the source device,
// crosses devices with an asynchronous copy, and unpacks on the
// destination device.
type peerCopySender struct {
	domains []*LocalDomain
	localOf map[int]int
	msgs    []Message

	srcStreams map[int]runtime.Stream
	dstStreams map[int]runtime.Stream

	// one staging pair and copier per (message, field)
	srcStage [][]runtime.Buffer
	dstStage [][]runtime.Buffer
	copiers  [][]Copier
}

func (s *peerCopySender) Prepare(outbox []Message, domains []*LocalDomain, localOf map[int]int) error {
	s.domains = domains
	s.localOf = localOf
	s.msgs = append([]Message(nil), outbox...)
	sort.Slice(s.msgs, func(i, j int) bool { return s.msgs[i].Less(s.msgs[j]) })

	s.srcStreams = make(map[int]runtime.Stream)
	s.dstStreams = make(map[int]runtime.Stream)
	s.srcStage = make([][]runtime.Buffer, len(s.msgs))
	s.dstStage = make([][]runtime.Buffer, len(s.msgs))
	s.copiers = make([][]Copier, len(s.msgs))

	for i, m := range s.msgs {
		src := domains[localOf[m.SrcSlot]]
		dst := domains[localOf[m.DstSlot]]
		if err := src.Device().EnablePeerAccess(dst.Device()); err != nil {
			// an enable error is tolerated when the devices already
			// report peer access; without it the tier cannot run
			if !src.Device().CanAccessPeer(dst.Device()) {
				return fmt.Errorf("peer copy %s -> device %d: %w",
					m.Dir, dst.Device().ID(), err)
			}
		}
		if _, ok := s.srcStreams[src.Device().ID()]; !ok {
			s.srcStreams[src.Device().ID()] = src.Device().NewStream()
		}
		if _, ok := s.dstStreams[dst.Device().ID()]; !ok {
			s.dstStreams[dst.Device().ID()] = dst.Device().NewStream()
		}
		for f := 0; f < src.NumData(); f++ {
			n := src.HaloBytes(m.Dir, f)
			sb, err := src.Device().Alloc(n)
			if err != nil {
				return fmt.Errorf("peer copy staging: %w", err)
			}
			db, err := dst.Device().Alloc(n)
			if err != nil {
				return fmt.Errorf("peer copy staging: %w", err)
			}
			s.srcStage[i] = append(s.srcStage[i], sb)
			s.dstStage[i] = append(s.dstStage[i], db)
			s.copiers[i] = append(s.copiers[i], newStreamCopier(s.srcStreams[src.Device().ID()]))
		}
	}
	return nil
}

func (s *peerCopySender) Send() {
	// pack and cross on the source streams
	for i, m := range s.msgs {
		src := s.domains[s.localOf[m.SrcSlot]]
		stream := s.srcStreams[src.Device().ID()]
		ext := src.HaloExtent(m.Dir)
		densePitch := ext
		for f := 0; f < src.NumData(); f++ {
			stream.Copy3D(
				s.srcStage[i][f], geom.Zero, densePitch,
				src.Buffer(f), src.HaloSrcPos(m.Dir), src.Pitch(),
				ext, src.ElemSize(f))
			c := s.copiers[i][f]
			c.Resize(src.HaloBytes(m.Dir, f))
			c.Copy(s.dstStage[i][f], s.srcStage[i][f])
		}
	}
	// staged data must be across before the destination unpacks
	for _, c := range s.copiers {
		for _, cp := range c {
			cp.Wait()
		}
	}
	// unpack on the destination streams
	for i, m := range s.msgs {
		src := s.domains[s.localOf[m.SrcSlot]]
		dst := s.domains[s.localOf[m.DstSlot]]
		stream := s.dstStreams[dst.Device().ID()]
		ext := src.HaloExtent(m.Dir)
		densePitch := ext
		for f := 0; f < dst.NumData(); f++ {
			stream.Copy3D(
				dst.Buffer(f), dst.HaloDstPos(m.Dir), dst.Pitch(),
				s.dstStage[i][f], geom.Zero, densePitch,
				ext, dst.ElemSize(f))
		}
	}
}

func (s *peerCopySender) Wait() {
	for _, stream := range s.dstStreams {
		if err := stream.Sync(); err != nil {
			panic(fmt.Sprintf("stencil: peer copy sender: %v", err))
		}
	}
}

func (s *peerCopySender) Free() {
	for i := range s.srcStage {
		for f := range s.srcStage[i] {
			s.srcStage[i][f].Free()
			s.dstStage[i][f].Free()
		}
	}
}
