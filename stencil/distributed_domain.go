// Package stencil plans and executes the periodic exchange of halo regions
// between the sub-domains of a regular 3D computational domain partitioned
// across processes and accelerator devices. Four transport tiers serve the
// exchange, from same-device strided kernel copies out to a staged
// cross-host pipeline; the planner picks the most local tier available for
// each neighbor pair.
package stencil

import (
	"errors"
	"fmt"
	"log"
	"unsafe"

	"gonum.org/v1/gonum/mat"

	"github.com/notargets/gostencil/comm"
	"github.com/notargets/gostencil/geom"
	"github.com/notargets/gostencil/partitions"
	"github.com/notargets/gostencil/runtime"
)

// ErrNoMethod reports that no enabled transport tier can carry a required
// message.
var ErrNoMethod = errors.New("no method available")

// DataHandle identifies a registered data field.
type DataHandle[T any] struct {
	idx int
}

// Index returns the field's position in every LocalDomain's buffer list.
func (h DataHandle[T]) Index() int { return h.idx }

// AddData registers a field of element type T on every sub-domain. Must
// precede Realize.
func AddData[T any](dd *DistributedDomain) DataHandle[T] {
	var v T
	idx := dd.addData(int64(unsafe.Sizeof(v)))
	return DataHandle[T]{idx: idx}
}

// DistributedDomain is the exchange engine: one per process, owning the
// process's sub-domains and the transports that connect them to their 26
// neighbors each.
type DistributedDomain struct {
	size  geom.Dim3
	world comm.Communicator
	rt    runtime.Runtime

	rank      int
	worldSize int
	colo      comm.ColocatedInfo
	sharedOf  map[int]int // world rank -> shared-host rank

	gpus      []int // runtime device ids, one per local slot
	radius    geom.Radius
	elemSizes []int64
	flags     MethodFlags

	part      partitions.Partition
	domains   []*LocalDomain
	domainIdx []geom.Dim3
	localOf   map[int]int // device slot -> local domain index

	peerAccess *peerAccessSender
	peerCopy   *peerCopySender

	remoteSenders    []map[geom.Dim3]*remoteSender // [di][dstIdx]
	remoteRecvers    []map[geom.Dim3]*remoteRecver // [di][srcIdx]
	colocatedSenders []map[int]*colocatedSender    // [di][dstRank]
	colocatedRecvers []map[int]*colocatedRecver    // [di][srcRank]

	realized bool
}

// NewDistributedDomain creates an engine over a global extent of
// (x, y, z) cells. The communicator and the device runtime are explicit so
// tests can substitute an in-process world and a host runtime. The
// constructor is collective: it discovers co-located ranks, assigns
// devices round-robin within each host, and enables peer access between
// the devices it owns.
func NewDistributedDomain(x, y, z int64, world comm.Communicator, rt runtime.Runtime) *DistributedDomain {
	dd := &DistributedDomain{
		size:  geom.NewDim3(x, y, z),
		world: world,
		rt:    rt,
		rank:  world.Rank(),
		flags: MethodAll,
	}
	dd.worldSize = world.Size()

	world.Barrier() // stabilize co-location timing
	start := world.Wtime()
	dd.colo = comm.Colocated(world)
	dd.sharedOf = make(map[int]int)
	for sr, wr := range dd.colo.Ranks {
		dd.sharedOf[wr] = sr
	}
	log.Printf("time.colocate [%d] %fs", dd.rank, world.Wtime()-start)
	log.Printf("rank %d/%d on %s colocated with %d other ranks",
		dd.rank, dd.worldSize, world.ProcessorName(), len(dd.colo.Ranks)-1)

	// fewer ranks than devices: round-robin devices to ranks; more ranks:
	// share devices among ranks
	shmRank, shmSize := dd.colo.Comm.Rank(), dd.colo.Comm.Size()
	deviceCount := rt.DeviceCount()
	if shmSize <= deviceCount {
		for g := 0; g < deviceCount; g++ {
			if g%shmSize == shmRank {
				dd.gpus = append(dd.gpus, g)
			}
		}
	} else {
		dd.gpus = []int{shmRank % deviceCount}
	}

	start = world.Wtime()
	for _, a := range dd.gpus {
		for _, b := range dd.gpus {
			if a != b && rt.Device(a).CanAccessPeer(rt.Device(b)) {
				if err := rt.Device(a).EnablePeerAccess(rt.Device(b)); err != nil {
					log.Printf("peer access %d -> %d unavailable: %v", a, b, err)
				}
			}
		}
	}
	log.Printf("time.peer [%d] %fs", dd.rank, world.Wtime()-start)

	if dd.rank == 0 {
		log.Printf("device distance matrix:\n%v",
			mat.Formatted(runtime.DistanceMatrix(rt)))
	}
	return dd
}

// SetRadius sets a uniform stencil radius. Must precede Realize.
func (dd *DistributedDomain) SetRadius(r int64) {
	if dd.realized {
		panic("stencil: SetRadius after Realize")
	}
	dd.radius = geom.Constant(r)
}

// SetRadiusMap sets a per-direction radius. Must precede Realize.
func (dd *DistributedDomain) SetRadiusMap(r geom.Radius) {
	if dd.realized {
		panic("stencil: SetRadiusMap after Realize")
	}
	dd.radius = r
}

func (dd *DistributedDomain) addData(elemSize int64) int {
	if dd.realized {
		panic("stencil: AddData after Realize")
	}
	dd.elemSizes = append(dd.elemSizes, elemSize)
	return len(dd.elemSizes) - 1
}

// SetMethods restricts the planner to the given tiers.
func (dd *DistributedDomain) SetMethods(flags MethodFlags) {
	dd.flags = flags
}

// Domains exposes the per-sub-domain buffers to the compute layer.
func (dd *DistributedDomain) Domains() []*LocalDomain { return dd.domains }

// Partition returns the decomposition plan. Valid after Realize.
func (dd *DistributedDomain) Partition() partitions.Partition { return dd.part }

// Rank returns this process's world rank.
func (dd *DistributedDomain) Rank() int { return dd.rank }

// Realize partitions the domain, allocates every sub-domain, plans the
// communication, and prepares all transports. Collective; a no-op after
// the first successful call.
func (dd *DistributedDomain) Realize(useUnified bool) error {
	if dd.realized {
		return nil
	}

	// every rank must drive the same device-grid shape
	counts := dd.world.AllgatherInt(len(dd.gpus))
	for r, c := range counts {
		if c != len(dd.gpus) {
			return fmt.Errorf("stencil: device-count mismatch: rank %d has %d devices, rank %d has %d",
				dd.rank, len(dd.gpus), r, c)
		}
	}

	part, err := partitions.NewPFP(dd.size, dd.worldSize, len(dd.gpus))
	if err != nil {
		return fmt.Errorf("stencil: %w", err)
	}
	dd.part = part
	if dd.rank == 0 {
		log.Printf("split %s into %s ranks x %s gpus", dd.size, part.RankDim(), part.GPUDim())
	}

	start := dd.world.Wtime()
	dd.localOf = make(map[int]int)
	for i := range dd.gpus {
		idx := part.DomIdx(dd.rank, i)
		ld := NewLocalDomain(part.LocalDomainSize(idx), dd.rt.Device(dd.gpus[i]))
		ld.SetRadius(dd.radius)
		for _, es := range dd.elemSizes {
			ld.AddData(es)
		}
		if useUnified {
			err = ld.RealizeUnified()
		} else {
			err = ld.Realize()
		}
		if err != nil {
			return fmt.Errorf("stencil: realizing sub-domain %s: %w", idx, err)
		}
		dd.domains = append(dd.domains, ld)
		dd.domainIdx = append(dd.domainIdx, idx)
		dd.localOf[part.GetGPU(idx)] = i
		log.Printf("rank=%d slot=%d device=%d => %s interior %s",
			dd.rank, i, dd.gpus[i], idx, ld.Size())
	}
	log.Printf("time.local_realize [%d] %fs", dd.rank, dd.world.Wtime()-start)

	start = dd.world.Wtime()
	if err := dd.plan(); err != nil {
		return err
	}
	log.Printf("time.plan [%d] %fs", dd.rank, dd.world.Wtime()-start)

	dd.realized = true
	return nil
}

// plan enumerates the 26 neighbor directions of every local sub-domain,
// classifies each send and receive into a transport tier, and prepares the
// transports.
func (dd *DistributedDomain) plan() error {
	part := dd.part
	globalDim := part.RankDim().Mul(part.GPUDim())
	nDom := len(dd.domains)

	var peerAccessOutbox, peerCopyOutbox []Message
	remoteOutboxes := make([]map[geom.Dim3][]Message, nDom)
	remoteInboxes := make([]map[geom.Dim3][]Message, nDom)
	colocatedOutboxes := make([]map[int][]Message, nDom)
	colocatedInboxes := make([]map[int][]Message, nDom)
	for di := 0; di < nDom; di++ {
		remoteOutboxes[di] = make(map[geom.Dim3][]Message)
		remoteInboxes[di] = make(map[geom.Dim3][]Message)
		colocatedOutboxes[di] = make(map[int][]Message)
		colocatedInboxes[di] = make(map[int][]Message)
	}

	for di := 0; di < nDom; di++ {
		myIdx := dd.domainIdx[di]
		mySlot := part.GetGPU(myIdx)
		for z := -1; z <= 1; z++ {
			for y := -1; y <= 1; y++ {
				for x := -1; x <= 1; x++ {
					dir := geom.NewDim3(int64(x), int64(y), int64(z))
					if dir == geom.Zero {
						continue
					}
					dstIdx := myIdx.Add(dir).Wrap(globalDim)
					srcIdx := myIdx.Sub(dir).Wrap(globalDim)
					dstRank, dstSlot := part.GetRank(dstIdx), part.GetGPU(dstIdx)
					srcRank, srcSlot := part.GetRank(srcIdx), part.GetGPU(srcIdx)

					sMsg := Message{Dir: dir, SrcSlot: mySlot, DstSlot: dstSlot}
					switch {
					case dstRank == dd.rank && dd.sameDevice(di, dstSlot) && dd.flags.Any(MethodKernel):
						peerAccessOutbox = append(peerAccessOutbox, sMsg)
					case dstRank == dd.rank && dd.flags.Any(MethodPeerCopy):
						peerCopyOutbox = append(peerCopyOutbox, sMsg)
					case dstRank != dd.rank && dd.colo.Contains(dstRank) && dd.flags.Any(MethodColocated):
						colocatedOutboxes[di][dstRank] = append(colocatedOutboxes[di][dstRank], sMsg)
					case dstRank != dd.rank && dd.flags.Any(MethodRemote):
						remoteOutboxes[di][dstIdx] = append(remoteOutboxes[di][dstIdx], sMsg)
					default:
						return fmt.Errorf("stencil: send %s from sub-domain %s: %w", dir, myIdx, ErrNoMethod)
					}

					rMsg := Message{Dir: dir, SrcSlot: srcSlot, DstSlot: mySlot}
					switch {
					case srcRank == dd.rank && dd.sameDevice(di, srcSlot) && dd.flags.Any(MethodKernel):
						// same-device copies are wholly sender-driven
					case srcRank == dd.rank && dd.flags.Any(MethodPeerCopy):
						// peer copies are wholly sender-driven
					case srcRank != dd.rank && dd.colo.Contains(srcRank) && dd.flags.Any(MethodColocated):
						colocatedInboxes[di][srcRank] = append(colocatedInboxes[di][srcRank], rMsg)
					case srcRank != dd.rank && dd.flags.Any(MethodRemote):
						remoteInboxes[di][srcIdx] = append(remoteInboxes[di][srcIdx], rMsg)
					default:
						return fmt.Errorf("stencil: recv %s into sub-domain %s: %w", dir, myIdx, ErrNoMethod)
					}
				}
			}
		}
	}

	// prepare tiers, most local first
	dd.peerAccess = &peerAccessSender{}
	dd.peerAccess.Prepare(peerAccessOutbox, dd.domains, dd.localOf)

	dd.peerCopy = &peerCopySender{}
	if err := dd.peerCopy.Prepare(peerCopyOutbox, dd.domains, dd.localOf); err != nil {
		return fmt.Errorf("stencil: %w", err)
	}

	// split prepare: every StartPrepare on both sides precedes any
	// FinishPrepare so paired peers exchange handles without deadlock
	dd.colocatedSenders = make([]map[int]*colocatedSender, nDom)
	dd.colocatedRecvers = make([]map[int]*colocatedRecver, nDom)
	for di := 0; di < nDom; di++ {
		dd.colocatedSenders[di] = make(map[int]*colocatedSender)
		dd.colocatedRecvers[di] = make(map[int]*colocatedRecver)
		mySlot := part.GetGPU(dd.domainIdx[di])
		for dstRank, msgs := range colocatedOutboxes[di] {
			s := newColocatedSender(dd.colo.Comm, dd.sharedOf[dstRank], mySlot,
				dd.domains[di], dd.remoteGeometries(dstRank, msgs))
			if err := s.StartPrepare(msgs); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
			dd.colocatedSenders[di][dstRank] = s
		}
		for srcRank, msgs := range colocatedInboxes[di] {
			r := newColocatedRecver(dd.colo.Comm, dd.sharedOf[srcRank], mySlot, dd.domains[di])
			if err := r.StartPrepare(msgs); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
			dd.colocatedRecvers[di][srcRank] = r
		}
	}
	for di := 0; di < nDom; di++ {
		for _, s := range dd.colocatedSenders[di] {
			if err := s.FinishPrepare(); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
		}
		for _, r := range dd.colocatedRecvers[di] {
			if err := r.FinishPrepare(); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
		}
	}

	dd.remoteSenders = make([]map[geom.Dim3]*remoteSender, nDom)
	dd.remoteRecvers = make([]map[geom.Dim3]*remoteRecver, nDom)
	for di := 0; di < nDom; di++ {
		dd.remoteSenders[di] = make(map[geom.Dim3]*remoteSender)
		dd.remoteRecvers[di] = make(map[geom.Dim3]*remoteRecver)
		mySlot := part.GetGPU(dd.domainIdx[di])
		for dstIdx, msgs := range remoteOutboxes[di] {
			s := newRemoteSender(dd.world, part.GetRank(dstIdx), dd.domains[di])
			if err := s.Prepare(msgs); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
			dd.remoteSenders[di][dstIdx] = s
		}
		for srcIdx, msgs := range remoteInboxes[di] {
			r := newRemoteRecver(dd.world, part.GetRank(srcIdx), mySlot, dd.domains[di])
			if err := r.Prepare(msgs); err != nil {
				return fmt.Errorf("stencil: %w", err)
			}
			dd.remoteRecvers[di][srcIdx] = r
		}
	}
	return nil
}

// sameDevice reports whether local domain di and the local domain holding
// slot share one physical device. slot must belong to this rank.
func (dd *DistributedDomain) sameDevice(di, slot int) bool {
	lj, ok := dd.localOf[slot]
	if !ok {
		panic(fmt.Sprintf("stencil: slot %d has no local sub-domain", slot))
	}
	return dd.domains[di].Device().ID() == dd.domains[lj].Device().ID()
}

// remoteGeometries builds geometry-only views of the destination
// sub-domains an outbox targets, so a co-located sender can compute ghost
// positions in the peer's allocation without a round trip.
func (dd *DistributedDomain) remoteGeometries(dstRank int, msgs []Message) map[int]*LocalDomain {
	geoms := make(map[int]*LocalDomain)
	for _, m := range msgs {
		if _, ok := geoms[m.DstSlot]; ok {
			continue
		}
		dstIdx := dd.part.DomIdx(dstRank, m.DstSlot)
		g := NewLocalDomain(dd.part.LocalDomainSize(dstIdx), nil)
		g.SetRadius(dd.radius)
		geoms[m.DstSlot] = g
	}
	return geoms
}

// Exchange performs one halo exchange: all sends and receives of the step
// complete before it returns, so callers may treat the step as atomic with
// respect to the stencil kernel that follows.
func (dd *DistributedDomain) Exchange() error {
	if !dd.realized {
		return errors.New("stencil: Exchange before Realize")
	}

	dd.world.Barrier() // stabilize time
	start := dd.world.Wtime()

	// kick every pipeline; none of these block
	for _, m := range dd.remoteSenders {
		for _, s := range m {
			s.Send()
		}
	}
	for _, m := range dd.colocatedSenders {
		for _, s := range m {
			s.Send()
		}
	}
	for _, m := range dd.remoteRecvers {
		for _, r := range m {
			r.Recv()
		}
	}
	for _, m := range dd.colocatedRecvers {
		for _, r := range m {
			r.Recv()
		}
	}
	dd.peerCopy.Send()
	dd.peerAccess.Send()

	// overlap loop: advance at most one endpoint per side per pass so a
	// freshly-started h2d unpack overlaps the next h2h send
	for {
		pending := false
		dd.advanceOneRecver(&pending)
		dd.advanceOneSender(&pending)
		if !pending {
			break
		}
	}

	// drain, most local first; remote receivers before senders
	dd.peerAccess.Wait()
	dd.peerCopy.Wait()
	for _, m := range dd.colocatedSenders {
		for _, s := range m {
			s.Wait()
		}
	}
	for _, m := range dd.colocatedRecvers {
		for _, r := range m {
			r.Wait()
		}
	}
	for _, m := range dd.remoteRecvers {
		for _, r := range m {
			r.Wait()
		}
	}
	for _, m := range dd.remoteSenders {
		for _, s := range m {
			s.Wait()
		}
	}

	log.Printf("time.exchange [%d] %fs", dd.rank, dd.world.Wtime()-start)
	dd.world.Barrier()
	return nil
}

func (dd *DistributedDomain) advanceOneRecver(pending *bool) {
	for _, m := range dd.remoteRecvers {
		for _, r := range m {
			if r.IsH2H() {
				*pending = true
				if r.H2HDone() {
					r.RecvH2D()
					return
				}
			}
		}
	}
}

func (dd *DistributedDomain) advanceOneSender(pending *bool) {
	for _, m := range dd.remoteSenders {
		for _, s := range m {
			if s.IsD2H() {
				*pending = true
				if s.D2HDone() {
					s.SendH2H()
					return
				}
			}
		}
	}
}

// Free releases domain buffers and transport staging.
func (dd *DistributedDomain) Free() {
	for _, ld := range dd.domains {
		ld.Free()
	}
	if dd.peerCopy != nil {
		dd.peerCopy.Free()
	}
}
