package comm

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// World is an in-process message fabric. Every rank lives in one address
// space on its own goroutine; message matching follows the usual
// (source, tag) FIFO rule. Host placement is configurable so cross-host
// code paths can be exercised without a launcher.

// NewWorld returns n communicators on a single simulated host.
func NewWorld(n int) []Communicator {
	return NewWorldOnHosts(make([]int, n))
}

// NewWorldOnHosts returns one communicator per entry of hostOf; rank i is
// placed on simulated host hostOf[i].
func NewWorldOnHosts(hostOf []int) []Communicator {
	h := newHub(len(hostOf))
	comms := make([]Communicator, len(hostOf))
	for i := range hostOf {
		comms[i] = &worldComm{
			hub:    h,
			rank:   i,
			host:   hostOf[i],
			hostOf: hostOf,
		}
	}
	return comms
}

type hub struct {
	mu   sync.Mutex
	cond *sync.Cond
	size int

	// unexpected messages and posted receives, keyed by destination rank
	msgs  map[int][]*envelope
	posts map[int][]*recvReq

	barrierGen   int
	barrierCount int

	gather []int
	shared map[int]*hub // host id -> sub-hub, created on first split

	start time.Time
}

func newHub(size int) *hub {
	h := &hub{
		size:  size,
		msgs:  make(map[int][]*envelope),
		posts: make(map[int][]*recvReq),
		start: time.Now(),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

type envelope struct {
	src, tag int
	payload  []byte
}

type recvReq struct {
	hub      *hub
	src, tag int
	buf      []byte
	done     bool
}

func (r *recvReq) Test() bool {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.done
}

func (r *recvReq) Wait() {
	r.hub.mu.Lock()
	for !r.done {
		r.hub.cond.Wait()
	}
	r.hub.mu.Unlock()
}

// sendReq completes at post time; the payload is copied out of the caller's
// buffer before Isend returns.
type sendReq struct{}

func (sendReq) Test() bool { return true }
func (sendReq) Wait()      {}

type worldComm struct {
	hub    *hub
	rank   int
	host   int
	hostOf []int
}

func (c *worldComm) Rank() int { return c.rank }
func (c *worldComm) Size() int { return c.hub.size }

func (c *worldComm) checkPeer(what string, r int) {
	if r < 0 || r >= c.hub.size {
		panic(fmt.Sprintf("comm: %s rank %d out of range [0,%d)", what, r, c.hub.size))
	}
}

func (c *worldComm) checkTag(tag int) {
	if tag < 0 {
		panic(fmt.Sprintf("comm: negative tag %d", tag))
	}
}

func (c *worldComm) Isend(buf []byte, dest, tag int) Request {
	c.checkPeer("destination", dest)
	c.checkTag(tag)

	payload := append([]byte(nil), buf...)

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	// match the earliest posted receive first
	posts := h.posts[dest]
	for i, p := range posts {
		if !p.done && p.src == c.rank && p.tag == tag {
			if len(payload) > len(p.buf) {
				panic(fmt.Sprintf("comm: message of %d bytes exceeds receive buffer of %d",
					len(payload), len(p.buf)))
			}
			copy(p.buf, payload)
			p.done = true
			h.posts[dest] = append(posts[:i], posts[i+1:]...)
			h.cond.Broadcast()
			return sendReq{}
		}
	}

	h.msgs[dest] = append(h.msgs[dest], &envelope{src: c.rank, tag: tag, payload: payload})
	h.cond.Broadcast()
	return sendReq{}
}

func (c *worldComm) Irecv(buf []byte, source, tag int) Request {
	c.checkPeer("source", source)
	c.checkTag(tag)

	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	req := &recvReq{hub: h, src: source, tag: tag, buf: buf}

	// earliest matching unexpected message wins
	msgs := h.msgs[c.rank]
	for i, m := range msgs {
		if m.src == source && m.tag == tag {
			if len(m.payload) > len(buf) {
				panic(fmt.Sprintf("comm: message of %d bytes exceeds receive buffer of %d",
					len(m.payload), len(buf)))
			}
			copy(buf, m.payload)
			req.done = true
			h.msgs[c.rank] = append(msgs[:i], msgs[i+1:]...)
			return req
		}
	}

	h.posts[c.rank] = append(h.posts[c.rank], req)
	return req
}

func (c *worldComm) Barrier() {
	h := c.hub
	h.mu.Lock()
	gen := h.barrierGen
	h.barrierCount++
	if h.barrierCount == h.size {
		h.barrierCount = 0
		h.barrierGen++
		h.cond.Broadcast()
	} else {
		for gen == h.barrierGen {
			h.cond.Wait()
		}
	}
	h.mu.Unlock()
}

func (c *worldComm) AllgatherInt(v int) []int {
	h := c.hub
	h.mu.Lock()
	if h.gather == nil {
		h.gather = make([]int, h.size)
	}
	h.gather[c.rank] = v
	h.mu.Unlock()

	c.Barrier()
	h.mu.Lock()
	out := append([]int(nil), h.gather...)
	h.mu.Unlock()
	c.Barrier() // nobody reuses the gather slot until all have copied
	return out
}

func (c *worldComm) SplitShared() Communicator {
	// members of my host, ordered by world rank
	var members []int
	for r, host := range c.hostOf {
		if host == c.host {
			members = append(members, r)
		}
	}
	sort.Ints(members)

	h := c.hub
	h.mu.Lock()
	if h.shared == nil {
		h.shared = make(map[int]*hub)
	}
	sub, ok := h.shared[c.host]
	if !ok {
		sub = newHub(len(members))
		sub.start = h.start
		h.shared[c.host] = sub
	}
	h.mu.Unlock()

	local := 0
	for i, r := range members {
		if r == c.rank {
			local = i
		}
	}
	hostOf := make([]int, len(members))
	for i := range hostOf {
		hostOf[i] = c.host
	}
	return &worldComm{hub: sub, rank: local, host: c.host, hostOf: hostOf}
}

func (c *worldComm) ProcessorName() string {
	return fmt.Sprintf("node%03d", c.host)
}

func (c *worldComm) Wtime() float64 {
	return time.Since(c.hub.start).Seconds()
}
