package stencil

import (
	"github.com/notargets/gostencil/comm"
	"github.com/notargets/gostencil/runtime"
)

// commSender is a Sender over one (destination, tag) flow of the message
// layer.
type commSender struct {
	comm      comm.Communicator
	dest, tag int
	n         int64
	req       comm.Request
}

func newCommSender(c comm.Communicator, dest, tag int) *commSender {
	return &commSender{comm: c, dest: dest, tag: tag}
}

func (s *commSender) Resize(n int64) { s.n = n }

func (s *commSender) Send(src []byte) {
	s.req = s.comm.Isend(src[:s.n], s.dest, s.tag)
}

func (s *commSender) Wait() {
	if s.req != nil {
		s.req.Wait()
		s.req = nil
	}
}

// commRecver is a Recver over one (source, tag) flow.
type commRecver struct {
	comm        comm.Communicator
	source, tag int
	n           int64
	req         comm.Request
}

func newCommRecver(c comm.Communicator, source, tag int) *commRecver {
	return &commRecver{comm: c, source: source, tag: tag}
}

func (r *commRecver) Resize(n int64) { r.n = n }

func (r *commRecver) Recv(dst []byte) {
	r.req = r.comm.Irecv(dst[:r.n], r.source, r.tag)
}

// Test polls the posted receive.
func (r *commRecver) Test() bool {
	return r.req != nil && r.req.Test()
}

func (r *commRecver) Wait() {
	if r.req != nil {
		r.req.Wait()
		r.req = nil
	}
}

// streamCopier is a Copier moving linear bytes between device buffers
// through a stream, the staging hop of the peer-copy tier.
type streamCopier struct {
	stream runtime.Stream
	n      int64
}

func newStreamCopier(s runtime.Stream) *streamCopier {
	return &streamCopier{stream: s}
}

func (c *streamCopier) Resize(n int64) { c.n = n }

func (c *streamCopier) Copy(dst, src runtime.Buffer) {
	c.stream.Copy(dst, 0, src, 0, c.n)
}

func (c *streamCopier) Wait() {
	if err := c.stream.Sync(); err != nil {
		panic(err)
	}
}

// Interface conformance for the contracts the driver and tiers rely on.
var (
	_ Sender = (*commSender)(nil)
	_ Recver = (*commRecver)(nil)
	_ Copier = (*streamCopier)(nil)
)
