package stencil

import "github.com/notargets/gostencil/runtime"

// Transport contracts. The exchange driver interacts with every tier
// through these; no tier-specific knowledge leaks upward.

// Sender posts one asynchronous send per step.
type Sender interface {
	// Resize prepares the sender to move n bytes.
	Resize(n int64)

	// Send starts an asynchronous send of src.
	Send(src []byte)

	// Wait blocks until the send completes.
	Wait()
}

// Recver posts one asynchronous receive per step.
type Recver interface {
	Resize(n int64)

	// Recv starts an asynchronous receive into dst.
	Recv(dst []byte)

	Wait()
}

// Copier moves n bytes between device buffers it does not own.
type Copier interface {
	Resize(n int64)

	Copy(dst, src runtime.Buffer)

	Wait()
}

// StatefulSender drives a multi-stage send pipeline:
//
//	s.Send()
//	for s.Active() {
//	    if s.NextReady() {
//	        s.Next()
//	    }
//	}
//	s.Wait()
type StatefulSender interface {
	// Prepare sizes internal staging for the given outbox.
	Prepare(outbox []Message) error

	// Send starts the pipeline.
	Send()

	// Active reports whether intermediate stages remain.
	Active() bool

	// NextReady reports whether the current stage has completed.
	NextReady() bool

	// Next advances to the following stage.
	Next()

	// Wait blocks until the final stage completes. Call once Active is
	// false.
	Wait()
}

// StatefulRecver mirrors StatefulSender for the receive side.
type StatefulRecver interface {
	Prepare(inbox []Message) error
	Recv()
	Active() bool
	NextReady() bool
	Next()
	Wait()
}
