// Package session is the downstream side of the block filter: the
// request/reply protocol spoken to raw block stores, the memory grants that
// carry data across it, and Host, an in-process supervisor that runs
// file-backed stores and restarts them on request.
package session

import (
	"errors"
	"fmt"
)

// Endpoint names one live store instance. A restarted store always comes back
// under a new endpoint.
type Endpoint string

type Op int

const (
	OpOpen Op = iota
	OpClose
	OpScatter // read from the store into the request's grants
	OpGather  // write the request's grants to the store
	OpIoctl
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "open"
	case OpClose:
		return "close"
	case OpScatter:
		return "scatter"
	case OpGather:
		return "gather"
	case OpIoctl:
		return "ioctl"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

type Ioctl int

const (
	IoctlGetGeometry Ioctl = iota + 1
	IoctlSync
)

// Geometry is the raw capacity of a device in bytes.
type Geometry struct {
	Size uint64
}

type Request struct {
	ID    uint64
	Op    Op
	Minor int
	Pos   uint64
	Iov   []*Grant
	Ioctl Ioctl
}

// Reply answers exactly one Request. Status is nil on success.
type Reply struct {
	Source   Endpoint
	ID       uint64
	Status   error
	Size     uint64
	Geometry Geometry
}

var (
	ErrDead     = errors.New("session: store is dead")
	ErrRevoked  = errors.New("session: grant revoked")
	ErrAccess   = errors.New("session: grant does not permit access")
	ErrNoDevice = errors.New("session: no such device")
	ErrTryAgain = errors.New("session: try again")
	ErrInvalid  = errors.New("session: invalid request")
)

// Transport carries requests to stores. Send only queues the request; a send
// that fails means the store is unreachable. Replies arrive out of band.
type Transport interface {
	Send(ep Endpoint, req *Request) error
	Replies() <-chan *Reply
}

// Event announces the outcome of a restart: a confirmed new session under
// Endpoint, or Err when the store could not be brought back.
type Event struct {
	Label    string
	Endpoint Endpoint
	Err      error
}

// Supervisor resolves store labels to live endpoints and restarts stores.
// RequestRestart returns once the restart is under way; its outcome is
// delivered as an Event.
type Supervisor interface {
	Lookup(label string) (Endpoint, bool)
	RequestRestart(label string) error
	Events() <-chan Event
}
