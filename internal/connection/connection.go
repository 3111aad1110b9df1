// Package connection models one peer attached to the rendezvous socket: its
// stream, its lifecycle state and the lock that keeps frames written to it
// from interleaving.
package connection

import (
	"errors"
	"strconv"
	"sync/atomic"
)

// ErrClosing is returned by writes to a connection that has left the Active
// state.
var ErrClosing = errors.New("connection closing")

// ID identifies a connection for logging and equality. IDs are never reused
// within a process and zero is never assigned.
type ID uint64

func (id ID) String() string { return "peer-" + strconv.FormatUint(uint64(id), 10) }

var lastID atomic.Uint64

func nextID() ID { return ID(lastID.Add(1)) }

// State is a connection's lifecycle position. Transitions only move forward:
// Accepted -> Active -> Closing -> Closed (Accepted may skip to Closing).
type State int32

const (
	StateAccepted State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Stats counts traffic on one connection.
type Stats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
}
