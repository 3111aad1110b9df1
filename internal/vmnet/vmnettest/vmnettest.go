// Package vmnettest provides an in-memory vmnet.Interface for tests.
package vmnettest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/vmnetd/internal/vmnet"
)

// Interface is a fake attachment. Frames queued with Inject come back from
// ReadBatch; frames passed to Write are recorded. It also notices when two
// calls overlap, which the real adapter does not tolerate.
type Interface struct {
	// Info is returned by Start.
	Info vmnet.Info

	mu       sync.Mutex
	started  bool
	stopped  bool
	inbound  [][]byte
	written  [][]byte
	reads    []int
	startErr error
	readErr  error
	writeErr error

	inCall     atomic.Int32
	overlapped atomic.Bool

	events chan vmnet.Event
}

var _ vmnet.Interface = (*Interface)(nil)

// New returns a fake with a 1514-byte max packet size.
func New() *Interface {
	return &Interface{
		Info:   vmnet.Info{MaxPacketSize: 1514, MTU: 1500, MACAddress: "52:54:00:00:00:01"},
		events: make(chan vmnet.Event, 64),
	}
}

func (f *Interface) enter() func() {
	if f.inCall.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	// Widen the window so overlapping callers are actually caught.
	time.Sleep(50 * time.Microsecond)
	return func() { f.inCall.Add(-1) }
}

func (f *Interface) Start() (vmnet.Info, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return vmnet.Info{}, f.startErr
	}
	f.started = true
	return f.Info, nil
}

func (f *Interface) Stop() error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *Interface) ReadBatch(max int) ([][]byte, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, max)
	if f.readErr != nil {
		return nil, f.readErr
	}
	n := min(max, len(f.inbound))
	out := f.inbound[:n:n]
	f.inbound = f.inbound[n:]
	return out, nil
}

func (f *Interface) Write(frame []byte) error {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), frame...))
	return nil
}

func (f *Interface) Events() <-chan vmnet.Event { return f.events }

// Inject queues frames for ReadBatch and announces them with one event.
func (f *Interface) Inject(frames ...[]byte) {
	f.Queue(frames...)
	f.Notify(len(frames))
}

// Queue adds frames without sending an event.
func (f *Interface) Queue(frames ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fr := range frames {
		f.inbound = append(f.inbound, append([]byte(nil), fr...))
	}
}

// Notify sends a packets-available event with the given estimate.
func (f *Interface) Notify(estimated int) {
	f.events <- vmnet.Event{EstimatedPackets: estimated}
}

func (f *Interface) FailStart(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

// FailReads makes ReadBatch return err until called again with nil.
func (f *Interface) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailWrites makes Write return err until called again with nil.
func (f *Interface) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

// Written returns copies of every frame written so far.
func (f *Interface) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// WaitWritten polls until at least n frames were written or timeout passes.
func (f *Interface) WaitWritten(n int, timeout time.Duration) ([][]byte, bool) {
	deadline := time.Now().Add(timeout)
	for {
		w := f.Written()
		if len(w) >= n {
			return w, true
		}
		if time.Now().After(deadline) {
			return w, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Reads returns the max argument of every ReadBatch call.
func (f *Interface) Reads() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.reads...)
}

// Pending returns the number of frames not yet read.
func (f *Interface) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbound)
}

func (f *Interface) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *Interface) Stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// Overlapped reports whether two adapter calls ever ran at the same time.
func (f *Interface) Overlapped() bool { return f.overlapped.Load() }
