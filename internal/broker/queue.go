package broker

import (
	"errors"
	"sync"
)

// ErrStopped is returned for interface calls submitted after the broker has
// stopped.
var ErrStopped = errors.New("broker stopped")

// serialQueue runs submitted functions one at a time on a single goroutine.
// Every call into the interface adapter goes through it because the adapter
// is not safe for concurrent use.
type serialQueue struct {
	jobs      chan job
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

type job struct {
	fn  func() error
	res chan error
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		jobs:   make(chan job),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *serialQueue) loop() {
	defer close(q.exited)
	for {
		select {
		case j := <-q.jobs:
			j.res <- j.fn()
		case <-q.done:
			return
		}
	}
}

// do runs fn on the queue goroutine and returns its result.
func (q *serialQueue) do(fn func() error) error {
	j := job{fn: fn, res: make(chan error, 1)}
	select {
	case q.jobs <- j:
	case <-q.done:
		return ErrStopped
	}
	return <-j.res
}

// close stops the queue after any running job finishes.
func (q *serialQueue) close() {
	q.closeOnce.Do(func() { close(q.done) })
	<-q.exited
}
