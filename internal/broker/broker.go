// Package broker moves Ethernet frames between the vmnet interface and the
// connected peers.
//
// Three paths exist. Frames read from the interface are broadcast to every
// registered peer. Frames read from a peer are forwarded to the interface
// exactly once and then flooded to every other peer. A failing peer is
// aborted and removed without disturbing delivery to anyone else.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/codewiresh/vmnetd/internal/connection"
	"github.com/codewiresh/vmnetd/internal/metrics"
	"github.com/codewiresh/vmnetd/internal/protocol"
	"github.com/codewiresh/vmnetd/internal/vmnet"
)

// DefaultBatchSize is how many frames are requested from the interface per
// read.
const DefaultBatchSize = 32

// MaxBatchSize bounds Options.BatchSize.
const MaxBatchSize = 256

var errShutdown = errors.New("daemon shutting down")

// Journal records peer lifetimes. Failures are logged and otherwise
// ignored.
type Journal interface {
	PeerOpened(ctx context.Context, id connection.ID, at time.Time) error
	PeerClosed(ctx context.Context, id connection.ID, at time.Time, stats connection.Stats, reason string) error
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Journal Journal

	// BatchSize is the frame count requested per interface read.
	// Zero means DefaultBatchSize.
	BatchSize int

	// MaxFrame limits frames accepted from peers. Zero, or anything above
	// protocol.MaxFrameSize, means protocol.MaxFrameSize.
	MaxFrame int

	// WriteTimeout bounds every write to a peer. Zero waits forever.
	WriteTimeout time.Duration
}

// Broker owns the interface, the registry, and every connection handler.
type Broker struct {
	iface   vmnet.Interface
	reg     *Registry
	q       *serialQueue
	log     *slog.Logger
	metrics *metrics.Metrics
	journal Journal

	batchSize    int
	maxFrame     int
	writeTimeout time.Duration

	handlers sync.WaitGroup
}

func New(iface vmnet.Interface, opts Options) *Broker {
	b := &Broker{
		iface:        iface,
		reg:          NewRegistry(),
		q:            newSerialQueue(),
		log:          opts.Logger,
		metrics:      opts.Metrics,
		journal:      opts.Journal,
		batchSize:    opts.BatchSize,
		maxFrame:     opts.MaxFrame,
		writeTimeout: opts.WriteTimeout,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.batchSize <= 0 {
		b.batchSize = DefaultBatchSize
	}
	if b.batchSize > MaxBatchSize {
		b.batchSize = MaxBatchSize
	}
	if b.maxFrame <= 0 || b.maxFrame > protocol.MaxFrameSize {
		b.maxFrame = protocol.MaxFrameSize
	}
	return b
}

func (b *Broker) Registry() *Registry { return b.reg }

// Start brings the interface up.
func (b *Broker) Start() (vmnet.Info, error) {
	var info vmnet.Info
	err := b.q.do(func() (err error) {
		info, err = b.iface.Start()
		return err
	})
	if err != nil {
		return vmnet.Info{}, fmt.Errorf("starting interface: %w", err)
	}
	b.log.Info("interface started",
		"mac", info.MACAddress,
		"mtu", info.MTU,
		"max_packet_size", info.MaxPacketSize,
		"start_address", info.StartAddress,
		"end_address", info.EndAddress,
		"subnet_mask", info.SubnetMask,
	)
	return info, nil
}

// Stop shuts the interface down and rejects further interface calls.
func (b *Broker) Stop() error {
	err := b.q.do(b.iface.Stop)
	b.q.close()
	if err != nil && !errors.Is(err, ErrStopped) {
		return fmt.Errorf("stopping interface: %w", err)
	}
	return nil
}

// Run drains the interface each time it signals packets until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	events := b.iface.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.Drain(ev.EstimatedPackets)
		}
	}
}

// Drain reads up to estimated frames in batches and broadcasts each one.
// A read error abandons the rest of this drain; the next event starts a
// fresh one.
func (b *Broker) Drain(estimated int) {
	b.log.Debug("packets available", "estimated", estimated)
	for remaining := estimated; remaining > 0; {
		n := min(remaining, b.batchSize)
		var frames [][]byte
		err := b.q.do(func() (err error) {
			frames, err = b.iface.ReadBatch(n)
			return err
		})
		if err != nil {
			if errors.Is(err, ErrStopped) {
				return
			}
			b.metrics.InterfaceError("read")
			b.log.Error("interface read failed", "requested", n, "err", err)
			return
		}
		b.metrics.ReadBatch(len(frames))
		b.log.Debug("read from interface", "requested", n, "frames", len(frames))
		for _, frame := range frames {
			b.Broadcast(frame)
		}
		if len(frames) == 0 {
			return
		}
		remaining -= n
	}
}

// Broadcast writes frame to every registered peer and returns how many
// received it.
func (b *Broker) Broadcast(frame []byte) int {
	b.log.Debug("broadcast", "frame", protocol.EtherSummary(frame))
	return b.fanOut(0, frame, metrics.PathBroadcast)
}

// Flood writes frame to every registered peer except from.
func (b *Broker) Flood(from connection.ID, frame []byte) int {
	return b.fanOut(from, frame, metrics.PathFlood)
}

// Forward writes frame to the interface.
func (b *Broker) Forward(frame []byte) error {
	err := b.q.do(func() error { return b.iface.Write(frame) })
	if err != nil {
		if !errors.Is(err, ErrStopped) {
			b.metrics.InterfaceError("write")
		}
		return fmt.Errorf("writing to interface: %w", err)
	}
	b.metrics.Frame(metrics.PathForward, len(frame))
	return nil
}

// fanOut writes frame to every snapshot member except skip. A frame the
// wire format cannot carry is dropped once here, never charged to a peer.
func (b *Broker) fanOut(skip connection.ID, frame []byte, path string) int {
	if len(frame) > protocol.MaxFrameSize {
		b.metrics.FrameDropped(path)
		b.log.Warn("dropping oversized frame",
			"path", path,
			"len", len(frame),
			"max", protocol.MaxFrameSize,
		)
		return 0
	}
	delivered := 0
	for _, p := range b.reg.Snapshot() {
		if p.ID() == skip {
			continue
		}
		if err := p.WriteFrame(frame); err != nil {
			b.dropPeer(p, path, err)
			continue
		}
		delivered++
		b.metrics.Frame(path, len(frame))
	}
	return delivered
}

// dropPeer unregisters p and wakes its handler, which does the release.
func (b *Broker) dropPeer(p Peer, path string, err error) {
	b.reg.Remove(p.ID())
	p.Abort(fmt.Errorf("%s write: %w", path, err))
	if connection.IsClosing(err) {
		b.log.Debug("skipped closing peer", "peer", p.ID(), "path", path)
		return
	}
	b.metrics.PeerWriteError(path)
	b.log.Warn("peer write failed, closing", "peer", p.ID(), "path", path, "err", err)
}

// Accept registers a new stream and starts its handler. The connection
// receives broadcasts from the moment it is registered.
func (b *Broker) Accept(nc net.Conn) (*connection.Conn, error) {
	c := connection.New(nc,
		connection.WithMaxFrame(b.maxFrame),
		connection.WithWriteTimeout(b.writeTimeout),
	)
	if err := b.reg.Add(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("registering %s: %w", c.ID(), err)
	}
	b.metrics.PeerAccepted()
	b.handlers.Add(1)
	go func() {
		defer b.handlers.Done()
		b.serve(c)
	}()
	return c, nil
}

// CloseAll aborts every registered peer and waits for their handlers to
// release them.
func (b *Broker) CloseAll() {
	for _, p := range b.reg.Snapshot() {
		p.Abort(errShutdown)
	}
	b.handlers.Wait()
}
