// Package daemon wires the rendezvous socket, the interface, and the packet
// broker together and runs them until the context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/vmnetd/internal/broker"
	"github.com/codewiresh/vmnetd/internal/metrics"
	"github.com/codewiresh/vmnetd/internal/store"
	"github.com/codewiresh/vmnetd/internal/vmnet"
)

type Options struct {
	// Socket is the rendezvous socket path.
	Socket string
	// SocketGroup is applied to the socket with mode 0770. Empty leaves
	// the socket as created.
	SocketGroup string
	// PIDFile is locked before the socket is bound and receives the pid
	// once the interface is up. Empty disables it.
	PIDFile string

	MetricsListen string
	Journal       string

	WriteTimeout time.Duration
	BatchSize    int

	Logger *slog.Logger
}

// Daemon is one run of the bridge.
type Daemon struct {
	opts  Options
	iface vmnet.Interface
	log   *slog.Logger

	ready       chan struct{}
	mu          sync.Mutex
	metricsAddr net.Addr
	info        vmnet.Info
	broker      *broker.Broker
}

func New(iface vmnet.Interface, opts Options) *Daemon {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Daemon{
		opts:  opts,
		iface: iface,
		log:   log,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the interface is up and connections are accepted.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// MetricsAddr returns the bound metrics address, or nil when disabled.
func (d *Daemon) MetricsAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metricsAddr
}

// Info returns what the interface reported at start.
func (d *Daemon) Info() vmnet.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// Peers returns how many peers are registered right now.
func (d *Daemon) Peers() int {
	d.mu.Lock()
	b := d.broker
	d.mu.Unlock()
	if b == nil {
		return 0
	}
	return b.Registry().Len()
}

// Run starts the daemon and blocks until ctx is cancelled, which is a clean
// shutdown and returns nil. Startup failures release whatever was acquired
// and return the error.
func (d *Daemon) Run(ctx context.Context) (err error) {
	warnPrivileges(d.log)

	var pf *pidFile
	if d.opts.PIDFile != "" {
		pf, err = openPIDFile(d.opts.PIDFile)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, pf.Remove()) }()
	}

	d.log.Debug("opening socket", "path", d.opts.Socket, "group", d.opts.SocketGroup)
	ln, err := listenSocket(d.opts.Socket, d.opts.SocketGroup)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("closing listener: %w", cerr))
		}
	}()
	d.log.Info("listening on unix socket", "path", d.opts.Socket)

	var journal broker.Journal
	if d.opts.Journal != "" {
		js, openErr := store.NewSQLiteStore(d.opts.Journal)
		if openErr != nil {
			return fmt.Errorf("opening journal: %w", openErr)
		}
		defer func() { err = multierr.Append(err, js.Close()) }()
		if n, staleErr := js.CloseStale(ctx, time.Now()); staleErr != nil {
			d.log.Warn("closing stale journal entries", "err", staleErr)
		} else if n > 0 {
			d.log.Info("closed stale journal entries", "count", n)
		}
		js.StartCleanup(d.log)
		journal = js
	}

	m := metrics.New()
	if d.opts.MetricsListen != "" {
		srv, serveErr := d.serveMetrics(m)
		if serveErr != nil {
			return serveErr
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err = multierr.Append(err, srv.Shutdown(shutdownCtx))
		}()
	}

	b := broker.New(d.iface, broker.Options{
		Logger:       d.log,
		Metrics:      m,
		Journal:      journal,
		BatchSize:    d.opts.BatchSize,
		WriteTimeout: d.opts.WriteTimeout,
	})
	info, err := b.Start()
	if err != nil {
		return multierr.Append(err, b.Stop())
	}
	d.mu.Lock()
	d.info = info
	d.broker = b
	d.mu.Unlock()

	if pf != nil {
		if werr := pf.Write(os.Getpid()); werr != nil {
			return multierr.Combine(werr, b.Stop())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return d.acceptLoop(gctx, ln, b) })
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	close(d.ready)

	runErr := g.Wait()
	d.log.Info("shutting down", "peers", b.Registry().Len())

	// Stop the interface first so handlers blocked on it unwind, then
	// release every peer.
	stopErr := b.Stop()
	b.CloseAll()

	return multierr.Combine(runErr, stopErr)
}

// acceptLoop hands each connection to the broker until ctx is done.
// Accept errors are logged and retried with backoff.
func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener, b *broker.Broker) error {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			d.log.Error("accept error", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0
		if _, err := b.Accept(nc); err != nil {
			d.log.Error("accepting connection", "err", err)
		}
	}
}

func (d *Daemon) serveMetrics(m *metrics.Metrics) (*http.Server, error) {
	ln, err := net.Listen("tcp", d.opts.MetricsListen)
	if err != nil {
		return nil, fmt.Errorf("listening for metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	d.mu.Lock()
	d.metricsAddr = ln.Addr()
	d.mu.Unlock()
	d.log.Info("metrics listening", "addr", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server error", "err", err)
		}
	}()
	return srv, nil
}

func warnPrivileges(log *slog.Logger) {
	euid := os.Geteuid()
	if euid != 0 {
		log.Warn("running without root; starting the interface is very unlikely to work")
	}
	if euid != os.Getuid() {
		log.Warn("running setuid; this is insecure and highly discouraged")
	}
}
