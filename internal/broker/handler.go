package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/codewiresh/vmnetd/internal/connection"
	"github.com/codewiresh/vmnetd/internal/protocol"
)

// serve is the per-connection handler. It is the only goroutine that reads
// from c and the only one that closes it.
func (b *Broker) serve(c *connection.Conn) {
	log := b.log.With("peer", c.ID())
	reason := "aborted before activation"

	defer func() {
		// No-op when the connection was already aborted.
		c.Abort(errors.New(reason))
		b.reg.Remove(c.ID())
		if err := c.Close(); err != nil {
			log.Debug("closing stream", "err", err)
		}
		b.metrics.PeerClosed()
		stats := c.Stats()
		b.journalClosed(log, c.ID(), stats, reason)
		log.Info("connection closed",
			"reason", reason,
			"frames_in", stats.FramesIn,
			"frames_out", stats.FramesOut,
		)
	}()

	b.journalOpened(log, c.ID())
	if !c.Activate() {
		return
	}
	log.Info("connection accepted")

	for {
		frame, err := c.ReadFrame()
		if err != nil {
			reason = b.readFailed(log, err)
			return
		}
		log.Debug("frame from peer", "frame", protocol.EtherSummary(frame))

		if err := b.Forward(frame); err != nil {
			if errors.Is(err, ErrStopped) {
				log.Debug("forward after interface stopped", "err", err)
			} else {
				log.Error("forward failed", "err", err)
			}
			reason = err.Error()
			return
		}
		b.Flood(c.ID(), frame)
	}
}

// readFailed logs a terminal read error at a level matching its cause and
// returns the reason recorded for the connection.
func (b *Broker) readFailed(log *slog.Logger, err error) string {
	switch {
	case errors.Is(err, io.EOF):
		log.Info("connection closed by peer")
		return "closed by peer"
	case errors.Is(err, protocol.ErrProtocol):
		b.metrics.ProtocolError()
		log.Warn("protocol violation", "err", err)
	case connection.IsClosing(err):
		log.Debug("connection aborted", "err", err)
	default:
		log.Error("read from peer failed", "err", err)
	}
	return err.Error()
}

func (b *Broker) journalOpened(log *slog.Logger, id connection.ID) {
	if b.journal == nil {
		return
	}
	if err := b.journal.PeerOpened(context.Background(), id, time.Now()); err != nil {
		log.Warn("journal write failed", "err", err)
	}
}

func (b *Broker) journalClosed(log *slog.Logger, id connection.ID, stats connection.Stats, reason string) {
	if b.journal == nil {
		return
	}
	if err := b.journal.PeerClosed(context.Background(), id, time.Now(), stats, reason); err != nil {
		log.Warn("journal write failed", "err", err)
	}
}
