// Package store keeps a journal of peer connections. The daemon records
// each connection when it is accepted and again when it is released; the
// `vmnetd peers` command reads the journal back.
package store

import (
	"time"
)

// PeerRecord is one journaled connection.
type PeerRecord struct {
	Boot      string     `yaml:"boot"`
	PeerID    uint64     `yaml:"peer_id"`
	OpenedAt  time.Time  `yaml:"opened_at"`
	ClosedAt  *time.Time `yaml:"closed_at,omitempty"`
	FramesIn  uint64     `yaml:"frames_in"`
	FramesOut uint64     `yaml:"frames_out"`
	BytesIn   uint64     `yaml:"bytes_in"`
	BytesOut  uint64     `yaml:"bytes_out"`
	Reason    string     `yaml:"reason,omitempty"`
}

// Open reports whether the connection had not been released when the record
// was read.
func (r PeerRecord) Open() bool { return r.ClosedAt == nil }

// DefaultRetention is how long released connections stay in the journal.
const DefaultRetention = 30 * 24 * time.Hour
