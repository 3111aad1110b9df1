package protocol

import (
	"log/slog"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// EtherSummary describes an Ethernet frame for debug logging. Decoding only
// happens when a log record is actually emitted.
type EtherSummary []byte

// LogValue implements slog.LogValuer.
func (s EtherSummary) LogValue() slog.Value {
	pkt := gopacket.NewPacket(s, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	eth, ok := pkt.LinkLayer().(*layers.Ethernet)
	if !ok {
		return slog.GroupValue(slog.Int("len", len(s)), slog.Bool("ethernet", false))
	}
	return slog.GroupValue(
		slog.String("dst", eth.DstMAC.String()),
		slog.String("src", eth.SrcMAC.String()),
		slog.String("type", eth.EthernetType.String()),
		slog.Int("len", len(s)),
	)
}
