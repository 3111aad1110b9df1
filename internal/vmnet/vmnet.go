// Package vmnet is the boundary to the host-managed network attachment
// (vmnet.framework on macOS). The broker only sees the Interface contract;
// the platform binding lives behind New.
package vmnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrUnsupported is returned by New on platforms without vmnet.framework.
var ErrUnsupported = errors.New("vmnet: not supported on this platform")

// Mode selects the vmnet operating mode.
type Mode uint32

// Values match operating_modes_t.
const (
	ModeHost    Mode = 1000
	ModeShared  Mode = 1001
	ModeBridged Mode = 1002
)

func (m Mode) String() string {
	switch m {
	case ModeHost:
		return "host"
	case ModeShared:
		return "shared"
	case ModeBridged:
		return "bridged"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// ParseMode parses "host", "shared" or "bridged".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "host":
		return ModeHost, nil
	case "shared":
		return ModeShared, nil
	case "bridged":
		return ModeBridged, nil
	default:
		return 0, fmt.Errorf("unknown vmnet mode %q", s)
	}
}

// Config is everything needed to start an interface. Optional string
// fields are omitted from the start request when empty.
type Config struct {
	Mode Mode
	// SharedInterface is the host interface for bridged mode, e.g. "en0".
	SharedInterface string
	// StartAddress is the gateway; DHCP hands out the addresses after it.
	StartAddress string
	EndAddress   string
	SubnetMask   string
	InterfaceID  uuid.UUID
	// NetworkIdentifier is uuid.Nil when unset.
	NetworkIdentifier uuid.UUID
	NAT66Prefix       string
}

// Info is what the interface reports once started.
type Info struct {
	MaxPacketSize int
	MTU           int
	MACAddress    string
	StartAddress  string
	EndAddress    string
	SubnetMask    string
}

// Event reports that packets are waiting to be read.
type Event struct {
	EstimatedPackets int
}

// Interface is a started-or-startable vmnet attachment. Implementations are
// not required to be safe for concurrent use; the broker serializes calls.
// Events may be delivered from any goroutine.
type Interface interface {
	// Start brings the interface up and blocks until the host acknowledges.
	Start() (Info, error)
	// Stop tears the interface down and blocks until acknowledged.
	Stop() error
	// ReadBatch reads up to max frames. It may return fewer, or none.
	ReadBatch(max int) ([][]byte, error)
	// Write sends one frame.
	Write(frame []byte) error
	// Events delivers packets-available notifications after Start.
	Events() <-chan Event
}

// Status is a vmnet_return_t value.
type Status uint32

const (
	StatusSuccess            Status = 1000
	StatusFailure            Status = 1001
	StatusMemFailure         Status = 1002
	StatusInvalidArgument    Status = 1003
	StatusSetupIncomplete    Status = 1004
	StatusInvalidAccess      Status = 1005
	StatusPacketTooBig       Status = 1006
	StatusBufferExhausted    Status = 1007
	StatusTooManyPackets     Status = 1008
	StatusSharingServiceBusy Status = 1009
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "VMNET_SUCCESS"
	case StatusFailure:
		return "VMNET_FAILURE"
	case StatusMemFailure:
		return "VMNET_MEM_FAILURE"
	case StatusInvalidArgument:
		return "VMNET_INVALID_ARGUMENT"
	case StatusSetupIncomplete:
		return "VMNET_SETUP_INCOMPLETE"
	case StatusInvalidAccess:
		return "VMNET_INVALID_ACCESS"
	case StatusPacketTooBig:
		return "VMNET_PACKET_TOO_BIG"
	case StatusBufferExhausted:
		return "VMNET_BUFFER_EXHAUSTED"
	case StatusTooManyPackets:
		return "VMNET_TOO_MANY_PACKETS"
	case StatusSharingServiceBusy:
		return "VMNET_SHARING_SERVICE_BUSY"
	default:
		return "(unknown status)"
	}
}

// StatusError is a non-success return from a vmnet call.
type StatusError struct {
	Op     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: [%d] %s", e.Op, uint32(e.Status), e.Status)
}

func statusError(op string, s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Op: op, Status: s}
}
