//go:build darwin && cgo

package vmnet

/*
#cgo CFLAGS: -mmacosx-version-min=10.15 -fblocks
#cgo LDFLAGS: -framework vmnet
#include <stdlib.h>
#include "vmnet_darwin.h"
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/google/uuid"
)

type darwinInterface struct {
	cfg    Config
	iface  C.vmnetd_iface
	handle cgo.Handle
	info   Info

	events   chan Event
	stopped  chan struct{}
	stopOnce sync.Once
}

// New prepares a vmnet.framework interface. Nothing is started until Start.
func New(cfg Config) (Interface, error) {
	return &darwinInterface{
		cfg:     cfg,
		events:  make(chan Event, 64),
		stopped: make(chan struct{}),
	}, nil
}

//export vmnetdPacketsAvailable
func vmnetdPacketsAvailable(h C.uintptr_t, estimated C.uint64_t) {
	d := cgo.Handle(h).Value().(*darwinInterface)
	select {
	case d.events <- Event{EstimatedPackets: int(estimated)}:
	case <-d.stopped:
	}
}

func (d *darwinInterface) Start() (Info, error) {
	var cfg C.vmnetd_config
	cfg.mode = C.uint64_t(d.cfg.Mode)

	var allocs []unsafe.Pointer
	defer func() {
		for _, p := range allocs {
			C.free(p)
		}
	}()
	cstr := func(s string) *C.char {
		if s == "" {
			return nil
		}
		p := C.CString(s)
		allocs = append(allocs, unsafe.Pointer(p))
		return p
	}
	cfg.shared_interface = cstr(d.cfg.SharedInterface)
	cfg.start_address = cstr(d.cfg.StartAddress)
	cfg.end_address = cstr(d.cfg.EndAddress)
	cfg.subnet_mask = cstr(d.cfg.SubnetMask)
	cfg.nat66_prefix = cstr(d.cfg.NAT66Prefix)
	for i, b := range d.cfg.InterfaceID {
		cfg.interface_id[i] = C.uchar(b)
	}
	if d.cfg.NetworkIdentifier != uuid.Nil {
		cfg.has_network_identifier = 1
		for i, b := range d.cfg.NetworkIdentifier {
			cfg.network_identifier[i] = C.uchar(b)
		}
	}

	d.handle = cgo.NewHandle(d)
	status := Status(C.vmnetd_start(&d.iface, &cfg, C.uintptr_t(d.handle)))
	defer C.vmnetd_free_info(&d.iface)
	if err := statusError("vmnet_start_interface", status); err != nil {
		d.handle.Delete()
		d.handle = 0
		return Info{}, err
	}

	d.info = Info{
		MaxPacketSize: int(d.iface.max_packet_size),
		MTU:           int(d.iface.mtu),
		MACAddress:    goString(d.iface.mac_address),
		StartAddress:  goString(d.iface.start_address),
		EndAddress:    goString(d.iface.end_address),
		SubnetMask:    goString(d.iface.subnet_mask),
	}
	if d.info.MaxPacketSize <= 0 {
		return d.info, fmt.Errorf("vmnet_start_interface: invalid max packet size %d", d.info.MaxPacketSize)
	}
	return d.info, nil
}

func (d *darwinInterface) Stop() error {
	d.stopOnce.Do(func() { close(d.stopped) })
	if d.handle == 0 {
		return nil
	}
	status := Status(C.vmnetd_stop(&d.iface))
	d.handle.Delete()
	d.handle = 0
	return statusError("vmnet_stop_interface", status)
}

func (d *darwinInterface) ReadBatch(max int) ([][]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	slot := d.info.MaxPacketSize
	buf := C.malloc(C.size_t(slot * max))
	if buf == nil {
		return nil, &StatusError{Op: "vmnet_read", Status: StatusMemFailure}
	}
	defer C.free(buf)
	sizes := make([]C.size_t, max)

	var received C.int
	status := Status(C.vmnetd_read(&d.iface, buf, C.uint64_t(slot), C.int(max), &sizes[0], &received))
	if err := statusError("vmnet_read", status); err != nil {
		return nil, err
	}

	frames := make([][]byte, 0, int(received))
	for i := 0; i < int(received); i++ {
		n := int(sizes[i])
		if n > slot {
			n = slot
		}
		start := unsafe.Add(buf, i*slot)
		frames = append(frames, C.GoBytes(start, C.int(n)))
	}
	return frames, nil
}

func (d *darwinInterface) Write(frame []byte) error {
	var p unsafe.Pointer
	if len(frame) > 0 {
		p = C.CBytes(frame)
		defer C.free(p)
	}
	return statusError("vmnet_write", Status(C.vmnetd_write(&d.iface, p, C.size_t(len(frame)))))
}

func (d *darwinInterface) Events() <-chan Event { return d.events }

func goString(p *C.char) string {
	if p == nil {
		return ""
	}
	return C.GoString(p)
}
