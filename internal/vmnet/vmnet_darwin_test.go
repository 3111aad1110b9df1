//go:build darwin && cgo

package vmnet

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Needs root and vmnet.framework. Events are left unread so callbacks are
// still queued when Stop runs; none of them may touch the deleted handle.
func TestStopWithPendingEvents(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("vmnet needs root")
	}
	iface, err := New(Config{Mode: ModeHost, InterfaceID: uuid.New()})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := iface.Start(); err != nil {
		t.Skipf("starting vmnet: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := iface.Write(make([]byte, 60)); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)

	if err := iface.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// A callback that outlived Stop would panic in this window.
	time.Sleep(100 * time.Millisecond)
}
