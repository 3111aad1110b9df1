//go:build !darwin || !cgo

package vmnet

// New always fails: vmnet.framework only exists on macOS and needs cgo.
func New(Config) (Interface, error) {
	return nil, ErrUnsupported
}
