// Package client runs a command with a connection to the vmnetd socket as
// its fd 3. The command then speaks the frame protocol on that descriptor.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// SocketFD is the descriptor number the child sees the connection on.
const SocketFD = 3

// Connect dials the daemon and returns the connection as a file in
// blocking mode, ready to hand to a child process.
func Connect(path string) (*os.File, error) {
	if limit := len(unix.RawSockaddrUnix{}.Path) - 1; len(path) > limit {
		return nil, fmt.Errorf("the socket path %q is too long", path)
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", path, err)
	}
	// File dups the descriptor; the dup shares the non-blocking flag, which
	// most children do not expect.
	f, err := conn.File()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("detaching connection: %w", err)
	}
	if err := unix.SetNonblock(int(f.Fd()), false); err != nil {
		f.Close()
		return nil, fmt.Errorf("setting blocking mode: %w", err)
	}
	return f, nil
}

// ChildArgs drops a leading "--" that separates client flags from the
// command.
func ChildArgs(args []string) []string {
	if len(args) > 0 && args[0] == "--" {
		return args[1:]
	}
	return args
}

// Command builds the child with sock as fd 3 and the caller's stdio.
func Command(sock *os.File, argv []string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("no command given")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{sock} // becomes fd 3 in child
	return cmd, nil
}

// Run starts the command, forwards termination signals to it, and returns
// its exit code. A child killed by a signal yields 128 plus the signal
// number, as a shell would report it.
func Run(sock *os.File, argv []string, debug io.Writer) (int, error) {
	if debug != nil {
		for i, a := range argv {
			fmt.Fprintf(debug, "child_argv[%d]: %q\n", i, a)
		}
	}
	cmd, err := Command(sock, argv)
	if err != nil {
		return 1, err
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return 1, fmt.Errorf("failed to exec %q: %w", argv[0], err)
	}
	// The child holds its own copy.
	sock.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	return ExitCode(cmd.Wait())
}

// ExitCode maps the result of exec.Cmd.Wait to a process exit code. Errors
// other than a non-zero exit are returned.
func ExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
