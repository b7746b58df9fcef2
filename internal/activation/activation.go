// Package activation provides the webhook listener, taken from systemd
// socket activation when available.
package activation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes descriptors starting after stdin, stdout and stderr
const firstFD = 3

// ErrNoAddress is returned by Listen when the process was not socket
// activated and no address was configured
var ErrNoAddress = errors.New("no listen address configured and no activated socket")

// Listen returns the first systemd-activated listener of this process, or a
// TCP listener on addr when the process was not socket activated.
func Listen(addr string) (net.Listener, error) {
	count, err := activatedCount(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}

	if count > 0 {
		listener, err := fileListener(firstFD)
		if err != nil {
			return nil, err
		}

		// extra descriptors are not used
		for fd := firstFD + 1; fd < firstFD+count; fd++ {
			if f := os.NewFile(uintptr(fd), "unused-socket"); f != nil {
				_ = f.Close()
			}
		}

		// child processes must not inherit the activation
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")

		return listener, nil
	}

	if addr == "" {
		return nil, ErrNoAddress
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return listener, nil
}

// Activated reports whether the process was started through socket activation
func Activated() bool {
	count, err := activatedCount(os.Getenv, os.Getpid())
	return err == nil && count > 0
}

// activatedCount returns how many descriptors systemd passed to pid, or 0
// when the activation variables are absent or meant for another process.
func activatedCount(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

func fileListener(fd int) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", fd-firstFD))
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	// the listener holds its own duplicate of the descriptor
	defer func() {
		_ = file.Close()
	}()

	listener, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return listener, nil
}
