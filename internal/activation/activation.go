// Package activation picks up listening sockets passed by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd passes file descriptors starting at fd 3 (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Listener returns the first socket passed by systemd socket activation, or a new TCP
// listener on addr when the process was not socket-activated.
func Listener(addr string) (net.Listener, bool, error) {
	files, err := files()
	if err != nil {
		return nil, false, err
	}
	if len(files) == 0 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return ln, false, nil
	}

	// Only the first socket is served; extra ones are closed
	for _, f := range files[1:] {
		_ = f.Close()
	}

	ln, err := net.FileListener(files[0])
	// The listener holds its own duplicate of the descriptor
	_ = files[0].Close()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create listener from fd %d: %w", firstFD, err)
	}
	return ln, true, nil
}

// files returns the descriptors systemd passed to this process. LISTEN_PID must match our
// pid; otherwise the variables were meant for a parent and are ignored.
func files() ([]*os.File, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}

	// Child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	out := make([]*os.File, 0, max(n, 0))
	for i := 0; i < n; i++ {
		fd := firstFD + i
		f := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if f == nil {
			for _, prev := range out {
				_ = prev.Close()
			}
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}
		out = append(out, f)
	}
	return out, nil
}
