// Package activation picks the socket the control server listens on,
// preferring one handed over by systemd socket activation.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// firstFD is the first descriptor passed by systemd (0-2 are stdio)
const firstFD = 3

// Listen returns the socket-activated listener when this process was
// started by a systemd .socket unit, otherwise a fresh TCP listener on addr.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	inherited, err := Listeners()
	if err != nil {
		return nil, err
	}

	if len(inherited) > 0 {
		for _, extra := range inherited[1:] {
			logger.Warn("ignoring extra activated socket", "addr", extra.Addr().String())
			_ = extra.Close()
		}
		logger.Info("using socket-activated listener", "addr", inherited[0].Addr().String())
		return inherited[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Listeners returns the systemd-activated listeners, or nil if activation
// is absent or addressed to another process.
func Listeners() ([]net.Listener, error) {
	n, err := activatedFDs()
	if err != nil || n == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), "patchsync-socket-"+strconv.Itoa(i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		ln, err := net.FileListener(file)
		// the listener holds its own dup of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, ln)
	}

	// child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDs reads LISTEN_PID and LISTEN_FDS
func activatedFDs() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q", fdsStr)
	}
	return n, nil
}

func closeAll(listeners []net.Listener) {
	for _, ln := range listeners {
		_ = ln.Close()
	}
}
