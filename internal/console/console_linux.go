// Package console implements the operator task: a raw-mode keyboard
// reader polled by the supervisor for the single-letter commands
// spec.md §5 lists (V=verbose toggle, D=debug toggle, S=toggle continuous
// INIT, R=restart line, Q=quit). Grounded on github.com/pkg/term/termios for
// putting stdin into raw mode, the same way Daedaluz-goserial's
// MakeRaw/Port.SetAttr pair handles the serial fd, and on
// golang.org/x/sys/unix.Poll (already used by internal/serialport) for
// the non-blocking single-key read.
package console

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// Key is one of the single-letter operator commands.
type Key byte

const (
	KeyNone    Key = 0
	KeyVerbose Key = 'v'
	KeyDebug   Key = 'd'
	KeySendInit Key = 's'
	KeyRestart Key = 'r'
	KeyQuit    Key = 'q'
)

// Console owns stdin in raw mode and restores the prior terminal state on
// Close. Mirrors Daedaluz-goserial's Port in shape: open/configure once,
// Close restores what was there before.
type Console struct {
	fd       uintptr
	saved    syscall.Termios
	mu       sync.Mutex
	restored bool
}

// Open puts fd (normally os.Stdin.Fd()) into raw, non-canonical,
// no-echo mode and returns a Console that can be polled with ReadKey.
func Open(fd uintptr) (*Console, error) {
	var saved syscall.Termios
	if err := termios.Tcgetattr(fd, &saved); err != nil {
		return nil, fmt.Errorf("console: tcgetattr: %w", err)
	}
	raw := saved
	termios.Cfmakeraw(&raw)
	if err := termios.Tcsetattr(fd, termios.TCSANOW, &raw); err != nil {
		return nil, fmt.Errorf("console: tcsetattr: %w", err)
	}
	return &Console{fd: fd, saved: saved}, nil
}

// Close restores the terminal attributes captured at Open.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.restored {
		return nil
	}
	c.restored = true
	return termios.Tcsetattr(c.fd, termios.TCSANOW, &c.saved)
}

// ReadKey polls stdin for up to timeoutMillis and returns the next
// lowercased key pressed, or KeyNone if nothing arrived. Non-blocking by
// design so the supervisor's operator loop stays responsive to context
// cancellation between polls.
func (c *Console) ReadKey(timeoutMillis int) (Key, error) {
	pfd := []unix.PollFd{{Fd: int32(c.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return KeyNone, nil
		}
		return KeyNone, err
	}
	if n == 0 {
		return KeyNone, nil
	}
	var buf [1]byte
	rn, err := syscall.Read(int(c.fd), buf[:])
	if err != nil {
		if err == syscall.EAGAIN {
			return KeyNone, nil
		}
		return KeyNone, err
	}
	if rn == 0 {
		return KeyNone, nil
	}
	b := buf[0]
	if b >= 'A' && b <= 'Z' {
		b += 'a' - 'A'
	}
	return Key(b), nil
}
