package serialport

import (
	"syscall"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

var (
	tiocsptlck  = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))
	tiocgptpeer = ioctl.IO('T', 0x41)
)

// OpenLoopback opens a fresh pseudoterminal pair and returns both ends as
// Ports, for exercising the RSP engine against a real line discipline in
// tests without a physical serial device. Adapted from
// Daedaluz-goserial/pty_linux.go's OpenPTY, trimmed to what the test harness
// needs (no Winsize/termios passthrough). TIOCGPTPEER is unusual among
// ioctls in returning a brand new fd as its syscall result rather than
// writing through a pointer argument, so it goes through unix.Syscall
// directly instead of the Ioctl() helper used everywhere else.
func OpenLoopback(baud int) (host *Port, device *Port, err error) {
	masterFd, err := syscall.Open("/dev/ptmx", syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, nil, wrapErr("open /dev/ptmx", err)
	}
	var lock int32
	if err := ioctl.Ioctl(uintptr(masterFd), tiocsptlck, uintptr(unsafe.Pointer(&lock))); err != nil {
		syscall.Close(masterFd)
		return nil, nil, wrapErr("unlock pty", err)
	}
	openFlags := uintptr(syscall.O_RDWR | syscall.O_NOCTTY | syscall.O_NONBLOCK)
	slaveFd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(masterFd), tiocgptpeer, openFlags)
	if errno != 0 {
		syscall.Close(masterFd)
		return nil, nil, wrapErr("open pty peer", errno)
	}

	host = &Port{fd: masterFd}
	host.txOn.Store(true)
	device = &Port{fd: int(slaveFd)}
	device.txOn.Store(true)

	t := &Termios2{}
	if err := ioctl.Ioctl(uintptr(slaveFd), tcgets2, uintptr(unsafe.Pointer(t))); err == nil {
		t.makeRaw()
		t.setSpeed(baud)
		ioctl.Ioctl(uintptr(slaveFd), tcsets2, uintptr(unsafe.Pointer(t)))
	}

	return host, device, nil
}
