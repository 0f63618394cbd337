// Package serialport provides byte-level, buffered access to an RS-232
// serial line: raw-mode configuration, baud/stop-bit selection, BREAK
// generation and detection, and the small TX/RX staging buffers the RSP
// engine drives directly.
//
// Adapted from github.com/daedaluz/goserial (Daedaluz-goserial), which wraps
// Linux termios/ioctl directly rather than going through cgo. The struct
// layouts and ioctl request numbers below are reproduced from that package;
// the BOTHER/Termios2 custom-speed path and the PARMRK-based BREAK decoding
// are additions for the TU58 line discipline described in spec.md §4.1.
package serialport

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Termios2 mirrors struct termios2 from <asm/termbits.h>, which carries
// explicit ispeed/ospeed fields so BOTHER can express arbitrary baud rates
// not present in the fixed CBAUD table (spec.md §4.1, baud rates above
// 230400 are "platform-gated").
type Termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   byte
	Cc     [19]byte
	ISpeed uint32
	OSpeed uint32
}

// Input flags (subset actually used by this driver).
const (
	ignbrk = 0000001
	brkint = 0000002
	parmrk = 0000010
	istrip = 0000040
	inlcr  = 0000100
	igncr  = 0000200
	icrnl  = 0000400
	ixon   = 0002000
	ixoff  = 0010000
)

// Output flags.
const opost = 0000001

// Control flags.
const (
	csize  = 0000060
	cs8    = 0000060
	cstopb = 0000100
	cread  = 0000200
	parenb = 0000400
	hupcl  = 0002000
	clocal = 0004000
	cbaud  = 0010017
	bother = 0010000
)

// Local flags.
const (
	isig   = 0000001
	icanon = 0000002
	echo   = 0000010
	echoe  = 0000020
	echok  = 0000040
	echonl = 0000100
	iexten = 0100000
)

var fixedBaud = map[int]uint32{
	1200:   0000011,
	2400:   0000013,
	4800:   0000014,
	9600:   0000015,
	19200:  0000016,
	38400:  0000017,
	57600:  0010001,
	115200: 0010002,
	230400: 0010003,
	460800: 0010004,
	500000: 0010005,
	576000: 0010006,
	921600: 0010007,
}

var (
	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcsbrk   = uintptr(0x5409)
	tiocsbrk = uintptr(0x5427)
	tioccbrk = uintptr(0x5428)
	tcflsh   = uintptr(0x540B)
	tcxonc   = uintptr(0x540A)
)

// makeRaw clears the flags that would let the kernel line discipline
// interpret, echo, or translate bytes; the RSP engine owns byte framing
// end to end. Mirrors Termios.MakeRaw in the teacher package.
func (t *Termios2) makeRaw() {
	t.Iflag &^= ignbrk | brkint | parmrk | istrip | inlcr | igncr | icrnl | ixon | ixoff
	t.Iflag |= parmrk // BREAK/parity errors delivered in-band, spec.md §4.1
	t.Oflag &^= opost
	t.Lflag &^= echo | echonl | icanon | isig | iexten
	t.Cflag &^= csize | parenb
	t.Cflag |= cs8 | cread | clocal
}

func (t *Termios2) setStopBits(n int) {
	if n == 2 {
		t.Cflag |= cstopb
	} else {
		t.Cflag &^= cstopb
	}
}

// setSpeed picks the fixed CBAUD encoding when the rate is in the standard
// table, otherwise falls back to BOTHER + explicit ispeed/ospeed so rates
// the platform accepts but that aren't pre-assigned codes (anything above
// 230400 a given kernel may support) still work.
func (t *Termios2) setSpeed(baud int) (knownRate bool) {
	if code, ok := fixedBaud[baud]; ok {
		t.Cflag &^= cbaud
		t.Cflag |= code
		return true
	}
	t.Cflag &^= cbaud
	t.Cflag |= bother
	t.ISpeed = uint32(baud)
	t.OSpeed = uint32(baud)
	return false
}
