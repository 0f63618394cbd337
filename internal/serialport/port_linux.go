package serialport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"
)

// RxFlag classifies a byte returned by RxGet, per spec.md §4.1.
type RxFlag int

const (
	Normal RxFlag = iota
	Break
	LineError
)

// txBufSize/rxBufSize are the two 256-byte staging buffers spec.md §4.1
// requires; TxPut auto-flushes when full.
const (
	txBufSize = 256
	rxBufSize = 256
)

var ErrClosed = fmt.Errorf("serial port already closed")

// Port is a buffered, BREAK-aware serial line, adapted from
// Daedaluz-goserial's Port type (raw syscall fd, no cgo) and specialized to
// the TU58 line discipline: one TX staging buffer, one RX staging buffer,
// and an in-band BREAK/parity-error decoder over PARMRK escapes.
type Port struct {
	fd     int
	closed atomic.Bool

	txMu  sync.Mutex
	txBuf [txBufSize]byte
	txLen int
	txOn  atomic.Bool // false while XOFF'd (TxStop'd)

	rxMu    sync.Mutex
	rxBuf   [rxBufSize]byte
	rxHead  int
	rxTail  int
	pending []byte // decoded escape lookahead, at most 2 bytes

	lastEvent atomic.Int32 // RxFlag of most recent Break/LineError, for RxError
}

// LineEvent is the out-of-band status the monitor task polls, distinct
// from the in-band (byte, RxFlag) pair RxGet hands the protocol engine.
// Spec.md §4.5: "the monitor uses an out-of-band error-event interface, not
// rx_get — no contention on byte streams."
type LineEvent int

const (
	EventOK LineEvent = iota
	EventBreak
	EventError
)

// RxError reports and clears the most recent BREAK/parity event seen by
// RxGet, without consuming or re-reading any byte. Intended to be polled by
// the line-monitor task on a short interval (spec.md §4.5, ~5ms).
func (p *Port) RxError() LineEvent {
	v := p.lastEvent.Swap(int32(EventOK))
	return LineEvent(v)
}

// Open configures an 8N1 (or 8N2) raw line at the given baud rate and
// returns a Port ready for TxPut/RxGet. baud values outside the fixed table
// are still attempted via BOTHER; callers should treat a non-nil error as
// fatal per spec.md §6 ("cannot open serial port" is a startup fault).
func Open(path string, baud int, stopBits int) (*Port, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	p := &Port{fd: fd}
	p.txOn.Store(true)

	t := &Termios2{}
	if err := ioctl.Ioctl(uintptr(fd), tcgets2, uintptr(unsafe.Pointer(t))); err != nil {
		syscall.Close(fd)
		return nil, wrapErr("tcgets2", err)
	}
	t.makeRaw()
	t.setStopBits(stopBits)
	knownRate := t.setSpeed(baud)
	if err := ioctl.Ioctl(uintptr(fd), tcsets2, uintptr(unsafe.Pointer(t))); err != nil {
		syscall.Close(fd)
		return nil, wrapErr("tcsets2", err)
	}
	_ = knownRate // surfaced to the caller via KnownBaud if it wants to log

	return p, nil
}

// KnownBaud reports whether the configured rate was in the fixed baud
// table; false means it was applied via BOTHER and may silently be
// unsupported on some platforms (spec.md §9, Open Question (c)).
func KnownBaud(baud int) bool {
	_, ok := fixedBaud[baud]
	return ok
}

func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return ErrClosed
	}
	return syscall.Close(p.fd)
}

// TxPut buffers one byte, auto-flushing when the staging buffer fills.
func (p *Port) TxPut(b byte) error {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	p.txBuf[p.txLen] = b
	p.txLen++
	if p.txLen == txBufSize {
		return p.flushLocked()
	}
	return nil
}

// TxWrite sends data directly, bypassing the staging buffer (used for the
// raw 512-byte BOOT block transfer, which is not framed or checksummed).
func (p *Port) TxWrite(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if !p.txOn.Load() {
		return 0, nil
	}
	return syscall.Write(p.fd, data)
}

// TxFlush drains the staging buffer to the kernel queue.
func (p *Port) TxFlush() error {
	p.txMu.Lock()
	defer p.txMu.Unlock()
	return p.flushLocked()
}

func (p *Port) flushLocked() error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.txLen == 0 {
		return nil
	}
	if !p.txOn.Load() {
		// Dropped while XOFF'd is wrong for a real line, but the RSP
		// engine never calls TxFlush while suspended in practice; keep
		// the buffered bytes queued rather than silently discarding.
		return nil
	}
	n, err := syscall.Write(p.fd, p.txBuf[:p.txLen])
	if err != nil {
		return err
	}
	if n == p.txLen {
		p.txLen = 0
		return nil
	}
	copy(p.txBuf[:], p.txBuf[n:p.txLen])
	p.txLen -= n
	return nil
}

// TxStart/TxStop implement the in-band XON/XOFF the RSP engine drives;
// spec.md §4.1 keeps OS-level flow control off, so these just gate whether
// TxWrite/flushLocked push bytes to the fd.
func (p *Port) TxStart() { p.txOn.Store(true) }
func (p *Port) TxStop()  { p.txOn.Store(false) }

// TxInit discards any buffered, unsent TX bytes (used by reinit/INIT
// handling, spec.md §4.4).
func (p *Port) TxInit() {
	p.txMu.Lock()
	p.txLen = 0
	p.txMu.Unlock()
	ioctl.Ioctl(uintptr(p.fd), tcflsh, 1) // TCOFLUSH
}

// RxInit discards any buffered, unread RX bytes.
func (p *Port) RxInit() {
	p.rxMu.Lock()
	p.rxHead, p.rxTail = 0, 0
	p.pending = p.pending[:0]
	p.rxMu.Unlock()
	ioctl.Ioctl(uintptr(p.fd), tcflsh, 0) // TCIFLUSH
}

// TxBreak asserts a break condition for at least 250ms, per spec.md §4.1.
func (p *Port) TxBreak() error {
	if err := ioctl.Ioctl(uintptr(p.fd), tiocsbrk, 1); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	return ioctl.Ioctl(uintptr(p.fd), tioccbrk, 1)
}

// fillRx tops up the RX staging buffer from the fd, non-blocking. Returns
// the number of new raw bytes read (0 on EAGAIN/timeout).
func (p *Port) fillRx(timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	pfd := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(pfd, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	space := rxBufSize - (p.rxTail - p.rxHead)
	if space <= 0 {
		return 0, nil
	}
	tmp := make([]byte, space)
	rn, err := syscall.Read(p.fd, tmp)
	if err != nil {
		if err == syscall.EAGAIN {
			return 0, nil
		}
		return 0, err
	}
	if p.rxHead > 0 {
		copy(p.rxBuf[:], p.rxBuf[p.rxHead:p.rxTail])
		p.rxTail -= p.rxHead
		p.rxHead = 0
	}
	copy(p.rxBuf[p.rxTail:], tmp[:rn])
	p.rxTail += rn
	return rn, nil
}

// RxAvailable reports how many decoded bytes are ready without blocking,
// opportunistically filling the staging buffer first.
func (p *Port) RxAvailable() int {
	p.rxMu.Lock()
	defer p.rxMu.Unlock()
	p.fillRx(0)
	return (p.rxTail - p.rxHead) + len(p.pending)
}

// RxGet returns the next decoded byte, blocking (with periodic poll
// timeouts so it stays cancellable) until one is available. PARMRK escape
// sequences are decoded per spec.md §4.1: 0xFF 0x00 0x00 is a BREAK,
// 0xFF 0x00 NN (NN != 0) is a framing/parity error carrying byte NN,
// 0xFF 0xFF is a literal 0xFF.
func (p *Port) RxGet(pollEvery time.Duration) (byte, RxFlag, error) {
	for {
		p.rxMu.Lock()
		b, flag, ok := p.decodeLocked()
		if ok {
			p.rxMu.Unlock()
			return b, flag, nil
		}
		_, err := p.fillRx(pollEvery)
		p.rxMu.Unlock()
		if err != nil {
			return 0, Normal, err
		}
	}
}

// decodeLocked attempts to pull one decoded byte out of the raw buffer plus
// any pending lookahead. Caller holds rxMu.
func (p *Port) decodeLocked() (byte, RxFlag, bool) {
	next := func() (byte, bool) {
		if len(p.pending) > 0 {
			b := p.pending[0]
			p.pending = p.pending[1:]
			return b, true
		}
		if p.rxHead < p.rxTail {
			b := p.rxBuf[p.rxHead]
			p.rxHead++
			return b, true
		}
		return 0, false
	}
	peek := func(n int) (byte, bool) {
		if n < len(p.pending) {
			return p.pending[n], true
		}
		idx := p.rxHead + (n - len(p.pending))
		if idx < p.rxTail {
			return p.rxBuf[idx], true
		}
		return 0, false
	}
	consume := func(n int) {
		for i := 0; i < n; i++ {
			next()
		}
	}

	b0, ok := peek(0)
	if !ok {
		return 0, Normal, false
	}
	if b0 != 0xFF {
		next()
		return b0, Normal, true
	}
	b1, ok := peek(1)
	if !ok {
		return 0, Normal, false // need more data to disambiguate
	}
	if b1 == 0xFF {
		consume(2)
		return 0xFF, Normal, true
	}
	if b1 != 0x00 {
		// Not a recognized escape; treat the 0xFF as literal.
		next()
		return 0xFF, Normal, true
	}
	b2, ok := peek(2)
	if !ok {
		return 0, Normal, false
	}
	consume(3)
	if b2 == 0x00 {
		p.lastEvent.Store(int32(EventBreak))
		return 0x00, Break, true
	}
	p.lastEvent.Store(int32(EventError))
	return b2, LineError, true
}
