package rsp

import (
	"context"
	"errors"
	"time"

	"github.com/northbridge-retro/tu58em/internal/emulog"
	"github.com/northbridge-retro/tu58em/internal/flags"
	"github.com/northbridge-retro/tu58em/internal/serialport"
	"github.com/northbridge-retro/tu58em/internal/tape"
)

// Line is the minimal byte-level surface the engine needs from a serial
// port, narrowed from serialport.Port so the engine can be driven by a
// PTY-backed fake in tests without pulling in the ioctl layer.
type Line interface {
	TxPut(b byte) error
	TxWrite(data []byte) (int, error)
	TxFlush() error
	TxStart()
	TxStop()
	TxInit()
	RxInit()
	RxGet(pollEvery time.Duration) (byte, serialport.RxFlag, error)
}

// Engine is the packet-processing task: it owns the flag-dispatch loop,
// decides which command handler runs, and talks to the tape store. It
// mirrors original_source/tu58drive.c's main loop body, split out of
// main() into a type per Go convention (grounded on Daedaluz-goserial's
// single-purpose-type style).
type Engine struct {
	line   Line
	store  *tape.Store
	log    *emulog.Logger
	timing Timing
	tgl    *flags.Toggles

	lastFlag     Flag
	haveLastFlag bool
}

// endNoReply is an internal-only sentinel End value meaning "send no END
// reply at all for this command": either a WRITE aborted mid-transfer by
// an INIT-INIT sync sequence, or a non-MRSP GETCHAR whose only reply is
// the DATA packet it already sent (spec.md §4.4).
const endNoReply End = 127

// New constructs an Engine bound to line and store, using timing profile
// idx (0, 1, or 2; see TimingProfiles). tgl is read live on every command
// so the operator's V/D/S key toggles take effect immediately, per
// spec.md §5's "write-once-by-operator, read-many" policy.
func New(line Line, store *tape.Store, log *emulog.Logger, timingProfile int, tgl *flags.Toggles) *Engine {
	if timingProfile < 0 || timingProfile > 2 {
		timingProfile = 0
	}
	return &Engine{
		line:   line,
		store:  store,
		log:    log,
		timing: TimingProfiles[timingProfile],
		tgl:    tgl,
	}
}

// Run drives the engine until ctx is cancelled or a fatal I/O error occurs.
// It is the Go-idiomatic replacement for tu58drive.c's for(;;) command loop:
// one goroutine, cancelled via ctx rather than a global flag.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := e.step(ctx); err != nil {
			return err
		}
	}
}

// step reads and dispatches exactly one flag-prefixed unit of work:
// a single-byte frame, or a full control packet followed (for WRITE) by a
// data packet.
func (e *Engine) step(ctx context.Context) error {
	b, _, err := e.line.RxGet(20 * time.Millisecond)
	if err != nil {
		return err
	}
	// Any byte from the host ends startup INIT emission.
	e.tgl.SetSendInit(false)
	flag := Flag(b)
	defer func() { e.lastFlag, e.haveLastFlag = flag, true }()

	switch flag {
	case FlagNull:
		return nil
	case FlagInit:
		// A lone INIT just marks the line as resetting. Only the second
		// INIT in a row (host-to-emulator sync sequence) gets a reply: a
		// single CONT byte, after the configured init delay.
		if e.haveLastFlag && e.lastFlag == FlagInit {
			time.Sleep(e.timing.Init)
			if err := e.line.TxPut(byte(FlagCont)); err != nil {
				return err
			}
			return e.line.TxFlush()
		}
		return nil
	case FlagCtrl:
		return e.handleControl(ctx)
	case FlagBoot:
		return e.handleBootFrame()
	case FlagCont, FlagXon:
		e.line.TxStart()
		return nil
	case FlagXoff:
		e.line.TxStop()
		return nil
	case FlagData:
		// A DATA flag at the top level means the host and emulator have
		// lost packet sync; reset both directions and wait for a fresh
		// INIT/CTRL rather than trying to parse a packet that isn't there.
		if e.tgl.Verbose() {
			e.log.Info("DATA flag out of sequence, resyncing")
		}
		e.reinit()
		return nil
	default:
		if e.tgl.Verbose() {
			e.log.Info("unrecognized flag byte", "byte", b)
		}
		return nil
	}
}

// reinit resets both line directions, used when the engine and host have
// lost packet-level sync (an out-of-sequence DATA flag).
func (e *Engine) reinit() {
	e.line.RxInit()
	e.line.TxInit()
	e.line.TxStart()
}

// handleBootFrame answers a BOOT single-byte frame: reads the host-sent
// unit byte that follows it, validates the unit, then seeks it to block 0
// and streams its first 512 bytes straight to the line, unframed and
// unchecksummed, per spec.md §4.4's BOOT row.
func (e *Engine) handleBootFrame() error {
	unitByte, _, err := e.line.RxGet(time.Second)
	if err != nil {
		return err
	}
	unit := int(unitByte)
	if err := e.store.Validate(unit); err != nil {
		if e.tgl.Verbose() {
			e.log.Info("boot on invalid unit", "unit", unit, "err", err)
		}
		return nil
	}
	if err := e.store.Seek(unit, tape.BlockSize512, 0, 0); err != nil {
		if e.tgl.Verbose() {
			e.log.Info("boot seek failed", "unit", unit, "err", err)
		}
		return nil
	}
	buf := make([]byte, BootLen)
	if _, err := e.store.Read(unit, buf); err != nil {
		if e.tgl.Verbose() {
			e.log.Info("boot read failed", "unit", unit, "err", err)
		}
		return nil
	}
	_, err = e.line.TxWrite(buf)
	return err
}

func (e *Engine) handleControl(ctx context.Context) error {
	length, _, err := e.line.RxGet(time.Second)
	if err != nil {
		return err
	}
	if length > CtrlBodyLen {
		if e.tgl.Verbose() {
			e.log.Info("control length out of range, resyncing", "length", length)
		}
		e.reinit()
		return nil
	}
	raw := make([]byte, CtrlBodyLen+2)
	for i := range raw {
		b, _, err := e.line.RxGet(time.Second)
		if err != nil {
			return err
		}
		raw[i] = b
	}
	body := raw[:CtrlBodyLen]
	checksum := uint16(raw[CtrlBodyLen]) | uint16(raw[CtrlBodyLen+1])<<8
	pkt, err := DecodeControl(byte(FlagCtrl), length, body, checksum)
	if err != nil {
		if e.tgl.Verbose() {
			e.log.Info("bad control packet", "err", err)
		}
		// The request didn't decode, so there's no unit/sequence to echo
		// back; the host still needs an END to keep the exchange moving.
		return e.sendEnd(ControlPacket{}, EndDerr, 0, e.tgl.MRSP())
	}
	useMRSP := e.tgl.MRSP() && pkt.Switches&SwitchMRSP != 0

	if e.tgl.Verbose() {
		e.log.Info(DebugDump("recv", pkt))
	}
	start := time.Now()

	result := e.dispatch(ctx, pkt, useMRSP)

	if result.end == endNoReply {
		if e.tgl.Verbose() {
			e.log.Info("command produced no END reply", "opcode", pkt.Opcode)
		}
		return nil
	}

	if e.tgl.Verbose() {
		e.log.Info("command complete", "opcode", pkt.Opcode, "end", result.end, "elapsed", time.Since(start))
	}
	return e.sendEnd(pkt, result.end, result.count, useMRSP)
}

// cmdResult is a command handler's outcome: the End code to report, and
// the byte count to echo in the END packet's count field (spec.md §4.4:
// 0 for outright failures, bytes actually transferred for a partial
// READ/WRITE, the requested count on full success).
type cmdResult struct {
	end   End
	count uint16
}

// dispatch runs the handler for pkt.Opcode and returns the result to
// report back, mirroring original_source/tu58drive.c's command() switch.
// Each case applies exactly the delay spec.md §4.4's command table calls
// for that opcode, not a blanket one.
func (e *Engine) dispatch(ctx context.Context, pkt ControlPacket, useMRSP bool) cmdResult {
	switch pkt.Opcode {
	case OpNOP:
		time.Sleep(e.timing.NOP)
		return cmdResult{EndSucc, 0}
	case OpInit:
		time.Sleep(e.timing.Init)
		e.line.TxInit()
		e.line.RxInit()
		return cmdResult{EndSucc, 0}
	case OpRead:
		return e.doRead(pkt, useMRSP)
	case OpWrite:
		return e.doWrite(pkt, useMRSP)
	case OpSeek:
		return e.doSeek(pkt)
	case OpDiagnose:
		time.Sleep(e.timing.Test)
		return cmdResult{EndSucc, 0}
	case OpGetStatus, OpSetStatus:
		time.Sleep(e.timing.NOP)
		return cmdResult{EndSucc, 0}
	case OpGetChar:
		return e.doGetChar(e.tgl.MRSP())
	case OpEnd:
		// A host is not supposed to send opcode END as a command; the
		// reference implementation answers it the same way an unknown
		// opcode is answered.
		time.Sleep(e.timing.NOP)
		return cmdResult{EndBado, 0}
	default:
		time.Sleep(e.timing.NOP)
		return cmdResult{EndBado, 0}
	}
}

func (e *Engine) doSeek(pkt ControlPacket) cmdResult {
	if err := e.store.Validate(int(pkt.Unit)); err != nil {
		return cmdResult{EndBadu, 0}
	}
	bs := BlockSize(pkt.Modifier)
	if err := e.store.Seek(int(pkt.Unit), bs, int(pkt.Block), 0); err != nil {
		return cmdResult{EndBadb, 0}
	}
	time.Sleep(e.timing.Seek)
	return cmdResult{EndSucc, 0}
}

// rangeCheck seeks to the last requested byte (to validate the whole
// range fits on the tape) then back to the first byte, mirroring
// original_source/tu58drive.c's turead/tuwrite double-seek.
func (e *Engine) rangeCheck(unit int, bs, block, count int) error {
	if count > 0 {
		if err := e.store.Seek(unit, bs, block, count-1); err != nil {
			return err
		}
	}
	return e.store.Seek(unit, bs, block, 0)
}

func (e *Engine) doRead(pkt ControlPacket, useMRSP bool) cmdResult {
	unit, bs := int(pkt.Unit), BlockSize(pkt.Modifier)
	if err := e.store.Validate(unit); err != nil {
		return cmdResult{EndBadu, 0}
	}
	if err := e.rangeCheck(unit, bs, int(pkt.Block), int(pkt.Count)); err != nil {
		return cmdResult{EndBadb, 0}
	}
	time.Sleep(e.timing.Seek)
	remaining := int(pkt.Count)
	sent := 0
	for remaining > 0 {
		time.Sleep(e.timing.Read)
		n := MaxDataLen
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := e.store.Read(unit, buf); err != nil {
			return cmdResult{EndParo, uint16(sent)}
		}
		if err := e.sendData(buf, useMRSP); err != nil {
			return cmdResult{EndComm, uint16(sent)}
		}
		sent += n
		remaining -= n
	}
	return cmdResult{EndSucc, uint16(sent)}
}

func (e *Engine) doWrite(pkt ControlPacket, useMRSP bool) cmdResult {
	unit, bs := int(pkt.Unit), BlockSize(pkt.Modifier)
	if err := e.store.Validate(unit); err != nil {
		return cmdResult{EndBadu, 0}
	}
	if err := e.rangeCheck(unit, bs, int(pkt.Block), int(pkt.Count)); err != nil {
		return cmdResult{EndBadb, 0}
	}
	time.Sleep(e.timing.Seek)
	remaining := int(pkt.Count)
	written := 0
	for remaining > 0 {
		time.Sleep(e.timing.Write)
		n := MaxDataLen
		if remaining < n {
			n = remaining
		}
		data, end, abort := e.recvWriteChunk(useMRSP)
		if abort {
			return cmdResult{endNoReply, 0}
		}
		if end != EndSucc {
			return cmdResult{end, uint16(written)}
		}
		if len(data) != n {
			return cmdResult{EndDerr, uint16(written)}
		}
		if we := e.writeChunk(unit, data); we != 0 {
			return cmdResult{we, uint16(written)}
		}
		remaining -= n
		written += n
	}
	if rem := written % bs; rem != 0 {
		time.Sleep(e.timing.Write)
		if we := e.writeChunk(unit, make([]byte, bs-rem)); we != 0 {
			return cmdResult{we, uint16(written)}
		}
	}
	return cmdResult{EndSucc, uint16(written)}
}

// writeChunk writes data to unit and maps the failure modes spec.md §4.4's
// WRITE row distinguishes: a read-only unit reports WPRO, any other write
// failure (short write, I/O error) reports PARO. Returns 0 on success,
// since EndSucc collides with the zero value of End and callers already
// treat "no error" as "don't return".
func (e *Engine) writeChunk(unit int, data []byte) End {
	n, err := e.store.Write(unit, data)
	if errors.Is(err, tape.ErrNotWritable) {
		return EndWpro
	}
	if err != nil || n != len(data) {
		return EndParo
	}
	return 0
}

// doGetChar answers a GETCHAR command: delay timing.nop, then when MRSP is
// globally enabled simply report success. Otherwise send a 24-byte zero
// DATA packet advertising "not MRSP capable" and nothing else — no END
// follows, matching original_source/tu58drive.c's command() TUO_GETCHAR
// !mrspen branch (spec.md §4.4). The real hardware's per-switch-byte
// semantics are out of scope (spec.md Non-goals).
func (e *Engine) doGetChar(useMRSP bool) cmdResult {
	time.Sleep(e.timing.NOP)
	if useMRSP {
		return cmdResult{EndSucc, 0}
	}
	buf := make([]byte, CharLen)
	if err := e.sendData(buf, false); err != nil {
		if e.tgl.Verbose() {
			e.log.Info("getchar data send failed", "err", err)
		}
	}
	return cmdResult{endNoReply, 0}
}

// sendData writes one DATA packet, honoring the MRSP per-byte CONT
// handshake when useMRSP is set (spec.md §4.4).
func (e *Engine) sendData(data []byte, useMRSP bool) error {
	wire := EncodeData(data)
	return e.sendFramed(wire, useMRSP)
}

// sendEnd replies with an END control packet. count is the byte count to
// report (0 for outright failures, bytes actually transferred for a
// partial READ/WRITE, the requested count on full success); block is
// always 0, per spec.md §4.4 — neither is ever the echoed request count.
func (e *Engine) sendEnd(pkt ControlPacket, end End, count uint16, useMRSP bool) error {
	ep := ControlPacket{
		Opcode:   OpEnd,
		Modifier: byte(end),
		Unit:     pkt.Unit,
		Switches: pkt.Switches,
		Sequence: pkt.Sequence,
		Count:    count,
	}
	wire := EncodeControl(FlagCtrl, ep)
	return e.sendFramed(wire, useMRSP)
}

// sendFramed writes wire to the line, inserting a CONT wait after every
// byte when useMRSP is set. A byte whose CONT does not arrive within
// MRSPTimeout received bytes is given up on silently and the next byte is
// sent (spec.md §4.4).
func (e *Engine) sendFramed(wire []byte, useMRSP bool) error {
	if !useMRSP {
		_, err := e.line.TxWrite(wire)
		return err
	}
	for _, b := range wire {
		if err := e.line.TxPut(b); err != nil {
			return err
		}
		if err := e.line.TxFlush(); err != nil {
			return err
		}
		if err := e.waitCont(); err != nil {
			return err
		}
	}
	return nil
}

// waitCont blocks for a FlagCont byte, giving up silently (returning nil)
// after MRSPTimeout received bytes that are not CONT.
func (e *Engine) waitCont() error {
	for i := 0; i < MRSPTimeout; i++ {
		b, _, err := e.line.RxGet(time.Millisecond)
		if err != nil {
			return err
		}
		if Flag(b) == FlagCont {
			return nil
		}
	}
	return nil
}

// recvWriteChunk implements one packet of the WRITE receive sub-loop
// (spec.md §4.4): send a single CONT inviting the host to transmit, then
// read flag bytes until a DATA packet arrives. An XOFF/XON/CONT byte in
// that gap is honored in place rather than treated as an error, since the
// host is free to throttle the link between blocks. Two INIT flags in a
// row abort the in-progress WRITE with no END reply at all, matching the
// top-level INIT-INIT resync handshake.
func (e *Engine) recvWriteChunk(useMRSP bool) (data []byte, end End, abort bool) {
	if err := e.line.TxPut(byte(FlagCont)); err != nil {
		return nil, EndComm, false
	}
	if err := e.line.TxFlush(); err != nil {
		return nil, EndComm, false
	}

	var last Flag
	haveLast := false
	for {
		b, _, err := e.line.RxGet(time.Second)
		if err != nil {
			return nil, EndComm, false
		}
		flag := Flag(b)
		switch flag {
		case FlagInit:
			if haveLast && last == FlagInit {
				e.line.TxPut(byte(FlagCont))
				e.line.TxFlush()
				return nil, 0, true
			}
			last, haveLast = flag, true
		case FlagXoff:
			e.line.TxStop()
			last, haveLast = flag, true
		case FlagCont, FlagXon:
			e.line.TxStart()
			last, haveLast = flag, true
		case FlagData:
			body, err := e.readDataBody(useMRSP)
			if err != nil {
				return nil, EndDerr, false
			}
			return body, EndSucc, false
		default:
			last, haveLast = flag, true
		}
	}
}

// readDataBody reads a DATA packet's length, body, and checksum, the flag
// byte having already been consumed by the caller. Honors the MRSP
// handshake on the receive side: every byte read is acknowledged with a
// CONT reply.
func (e *Engine) readDataBody(useMRSP bool) ([]byte, error) {
	length, err := e.recvByte(useMRSP)
	if err != nil {
		return nil, err
	}
	body := make([]byte, length)
	for i := range body {
		b, err := e.recvByte(useMRSP)
		if err != nil {
			return nil, err
		}
		body[i] = b
	}
	lo, err := e.recvByte(useMRSP)
	if err != nil {
		return nil, err
	}
	hi, err := e.recvByte(useMRSP)
	if err != nil {
		return nil, err
	}
	checksum := uint16(lo) | uint16(hi)<<8
	pkt, err := DecodeData(byte(FlagData), length, body, checksum)
	if err != nil {
		return nil, err
	}
	return pkt.Data, nil
}

func (e *Engine) recvByte(useMRSP bool) (byte, error) {
	b, _, err := e.line.RxGet(time.Second)
	if err != nil {
		return 0, err
	}
	if useMRSP {
		if err := e.line.TxPut(byte(FlagCont)); err != nil {
			return 0, err
		}
		if err := e.line.TxFlush(); err != nil {
			return 0, err
		}
	}
	return b, nil
}

// SendStartupInit emits INIT frames at roughly 10Hz while the continuous
// INIT toggle is set, the same handshake original_source/tu58drive.c
// performs at startup before the host has issued its first command. The
// engine clears the toggle when it receives any byte from the host; the
// operator's S key flips it. The toggle is read live on every tick.
func (e *Engine) SendStartupInit(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.tgl.SendInit() {
				continue
			}
			e.line.TxPut(byte(FlagInit))
			e.line.TxFlush()
		}
	}
}
