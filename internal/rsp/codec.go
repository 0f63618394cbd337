package rsp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadChecksum/ErrBadLength are returned by Decode when a packet fails
// the wire-format checks spec.md §3 requires before a packet is handed to
// the engine's dispatch table.
var (
	ErrBadChecksum = errors.New("rsp: checksum mismatch")
	ErrBadLength   = errors.New("rsp: invalid packet length")
)

// Checksum computes the TU58 16-bit end-around-carry checksum over data,
// treated as a sequence of little-endian 16-bit words (an odd trailing byte
// is padded with a zero high byte). Reproduced from
// original_source/tu58drive.c's checksum(), which is the one piece of wire
// arithmetic spec.md calls out as needing to be bit-for-bit exact.
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.LittleEndian.Uint16(data[i : i+2]))
		if sum > 0xFFFF {
			sum = (sum & 0xFFFF) + 1
		}
	}
	if i < n {
		sum += uint32(data[i])
		if sum > 0xFFFF {
			sum = (sum & 0xFFFF) + 1
		}
	}
	return uint16(sum)
}

// EncodeControl renders a control or end packet onto the wire, 14 bytes:
// flag, length=10, opcode, modifier, unit, switches, sequence(LE),
// count(LE), block(LE), checksum(LE).
func EncodeControl(flag Flag, p ControlPacket) []byte {
	body := make([]byte, 2+CtrlBodyLen)
	body[0] = byte(flag)
	body[1] = CtrlBodyLen
	body[2] = byte(p.Opcode)
	body[3] = p.Modifier
	body[4] = p.Unit
	body[5] = p.Switches
	binary.LittleEndian.PutUint16(body[6:8], p.Sequence)
	binary.LittleEndian.PutUint16(body[8:10], p.Count)
	binary.LittleEndian.PutUint16(body[10:12], p.Block)
	cksum := Checksum(body)
	out := make([]byte, len(body)+2)
	copy(out, body)
	binary.LittleEndian.PutUint16(out[len(body):], cksum)
	return out
}

// DecodeControl parses a control/end packet body (the CtrlBodyLen bytes
// following the length byte) plus its trailing checksum, given the leading
// flag and length bytes already consumed by the caller.
func DecodeControl(flag byte, length byte, body []byte, checksum uint16) (ControlPacket, error) {
	if length != CtrlBodyLen {
		return ControlPacket{}, fmt.Errorf("%w: control length %d", ErrBadLength, length)
	}
	if len(body) != CtrlBodyLen {
		return ControlPacket{}, fmt.Errorf("%w: short control body", ErrBadLength)
	}
	full := make([]byte, 2+CtrlBodyLen)
	full[0] = flag
	full[1] = length
	copy(full[2:], body)
	if got := Checksum(full); got != checksum {
		return ControlPacket{}, fmt.Errorf("%w: got %04x want %04x", ErrBadChecksum, got, checksum)
	}
	return ControlPacket{
		Opcode:   Opcode(body[0]),
		Modifier: body[1],
		Unit:     body[2],
		Switches: body[3],
		Sequence: binary.LittleEndian.Uint16(body[4:6]),
		Count:    binary.LittleEndian.Uint16(body[6:8]),
		Block:    binary.LittleEndian.Uint16(body[8:10]),
	}, nil
}

// EncodeData renders a DATA packet onto the wire: flag(DATA), length,
// data, checksum(LE).
func EncodeData(data []byte) []byte {
	body := make([]byte, 2+len(data))
	body[0] = byte(FlagData)
	body[1] = byte(len(data))
	copy(body[2:], data)
	cksum := Checksum(body)
	out := make([]byte, len(body)+2)
	copy(out, body)
	binary.LittleEndian.PutUint16(out[len(body):], cksum)
	return out
}

// DecodeData validates a DATA packet's checksum given its already-split
// flag/length/body/checksum fields.
func DecodeData(flag byte, length byte, data []byte, checksum uint16) (DataPacket, error) {
	if int(length) != len(data) || length == 0 || int(length) > MaxDataLen {
		return DataPacket{}, fmt.Errorf("%w: data length %d", ErrBadLength, length)
	}
	full := make([]byte, 2+len(data))
	full[0] = flag
	full[1] = length
	copy(full[2:], data)
	if got := Checksum(full); got != checksum {
		return DataPacket{}, fmt.Errorf("%w: got %04x want %04x", ErrBadChecksum, got, checksum)
	}
	return DataPacket{Data: data}, nil
}

// DebugDump renders a control packet the way original_source/tu58drive.c's
// dumppacket() does, as a single line; the engine logs it at info level
// for every received command when verbose output is on.
func DebugDump(dir string, p ControlPacket) string {
	return fmt.Sprintf("%s opc=%d mod=%#02x unit=%d sw=%#02x seq=%d cnt=%d blk=%d",
		dir, p.Opcode, p.Modifier, p.Unit, p.Switches, p.Sequence, p.Count, p.Block)
}
