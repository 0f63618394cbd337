package rsp

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/northbridge-retro/tu58em/internal/emulog"
	"github.com/northbridge-retro/tu58em/internal/flags"
	"github.com/northbridge-retro/tu58em/internal/serialport"
	"github.com/northbridge-retro/tu58em/internal/tape"
	"github.com/stretchr/testify/require"
)

// memLine is an in-process fake of the Line interface, backed by two byte
// queues, so the engine's dispatch logic can be exercised without a real
// or pseudo serial device.
type memLine struct {
	toEngine []byte
	fromHost int // read position into toEngine
	replies  []byte
}

func (m *memLine) TxPut(b byte) error {
	m.replies = append(m.replies, b)
	return nil
}

func (m *memLine) TxWrite(data []byte) (int, error) {
	m.replies = append(m.replies, data...)
	return len(data), nil
}

func (m *memLine) TxFlush() error { return nil }
func (m *memLine) TxStart()       {}
func (m *memLine) TxStop()        {}
func (m *memLine) TxInit()        {}
func (m *memLine) RxInit()        {}

func (m *memLine) RxGet(pollEvery time.Duration) (byte, serialport.RxFlag, error) {
	if m.fromHost >= len(m.toEngine) {
		return 0, serialport.Normal, io.EOF
	}
	b := m.toEngine[m.fromHost]
	m.fromHost++
	return b, serialport.Normal, nil
}

func newTestStore(t *testing.T) *tape.Store {
	t.Helper()
	dir := t.TempDir()
	s := tape.New()
	_, err := s.Open(dir+"/unit0.dsk", tape.ModeCreate)
	require.NoError(t, err)
	return s
}

func TestEngineNOPRepliesSucc(t *testing.T) {
	store := newTestStore(t)
	req := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpNOP, Unit: 0})
	line := &memLine{toEngine: req}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	require.Len(t, line.replies, 14)
	got, err := DecodeControl(line.replies[0], line.replies[1], line.replies[2:12], binary.LittleEndian.Uint16(line.replies[12:14]))
	require.NoError(t, err)
	require.Equal(t, OpEnd, got.Opcode)
	require.Equal(t, End(EndSucc), End(int8(got.Modifier)))
}

func TestEngineReadUnknownUnitRepliesBadu(t *testing.T) {
	store := newTestStore(t)
	req := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpRead, Unit: 7, Count: 512, Block: 0})
	line := &memLine{toEngine: req}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	got, err := DecodeControl(line.replies[0], line.replies[1], line.replies[2:12], binary.LittleEndian.Uint16(line.replies[12:14]))
	require.NoError(t, err)
	require.Equal(t, End(EndBadu), End(int8(got.Modifier)))
	require.Equal(t, uint16(0), got.Count, "failure END must report count=0, not the request's count")
}

func TestEngineReadBadBlockRepliesBadbZeroCount(t *testing.T) {
	store := newTestStore(t)
	req := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpRead, Unit: 0, Count: 1, Block: 60000})
	line := &memLine{toEngine: req}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	got, err := DecodeControl(line.replies[0], line.replies[1], line.replies[2:12], binary.LittleEndian.Uint16(line.replies[12:14]))
	require.NoError(t, err)
	require.Equal(t, End(EndBadb), End(int8(got.Modifier)))
	require.Equal(t, uint16(0), got.Count)
	require.Equal(t, uint16(0), got.Block)
}

func TestEngineGetCharNonMRSPSendsOnlyData(t *testing.T) {
	store := newTestStore(t)
	req := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpGetChar})
	line := &memLine{toEngine: req}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	require.Equal(t, 2+CharLen+2, len(line.replies), "only the DATA packet should be sent, no END")
	require.Equal(t, byte(FlagData), line.replies[0])
}

func TestEngineWriteThenReadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeReq := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpWrite, Unit: 0, Count: 512, Block: 0})
	writeReq = append(writeReq, EncodeData(payload[:128])...)
	writeReq = append(writeReq, EncodeData(payload[128:256])...)
	writeReq = append(writeReq, EncodeData(payload[256:384])...)
	writeReq = append(writeReq, EncodeData(payload[384:512])...)

	line := &memLine{toEngine: writeReq}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))
	require.NoError(t, e.step(context.Background()))

	endOff := len(line.replies) - 14
	got, err := DecodeControl(line.replies[endOff], line.replies[endOff+1], line.replies[endOff+2:endOff+12], binary.LittleEndian.Uint16(line.replies[endOff+12:endOff+14]))
	require.NoError(t, err)
	require.Equal(t, End(EndSucc), End(int8(got.Modifier)))

	readReq := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpRead, Unit: 0, Count: 512, Block: 0})
	line2 := &memLine{toEngine: readReq}
	e2 := New(line2, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))
	require.NoError(t, e2.step(context.Background()))

	var data []byte
	off := 0
	limit := len(line2.replies) - 14
	for off+2 <= limit {
		n := int(line2.replies[off+1])
		data = append(data, line2.replies[off+2:off+2+n]...)
		off += 2 + n + 2
	}
	require.Equal(t, payload, data)
}

func TestEngineInitInitSendsCont(t *testing.T) {
	store := newTestStore(t)
	line := &memLine{toEngine: []byte{byte(FlagInit), byte(FlagInit)}}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))
	require.Empty(t, line.replies)

	require.NoError(t, e.step(context.Background()))
	require.Equal(t, []byte{byte(FlagCont)}, line.replies)
}

func TestEngineWriteAbortedByInitInit(t *testing.T) {
	store := newTestStore(t)
	writeReq := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpWrite, Unit: 0, Count: 128, Block: 0})
	writeReq = append(writeReq, byte(FlagInit), byte(FlagInit))
	line := &memLine{toEngine: writeReq}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	require.Equal(t, []byte{byte(FlagCont), byte(FlagCont)}, line.replies)
}

func TestEngineBadControlChecksumRepliesDerr(t *testing.T) {
	store := newTestStore(t)
	req := EncodeControl(FlagCtrl, ControlPacket{Opcode: OpNOP})
	req[13] ^= 0xFF
	line := &memLine{toEngine: req}
	e := New(line, store, emulog.New(io.Discard, false), 0, flags.New(false, false, false, false))

	require.NoError(t, e.step(context.Background()))

	require.Len(t, line.replies, 14)
	got, err := DecodeControl(line.replies[0], line.replies[1], line.replies[2:12], binary.LittleEndian.Uint16(line.replies[12:14]))
	require.NoError(t, err)
	require.Equal(t, OpEnd, got.Opcode)
	require.Equal(t, End(EndDerr), End(int8(got.Modifier)))
}
