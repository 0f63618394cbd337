package rsp

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestChecksumKnownVector(t *testing.T) {
	// flag=CTRL, len=10, opcode=NOP, all-zero body: checksum is just the
	// sum of the two leading bytes as one LE word.
	body := []byte{byte(FlagCtrl), CtrlBodyLen, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	want := uint16(FlagCtrl) | uint16(CtrlBodyLen)<<8
	require.Equal(t, want, Checksum(body))
}

func TestChecksumOddLength(t *testing.T) {
	require.Equal(t, uint16(0x00FF), Checksum([]byte{0xFF}))
}

func TestControlRoundTrip(t *testing.T) {
	p := ControlPacket{
		Opcode: OpRead, Modifier: ModB128, Unit: 3, Switches: SwitchMRSP,
		Sequence: 7, Count: 128, Block: 42,
	}
	wire := EncodeControl(FlagCtrl, p)
	require.Len(t, wire, 14)

	got, err := DecodeControl(wire[0], wire[1], wire[2:12], binary.LittleEndian.Uint16(wire[12:14]))
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestControlRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := ControlPacket{
			Opcode:   Opcode(rapid.Uint8().Draw(t, "opcode")),
			Modifier: rapid.Uint8().Draw(t, "modifier"),
			Unit:     rapid.Uint8().Draw(t, "unit"),
			Switches: rapid.Uint8().Draw(t, "switches"),
			Sequence: uint16(rapid.Uint16().Draw(t, "sequence")),
			Count:    uint16(rapid.Uint16().Draw(t, "count")),
			Block:    uint16(rapid.Uint16().Draw(t, "block")),
		}
		wire := EncodeControl(FlagCtrl, p)
		got, err := DecodeControl(wire[0], wire[1], wire[2:12], binary.LittleEndian.Uint16(wire[12:14]))
		require.NoError(t, err)
		require.Equal(t, p, got)
	})
}

func TestControlBadChecksumRejected(t *testing.T) {
	p := ControlPacket{Opcode: OpNOP}
	wire := EncodeControl(FlagCtrl, p)
	wire[13] ^= 0xFF
	_, err := DecodeControl(wire[0], wire[1], wire[2:12], binary.LittleEndian.Uint16(wire[12:14]))
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestControlBadLengthRejected(t *testing.T) {
	_, err := DecodeControl(byte(FlagCtrl), 9, make([]byte, 10), 0)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestDataRoundTrip(t *testing.T) {
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i * 3)
	}
	wire := EncodeData(data)
	require.Len(t, wire, 132)

	got, err := DecodeData(wire[0], wire[1], wire[2:130], binary.LittleEndian.Uint16(wire[130:132]))
	require.NoError(t, err)
	require.Equal(t, data, got.Data)
}

func TestDataRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, MaxDataLen).Draw(t, "n")
		data := rapid.SliceOfN(rapid.Uint8(), n, n).Draw(t, "data")
		wire := EncodeData(data)
		got, err := DecodeData(wire[0], wire[1], wire[2:2+n], binary.LittleEndian.Uint16(wire[2+n:4+n]))
		require.NoError(t, err)
		require.Equal(t, data, got.Data)
	})
}

func TestDataZeroLengthRejected(t *testing.T) {
	_, err := DecodeData(byte(FlagData), 0, nil, 0)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestDataOverlongRejected(t *testing.T) {
	data := make([]byte, MaxDataLen+1)
	_, err := DecodeData(byte(FlagData), byte(len(data)), data, 0)
	require.ErrorIs(t, err, ErrBadLength)
}

func TestBlockSizeModifier(t *testing.T) {
	require.Equal(t, 512, BlockSize(0))
	require.Equal(t, 128, BlockSize(ModB128))
	require.Equal(t, 128, BlockSize(ModB128|ModRDRS))
}
