package tape

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreateZeroFills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit0.dsk")
	s := New()
	unit, err := s.Open(path, ModeCreate)
	require.NoError(t, err)
	require.Equal(t, 0, unit)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.EqualValues(t, TapeSize, fi.Size())

	buf := make([]byte, 512)
	n, err := s.Read(unit, buf)
	require.NoError(t, err)
	require.Equal(t, 512, n)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestRT11InitStampsBootBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit0.dsk")
	s := New()
	unit, err := s.Open(path, ModeRT11Init)
	require.NoError(t, err)

	buf := make([]byte, 2)
	require.NoError(t, s.Seek(unit, BlockSize512, 0, 0))
	_, err = s.Read(unit, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0xA0, 0x00}, buf) // first RT-11 boot word, LE
}

func TestWriteRejectedWhenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit0.dsk")
	s := New()
	unit, err := s.Open(path, ModeCreate)
	require.NoError(t, err)
	s.CloseAll()

	s2 := New()
	unit, err = s2.Open(path, ModeRead)
	require.NoError(t, err)
	_, err = s2.Write(unit, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestSeekPastEndRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit0.dsk")
	s := New()
	unit, err := s.Open(path, ModeCreate)
	require.NoError(t, err)

	require.NoError(t, s.Seek(unit, BlockSize512, 511, 511))
	err = s.Seek(unit, BlockSize512, 512, 0)
	require.ErrorIs(t, err, ErrSeekRange)
}

func TestValidateRejectsOutOfRangeOrUnopenedUnit(t *testing.T) {
	s := New()
	require.ErrorIs(t, s.Validate(0), ErrBadUnit)
	require.ErrorIs(t, s.Validate(-1), ErrBadUnit)
	require.ErrorIs(t, s.Validate(NumUnits), ErrBadUnit)
}

func TestRoundTripWriteThenRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit0.dsk")
	s := New()
	unit, err := s.Open(path, ModeCreate)
	require.NoError(t, err)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, s.Seek(unit, BlockSize512, 1, 0))
	n, err := s.Write(unit, payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	require.NoError(t, s.Seek(unit, BlockSize512, 1, 0))
	out := make([]byte, 256)
	n, err = s.Read(unit, out)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, out)
}
