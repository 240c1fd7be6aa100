package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWordReadWriteRoundTrip(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	require.NoError(t, m.WriteWord(DefaultBase, 0xDEADBEEF))
	got, err := m.ReadWord(DefaultBase)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), got)
}

func TestMisalignedWord(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	_, err := m.ReadWord(DefaultBase + 1)
	require.Error(t, err)
	var mis *MisalignedAccessError
	require.ErrorAs(t, err, &mis)
}

func TestMisalignedHalf(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	require.NoError(t, m.WriteWord(DefaultBase, 0))
	_, err := m.ReadHalf(DefaultBase + 1)
	require.Error(t, err)
	_, err = m.ReadHalf(DefaultBase + 2)
	require.NoError(t, err)
}

func TestBytePackingPreservesOtherBytes(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	require.NoError(t, m.WriteWord(DefaultBase, 0x11223344))
	require.NoError(t, m.WriteByte(DefaultBase+3, 0xAB))
	w, err := m.ReadWord(DefaultBase)
	require.NoError(t, err)
	require.Equal(t, uint32(0xAB223344), w)

	b, err := m.ReadByte(DefaultBase + 3)
	require.NoError(t, err)
	require.Equal(t, uint8(0xAB), b)
}

func TestOutOfRange(t *testing.T) {
	m := New(DefaultBase, 0x10)
	_, err := m.ReadByte(DefaultBase + 0x10)
	require.Error(t, err)
	_, err = m.ReadByte(DefaultBase - 1)
	require.Error(t, err)
}

func TestBlockReadWrite(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	payload := []byte("hello, rv32i")
	require.NoError(t, m.Write(DefaultBase+8, payload))
	out := make([]byte, len(payload))
	require.NoError(t, m.Read(DefaultBase+8, out))
	require.Equal(t, payload, out)
}

func TestDoubleWordAlignment(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	require.NoError(t, m.WriteDouble(DefaultBase+8, 0x0102030405060708))
	got, err := m.ReadDouble(DefaultBase + 8)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), got)

	_, err = m.ReadDouble(DefaultBase + 4)
	require.Error(t, err)
}

func TestDigestChangesOnWrite(t *testing.T) {
	m := New(DefaultBase, 0x1000)
	d1 := m.Digest()
	require.NoError(t, m.WriteByte(DefaultBase, 1))
	d2 := m.Digest()
	require.NotEqual(t, d1, d2)
}
