package bucket

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		key, value []byte
	}{
		{[]byte("a"), []byte("1")},
		{[]byte(""), []byte("value-only")},
		{[]byte("key-only"), []byte("")},
		{[]byte("binary\x00\x01"), []byte{0xff, 0x00, 0x10}},
	}

	var buf bytes.Buffer
	for _, c := range cases {
		require.NoError(t, WriteFrame(&buf, c.key, c.value))
	}

	for _, want := range cases {
		k, v, err := ReadFrame(&buf)
		require.NoError(t, err)
		require.Equal(t, want.key, k)
		require.Equal(t, want.value, v)
	}
	_, _, err := ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameSentinelEndsStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("k"), []byte("v")))
	require.NoError(t, WriteEndOfStream(&buf))
	require.NoError(t, WriteFrame(&buf, []byte("unreachable"), []byte("unreachable")))

	k, v, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, []byte("k"), k)
	require.Equal(t, []byte("v"), v)

	_, _, err = ReadFrame(&buf)
	require.ErrorIs(t, err, io.EOF)
}
