package bucket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// WriteFrame appends one record to w in the wire format mandated by
// SPEC_FULL.md §4.4: a 4-byte big-endian key length, the key bytes, a
// 4-byte big-endian value length, then the value bytes.
func WriteFrame(w io.Writer, key, value []byte) error {
	if err := writeLenPrefixed(w, key); err != nil {
		return err
	}
	return writeLenPrefixed(w, value)
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// WriteEndOfStream writes the zero-length/zero-length sentinel record used
// by streaming producers to mark end-of-stream explicitly. Sealed buckets
// written in one shot may omit it and rely on EOF instead.
func WriteEndOfStream(w io.Writer) error {
	return WriteFrame(w, nil, nil)
}

// ReadFrame reads one record from r. It returns io.EOF both when r is
// genuinely exhausted and when the zero-length/zero-length sentinel is
// encountered, so callers never need to special-case the sentinel.
func ReadFrame(r io.Reader) (key, value []byte, err error) {
	key, err = readLenPrefixed(r)
	if err != nil {
		return nil, nil, err
	}
	value, err = readLenPrefixed(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, io.ErrUnexpectedEOF
		}
		return nil, nil, err
	}
	if len(key) == 0 && len(value) == 0 {
		return nil, nil, io.EOF
	}
	return key, value, nil
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err // io.EOF propagates cleanly when exactly 0 bytes were read
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// NewFrameWriter wraps w with buffering appropriate for many small Write
// calls (one per record) during map/reduce emission.
func NewFrameWriter(w io.Writer) *bufio.Writer {
	return bufio.NewWriterSize(w, 64*1024)
}

// ReadAllFrames reads every frame off r until end-of-stream, in emission
// order. Used by consumers that need a bucket's full contents in memory
// (fetchall, reduce-side grouping) rather than a streaming pass.
func ReadAllFrames(r io.Reader) ([][2][]byte, error) {
	var out [][2][]byte
	for {
		k, v, err := ReadFrame(r)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, [2][]byte{k, v})
	}
}
