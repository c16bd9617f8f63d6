package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize bounds the ciphertext size of a single wire frame, guarding
// against a malicious or corrupt peer forcing an unbounded allocation.
const MaxFrameSize = 16 << 20 // 16 MiB

// ErrFrameTooLarge is returned when a peer declares a frame larger than
// MaxFrameSize.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// encodeMultipart serializes parts into a single buffer: a 4-byte
// big-endian part count followed by, for each part, a 4-byte big-endian
// length and the part's bytes.
func encodeMultipart(parts [][]byte) []byte {
	size := 4
	for _, p := range parts {
		size += 4 + len(p)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf, uint32(len(parts)))
	off := 4
	for _, p := range parts {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(p)))
		off += 4
		copy(buf[off:], p)
		off += len(p)
	}
	return buf
}

// decodeMultipart is the inverse of encodeMultipart.
func decodeMultipart(buf []byte) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("transport: multipart buffer too short for count")
	}
	count := binary.BigEndian.Uint32(buf)
	off := 4
	parts := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("transport: multipart buffer truncated at part %d length", i)
		}
		l := binary.BigEndian.Uint32(buf[off:])
		off += 4
		if uint64(off)+uint64(l) > uint64(len(buf)) {
			return nil, fmt.Errorf("transport: multipart buffer truncated at part %d body", i)
		}
		part := make([]byte, l)
		copy(part, buf[off:off+int(l)])
		parts = append(parts, part)
		off += int(l)
	}
	return parts, nil
}

// writeRaw writes a length-prefixed plaintext blob to conn, with no
// encryption. Used only for the one-shot cleartext public-key exchange at
// connection setup.
func writeRaw(conn net.Conn, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// readRaw reads a length-prefixed plaintext blob from conn.
func readRaw(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
