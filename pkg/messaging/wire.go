package messaging

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolMagic prefaces every connection's byte stream so a recipient
// can validate that the sender is a shardmesh peer before it trusts
// anything else on the wire.
const ProtocolMagic uint32 = 0xCA552DFA

// CurrentVersion is the highest protocol version this build speaks.
const CurrentVersion int32 = 1

// ErrBadMagic describes a connection whose first four bytes don't match
// ProtocolMagic. The inbound reader does not return it: it closes such a
// connection without reporting an error.
var ErrBadMagic = fmt.Errorf("messaging: invalid protocol magic")

// packHeader builds the 32-bit connection header: version in bits
// 8-15, the stream flag at bit 3, the compressed flag at bit 2. The bit
// numbering is MSB-anchored, matching getBits below.
func packHeader(version int32, isStream, isCompressed bool) uint32 {
	var h uint32
	h = setBits(h, 15, 8, uint32(version))
	if isStream {
		h = setBits(h, 3, 1, 1)
	}
	if isCompressed {
		h = setBits(h, 2, 1, 1)
	}
	return h
}

// getBits extracts `count` bits from packed, with the range anchored so
// that `start` is the index of the range's most-significant bit. This
// mirrors the original Java implementation's
// `packed >>> (start+1-count) & ~(-1 << count)` exactly; writers
// (setBits) must use the identical convention or the two sides silently
// disagree about which bits mean what.
func getBits(packed uint32, start, count int) uint32 {
	shift := start + 1 - count
	mask := uint32(1)<<uint(count) - 1
	return (packed >> uint(shift)) & mask
}

func setBits(packed uint32, start, count int, value uint32) uint32 {
	shift := start + 1 - count
	mask := uint32(1)<<uint(count) - 1
	packed &^= mask << uint(shift)
	packed |= (value & mask) << uint(shift)
	return packed
}

func unpackVersion(header uint32) int32   { return int32(getBits(header, 15, 8)) }
func unpackIsStream(header uint32) bool   { return getBits(header, 3, 1) == 1 }
func unpackCompressed(header uint32) bool { return getBits(header, 2, 1) == 1 }

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeInt32(w io.Writer, v int32) error { return writeUint32(w, uint32(v)) }

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

// writeBytes writes a 32-bit big-endian length prefix followed by b,
// forming the length-prefixed envelope every payload and parameter
// value travels in -- this is what lets a reader skip an unknown-id
// reply without attempting to parse it.
func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// skipBytes discards a length-prefixed value without allocating a
// buffer for it; used when a RequestResponse/InternalResponse reply
// arrives for an id with no (or an expired) callback.
func skipBytes(r io.Reader) error {
	n, err := readUint32(r)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	_, err = io.CopyN(io.Discard, r, int64(n))
	return err
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
