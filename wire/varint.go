// Package wire implements the STREAM version-1 packet and frame codec:
// OER-style variable-length integers and length-prefixed octet strings, the
// frame catalog of §4.B, and the packet header/body layout, including the
// parse-unknown-skip rule that keeps the wire format forward compatible.
package wire

import (
	"bytes"
	"errors"
	"io"
)

// ErrVarUIntOverflow is returned when a decoded var-uint would not fit in a
// uint64 (more than 8 significant bytes).
var ErrVarUIntOverflow = errors.New("wire: var-uint exceeds 64 bits")

// ErrTruncated is returned whenever a read runs past the end of the buffer.
var ErrTruncated = errors.New("wire: truncated frame or packet")

// writeLengthPrefix writes an OER/BER-style length: short form (a single
// byte, high bit clear) for lengths below 128, long form (a byte with the
// high bit set encoding how many following bytes hold the big-endian
// length) otherwise.
func writeLengthPrefix(buf *bytes.Buffer, length int) {
	if length < 0x80 {
		buf.WriteByte(byte(length))
		return
	}
	var lb []byte
	n := length
	for n > 0 {
		lb = append([]byte{byte(n & 0xFF)}, lb...)
		n >>= 8
	}
	buf.WriteByte(0x80 | byte(len(lb)))
	buf.Write(lb)
}

func readLengthPrefix(r *bytes.Reader) (int, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, ErrTruncated
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	n := int(first &^ 0x80)
	if n > 8 {
		return 0, ErrVarUIntOverflow
	}
	length := 0
	for i := 0; i < n; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrTruncated
		}
		length = (length << 8) | int(b)
	}
	return length, nil
}

// WriteVarUInt writes value as a length-prefixed, minimal big-endian octet
// string (the OER var-uint the wire format uses for sequence numbers,
// amounts, offsets, shares, and all other integer fields).
func WriteVarUInt(buf *bytes.Buffer, value uint64) {
	b := minimalBigEndian(value)
	writeLengthPrefix(buf, len(b))
	buf.Write(b)
}

func minimalBigEndian(value uint64) []byte {
	if value == 0 {
		return []byte{0}
	}
	var b []byte
	for value > 0 {
		b = append([]byte{byte(value & 0xFF)}, b...)
		value >>= 8
	}
	return b
}

// ReadVarUInt reads a var-uint previously written by WriteVarUInt.
func ReadVarUInt(r *bytes.Reader) (uint64, error) {
	length, err := readLengthPrefix(r)
	if err != nil {
		return 0, err
	}
	if length > 8 {
		return 0, ErrVarUIntOverflow
	}
	var value uint64
	for i := 0; i < length; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, ErrTruncated
		}
		value = (value << 8) | uint64(b)
	}
	return value, nil
}

// WriteVarOctetString writes a length-prefixed octet string: the contents
// mechanism used for frame payloads, addresses, messages, and StreamData.
func WriteVarOctetString(buf *bytes.Buffer, data []byte) {
	writeLengthPrefix(buf, len(data))
	buf.Write(data)
}

// ReadVarOctetString reads a value written by WriteVarOctetString.
func ReadVarOctetString(r *bytes.Reader) ([]byte, error) {
	length, err := readLengthPrefix(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}
	out := make([]byte, length)
	n, err := io.ReadFull(r, out)
	if err != nil || n != length {
		return nil, ErrTruncated
	}
	return out, nil
}

// WriteVarString writes a UTF-8 string as a var octet string.
func WriteVarString(buf *bytes.Buffer, s string) {
	WriteVarOctetString(buf, []byte(s))
}

// ReadVarString reads a value written by WriteVarString.
func ReadVarString(r *bytes.Reader) (string, error) {
	b, err := ReadVarOctetString(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
