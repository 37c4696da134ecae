// Package receipt implements the 58-byte STREAM receipt: an HMAC-signed,
// per-stream proof of the amount received so far (§4.C).
package receipt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const (
	// Size is the fixed, bit-exact length of an encoded receipt.
	Size = 58

	nonceSize  = 16
	macSize    = 32
	signedSize = Size - macSize // bytes [0..26), the portion the HMAC covers

	offsetVersion       = 0
	offsetNonce         = 1
	offsetStreamID      = offsetNonce + nonceSize // 17
	offsetTotalReceived = offsetStreamID + 1      // 18
	offsetMAC           = offsetTotalReceived + 8 // 26

	receiptVersion = 1
)

var (
	// ErrInvalidLength is returned when a blob isn't exactly Size bytes.
	ErrInvalidLength = errors.New("receipt: blob must be 58 bytes")
	// ErrInvalidNonce is returned by Create when nonce isn't 16 bytes.
	ErrInvalidNonce = errors.New("receipt: nonce must be 16 bytes")
	// ErrInvalidSecret is returned by Create when secret isn't 32 bytes.
	ErrInvalidSecret = errors.New("receipt: secret must be 32 bytes")
)

// Receipt is the decoded form of a 58-byte receipt blob.
type Receipt struct {
	Version       uint8
	Nonce         [nonceSize]byte
	StreamID      uint64
	TotalReceived uint64
}

// Create builds a 58-byte receipt.
//
// Open question (spec.md §9): the wire layout has only one byte at offset
// 17 for the stream id, while the receipt API elsewhere treats stream ids
// as full 64-bit values. This implementation takes option (a): the receipt
// only ever proves the low byte of streamId. Streams with id > 255 still
// receive correct StreamMaxMoney/StreamMoneyBlocked accounting (those
// frames carry the full var-uint stream id) — only the embedded receipt
// itself is limited to identifying streams 0-255, matching §8 scenario S1's
// fixture (streamId=1).
func Create(nonce []byte, streamID uint64, totalReceived uint64, secret []byte) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ErrInvalidNonce
	}
	if len(secret) != 32 {
		return nil, ErrInvalidSecret
	}

	buf := make([]byte, Size)
	buf[offsetVersion] = receiptVersion
	copy(buf[offsetNonce:offsetNonce+nonceSize], nonce)
	buf[offsetStreamID] = byte(streamID)
	binary.BigEndian.PutUint64(buf[offsetTotalReceived:offsetTotalReceived+8], totalReceived)

	mac := hmacOver(secret, buf[:signedSize])
	copy(buf[offsetMAC:], mac)
	return buf, nil
}

// Decode parses a 58-byte receipt blob without verifying its HMAC.
func Decode(blob []byte) (*Receipt, error) {
	if len(blob) != Size {
		return nil, ErrInvalidLength
	}
	r := &Receipt{
		Version:       blob[offsetVersion],
		StreamID:      uint64(blob[offsetStreamID]),
		TotalReceived: binary.BigEndian.Uint64(blob[offsetTotalReceived : offsetTotalReceived+8]),
	}
	copy(r.Nonce[:], blob[offsetNonce:offsetNonce+nonceSize])
	return r, nil
}

// Verify reports whether blob is a well-formed, correctly-signed receipt
// under secret. It returns false (never an error) on any length, version,
// or HMAC mismatch, matching §4.C's verify contract.
func Verify(blob []byte, secret []byte) bool {
	if len(blob) != Size || len(secret) != 32 {
		return false
	}
	if blob[offsetVersion] != receiptVersion {
		return false
	}
	expected := hmacOver(secret, blob[:signedSize])
	return hmac.Equal(expected, blob[offsetMAC:])
}

func hmacOver(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// DeriveKey computes receipt_key = hmac(receipt_secret, nonce) (§4.A), the
// per-nonce key Create/Verify actually sign under. receiptSecret is the
// receiving connection's receipt secret; nonce is the 16-byte value
// embedded in the receipt.
func DeriveKey(receiptSecret, nonce []byte) []byte {
	return hmacOver(receiptSecret, nonce)
}
