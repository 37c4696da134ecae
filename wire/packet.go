package wire

import (
	"bytes"
	"errors"
)

// IlpPacketType identifies which ILP packet carried this STREAM packet.
type IlpPacketType uint8

const (
	IlpPacketTypePrepare IlpPacketType = 12
	IlpPacketTypeFulfill IlpPacketType = 13
	IlpPacketTypeReject  IlpPacketType = 14
)

// Version is the only STREAM wire version this codec understands.
const Version uint8 = 1

// ErrUnsupportedVersion is returned by Decode when the version byte isn't 1.
var ErrUnsupportedVersion = errors.New("wire: unsupported STREAM version")

// Packet is the plaintext STREAM packet prior to encryption (§3, §4.B).
type Packet struct {
	Version       uint8
	IlpPacketType IlpPacketType
	Sequence      uint64
	PrepareAmount uint64
	Frames        []Frame
}

// NewPacket builds a version-1 packet for the given ILP packet type.
func NewPacket(ilpType IlpPacketType, sequence, prepareAmount uint64, frames []Frame) *Packet {
	return &Packet{
		Version:       Version,
		IlpPacketType: ilpType,
		Sequence:      sequence,
		PrepareAmount: prepareAmount,
		Frames:        frames,
	}
}

// Encode serializes the packet header followed by each frame, in order:
// [u8 version][u8 ilpPacketType][var-uint sequence][var-uint prepareAmount]
// [var-uint numFrames] frames...
func (p *Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(p.Version)
	buf.WriteByte(byte(p.IlpPacketType))
	WriteVarUInt(&buf, p.Sequence)
	WriteVarUInt(&buf, p.PrepareAmount)
	WriteVarUInt(&buf, uint64(len(p.Frames)))
	for _, f := range p.Frames {
		EncodeFrame(&buf, f)
	}
	return buf.Bytes()
}

// Decode parses a packet previously produced by Encode. A version mismatch
// fails immediately (§4.B: "Version mismatches fail the packet with
// FrameFormatError for the caller"); unrecognized frame types are carried
// through as *UnknownFrame rather than failing the whole packet.
func Decode(data []byte) (*Packet, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	if version != Version {
		return nil, ErrUnsupportedVersion
	}
	ilpType, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	sequence, err := ReadVarUInt(r)
	if err != nil {
		return nil, err
	}
	prepareAmount, err := ReadVarUInt(r)
	if err != nil {
		return nil, err
	}
	numFrames, err := ReadVarUInt(r)
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, 0, numFrames)
	for i := uint64(0); i < numFrames; i++ {
		f, err := DecodeFrame(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}

	return &Packet{
		Version:       version,
		IlpPacketType: IlpPacketType(ilpType),
		Sequence:      sequence,
		PrepareAmount: prepareAmount,
		Frames:        frames,
	}, nil
}

// PadTo appends a PaddingFrame carrying zero bytes so the encoded packet's
// total length reaches at least targetSize, obscuring the packet's true
// content length before encryption (§4.B). If the packet already encodes to
// targetSize or larger, PadTo is a no-op.
func (p *Packet) PadTo(targetSize int) {
	current := len(p.Encode())
	if current >= targetSize {
		return
	}
	// Account for the padding frame's own envelope overhead (type byte +
	// length prefix) when sizing the payload so the final encoding lands
	// as close to targetSize as a single frame allows.
	deficit := targetSize - current
	overhead := 2 // type byte + short-form length prefix, the common case
	if deficit < overhead {
		deficit = overhead
	}
	p.Frames = append(p.Frames, &PaddingFrame{Data: make([]byte, deficit-overhead)})
}
