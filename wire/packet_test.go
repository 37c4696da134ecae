package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePacket() *Packet {
	return NewPacket(IlpPacketTypePrepare, 7, 1000, []Frame{
		&ConnectionNewAddressFrame{SourceAccount: "g.client.abc"},
		&ConnectionAssetDetailsFrame{AssetCode: "XRP", AssetScale: 9},
		&StreamMoneyFrame{StreamID: 1, Shares: 500},
		&StreamDataFrame{StreamID: 1, Offset: 0, Data: []byte("hello")},
	})
}

func TestPacketRoundTrip(t *testing.T) {
	p := samplePacket()
	encoded := p.Encode()

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	require.Equal(t, p.Version, decoded.Version)
	require.Equal(t, p.IlpPacketType, decoded.IlpPacketType)
	require.Equal(t, p.Sequence, decoded.Sequence)
	require.Equal(t, p.PrepareAmount, decoded.PrepareAmount)
	require.Len(t, decoded.Frames, len(p.Frames))

	for i, f := range p.Frames {
		require.Equal(t, f, decoded.Frames[i])
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	p := samplePacket()
	encoded := p.Encode()
	encoded[0] = 2
	_, err := Decode(encoded)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

// TestUnknownFrameSkip is §8 property 3: inserting an unrecognized frame
// type must not disturb the recognized frames around it, and decoding must
// not fail just because the type byte is unrecognized.
func TestUnknownFrameSkip(t *testing.T) {
	p := samplePacket()
	var buf bytes.Buffer
	buf.WriteByte(0xFE)
	WriteVarOctetString(&buf, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	unknownEncoded := buf.Bytes()

	unknownFrame, err := DecodeFrame(bytes.NewReader(unknownEncoded))
	require.NoError(t, err)

	withUnknown := &Packet{
		Version:       p.Version,
		IlpPacketType: p.IlpPacketType,
		Sequence:      p.Sequence,
		PrepareAmount: p.PrepareAmount,
		Frames:        append(append([]Frame{}, p.Frames[:2]...), append([]Frame{unknownFrame}, p.Frames[2:]...)...),
	}

	decoded, err := Decode(withUnknown.Encode())
	require.NoError(t, err)
	require.Len(t, decoded.Frames, len(p.Frames)+1)

	var recognized []Frame
	for _, f := range decoded.Frames {
		if _, ok := f.(*UnknownFrame); ok {
			continue
		}
		recognized = append(recognized, f)
	}
	require.Equal(t, p.Frames, recognized)
}

func TestPadToReachesTargetSize(t *testing.T) {
	p := NewPacket(IlpPacketTypePrepare, 1, 0, []Frame{
		&StreamDataFrame{StreamID: 1, Offset: 0, Data: []byte("x")},
	})
	p.PadTo(256)
	require.GreaterOrEqual(t, len(p.Encode()), 256)
}

func TestVarUIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 256, 65535, 65536, MaxUInt64}
	for _, v := range values {
		var buf bytes.Buffer
		WriteVarUInt(&buf, v)
		r := bytes.NewReader(buf.Bytes())
		got, err := ReadVarUInt(r)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestVarOctetStringRoundTripLongForm(t *testing.T) {
	data := bytes.Repeat([]byte{0x42}, 300)
	var buf bytes.Buffer
	WriteVarOctetString(&buf, data)
	r := bytes.NewReader(buf.Bytes())
	got, err := ReadVarOctetString(r)
	require.NoError(t, err)
	require.Equal(t, data, got)
}
