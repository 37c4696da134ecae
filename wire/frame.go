package wire

import (
	"bytes"
	"math"
)

// FrameType is the wire type byte identifying a frame's contents (§4.B).
type FrameType byte

const (
	FrameTypePadding                   FrameType = 0x00
	FrameTypeConnectionClose           FrameType = 0x01
	FrameTypeConnectionNewAddress      FrameType = 0x02
	FrameTypeConnectionMaxData         FrameType = 0x03
	FrameTypeConnectionDataBlocked     FrameType = 0x04
	FrameTypeConnectionMaxStreamID     FrameType = 0x05
	FrameTypeConnectionStreamIDBlocked FrameType = 0x06
	FrameTypeConnectionAssetDetails    FrameType = 0x07
	FrameTypeStreamClose               FrameType = 0x10
	FrameTypeStreamMoney               FrameType = 0x11
	FrameTypeStreamMaxMoney            FrameType = 0x12
	FrameTypeStreamMoneyBlocked        FrameType = 0x13
	FrameTypeStreamData                FrameType = 0x14
	FrameTypeStreamMaxData             FrameType = 0x15
	FrameTypeStreamDataBlocked         FrameType = 0x16
	FrameTypeStreamReceipt             FrameType = 0x17
)

// MaxUInt64 is the sentinel the wire uses to represent "unbounded" for
// receiveMax and similar fields (§9 design notes).
const MaxUInt64 = math.MaxUint64

// Frame is any value that can be placed in a Packet's frame list. Concrete
// frame types implement encodeContents to serialize only their payload;
// the envelope (type byte + length-prefixed contents) is added uniformly
// by EncodeFrame.
type Frame interface {
	Type() FrameType
	encodeContents(buf *bytes.Buffer)
}

// ---- Connection-level frames ----

type ConnectionCloseFrame struct {
	ErrorCode ErrorCode
	Message   string
}

func (f *ConnectionCloseFrame) Type() FrameType { return FrameTypeConnectionClose }
func (f *ConnectionCloseFrame) encodeContents(buf *bytes.Buffer) {
	buf.WriteByte(byte(f.ErrorCode))
	WriteVarString(buf, f.Message)
}

type ConnectionNewAddressFrame struct {
	SourceAccount string
}

func (f *ConnectionNewAddressFrame) Type() FrameType { return FrameTypeConnectionNewAddress }
func (f *ConnectionNewAddressFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarString(buf, f.SourceAccount)
}

type ConnectionMaxDataFrame struct {
	MaxOffset uint64
}

func (f *ConnectionMaxDataFrame) Type() FrameType { return FrameTypeConnectionMaxData }
func (f *ConnectionMaxDataFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.MaxOffset)
}

type ConnectionDataBlockedFrame struct {
	MaxOffset uint64
}

func (f *ConnectionDataBlockedFrame) Type() FrameType { return FrameTypeConnectionDataBlocked }
func (f *ConnectionDataBlockedFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.MaxOffset)
}

type ConnectionMaxStreamIDFrame struct {
	MaxStreamID uint64
}

func (f *ConnectionMaxStreamIDFrame) Type() FrameType { return FrameTypeConnectionMaxStreamID }
func (f *ConnectionMaxStreamIDFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.MaxStreamID)
}

type ConnectionStreamIDBlockedFrame struct {
	MaxStreamID uint64
}

func (f *ConnectionStreamIDBlockedFrame) Type() FrameType {
	return FrameTypeConnectionStreamIDBlocked
}
func (f *ConnectionStreamIDBlockedFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.MaxStreamID)
}

type ConnectionAssetDetailsFrame struct {
	AssetCode  string
	AssetScale uint8
}

func (f *ConnectionAssetDetailsFrame) Type() FrameType { return FrameTypeConnectionAssetDetails }
func (f *ConnectionAssetDetailsFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarString(buf, f.AssetCode)
	buf.WriteByte(f.AssetScale)
}

// ---- Stream-level frames ----

type StreamCloseFrame struct {
	StreamID  uint64
	ErrorCode ErrorCode
	Message   string
}

func (f *StreamCloseFrame) Type() FrameType { return FrameTypeStreamClose }
func (f *StreamCloseFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	buf.WriteByte(byte(f.ErrorCode))
	WriteVarString(buf, f.Message)
}

type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

func (f *StreamMoneyFrame) Type() FrameType { return FrameTypeStreamMoney }
func (f *StreamMoneyFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.Shares)
}

type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64
	TotalReceived uint64
}

func (f *StreamMaxMoneyFrame) Type() FrameType { return FrameTypeStreamMaxMoney }
func (f *StreamMaxMoneyFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.ReceiveMax)
	WriteVarUInt(buf, f.TotalReceived)
}

type StreamMoneyBlockedFrame struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

func (f *StreamMoneyBlockedFrame) Type() FrameType { return FrameTypeStreamMoneyBlocked }
func (f *StreamMoneyBlockedFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.SendMax)
	WriteVarUInt(buf, f.TotalSent)
}

type StreamDataFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

func (f *StreamDataFrame) Type() FrameType { return FrameTypeStreamData }
func (f *StreamDataFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.Offset)
	WriteVarOctetString(buf, f.Data)
}

type StreamMaxDataFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamMaxDataFrame) Type() FrameType { return FrameTypeStreamMaxData }
func (f *StreamMaxDataFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.MaxOffset)
}

type StreamDataBlockedFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamDataBlockedFrame) Type() FrameType { return FrameTypeStreamDataBlocked }
func (f *StreamDataBlockedFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarUInt(buf, f.MaxOffset)
}

type StreamReceiptFrame struct {
	StreamID uint64
	Receipt  []byte
}

func (f *StreamReceiptFrame) Type() FrameType { return FrameTypeStreamReceipt }
func (f *StreamReceiptFrame) encodeContents(buf *bytes.Buffer) {
	WriteVarUInt(buf, f.StreamID)
	WriteVarOctetString(buf, f.Receipt)
}

// PaddingFrame carries opaque bytes used to obscure a packet's true length
// (§4.B). Its contents are never interpreted.
type PaddingFrame struct {
	Data []byte
}

func (f *PaddingFrame) Type() FrameType { return FrameTypePadding }
func (f *PaddingFrame) encodeContents(buf *bytes.Buffer) {
	buf.Write(f.Data)
}

// UnknownFrame is produced by DecodeFrame for any frame type this codec
// does not recognize. Per §4.B, unknown frames are parsed generically
// ([u8 type][varOctetString contents]) and skipped rather than rejected,
// which is the forward-compatibility rule §8 property 3 tests.
type UnknownFrame struct {
	RawType  FrameType
	Contents []byte
}

func (f *UnknownFrame) Type() FrameType { return f.RawType }
func (f *UnknownFrame) encodeContents(buf *bytes.Buffer) {
	buf.Write(f.Contents)
}

// EncodeFrame writes the frame envelope: [u8 type][varOctetString contents].
func EncodeFrame(buf *bytes.Buffer, f Frame) {
	var body bytes.Buffer
	f.encodeContents(&body)
	buf.WriteByte(byte(f.Type()))
	WriteVarOctetString(buf, body.Bytes())
}

// DecodeFrame reads one frame envelope and dispatches on its type byte.
// Recognized types are fully parsed into their concrete struct; unrecognized
// types come back as *UnknownFrame with their raw contents preserved, per
// the parse-unknown-skip rule — this never returns an error purely because
// the type byte is unrecognized.
func DecodeFrame(r *bytes.Reader) (Frame, error) {
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, ErrTruncated
	}
	contents, err := ReadVarOctetString(r)
	if err != nil {
		return nil, err
	}
	ft := FrameType(typeByte)
	cr := bytes.NewReader(contents)

	switch ft {
	case FrameTypePadding:
		return &PaddingFrame{Data: contents}, nil
	case FrameTypeConnectionClose:
		code, err := cr.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		msg, err := ReadVarString(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionCloseFrame{ErrorCode: ErrorCode(code), Message: msg}, nil
	case FrameTypeConnectionNewAddress:
		addr, err := ReadVarString(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionNewAddressFrame{SourceAccount: addr}, nil
	case FrameTypeConnectionMaxData:
		v, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxDataFrame{MaxOffset: v}, nil
	case FrameTypeConnectionDataBlocked:
		v, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionDataBlockedFrame{MaxOffset: v}, nil
	case FrameTypeConnectionMaxStreamID:
		v, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxStreamIDFrame{MaxStreamID: v}, nil
	case FrameTypeConnectionStreamIDBlocked:
		v, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &ConnectionStreamIDBlockedFrame{MaxStreamID: v}, nil
	case FrameTypeConnectionAssetDetails:
		code, err := ReadVarString(cr)
		if err != nil {
			return nil, err
		}
		scale, err := cr.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		return &ConnectionAssetDetailsFrame{AssetCode: code, AssetScale: scale}, nil
	case FrameTypeStreamClose:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		code, err := cr.ReadByte()
		if err != nil {
			return nil, ErrTruncated
		}
		msg, err := ReadVarString(cr)
		if err != nil {
			return nil, err
		}
		return &StreamCloseFrame{StreamID: sid, ErrorCode: ErrorCode(code), Message: msg}, nil
	case FrameTypeStreamMoney:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		shares, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &StreamMoneyFrame{StreamID: sid, Shares: shares}, nil
	case FrameTypeStreamMaxMoney:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		max, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		total, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &StreamMaxMoneyFrame{StreamID: sid, ReceiveMax: max, TotalReceived: total}, nil
	case FrameTypeStreamMoneyBlocked:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		sendMax, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		total, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &StreamMoneyBlockedFrame{StreamID: sid, SendMax: sendMax, TotalSent: total}, nil
	case FrameTypeStreamData:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		offset, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		data, err := ReadVarOctetString(cr)
		if err != nil {
			return nil, err
		}
		return &StreamDataFrame{StreamID: sid, Offset: offset, Data: data}, nil
	case FrameTypeStreamMaxData:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		max, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &StreamMaxDataFrame{StreamID: sid, MaxOffset: max}, nil
	case FrameTypeStreamDataBlocked:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		max, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		return &StreamDataBlockedFrame{StreamID: sid, MaxOffset: max}, nil
	case FrameTypeStreamReceipt:
		sid, err := ReadVarUInt(cr)
		if err != nil {
			return nil, err
		}
		receipt, err := ReadVarOctetString(cr)
		if err != nil {
			return nil, err
		}
		return &StreamReceiptFrame{StreamID: sid, Receipt: receipt}, nil
	default:
		return &UnknownFrame{RawType: ft, Contents: contents}, nil
	}
}
