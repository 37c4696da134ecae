package connection

import (
	"context"

	"github.com/ilpstream/stream/receipt"
	"github.com/ilpstream/stream/stream"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
	"github.com/ilpstream/stream/wire"
)

// HandlePrepare processes one inbound ILP Prepare destined for this
// connection (§4.F "Packet dispatch (inbound)"), returning exactly one of
// Fulfill or Reject. It is the function a streamserver.Pool or
// streamclient connection registers as the plugin's per-connection data
// handler.
func (c *Connection) HandlePrepare(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject) {
	plaintext, err := streamcrypto.Decrypt(c.encKey, prepare.Data)
	if err != nil {
		// §7: decode/decrypt failures never leak detail.
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF06UnexpectedPayment}
	}

	pkt, err := wire.Decode(plaintext)
	if err != nil {
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF99ApplicationError}
	}
	if pkt.Version != wire.Version {
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF99ApplicationError}
	}

	c.mu.Lock()
	if err := c.checkInboundSequence(pkt.Sequence); err != nil {
		c.mu.Unlock()
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF99ApplicationError}
	}

	// Separate control frames from money/data so control state (asset
	// details, windows, close) always applies even if money/data is later
	// rejected as a unit (§4.F steps 4-6).
	var moneyFrames []*wire.StreamMoneyFrame
	var dataFrames []*wire.StreamDataFrame
	var finalOffsetStreams []uint64
	for _, f := range pkt.Frames {
		switch fr := f.(type) {
		case *wire.ConnectionNewAddressFrame:
			// ignored and not stored; the server does not need the
			// client's source account to reply.
		case *wire.ConnectionAssetDetailsFrame:
			c.remoteAssetCode = fr.AssetCode
			c.remoteAssetScale = fr.AssetScale
			c.haveRemoteAsset = true
		case *wire.ConnectionMaxDataFrame:
			c.connMaxDataOut = fr.MaxOffset
		case *wire.ConnectionMaxStreamIDFrame:
			c.remoteMaxStreamID = fr.MaxStreamID
		case *wire.ConnectionCloseFrame:
			c.state = StateClosing
		case *wire.StreamMoneyFrame:
			moneyFrames = append(moneyFrames, fr)
		case *wire.StreamDataFrame:
			dataFrames = append(dataFrames, fr)
		case *wire.StreamCloseFrame:
			if fr.ErrorCode == wire.ErrorCodeNoError {
				// the peer's send side is done; mark end-of-stream once
				// this packet's own data frames have been reassembled,
				// not before (they may carry the final bytes).
				finalOffsetStreams = append(finalOffsetStreams, fr.StreamID)
			} else if s, ok := c.streams[fr.StreamID]; ok {
				s.CloseRemote(fr.ErrorCode, fr.Message)
			}
		}
	}

	// Step 5: apportion prepare.amount across contributing streams by
	// shares, atomically — any stream that would exceed its receiveMax
	// rejects the whole Prepare with no partial credit persisted.
	var totalShares uint64
	for _, mf := range moneyFrames {
		totalShares += mf.Shares
	}

	type credit struct {
		s      *stream.Stream
		amount uint64
	}
	var credits []credit
	var lowestID uint64
	haveLowest := false
	if totalShares > 0 {
		var allocated uint64
		for _, mf := range moneyFrames {
			s, _ := c.streamByID(mf.StreamID)
			portion := (prepare.Amount * mf.Shares) / totalShares
			allocated += portion
			credits = append(credits, credit{s: s, amount: portion})
			if !haveLowest || mf.StreamID < lowestID {
				lowestID = mf.StreamID
				haveLowest = true
			}
		}
		remainder := prepare.Amount - allocated
		if remainder > 0 {
			for i := range credits {
				if moneyFrames[i].StreamID == lowestID {
					credits[i].amount += remainder
					break
				}
			}
		}
	}

	var overflowedStream *stream.Stream
	for _, cr := range credits {
		if cr.s.WouldExceedReceiveMax(cr.amount) {
			overflowedStream = cr.s
			break
		}
	}
	if overflowedStream != nil {
		rejectBody := c.buildMaxMoneyRejectLocked(overflowedStream)
		c.mu.Unlock()
		return nil, rejectBody
	}

	// Step 6: reassemble data, rejecting the whole Prepare on connection-
	// level data-window overflow.
	var dataOverflow bool
	for _, df := range dataFrames {
		if uint64(len(df.Data)) > c.connMaxDataIn {
			dataOverflow = true
			break
		}
	}
	if dataOverflow {
		c.mu.Unlock()
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF99ApplicationError}
	}

	for _, cr := range credits {
		cr.s.CreditMoney(cr.amount)
	}
	for _, df := range dataFrames {
		s, _ := c.streamByID(df.StreamID)
		_ = s.PushIncomingData(df.Offset, df.Data)
	}
	for _, id := range finalOffsetStreams {
		if s, ok := c.streams[id]; ok {
			s.SetFinalIncomingOffset(s.IncomingOffset())
		}
	}

	respFrames := c.buildReplyFramesLocked()
	encKey := c.encKey
	fulfillKey := c.fulfillKey
	c.mu.Unlock()

	respPkt := wire.NewPacket(wire.IlpPacketTypeFulfill, pkt.Sequence, prepare.Amount, respFrames)
	respPlaintext := respPkt.Encode()
	respCiphertext, err := streamcrypto.Encrypt(encKey, respPlaintext)
	if err != nil {
		return nil, &streamplugin.Reject{Code: streamplugin.CodeT00InternalError}
	}

	fulfillment := streamcrypto.HMACSHA256(fulfillKey, prepare.Data)
	return &streamplugin.Fulfill{Fulfillment: toArray32(fulfillment), Data: respCiphertext}, nil
}

// buildMaxMoneyRejectLocked builds the F99 reject body reporting the
// overflowed stream's current cap (§4.F step 5). Caller holds c.mu.
func (c *Connection) buildMaxMoneyRejectLocked(s *stream.Stream) *streamplugin.Reject {
	frames := []wire.Frame{
		&wire.StreamMaxMoneyFrame{
			StreamID:      s.ID(),
			ReceiveMax:    s.ReceiveMax(),
			TotalReceived: s.TotalReceived(),
		},
	}
	pkt := wire.NewPacket(wire.IlpPacketTypeReject, c.inSequence, 0, frames)
	plaintext := pkt.Encode()
	ciphertext, err := streamcrypto.Encrypt(c.encKey, plaintext)
	if err != nil {
		return &streamplugin.Reject{Code: streamplugin.CodeT00InternalError}
	}
	return &streamplugin.Reject{Code: streamplugin.CodeF99ApplicationError, Data: ciphertext}
}

// buildReplyFramesLocked assembles the response control frames (§4.F step
// 7): asset details on first reply, current caps, and any fresh receipts.
// Caller holds c.mu.
func (c *Connection) buildReplyFramesLocked() []wire.Frame {
	var frames []wire.Frame
	if !c.announcedLocalAsset {
		frames = append(frames, &wire.ConnectionAssetDetailsFrame{AssetCode: c.localAssetCode, AssetScale: c.localAssetScale})
		c.announcedLocalAsset = true
	}
	for id, s := range c.streams {
		frames = append(frames, &wire.StreamMaxMoneyFrame{
			StreamID:      id,
			ReceiveMax:    s.ReceiveMax(),
			TotalReceived: s.TotalReceived(),
		})
		frames = append(frames, &wire.StreamMaxDataFrame{
			StreamID:  id,
			MaxOffset: s.LocalMaxOffset(),
		})
		if rf := c.buildReceiptFrameLocked(s); rf != nil {
			frames = append(frames, rf)
		}
	}
	return frames
}

// buildReceiptFrameLocked mints a fresh receipt proving s.TotalReceived()
// (§3 Receipt lifecycle: "created on receiver side on each successful
// fulfill ... attached to the next outgoing packet's StreamReceipt frame").
// Caller holds c.mu.
func (c *Connection) buildReceiptFrameLocked(s *stream.Stream) *wire.StreamReceiptFrame {
	nonce, err := c.nextReceiptNonceLocked()
	if err != nil {
		c.log.Warnf("receipt: minting nonce for stream %d: %v", s.ID(), err)
		return nil
	}
	key := c.receiptKeyFor(nonce)
	blob, err := receipt.Create(nonce, s.ID(), s.TotalReceived(), key)
	if err != nil {
		c.log.Warnf("receipt: creating for stream %d: %v", s.ID(), err)
		return nil
	}
	return &wire.StreamReceiptFrame{StreamID: s.ID(), Receipt: blob}
}

func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
