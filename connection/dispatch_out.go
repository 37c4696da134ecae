package connection

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/ilpstream/stream/receipt"
	"github.com/ilpstream/stream/stream"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
	"github.com/ilpstream/stream/wire"
)

// ErrBusy is returned by Send when a Prepare is already outstanding (§5,
// §8 property 7: at most one in-flight Prepare per connection).
var ErrBusy = errors.New("connection: a Prepare is already in flight")

// outcome records the per-stream effects of one built packet so they can be
// unwound (on Reject/error) or finalized (on Fulfill) once the response
// arrives.
type outcome struct {
	moneyHolds map[uint64]uint64 // streamID -> amount committed this packet
	shares     map[uint64]uint64 // streamID -> share value used for this packet
}

// rejectedError wraps a classified ILP Reject outcome.
type rejectedError struct {
	code  streamplugin.RejectCode
	retry bool
}

func (e *rejectedError) Error() string { return "connection: rejected " + string(e.code) }

// Send drives one outbound send-loop iteration (§4.F "Packet dispatch
// (outbound)"). It blocks for the Fulfill/Reject and applies retry policy
// internally, returning once the packet is durably accepted, permanently
// rejected, or the retry budget is exhausted.
func (c *Connection) Send(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		err := c.sendOnePacket(ctx)
		if err == nil {
			return nil
		}
		var rj *rejectedError
		if errors.As(err, &rj) && rj.retry && c.retry.shouldRetry(attempt) {
			c.metrics.Retry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retry.delayFor(attempt)):
			}
			continue
		}
		return err
	}
}

// sendOnePacket builds and dispatches exactly one Prepare with no enforced
// minimum source amount, enforcing the single-in-flight invariant.
func (c *Connection) sendOnePacket(ctx context.Context) error {
	return c.sendOnePacketMin(ctx, 0)
}

// sendOnePacketMin is sendOnePacket with a floor on the Prepare's source
// amount, used by Probe to force a nonzero test amount through the path even
// when no stream currently has money pending (§4.F "Exchange-rate probing":
// probe packets carry small source amounts independent of any app-level
// send).
func (c *Connection) sendOnePacketMin(ctx context.Context, minAmount uint64) error {
	c.mu.Lock()
	if c.inFlight != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	seq, err := c.nextOutSequence()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.inFlight = &pendingPrepare{sequence: seq}
	c.metrics.InFlight(true)

	pkt, oc, amount := c.buildPacketLocked(seq, minAmount)
	expiresAt := c.getExpiry()
	fulfillKey := c.fulfillKey
	encKey := c.encKey
	packetSize := c.targetPacketSize
	noPadding := c.noPadding
	c.mu.Unlock()

	if !noPadding {
		pkt.PadTo(packetSize)
	}
	plaintext := pkt.Encode()
	ciphertext, err := streamcrypto.Encrypt(encKey, plaintext)
	if err != nil {
		c.mu.Lock()
		c.inFlight = nil
		c.releaseHoldsLocked(oc)
		c.mu.Unlock()
		return err
	}
	condition := conditionFor(fulfillKey, ciphertext)

	prepare := &streamplugin.Prepare{
		Destination:        c.destAccount,
		Amount:             amount,
		ExecutionCondition: condition,
		ExpiresAt:          expiresAt,
		Data:               ciphertext,
	}

	fulfill, reject, err := c.plugin.SendData(ctx, prepare)

	c.mu.Lock()
	c.inFlight = nil
	c.metrics.InFlight(false)
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		c.releaseHoldsLocked(oc)
		c.mu.Unlock()
		return err
	}
	if reject != nil {
		return c.handleReject(reject, oc)
	}
	if fulfill != nil {
		return c.handleFulfill(fulfill, oc, amount)
	}
	c.mu.Lock()
	c.releaseHoldsLocked(oc)
	c.mu.Unlock()
	return errors.New("connection: plugin returned neither fulfill nor reject")
}

// conditionFor computes condition = SHA256(HMAC(fulfillment_key, ciphertext))
// directly from the already-derived fulfillment key (§4.A), since
// streamcrypto.Condition/Fulfillment take the raw shared secret and derive
// the key themselves — a connection keeps only the derived key around.
func conditionFor(fulfillKey, ciphertext []byte) [32]byte {
	return sha256Sum(streamcrypto.HMACSHA256(fulfillKey, ciphertext))
}

// buildPacketLocked apportions the amount to send across streams and fills
// remaining capacity with data frames (§4.F outbound steps 2-4). minAmount
// floors the declared source amount even when no stream has money pending,
// for probe packets (§4.F "Exchange-rate probing"). Caller holds c.mu.
func (c *Connection) buildPacketLocked(seq uint64, minAmount uint64) (*wire.Packet, *outcome, uint64) {
	oc := &outcome{moneyHolds: map[uint64]uint64{}, shares: map[uint64]uint64{}}

	var streamIDs []uint64
	var shares []uint64
	var totalPending uint64
	for id, s := range c.streams {
		pending := s.PendingSendAmount()
		if pending == 0 {
			continue
		}
		if pending == stream.Unbounded {
			pending = c.cong.ceiling()
		}
		streamIDs = append(streamIDs, id)
		shares = append(shares, pending)
		oc.shares[id] = pending
		totalPending += pending
	}

	amount := minUint64(maxUint64(totalPending, minAmount), c.maxPacketAmount, c.cong.ceiling())

	allocation := c.allocator.Allocate(amount, streamIDs, shares)

	var frames []wire.Frame
	for _, id := range streamIDs {
		portion := allocation[id]
		if portion == 0 {
			continue
		}
		c.streams[id].CommitHold(portion)
		oc.moneyHolds[id] = portion
		frames = append(frames, &wire.StreamMoneyFrame{StreamID: id, Shares: oc.shares[id]})
	}

	if !c.announcedLocalAsset {
		frames = append(frames, &wire.ConnectionNewAddressFrame{SourceAccount: c.sourceAccount})
		frames = append(frames, &wire.ConnectionAssetDetailsFrame{AssetCode: c.localAssetCode, AssetScale: c.localAssetScale})
		c.announcedLocalAsset = true
	}

	remaining := c.targetPacketSize - streamcrypto.Overhead - estimateFrameSize(frames)
	for id, s := range c.streams {
		if remaining <= 0 {
			break
		}
		if !s.HasOutgoingData() {
			continue
		}
		off, data, ok := s.PullOutgoingData(remaining)
		if !ok || len(data) == 0 {
			continue
		}
		frames = append(frames, &wire.StreamDataFrame{StreamID: id, Offset: off, Data: data})
		remaining -= len(data) + 16
	}

	// Once a stream's send side is closed and its write queue is fully
	// drained, tell the peer exactly once so it can mark end-of-stream
	// (§4.F close).
	for id, s := range c.streams {
		if !s.SendClosed() || s.HasOutgoingData() || c.closeFrameSent[id] {
			continue
		}
		frames = append(frames, &wire.StreamCloseFrame{StreamID: id, ErrorCode: wire.ErrorCodeNoError})
		c.closeFrameSent[id] = true
	}

	pkt := wire.NewPacket(wire.IlpPacketTypePrepare, seq, amount, frames)
	return pkt, oc, amount
}

func (c *Connection) releaseHoldsLocked(oc *outcome) {
	for id, amt := range oc.moneyHolds {
		if s, ok := c.streams[id]; ok {
			s.ReleaseHold(amt)
		}
	}
}

func (c *Connection) handleFulfill(fulfill *streamplugin.Fulfill, oc *outcome, sentAmount uint64) error {
	plaintext, err := streamcrypto.Decrypt(c.encKey, fulfill.Data)
	var delivered uint64
	if err == nil {
		if resp, perr := wire.Decode(plaintext); perr == nil {
			delivered = resp.PrepareAmount
			c.applyResponseFrames(resp.Frames)
		}
	}

	c.mu.Lock()
	for id, amt := range oc.moneyHolds {
		if s, ok := c.streams[id]; ok {
			portionDelivered := uint64(0)
			if sentAmount > 0 {
				portionDelivered = (amt * delivered) / sentAmount
			}
			s.ConfirmSent(amt, portionDelivered)
		}
	}
	c.totalSentAllStreams += sentAmount
	c.totalDeliveredAllStreams += delivered
	c.recordExchangeSample(sentAmount, delivered)
	c.cong.onFulfillSuccess()
	c.metrics.Fulfill()
	c.metrics.CongestionWindow(c.cong.ceiling())
	c.metrics.ExchangeRate(c.exchangeRate)
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleReject(reject *streamplugin.Reject, oc *outcome) error {
	c.mu.Lock()
	c.releaseHoldsLocked(oc)
	c.metrics.Reject(string(reject.Code))

	switch reject.Code {
	case streamplugin.CodeF08AmountTooLarge:
		if max, ok := parseMaxAmountHint(reject.Data); ok {
			c.maxPacketAmount = max
		}
		c.cong.onAmountTooLarge()
		c.metrics.CongestionWindow(c.cong.ceiling())
		c.mu.Unlock()
		return &rejectedError{code: reject.Code, retry: true}
	case streamplugin.CodeF99ApplicationError:
		if plaintext, err := streamcrypto.Decrypt(c.encKey, reject.Data); err == nil {
			if resp, perr := wire.Decode(plaintext); perr == nil {
				c.applyResponseFramesLocked(resp.Frames)
			}
		}
		c.mu.Unlock()
		return &rejectedError{code: reject.Code, retry: true}
	default:
		retry := reject.Code.Retryable()
		c.mu.Unlock()
		if !retry {
			c.Destroy(errors.New(string(reject.Code) + ": " + reject.Message))
		}
		return &rejectedError{code: reject.Code, retry: retry}
	}
}

func (c *Connection) applyResponseFrames(frames []wire.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyResponseFramesLocked(frames)
}

func (c *Connection) applyResponseFramesLocked(frames []wire.Frame) {
	for _, f := range frames {
		switch fr := f.(type) {
		case *wire.StreamMaxMoneyFrame:
			if s, ok := c.streams[fr.StreamID]; ok {
				s.SetSendMax(minUint64NoZero(s.SendMax(), fr.ReceiveMax))
			}
		case *wire.StreamMaxDataFrame:
			if s, ok := c.streams[fr.StreamID]; ok {
				s.SetRemoteMaxOffset(fr.MaxOffset)
			}
		case *wire.ConnectionAssetDetailsFrame:
			c.remoteAssetCode = fr.AssetCode
			c.remoteAssetScale = fr.AssetScale
			c.haveRemoteAsset = true
		case *wire.ConnectionMaxDataFrame:
			c.connMaxDataOut = fr.MaxOffset
		case *wire.StreamReceiptFrame:
			if s, ok := c.streams[fr.StreamID]; ok {
				c.applyReceiptLocked(s, fr.Receipt)
			}
		}
	}
}

// applyReceiptLocked records fr.Receipt on s only if its decoded
// totalReceived is not less than the one already held, enforcing §8
// property 4's receipt monotonicity. Caller holds c.mu.
func (c *Connection) applyReceiptLocked(s *stream.Stream, blob []byte) {
	decoded, err := receipt.Decode(blob)
	if err != nil {
		return
	}
	if prev := s.Receipt(); prev != nil {
		if prevDecoded, err := receipt.Decode(prev); err == nil && decoded.TotalReceived < prevDecoded.TotalReceived {
			return
		}
	}
	s.SetReceipt(blob)
}

func parseMaxAmountHint(data []byte) (uint64, bool) {
	if len(data) < 16 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data[8:16]), true
}

func estimateFrameSize(frames []wire.Frame) int {
	var buf bytes.Buffer
	for _, f := range frames {
		wire.EncodeFrame(&buf, f)
	}
	return buf.Len()
}

func minUint64(vals ...uint64) uint64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minUint64NoZero(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
