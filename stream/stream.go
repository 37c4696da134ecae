// Package stream implements per-stream state (§3 Stream, §4.E): send/receive
// accounting against caps, outgoing/incoming data queues, close-state
// tracking, and the observable events an application subscribes to.
//
// Grounded on stream/stream.go's Stream type (reader/writer goroutines,
// writeBuf/readBuf bytes.Buffer, onFlush/onAck/onRead/onWrite signal
// channels, StreamOpen/StreamClosing/StreamClosed state machine) — heavily
// adapted: the teacher moves bytes through a KV-store Put/Get polling loop
// under its own goroutines, where this Stream is purely passive state that
// a connection.Connection drives by calling PullOutgoingData/PushIncomingData
// and friends once per packet-build/packet-dispatch cycle. There is no
// stream-owned goroutine — avoiding the stream<->connection cyclic
// reference §9 warns about; the connection looks streams up by id in its
// own map instead of streams holding a back-pointer.
package stream

import (
	"bytes"
	"container/list"
	"errors"
	"sync"

	"github.com/ilpstream/stream/reassembly"
	"github.com/ilpstream/stream/wire"
)

// State is a stream's lifecycle stage (§3).
type State uint8

const (
	StateOpen State = iota
	StateSendClosed
	StateRecvClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateSendClosed:
		return "SendClosed"
	case StateRecvClosed:
		return "RecvClosed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseError records why a stream closed abnormally (§3 Stream.error).
type CloseError struct {
	Code    wire.ErrorCode
	Message string
}

func (e *CloseError) Error() string {
	return e.Code.String() + ": " + e.Message
}

// Unbounded is the sentinel meaning "no cap" for SendMax/ReceiveMax,
// represented on the wire as the maximum uint64 (§9 design notes).
const Unbounded = wire.MaxUInt64

var (
	// ErrClosed is returned by Write once the send side has closed.
	ErrClosed = errors.New("stream: closed")
)

// Stream is one bidirectional, multiplexed byte-and-money channel within a
// Connection (§3).
type Stream struct {
	mu sync.Mutex

	id uint64

	sendMax   uint64
	totalSent uint64
	totalDelivered uint64
	holds     uint64

	receiveMax    uint64
	totalReceived uint64

	outgoing        *list.List // reserved for future priority scheduling; current sends are FIFO via writeBuf
	outgoingOffset  uint64
	writeBuf        bytes.Buffer

	incoming        *reassembly.Reassembler
	readBuf         bytes.Buffer
	remoteMaxOffset uint64 // window the peer has told us we may send up to
	localMaxOffset  uint64 // window we have advertised to the peer

	sendState State
	recvState State
	closeErr  *CloseError

	receiptLatest []byte

	onMoneyReceived func(amount uint64)
	onMoneySent     func(amount uint64)
	onOutgoingSent  func(total uint64)
	onData          func()
	onEnd           func()
	onError         func(*CloseError)
}

// New creates a stream with the given id (parity already validated by the
// caller per §3's invariant). sendMax/receiveMax default to 0 (nothing
// permitted until the application raises them via SetSendMax/SetReceiveMax).
func New(id uint64) *Stream {
	return &Stream{
		id:        id,
		outgoing:  list.New(),
		incoming:  reassembly.New(),
		sendState: StateOpen,
		recvState: StateOpen,
	}
}

// ID returns the stream's id.
func (s *Stream) ID() uint64 { return s.id }

// --- application-facing event subscriptions ---

// OnMoneyReceived registers a callback fired each time inbound StreamMoney
// is credited to this stream.
func (s *Stream) OnMoneyReceived(fn func(amount uint64)) {
	s.mu.Lock()
	s.onMoneyReceived = fn
	s.mu.Unlock()
}

// OnMoneySent registers a callback fired each time a committed hold is
// confirmed delivered (fulfilled) on this stream.
func (s *Stream) OnMoneySent(fn func(amount uint64)) {
	s.mu.Lock()
	s.onMoneySent = fn
	s.mu.Unlock()
}

// OnOutgoingTotalSentChanged registers a callback fired with the new
// totalSent value whenever it changes.
func (s *Stream) OnOutgoingTotalSentChanged(fn func(total uint64)) {
	s.mu.Lock()
	s.onOutgoingSent = fn
	s.mu.Unlock()
}

// OnData registers a callback fired when new bytes become available to Read.
func (s *Stream) OnData(fn func()) {
	s.mu.Lock()
	s.onData = fn
	s.mu.Unlock()
}

// OnEnd registers a callback fired once the receive side reaches end-of-stream.
func (s *Stream) OnEnd(fn func()) {
	s.mu.Lock()
	s.onEnd = fn
	s.mu.Unlock()
}

// OnError registers a callback fired on abnormal close.
func (s *Stream) OnError(fn func(*CloseError)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// --- application-facing accessors ---

func (s *Stream) SetSendMax(n uint64) {
	s.mu.Lock()
	s.sendMax = n
	s.mu.Unlock()
}

func (s *Stream) SendMax() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendMax
}

func (s *Stream) SetReceiveMax(n uint64) {
	s.mu.Lock()
	s.receiveMax = n
	s.mu.Unlock()
}

func (s *Stream) ReceiveMax() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveMax
}

func (s *Stream) TotalSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSent
}

func (s *Stream) TotalDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDelivered
}

func (s *Stream) TotalReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalReceived
}

func (s *Stream) Receipt() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptLatest
}

// State returns the send- and receive-direction lifecycle stage.
func (s *Stream) State() (send, recv State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendState, s.recvState
}

// Write queues bytes to be sent; the connection pulls from this queue on
// its next packet-build pass (§4.F step 4).
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendState != StateOpen {
		return 0, ErrClosed
	}
	return s.writeBuf.Write(p)
}

// Read drains bytes the connection has reassembled from inbound StreamData.
// Returns (0, nil) rather than blocking when nothing is available yet; an
// application wanting blocking semantics layers that on top of OnData.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readBuf.Len() == 0 {
		if s.recvState == StateClosed || s.recvState == StateRecvClosed {
			return 0, ErrClosed
		}
		return 0, nil
	}
	return s.readBuf.Read(p)
}

// Close gracefully closes the send side: no more Writes are accepted, but
// data already queued will still be drained by the connection before a
// StreamClose is emitted (§4.F close).
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendState == StateOpen {
		s.sendState = StateSendClosed
	}
	s.maybeFullyCloseLocked()
}

// Destroy abruptly closes both directions and surfaces err via OnError.
func (s *Stream) Destroy(err *CloseError) {
	s.mu.Lock()
	s.sendState = StateClosed
	s.recvState = StateClosed
	s.closeErr = err
	cb := s.onError
	s.mu.Unlock()
	if cb != nil && err != nil {
		cb(err)
	}
}

func (s *Stream) maybeFullyCloseLocked() {
	if s.sendState != StateOpen && s.recvState != StateOpen && s.holds == 0 {
		s.sendState = StateClosed
		s.recvState = StateClosed
	}
}

// --- connection-facing: outgoing money ---

// PendingSendAmount returns how much more this stream wants to send right
// now: min(sendMax - totalSent - holds, Unbounded). Used by the connection
// to compute each stream's share weight when apportioning a packet (§4.F
// step 3, §9 shares).
func (s *Stream) PendingSendAmount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendMax == Unbounded {
		return Unbounded
	}
	committed := s.totalSent + s.holds
	if committed >= s.sendMax {
		return 0
	}
	return s.sendMax - committed
}

// CommitHold records amount as in-flight against this stream's sendMax,
// called when a Prepare carrying a StreamMoney for this stream is
// dispatched (§3 Stream.holds).
func (s *Stream) CommitHold(amount uint64) {
	s.mu.Lock()
	s.holds += amount
	s.mu.Unlock()
}

// ReleaseHold undoes CommitHold on Reject, without crediting totalSent.
func (s *Stream) ReleaseHold(amount uint64) {
	s.mu.Lock()
	if amount > s.holds {
		amount = s.holds
	}
	s.holds -= amount
	s.maybeFullyCloseLocked()
	s.mu.Unlock()
}

// ConfirmSent moves a hold into totalSent/totalDelivered on Fulfill.
func (s *Stream) ConfirmSent(sentAmount, deliveredAmount uint64) {
	s.mu.Lock()
	if sentAmount > s.holds {
		sentAmount = s.holds
	}
	s.holds -= sentAmount
	s.totalSent += sentAmount
	s.totalDelivered += deliveredAmount
	sentCb, totalCb := s.onMoneySent, s.onOutgoingSent
	total := s.totalSent
	s.maybeFullyCloseLocked()
	s.mu.Unlock()
	if sentCb != nil {
		sentCb(sentAmount)
	}
	if totalCb != nil {
		totalCb(total)
	}
}

// --- connection-facing: inbound money ---

// WouldExceedReceiveMax reports whether crediting amount more would push
// totalReceived above receiveMax, without mutating state. The connection
// calls this for every stream touched by a Prepare before committing any of
// them, so a single overflowing stream rejects the whole packet atomically
// (§4.F step 5, §8 property 5).
func (s *Stream) WouldExceedReceiveMax(amount uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiveMax == Unbounded {
		return false
	}
	return s.totalReceived+amount > s.receiveMax
}

// CreditMoney applies validated inbound money. Callers must have already
// checked WouldExceedReceiveMax for every stream in the same packet.
func (s *Stream) CreditMoney(amount uint64) {
	s.mu.Lock()
	s.totalReceived += amount
	cb := s.onMoneyReceived
	s.mu.Unlock()
	if cb != nil && amount > 0 {
		cb(amount)
	}
}

// SetReceipt records the latest receipt observed/emitted for this stream.
// Monotonicity (§3, §8 property 4) is enforced by the caller, which only
// ever calls this with a receipt whose decoded totalReceived is >= the
// previous one.
func (s *Stream) SetReceipt(blob []byte) {
	s.mu.Lock()
	s.receiptLatest = blob
	s.mu.Unlock()
}

// --- connection-facing: outgoing data ---

// PullOutgoingData removes up to maxLen bytes from the front of the write
// queue and returns them along with their offset, assigning the next
// monotonically increasing offset (§4.F step 4, §5 "offsets assigned
// monotonically on send").
func (s *Stream) PullOutgoingData(maxLen int) (offset uint64, data []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeBuf.Len() == 0 || maxLen <= 0 {
		return 0, nil, false
	}
	n := s.writeBuf.Len()
	if n > maxLen {
		n = maxLen
	}
	buf := make([]byte, n)
	_, _ = s.writeBuf.Read(buf)
	off := s.outgoingOffset
	s.outgoingOffset += uint64(n)
	return off, buf, true
}

// HasOutgoingData reports whether bytes remain queued to send.
func (s *Stream) HasOutgoingData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBuf.Len() > 0
}

// FinalOffset returns the offset one past the last byte that will ever be
// sent, valid only once the send side has closed and its write queue is
// drained. The StreamClose frame the connection sends does not carry it.
func (s *Stream) FinalOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoingOffset
}

func (s *Stream) SendClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendState != StateOpen
}

// SetRemoteMaxOffset records the data-offset window the peer has advertised
// for this stream (StreamMaxData).
func (s *Stream) SetRemoteMaxOffset(max uint64) {
	s.mu.Lock()
	if max > s.remoteMaxOffset {
		s.remoteMaxOffset = max
	}
	s.mu.Unlock()
}

func (s *Stream) RemoteMaxOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteMaxOffset
}

// SetLocalMaxOffset records the window we intend to advertise to the peer.
func (s *Stream) SetLocalMaxOffset(max uint64) {
	s.mu.Lock()
	s.localMaxOffset = max
	s.mu.Unlock()
}

func (s *Stream) LocalMaxOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localMaxOffset
}

// --- connection-facing: inbound data ---

// PushIncomingData reassembles an inbound StreamData chunk and drains any
// newly-contiguous bytes into the application-facing read buffer.
func (s *Stream) PushIncomingData(offset uint64, data []byte) error {
	s.mu.Lock()
	if err := s.incoming.Push(data, offset); err != nil {
		s.mu.Unlock()
		return err
	}
	drained := false
	for {
		chunk, ok := s.incoming.Read()
		if !ok {
			break
		}
		s.readBuf.Write(chunk)
		drained = true
	}
	dataCb := s.onData
	endCb := s.onEnd
	done := s.incoming.Done()
	if done {
		s.recvState = StateClosed
	}
	s.mu.Unlock()

	if drained && dataCb != nil {
		dataCb()
	}
	if done && endCb != nil {
		endCb()
	}
	return nil
}

// IncomingOffset returns the highest contiguous offset reassembled so far,
// used by the connection to mark end-of-stream once it knows no further
// data will follow a StreamClose carrying no error.
func (s *Stream) IncomingOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming.ReadOffset()
}

// SetFinalIncomingOffset marks the known end of the inbound byte stream
// (learned via a StreamClose carrying the final offset).
func (s *Stream) SetFinalIncomingOffset(offset uint64) {
	s.mu.Lock()
	s.incoming.SetEndOffset(offset)
	done := s.incoming.Done()
	endCb := s.onEnd
	if done {
		s.recvState = StateClosed
	}
	s.mu.Unlock()
	if done && endCb != nil {
		endCb()
	}
}

// CloseRemote records that the peer closed this stream, optionally with an
// error, and tears down both directions once any pending holds clear.
func (s *Stream) CloseRemote(code wire.ErrorCode, message string) {
	s.mu.Lock()
	s.recvState = StateClosed
	if code != wire.ErrorCodeNoError {
		s.closeErr = &CloseError{Code: code, Message: message}
	}
	s.maybeFullyCloseLocked()
	errCb := s.onError
	ce := s.closeErr
	s.mu.Unlock()
	if errCb != nil && ce != nil {
		errCb(ce)
	}
}

// Closed reports whether both directions have fully closed with no pending
// holds (§3 Stream lifecycle: "destroyed when both directions closed and no
// pending holds").
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendState == StateClosed && s.recvState == StateClosed && s.holds == 0
}
