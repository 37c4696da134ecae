// Package connection implements the STREAM connection state machine (§3
// Connection, §4.F): sequence numbering, congestion control, MPPA discovery,
// exchange-rate probing, single-in-flight Prepare dispatch, and per-stream
// money/data scheduling.
//
// Grounded on client2/connection.go's connection type: a mutex-guarded
// struct with a background worker goroutine servicing a command channel,
// typed *ConnectError/*PKIError/*ProtocolError errors, and an
// exponential-backoff retry loop (doConnect) — adapted from a TCP/wire
// session handshake to an ILP Plugin-mediated Prepare/Fulfill/Reject
// exchange. Per §9's cyclic-reference warning, Connection never hands
// streams a back-pointer to itself: streams are looked up by id in
// Connection's own map and driven via explicit method calls.
package connection

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ilpstream/stream/internal/worker"
	"github.com/ilpstream/stream/receipt"
	"github.com/ilpstream/stream/stream"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
	"github.com/ilpstream/stream/wire"
)

func sha256Sum(b []byte) [32]byte { return sha256.Sum256(b) }

// State is the connection's lifecycle stage (§3 Connection.state).
type State uint8

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ConnectError reports a failure establishing the connection (§4.H, S2/S3/S4).
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("Error connecting: %v", e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ErrMinPrecisionNotMet is S2's exact rejection message.
var ErrMinPrecisionNotMet = errors.New(
	"Unable to establish connection, no packets meeting the minimum exchange precision of 3 digits made it through the path.")

// minPrecisionDigits is the exchange-rate threshold: the rate counts as
// established once at least this many fulfilled samples have been averaged
// and the average is positive. The significant digits of the rate itself
// are not measured.
const minPrecisionDigits = 3

// targetPacketSize is §4.F step 4's ~32 KiB packet capacity target.
const targetPacketSize = 32 * 1024

const defaultExpiry = 30 * time.Second

// CloseReason records why a connection closed (§3 Connection.close_reason).
type CloseReason struct {
	Code    wire.ErrorCode
	Message string
}

// Options configures a new Connection (§6 createConnection / server accept).
type Options struct {
	Plugin             streamplugin.Plugin
	IsServer           bool
	SourceAccount      string
	DestinationAccount string
	SharedSecret       *streamcrypto.Secret
	Slippage           float64
	GetExpiry          func() time.Time
	ConnectionTag      string
	AssetCode          string
	AssetScale         uint8

	// MaxRetries overrides the default retry budget (§4.F, §7) when
	// nonzero; set from streamconfig.File.MaxRetries by callers that load
	// operator configuration.
	MaxRetries int
	// TargetPacketSize overrides the default ~32 KiB packet capacity
	// target when nonzero; set from streamconfig.File.TargetPacketSize.
	TargetPacketSize int
	// NoPadding disables PadTo's length-obscuring padding frame, the
	// inverse of streamconfig.File.PadPackets.
	NoPadding bool

	// Metrics, when set, receives congestion/retry/exchange-rate
	// observations as the connection runs (streammetrics.Collector).
	Metrics MetricsSink

	Logger *log.Logger
}

// MetricsSink receives a connection's runtime observations. Satisfied by
// *streammetrics.Collector; connection never imports streammetrics directly
// to keep the dependency one-directional.
type MetricsSink interface {
	CongestionWindow(amount uint64)
	InFlight(active bool)
	ExchangeRate(rate float64)
	Retry()
	Fulfill()
	Reject(code string)
}

// noopMetrics discards every observation, used when Options.Metrics is nil
// so call sites never need a nil check.
type noopMetrics struct{}

func (noopMetrics) CongestionWindow(uint64) {}
func (noopMetrics) InFlight(bool)           {}
func (noopMetrics) ExchangeRate(float64)    {}
func (noopMetrics) Retry()                  {}
func (noopMetrics) Fulfill()                {}
func (noopMetrics) Reject(string)           {}

// Connection is one multiplexed STREAM session over a Plugin (§3).
type Connection struct {
	worker.Worker

	mu sync.Mutex

	plugin        streamplugin.Plugin
	isServer      bool
	sourceAccount string
	destAccount   string
	secret        *streamcrypto.Secret
	encKey        []byte
	fulfillKey    []byte
	slippage      float64
	getExpiry     func() time.Time
	connectionTag string

	localAssetCode      string
	localAssetScale     uint8
	remoteAssetCode     string
	remoteAssetScale    uint8
	haveRemoteAsset     bool
	announcedLocalAsset bool

	outSequence    uint64
	inSequence     uint64
	haveInboundSeq bool

	maxPacketAmount  uint64 // MPPA; math.MaxUint64 until F08 lowers it
	cong             *congestion
	retry            *retryPolicy
	allocator        AmountAllocator
	targetPacketSize int
	noPadding        bool

	exchangeRateSum   float64
	exchangeRateCount int
	exchangeRate      float64
	rateEstablished   bool

	streams           map[uint64]*stream.Stream
	nextStreamID      uint64
	remoteMaxStreamID uint64
	localMaxStreamID  uint64
	closeFrameSent    map[uint64]bool

	connMaxDataIn  uint64
	connMaxDataOut uint64

	state       State
	closeReason *CloseReason

	inFlight *pendingPrepare

	receiptSecret []byte // per-connection key material for receipts this side emits
	receiptNonces [][]byte
	receiptEpoch  uint64

	log     *log.Logger
	metrics MetricsSink

	onStream func(s *stream.Stream)
	onEnd    func()
	onError  func(error)
	onClose  func()

	totalSentAllStreams      uint64
	totalDeliveredAllStreams uint64
}

type pendingPrepare struct {
	sequence uint64
}

// New constructs a Connection in the Opening state. The caller must still
// drive establishment (probe packets) via streamclient/streamserver before
// the connection transitions to Open.
func New(opts Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "connection"})
	}

	receiptSecret, err := streamcrypto.RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("connection: generating receipt secret: %w", err)
	}

	secretBytes := opts.SharedSecret.Bytes()
	c := &Connection{
		plugin:        opts.Plugin,
		isServer:      opts.IsServer,
		sourceAccount: opts.SourceAccount,
		destAccount:   opts.DestinationAccount,
		secret:        opts.SharedSecret,
		encKey:        streamcrypto.EncryptionKey(secretBytes),
		fulfillKey:    streamcrypto.FulfillmentKey(secretBytes),
		slippage:      opts.Slippage,
		getExpiry:     opts.GetExpiry,
		connectionTag: opts.ConnectionTag,

		localAssetCode:  opts.AssetCode,
		localAssetScale: opts.AssetScale,

		maxPacketAmount:  math.MaxUint64,
		cong:             newCongestion(),
		retry:            defaultRetryPolicy(),
		allocator:        ShareAllocator{},
		targetPacketSize: targetPacketSize,
		noPadding:        opts.NoPadding,

		streams:       make(map[uint64]*stream.Stream),
		closeFrameSent: make(map[uint64]bool),

		connMaxDataIn:  math.MaxUint64,
		connMaxDataOut: math.MaxUint64,

		state: StateOpening,

		receiptSecret: receiptSecret,

		log:     logger,
		metrics: opts.Metrics,
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if opts.TargetPacketSize > 0 {
		c.targetPacketSize = opts.TargetPacketSize
	}
	if opts.MaxRetries > 0 {
		c.retry.maxRetries = opts.MaxRetries
	}
	if c.isServer {
		c.nextStreamID = 2
	} else {
		c.nextStreamID = 1
	}
	if c.getExpiry == nil {
		c.getExpiry = func() time.Time { return time.Now().Add(defaultExpiry) }
	}
	return c, nil
}

// OnStream registers the callback fired when a new stream is created, either
// explicitly or lazily on first inbound frame referencing its id (§3 Stream
// lifecycle).
func (c *Connection) OnStream(fn func(s *stream.Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

func (c *Connection) OnEnd(fn func())      { c.mu.Lock(); c.onEnd = fn; c.mu.Unlock() }
func (c *Connection) OnError(fn func(error)) { c.mu.Lock(); c.onError = fn; c.mu.Unlock() }
func (c *Connection) OnClose(fn func())    { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }

// ConnectionTag returns the opaque tag echoed from server accept (§6 GLOSSARY).
func (c *Connection) ConnectionTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionTag
}

// TotalSent/TotalDelivered aggregate across all streams (§6 Connection API).
func (c *Connection) TotalSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSentAllStreams
}

func (c *Connection) TotalDelivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalDeliveredAllStreams
}

// MinimumAcceptableExchangeRate is exchange_rate * (1 - slippage).
func (c *Connection) MinimumAcceptableExchangeRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchangeRate * (1 - c.slippage)
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stream returns the stream for id, if one has been created.
func (c *Connection) Stream(id uint64) (*stream.Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// CreateStream allocates a new stream with the next id of this endpoint's
// parity (§3 Connection.next_stream_id).
func (c *Connection) CreateStream() *stream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createStreamLocked(c.nextStreamID)
}

func (c *Connection) createStreamLocked(id uint64) *stream.Stream {
	if s, ok := c.streams[id]; ok {
		return s
	}
	s := stream.New(id)
	c.streams[id] = s
	if id >= c.nextStreamID && id%2 == c.nextStreamID%2 {
		c.nextStreamID = id + 2
	}
	cb := c.onStream
	c.mu.Unlock()
	if cb != nil {
		cb(s)
	}
	c.mu.Lock()
	return s
}

// streamByID returns the stream for id, lazily creating it if a frame
// references an id that parity-validates but hasn't been seen yet (§3
// Stream lifecycle: "created explicitly, or lazily on first frame
// referencing its id").
func (c *Connection) streamByID(id uint64) (*stream.Stream, error) {
	if id == 0 {
		return nil, errors.New("connection: streamId 0 is invalid")
	}
	return c.createStreamLocked(id), nil
}

// nextOutSequence returns the next outbound sequence number, erroring once
// exhausted (§9 "Sequence exhaustion").
func (c *Connection) nextOutSequence() (uint64, error) {
	if c.outSequence >= math.MaxUint64-1 {
		return 0, errors.New("connection: sequence exhausted")
	}
	c.outSequence++
	return c.outSequence, nil
}

// checkInboundSequence enforces §3's "sequence strictly increases per
// direction; no reuse".
func (c *Connection) checkInboundSequence(seq uint64) error {
	if c.haveInboundSeq && seq <= c.inSequence {
		return errors.New("connection: non-increasing inbound sequence")
	}
	if seq >= math.MaxUint64-1 {
		return errors.New("connection: sequence exhausted")
	}
	c.inSequence = seq
	c.haveInboundSeq = true
	return nil
}

// recordExchangeSample folds one probe/send observation into the running
// exchange-rate estimate (§4.F "Exchange-rate probing").
func (c *Connection) recordExchangeSample(sent, delivered uint64) {
	if sent == 0 {
		return
	}
	rate := float64(delivered) / float64(sent)
	c.exchangeRateSum += rate
	c.exchangeRateCount++
	c.exchangeRate = c.exchangeRateSum / float64(c.exchangeRateCount)
	if c.exchangeRateCount >= minPrecisionDigits && c.exchangeRate > 0 {
		c.rateEstablished = true
	}
}

// RateEstablished reports whether at least minPrecisionDigits samples have
// been observed and their average rate is positive.
func (c *Connection) RateEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateEstablished
}

// End gracefully closes the connection: drains pending sends, transitions
// to Closed, deregisters the data handler and fires OnClose. No
// ConnectionClose frame is sent to the peer.
func (c *Connection) End(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.drainPendingSends(ctx)

	c.mu.Lock()
	c.state = StateClosed
	cb := c.onClose
	c.mu.Unlock()
	c.plugin.DeregisterDataHandler()
	if cb != nil {
		cb()
	}
	return nil
}

// Destroy abruptly closes the connection, skipping drain: it records
// ApplicationError as the close reason, destroys every stream, deregisters
// the data handler and fires OnError/OnClose. No ConnectionClose frame is
// sent to the peer.
func (c *Connection) Destroy(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.closeReason = &CloseReason{Code: wire.ErrorCodeApplicationError, Message: "destroyed"}
	for _, s := range c.streams {
		s.Destroy(&stream.CloseError{Code: wire.ErrorCodeApplicationError, Message: "connection destroyed"})
	}
	errCb := c.onError
	closeCb := c.onClose
	c.mu.Unlock()

	c.plugin.DeregisterDataHandler()
	if err != nil && errCb != nil {
		errCb(err)
	}
	if closeCb != nil {
		closeCb()
	}
}

// drainPendingSends blocks until every stream has no more outgoing data or
// money pressure, issuing packets as needed; bounded by ctx.
func (c *Connection) drainPendingSends(ctx context.Context) {
	for {
		c.mu.Lock()
		pending := false
		for id, s := range c.streams {
			if s.HasOutgoingData() || s.PendingSendAmount() > 0 {
				pending = true
				break
			}
			if s.SendClosed() && !c.closeFrameSent[id] {
				pending = true
				break
			}
		}
		c.mu.Unlock()
		if !pending {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.sendOnePacket(ctx); err != nil {
			c.log.Warnf("drain: send failed: %v", err)
			return
		}
	}
}

func base64URLToken(n int) (string, error) {
	buf, err := streamcrypto.RandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// receiptKeyFor derives this connection's receipt HMAC key from a per-stream
// nonce, used by the receiver side when emitting StreamReceipt frames.
func (c *Connection) receiptKeyFor(nonce []byte) []byte {
	return receipt.DeriveKey(c.receiptSecret, nonce)
}

// receiptNonceBatchSize bounds how many nonces nextReceiptNonceLocked mints
// per HKDF-Expand call (streamcrypto.DeriveReceiptNonceBatch).
const receiptNonceBatchSize = 64

// nextReceiptNonceLocked pops the next pre-minted receipt nonce, refilling
// the batch via HKDF when exhausted. Caller holds c.mu.
func (c *Connection) nextReceiptNonceLocked() ([]byte, error) {
	if len(c.receiptNonces) == 0 {
		batch, err := streamcrypto.DeriveReceiptNonceBatch(c.receiptSecret, c.receiptEpoch, receiptNonceBatchSize)
		if err != nil {
			return nil, err
		}
		c.receiptEpoch++
		c.receiptNonces = batch
	}
	nonce := c.receiptNonces[0]
	c.receiptNonces = c.receiptNonces[1:]
	return nonce, nil
}

// probeAmount is the floor source amount a Probe forces through the path
// when no stream has money pending, so the receiver's echoed prepareAmount
// still gives the exchange-rate estimator a sample to work with.
const probeAmount = 1000

// Probe dispatches a single Prepare without requiring any pending
// application data or money, used by streamclient to drive the exchange-rate
// probing round trip during connect (§4.H).
func (c *Connection) Probe(ctx context.Context) error {
	return c.sendOnePacketMin(ctx, probeAmount)
}
