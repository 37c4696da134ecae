// Package streamplugin defines the external ILP plugin contract STREAM
// connections are built on (§6), and the ILP Prepare/Fulfill/Reject packet
// types and reject-code taxonomy connections classify against (§7). The
// plugin itself — ledger settlement, packet forwarding — is an external
// collaborator; only the interface it must satisfy lives here.
package streamplugin

import (
	"context"
	"time"
)

// Prepare is an outbound or inbound ILP Prepare packet.
type Prepare struct {
	Destination       string
	Amount            uint64
	ExecutionCondition [32]byte
	ExpiresAt         time.Time
	Data              []byte
}

// Fulfill is the successful response to a Prepare.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject is the failure response to a Prepare.
type Reject struct {
	Code    RejectCode
	Message string
	TriggeredBy string
	Data    []byte
}

// RejectCode follows the ILP taxonomy: F00-F99 (final), T00-T99 (temporary),
// R00-R99 (relative/routing), §6, §7.
type RejectCode string

const (
	// CodeF06UnexpectedPayment is returned when a Prepare can't be
	// decrypted or otherwise fails basic STREAM validation (§4.F step 1),
	// deliberately generic per §7's "no oracle leakage" policy.
	CodeF06UnexpectedPayment RejectCode = "F06"
	// CodeF08AmountTooLarge signals the path's MPPA was exceeded; the
	// reject data carries {receivedAmount, maximumAmount} (§4.F).
	CodeF08AmountTooLarge RejectCode = "F08"
	// CodeF99ApplicationError carries an encrypted STREAM response body
	// (e.g. updated StreamMaxMoney) in the reject data (§4.F step 5).
	CodeF99ApplicationError RejectCode = "F99"
	// CodeR00Timeout is the R00 timeout code. No code path in this module
	// produces it; a plugin that does not answer is reported through the
	// error returned by SendData.
	CodeR00Timeout RejectCode = "R00"
	// CodeT00InternalError is a generic temporary/retryable failure.
	CodeT00InternalError RejectCode = "T00"
)

// Family returns the leading letter of the code: 'F', 'T', or 'R'.
func (c RejectCode) Family() byte {
	if len(c) == 0 {
		return 0
	}
	return c[0]
}

// Retryable reports whether §7's policy retries this reject family: T* codes
// always, F08 as a special case (MPPA discovery), everything else no.
func (c RejectCode) Retryable() bool {
	if c.Family() == 'T' {
		return true
	}
	return c == CodeF08AmountTooLarge
}

// Plugin is the external ILP transport STREAM is layered on (§6). It
// delivers Prepare packets this connection originates and returns
// Fulfill/Reject responses; inbound Prepares destined for this connection
// arrive via the registered data handler.
type Plugin interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SendData forwards a Prepare and blocks for the Fulfill or Reject.
	SendData(ctx context.Context, prepare *Prepare) (*Fulfill, *Reject, error)

	// RegisterDataHandler installs the single handler invoked for each
	// inbound Prepare addressed to this plugin's account. The handler
	// returns the Fulfill or Reject to send back synchronously.
	RegisterDataHandler(handler func(ctx context.Context, prepare *Prepare) (*Fulfill, *Reject))
	DeregisterDataHandler()
}
