// Package streamclient implements client bootstrap (§4.H): ILDCP
// client-address discovery followed by outbound connection establishment
// and exchange-rate probing.
//
// Grounded on client2/connection.go's doConnect (PKI fetch, then a
// handshake loop bounded by retries before the connection is usable) and
// client2/rates.go (minimum-precision threshold gating readiness) —
// adapted from a katzenpost PKI document fetch to a single ILP Prepare
// round trip against the well-known "peer.config" ILDCP address.
package streamclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"time"

	"github.com/ilpstream/stream/streamplugin"
	"github.com/ilpstream/stream/wire"
)

// ildcpDestination is the reserved address ILDCP requests are sent to.
const ildcpDestination = "peer.config"

// peerProtocolCondition is ILDCP's fixed execution condition: every ILDCP
// request carries the same condition because the reply's fulfillment is
// always the all-zero 32-byte value, by convention of the peer protocol —
// there is nothing secret being fulfilled, only a liveness/well-formedness
// check.
var peerProtocolCondition = sha256.Sum256(make([]byte, 32))

// ErrILDCPRejected is returned when the peer.config request comes back as a
// Reject instead of a Fulfill.
var ErrILDCPRejected = errors.New("streamclient: ILDCP request rejected")

// addressInfo is ILDCP's fulfillment reply body: {varStr clientAddress,
// u8 assetScale, varStr assetCode} (§4.H glossary entry for ILDCP).
type addressInfo struct {
	clientAddress string
	assetScale    uint8
	assetCode     string
}

// fetchAddressInfo performs the one-shot ILDCP round trip over plugin,
// resolving this endpoint's own ILP address and asset details.
func fetchAddressInfo(ctx context.Context, plugin streamplugin.Plugin, expiry time.Duration) (*addressInfo, error) {
	prepare := &streamplugin.Prepare{
		Destination:        ildcpDestination,
		Amount:             0,
		ExecutionCondition: peerProtocolCondition,
		ExpiresAt:          time.Now().Add(expiry),
	}

	fulfill, reject, err := plugin.SendData(ctx, prepare)
	if err != nil {
		return nil, err
	}
	if reject != nil {
		return nil, ErrILDCPRejected
	}

	return decodeAddressInfo(fulfill.Data)
}

// decodeAddressInfo parses ILDCP's fulfillment body.
func decodeAddressInfo(data []byte) (*addressInfo, error) {
	r := bytes.NewReader(data)
	clientAddress, err := wire.ReadVarString(r)
	if err != nil {
		return nil, err
	}
	assetScale, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	assetCode, err := wire.ReadVarString(r)
	if err != nil {
		return nil, err
	}
	return &addressInfo{clientAddress: clientAddress, assetScale: assetScale, assetCode: assetCode}, nil
}
