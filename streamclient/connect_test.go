package streamclient

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilpstream/stream/connection"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
	"github.com/ilpstream/stream/wire"
)

// ildcpPlugin answers peer.config itself and otherwise forwards every
// Prepare straight into a loopback peer connection's HandlePrepare, so
// Connect's probing loop has a real counterparty to establish a rate
// against.
type ildcpPlugin struct {
	clientAddress string
	assetScale    uint8
	assetCode     string

	peer func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)
}

func (p *ildcpPlugin) Connect(ctx context.Context) error    { return nil }
func (p *ildcpPlugin) Disconnect(ctx context.Context) error { return nil }
func (p *ildcpPlugin) IsConnected() bool                    { return true }

func (p *ildcpPlugin) SendData(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject, error) {
	if prepare.Destination == ildcpDestination {
		var buf bytes.Buffer
		wire.WriteVarString(&buf, p.clientAddress)
		buf.WriteByte(p.assetScale)
		wire.WriteVarString(&buf, p.assetCode)
		return &streamplugin.Fulfill{Fulfillment: peerProtocolCondition, Data: buf.Bytes()}, nil, nil
	}
	f, r := p.peer(ctx, prepare)
	return f, r, nil
}

func (p *ildcpPlugin) RegisterDataHandler(h func(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)) {
}
func (p *ildcpPlugin) DeregisterDataHandler() {}

func TestFetchAddressInfoDecodesFulfillmentBody(t *testing.T) {
	plugin := &ildcpPlugin{clientAddress: "g.client.abc", assetScale: 9, assetCode: "XRP"}
	info, err := fetchAddressInfo(context.Background(), plugin, time.Second)
	require.NoError(t, err)
	require.Equal(t, "g.client.abc", info.clientAddress)
	require.Equal(t, uint8(9), info.assetScale)
	require.Equal(t, "XRP", info.assetCode)
}

func TestFetchAddressInfoPropagatesReject(t *testing.T) {
	plugin := &rejectingPlugin{}
	_, err := fetchAddressInfo(context.Background(), plugin, time.Second)
	require.ErrorIs(t, err, ErrILDCPRejected)
}

type rejectingPlugin struct{}

func (p *rejectingPlugin) Connect(ctx context.Context) error    { return nil }
func (p *rejectingPlugin) Disconnect(ctx context.Context) error { return nil }
func (p *rejectingPlugin) IsConnected() bool                    { return true }
func (p *rejectingPlugin) SendData(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject, error) {
	return nil, &streamplugin.Reject{Code: streamplugin.CodeF06UnexpectedPayment}, nil
}
func (p *rejectingPlugin) RegisterDataHandler(h func(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)) {
}
func (p *rejectingPlugin) DeregisterDataHandler() {}

func TestConnectEstablishesRateAgainstLoopbackPeer(t *testing.T) {
	secretBytes := bytes.Repeat([]byte{0x11}, 32)
	secret, err := streamcrypto.NewSecret(secretBytes)
	require.NoError(t, err)

	server, err := connection.New(connection.Options{
		Plugin:             &discardingPlugin{},
		IsServer:           true,
		SourceAccount:      "g.server",
		DestinationAccount: "g.client",
		SharedSecret:       secret,
	})
	require.NoError(t, err)

	clientPlugin := &ildcpPlugin{clientAddress: "g.client.xyz", assetScale: 6, assetCode: "USD"}
	clientPlugin.peer = server.HandlePrepare

	conn, err := Connect(context.Background(), Options{
		Plugin:             clientPlugin,
		DestinationAccount: "g.server",
		SharedSecret:       secret,
		MaxProbeAttempts:   5,
	})
	require.NoError(t, err)
	require.True(t, conn.RateEstablished())
}

func TestConnectFailsMinPrecisionWhenPeerNeverFulfills(t *testing.T) {
	clientPlugin := &ildcpPlugin{clientAddress: "g.client.xyz", assetScale: 6, assetCode: "USD"}
	clientPlugin.peer = func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject) {
		return nil, &streamplugin.Reject{Code: streamplugin.CodeT00InternalError}
	}

	secretBytes := bytes.Repeat([]byte{0x22}, 32)
	secret, err := streamcrypto.NewSecret(secretBytes)
	require.NoError(t, err)

	_, err = Connect(context.Background(), Options{
		Plugin:             clientPlugin,
		DestinationAccount: "g.server",
		SharedSecret:       secret,
		MaxProbeAttempts:   3,
	})
	require.Error(t, err)
	var connErr *connection.ConnectError
	require.ErrorAs(t, err, &connErr)
	require.ErrorIs(t, connErr.Err, connection.ErrMinPrecisionNotMet)
}

type discardingPlugin struct{}

func (p *discardingPlugin) Connect(ctx context.Context) error    { return nil }
func (p *discardingPlugin) Disconnect(ctx context.Context) error { return nil }
func (p *discardingPlugin) IsConnected() bool                    { return true }
func (p *discardingPlugin) SendData(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject, error) {
	return nil, nil, nil
}
func (p *discardingPlugin) RegisterDataHandler(h func(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)) {
}
func (p *discardingPlugin) DeregisterDataHandler() {}
