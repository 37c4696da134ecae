package streamserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ilpstream/stream/connection"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
)

type fakePlugin struct {
	connected bool
	handler   func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)
}

func (f *fakePlugin) Connect(ctx context.Context) error    { f.connected = true; return nil }
func (f *fakePlugin) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakePlugin) IsConnected() bool                    { return f.connected }
func (f *fakePlugin) SendData(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject, error) {
	return nil, nil, nil
}
func (f *fakePlugin) RegisterDataHandler(h func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)) {
	f.handler = h
}
func (f *fakePlugin) DeregisterDataHandler() { f.handler = nil }

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	secret, err := streamcrypto.RandomSecret()
	require.NoError(t, err)
	return New(Options{
		Plugin:        &fakePlugin{},
		ServerAddress: "g.server",
		ServerSecret:  secret,
	})
}

func TestGenerateAddressAndSecretRoundTripsDerivation(t *testing.T) {
	p := newTestPool(t)
	addr, secret, err := p.GenerateAddressAndSecret("")
	require.NoError(t, err)
	require.Contains(t, addr, "g.server.")
	require.Len(t, secret.Bytes(), streamcrypto.SecretSize)

	token, ok := parseToken(addr, "g.server")
	require.True(t, ok)
	require.Equal(t, deriveSharedSecret(p.serverSecret, token), secret.Bytes())
}

func TestGenerateAddressAndSecretAppendsTag(t *testing.T) {
	p := newTestPool(t)
	addr, _, err := p.GenerateAddressAndSecret("mytag")
	require.NoError(t, err)
	token, ok := parseToken(addr, "g.server")
	require.True(t, ok)
	require.Equal(t, "mytag", connectionTagFromToken(token))
}

func TestGenerateAddressAndSecretRejectsInvalidTag(t *testing.T) {
	p := newTestPool(t)
	_, _, err := p.GenerateAddressAndSecret("invalid\n")
	require.ErrorIs(t, err, ErrInvalidTag)
}

func TestParseTokenRejectsMissingSegment(t *testing.T) {
	_, ok := parseToken("g.server.", "g.server")
	require.False(t, ok)
	_, ok = parseToken("g.other.token", "g.server")
	require.False(t, ok)
}

func TestParseTokenStripsTrailingSegments(t *testing.T) {
	token, ok := parseToken("g.server.abc123.extra.hops", "g.server")
	require.True(t, ok)
	require.Equal(t, "abc123", token)
}

func TestSnapshotOmitsUnannouncedRoutes(t *testing.T) {
	p := newTestPool(t)
	addr, _, err := p.GenerateAddressAndSecret("")
	require.NoError(t, err)
	token, ok := parseToken(addr, "g.server")
	require.True(t, ok)

	// route exists (first Prepare en route) but never decrypted successfully.
	secretBytes := deriveSharedSecret(p.serverSecret, token)
	secret, err := streamcrypto.NewSecret(secretBytes)
	require.NoError(t, err)
	conn, err := connection.New(connection.Options{Plugin: &fakePlugin{}, IsServer: true, SourceAccount: "g.server", SharedSecret: secret})
	require.NoError(t, err)
	p.mu.Lock()
	p.routes[token] = &routedConn{conn: conn, announced: false}
	p.mu.Unlock()

	blob, err := p.Snapshot()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	p.mu.Lock()
	p.routes[token].announced = true
	p.mu.Unlock()
	blob2, err := p.Snapshot()
	require.NoError(t, err)
	require.Greater(t, len(blob2), len(blob))
}

func TestHandlePrepareRejectsMissingToken(t *testing.T) {
	p := newTestPool(t)
	_, reject := p.handlePrepare(context.Background(), &streamplugin.Prepare{Destination: "g.server"})
	require.NotNil(t, reject)
	require.Equal(t, streamplugin.CodeF06UnexpectedPayment, reject.Code)
}

func TestHandlePrepareTamperedTokenNeverAnnouncesConnection(t *testing.T) {
	p := newTestPool(t)
	addr, _, err := p.GenerateAddressAndSecret("")
	require.NoError(t, err)

	announced := false
	p.OnConnection(func(conn *connection.Connection, tag string) { announced = true })

	// Tamper with the destination the way S4 does: append garbage so the
	// routing token no longer matches the one the real secret was derived
	// for, guaranteeing decryption failure.
	tampered := addr + "456"
	_, reject := p.handlePrepare(context.Background(), &streamplugin.Prepare{
		Destination: tampered,
		Data:        []byte("not a valid ciphertext"),
	})
	require.NotNil(t, reject)
	require.False(t, announced)

	tamperedToken, ok := parseToken(tampered, "g.server")
	require.True(t, ok)
	p.mu.Lock()
	_, exists := p.routes[tamperedToken]
	p.mu.Unlock()
	require.False(t, exists, "a routing entry whose first Prepare failed must not linger")
}
