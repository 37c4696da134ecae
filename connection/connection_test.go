package connection

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilpstream/stream/stream"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
)

// loopbackPlugin wires SendData straight into a peer connection's
// HandlePrepare, in-process, so the connection/stream send-dispatch loop can
// be exercised without a real ILP network.
type loopbackPlugin struct {
	connected bool
	peer      func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)
	handler   func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)
}

func (l *loopbackPlugin) Connect(ctx context.Context) error    { l.connected = true; return nil }
func (l *loopbackPlugin) Disconnect(ctx context.Context) error { l.connected = false; return nil }
func (l *loopbackPlugin) IsConnected() bool                    { return l.connected }

func (l *loopbackPlugin) SendData(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject, error) {
	f, r := l.peer(ctx, p)
	return f, r, nil
}

func (l *loopbackPlugin) RegisterDataHandler(h func(ctx context.Context, p *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject)) {
	l.handler = h
}
func (l *loopbackPlugin) DeregisterDataHandler() { l.handler = nil }

func newLoopbackPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	secretBytes := bytes.Repeat([]byte{0x42}, 32)
	secret, err := streamcrypto.NewSecret(secretBytes)
	require.NoError(t, err)

	clientPlugin := &loopbackPlugin{}
	serverPlugin := &loopbackPlugin{}

	client, err = New(Options{
		Plugin:             clientPlugin,
		IsServer:           false,
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       secret,
	})
	require.NoError(t, err)
	server, err = New(Options{
		Plugin:             serverPlugin,
		IsServer:           true,
		SourceAccount:      "g.server",
		DestinationAccount: "g.client",
		SharedSecret:       secret,
	})
	require.NoError(t, err)

	// lazily-created server streams otherwise start with receiveMax=0 and
	// would reject the very first money credit.
	server.OnStream(func(s *stream.Stream) {
		s.SetReceiveMax(stream.Unbounded)
	})

	clientPlugin.peer = server.HandlePrepare
	serverPlugin.peer = client.HandlePrepare
	return client, server
}

func TestSendDeliversMoneyToCorrespondingStream(t *testing.T) {
	client, server := newLoopbackPair(t)

	s := client.CreateStream()
	s.SetSendMax(100)

	err := client.Send(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(100), s.TotalSent())
	require.Equal(t, uint64(100), s.TotalDelivered())

	serverStream, ok := server.Stream(s.ID())
	require.True(t, ok)
	require.Equal(t, uint64(100), serverStream.TotalReceived())
}

func TestSendDeliversDataAndEnd(t *testing.T) {
	client, server := newLoopbackPair(t)

	var received bytes.Buffer
	ended := false
	server.OnStream(func(s *stream.Stream) {
		s.SetReceiveMax(stream.Unbounded)
		s.OnData(func() {
			buf := make([]byte, 4096)
			for {
				n, _ := s.Read(buf)
				if n == 0 {
					break
				}
				received.Write(buf[:n])
			}
		})
		s.OnEnd(func() { ended = true })
	})

	s := client.CreateStream()
	_, err := s.Write([]byte("hello stream"))
	require.NoError(t, err)
	s.Close()

	err = client.End(context.Background())
	require.NoError(t, err)

	require.Equal(t, "hello stream", received.String())
	require.True(t, ended)
}

func TestSendRejectsBusyWhileInFlight(t *testing.T) {
	client, _ := newLoopbackPair(t)

	client.mu.Lock()
	client.inFlight = &pendingPrepare{sequence: 1}
	client.mu.Unlock()

	err := client.sendOnePacket(context.Background())
	require.ErrorIs(t, err, ErrBusy)
}

func TestSendWithNoPendingWorkMovesNoMoney(t *testing.T) {
	client, _ := newLoopbackPair(t)

	err := client.sendOnePacket(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0), client.totalSentAllStreams)
}

func TestSendWithExpiredContextReturns(t *testing.T) {
	client, server := newLoopbackPair(t)
	_ = server

	s := client.CreateStream()
	s.SetSendMax(100)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	time.Sleep(2 * time.Millisecond)

	// The deadline has already passed, but the loopback plugin ignores ctx
	// and Send only consults it between retries, so the first attempt may
	// succeed; this just verifies Send returns rather than blocking forever.
	err := client.Send(ctx)
	require.True(t, err == nil || err == context.DeadlineExceeded)
}
