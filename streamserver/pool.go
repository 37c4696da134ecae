// Package streamserver implements the server-side routing pool (§4.G): a
// single plugin data handler fanned out to per-token connection.Connections,
// keyed by a token embedded in each inbound Prepare's destination account.
//
// Grounded on the teacher's server/cborplugin/client.go (single registered
// handler dispatching to per-session state by a routing key parsed from the
// envelope) and sockatz/common/conn.go (accept-loop-over-transport shape,
// worker-halt teardown ordering) — adapted from a directly-dialed listener
// to ILP-plugin-mediated routing: there is no socket to accept(), only
// inbound Prepares to parse a token out of and dispatch.
package streamserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/ilpstream/stream/connection"
	"github.com/ilpstream/stream/internal/worker"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
)

// tokenRandomBytes is the size of the random portion of a minted token,
// base64url-encoded, before any connectionTag suffix (§4.G).
const tokenRandomBytes = 18

// sharedSecretLabel is the HMAC label §4.G's derivation hashes the server
// secret under before keying the per-token HMAC.
const sharedSecretLabel = "ilp_stream_shared_secret"

// tagPattern is §6/S3's connectionTag grammar.
var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_~-]+$`)

// ErrInvalidTag is S3's exact rejection message.
var ErrInvalidTag = errors.New(`connectionTag can only include ASCII characters a-z, A-Z, 0-9, "_", "-", and "~"`)

// Options configures a new Pool.
type Options struct {
	Plugin        streamplugin.Plugin
	ServerAddress string
	ServerSecret  *streamcrypto.Secret
	Slippage      float64
	// Metrics, when set, is attached to every routed connection this pool
	// creates (streammetrics.Collector).
	Metrics connection.MetricsSink
	Logger  *log.Logger
}

// routedConn tracks one token's Connection plus whether the pool has yet
// announced it to subscribers — only after a Prepare under this token is
// first fulfilled (§8 S4: a tampered destination must never fire
// the connection event, even though a routing entry is unavoidably
// constructed to have somewhere to dispatch the doomed Prepare to).
type routedConn struct {
	conn      *connection.Connection
	tag       string
	announced bool
}

// Pool is the server-side routing table over one shared Plugin (§4.G).
type Pool struct {
	worker.Worker

	mu sync.Mutex

	plugin        streamplugin.Plugin
	serverAddress string
	serverSecret  []byte
	slippage      float64
	metrics       connection.MetricsSink
	log           *log.Logger

	routes map[string]*routedConn // token -> routedConn

	onConnection func(conn *connection.Connection, tag string)

	listening bool
	closed    bool
}

// New constructs a Pool. The caller must still call Listen to subscribe to
// the plugin's data handler.
func New(opts Options) *Pool {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "streamserver"})
	}
	return &Pool{
		plugin:        opts.Plugin,
		serverAddress: opts.ServerAddress,
		serverSecret:  opts.ServerSecret.Bytes(),
		slippage:      opts.Slippage,
		metrics:       opts.Metrics,
		log:           logger,
		routes:        make(map[string]*routedConn),
	}
}

// OnConnection registers the callback fired the first time a token's
// Prepare is fulfilled (§6 event "connection").
func (p *Pool) OnConnection(fn func(conn *connection.Connection, tag string)) {
	p.mu.Lock()
	p.onConnection = fn
	p.mu.Unlock()
}

// Listen subscribes to the plugin's single data handler slot (§4.G
// "On listen(), subscribes to plugin's data handler").
func (p *Pool) Listen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listening {
		return errors.New("streamserver: already listening")
	}
	if err := p.plugin.Connect(ctx); err != nil {
		return err
	}
	p.plugin.RegisterDataHandler(p.handlePrepare)
	p.listening = true
	return nil
}

// Close drains every routed connection (End, not Destroy — graceful by
// default) before deregistering the plugin handler and disconnecting.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*connection.Connection, 0, len(p.routes))
	for _, rc := range p.routes {
		conns = append(conns, rc.conn)
	}
	p.mu.Unlock()

	for _, c := range conns {
		c := c
		p.Go(func() { _ = c.End(ctx) })
	}
	p.Wait()

	p.plugin.DeregisterDataHandler()
	return p.plugin.Disconnect(ctx)
}

// GenerateAddressAndSecret mints a fresh routable token for connectionTag,
// "" meaning untagged (§4.G, §6, S3).
func (p *Pool) GenerateAddressAndSecret(connectionTag string) (destinationAccount string, sharedSecret *streamcrypto.Secret, err error) {
	if connectionTag != "" && !tagPattern.MatchString(connectionTag) {
		return "", nil, ErrInvalidTag
	}

	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	if connectionTag != "" {
		token = token + "~" + connectionTag
	}

	secretBytes := deriveSharedSecret(p.serverSecret, token)
	sharedSecret, err = streamcrypto.NewSecret(secretBytes)
	if err != nil {
		return "", nil, err
	}
	return p.serverAddress + "." + token, sharedSecret, nil
}

// deriveSharedSecret computes §4.G's
// sharedSecret = HMAC(HMAC(server_secret, "ilp_stream_shared_secret"), token_bytes)
// verbatim: this keys the wire, so it must match byte-for-byte what any
// other STREAM implementation sharing server_secret would derive — unlike
// streamcrypto's receipt-nonce batching, this has no room for an HKDF
// substitution (see DESIGN.md).
func deriveSharedSecret(serverSecret []byte, token string) []byte {
	salted := streamcrypto.HMACSHA256(serverSecret, []byte(sharedSecretLabel))
	return streamcrypto.HMACSHA256(salted, []byte(token))
}

// parseToken extracts the routing token from a destination account of the
// form "<serverAddress>.<token>[.rest...]" (§4.G). ok is false when the
// destination doesn't address this server or carries no token segment.
func parseToken(destination, serverAddress string) (token string, ok bool) {
	prefix := serverAddress + "."
	if !strings.HasPrefix(destination, prefix) {
		return "", false
	}
	rest := destination[len(prefix):]
	if rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}

// connectionTagFromToken splits the optional "~connectionTag" suffix off a
// token, as minted by GenerateAddressAndSecret.
func connectionTagFromToken(token string) string {
	if i := strings.IndexByte(token, '~'); i >= 0 {
		return token[i+1:]
	}
	return ""
}

// handlePrepare is the plugin's single registered data handler (§4.G
// "Routing contract to plugin: one registered data handler per plugin").
func (p *Pool) handlePrepare(ctx context.Context, prepare *streamplugin.Prepare) (*streamplugin.Fulfill, *streamplugin.Reject) {
	token, ok := parseToken(prepare.Destination, p.serverAddress)
	if !ok {
		// no token segment: unreachable, per §4.G, with no detail leaked.
		return nil, &streamplugin.Reject{Code: streamplugin.CodeF06UnexpectedPayment}
	}

	p.mu.Lock()
	rc, exists := p.routes[token]
	if !exists {
		secretBytes := deriveSharedSecret(p.serverSecret, token)
		secret, err := streamcrypto.NewSecret(secretBytes)
		if err != nil {
			p.mu.Unlock()
			return nil, &streamplugin.Reject{Code: streamplugin.CodeT00InternalError}
		}
		conn, err := connection.New(connection.Options{
			Plugin:        p.plugin,
			IsServer:      true,
			SourceAccount: p.serverAddress,
			SharedSecret:  secret,
			Slippage:      p.slippage,
			ConnectionTag: connectionTagFromToken(token),
			Metrics:       p.metrics,
			Logger:        p.log.WithPrefix("streamserver:conn:" + token),
		})
		if err != nil {
			p.mu.Unlock()
			return nil, &streamplugin.Reject{Code: streamplugin.CodeT00InternalError}
		}
		rc = &routedConn{conn: conn, tag: connectionTagFromToken(token)}
		p.routes[token] = rc
	}
	cb := p.onConnection
	p.mu.Unlock()

	fulfill, reject := rc.conn.HandlePrepare(ctx, prepare)

	if fulfill != nil {
		p.mu.Lock()
		justAnnounced := !rc.announced
		rc.announced = true
		p.mu.Unlock()
		if justAnnounced && cb != nil {
			cb(rc.conn, rc.tag)
		}
	} else if !exists {
		// first Prepare for a freshly-routed token failed outright (e.g. a
		// tampered token deriving a secret the sender never used): drop the
		// routing entry so it doesn't linger unannounced forever and so a
		// later, differently-tampered Prepare to the same token gets a
		// clean retry rather than reusing a doomed Connection.
		p.mu.Lock()
		if !rc.announced {
			delete(p.routes, token)
		}
		p.mu.Unlock()
	}

	return fulfill, reject
}
