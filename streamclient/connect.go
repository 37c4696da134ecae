package streamclient

import (
	"context"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/ilpstream/stream/connection"
	"github.com/ilpstream/stream/streamcrypto"
	"github.com/ilpstream/stream/streamplugin"
)

// defaultILDCPExpiry bounds how long the ILDCP round trip may take before
// the Prepare is considered expired.
const defaultILDCPExpiry = 5 * time.Second

// defaultMaxProbeAttempts bounds §4.H's "resolve once exchange-rate
// precision is met or reject" loop so a path that never carries a packet
// through doesn't probe forever (S2).
const defaultMaxProbeAttempts = 20

// Options configures Connect.
type Options struct {
	Plugin             streamplugin.Plugin
	DestinationAccount string
	SharedSecret       *streamcrypto.Secret
	Slippage           float64
	ConnectionTag      string
	GetExpiry          func() time.Time
	MaxProbeAttempts   int
	Metrics            connection.MetricsSink
	Logger             *log.Logger
}

// Connect performs §4.H's client bootstrap in full: connects the plugin,
// fetches this endpoint's own address and asset details via ILDCP, builds a
// Connection sourced from that address, registers it as the plugin's data
// handler, then probes the path until the connection reports its exchange
// rate as established (enough fulfilled samples with a positive average) or
// the probe budget is exhausted.
func Connect(ctx context.Context, opts Options) (*connection.Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "streamclient"})
	}

	if err := opts.Plugin.Connect(ctx); err != nil {
		return nil, &connection.ConnectError{Err: err}
	}

	info, err := fetchAddressInfo(ctx, opts.Plugin, defaultILDCPExpiry)
	if err != nil {
		return nil, &connection.ConnectError{Err: err}
	}

	conn, err := connection.New(connection.Options{
		Plugin:             opts.Plugin,
		IsServer:           false,
		SourceAccount:      info.clientAddress,
		DestinationAccount: opts.DestinationAccount,
		SharedSecret:       opts.SharedSecret,
		Slippage:           opts.Slippage,
		GetExpiry:          opts.GetExpiry,
		ConnectionTag:      opts.ConnectionTag,
		AssetCode:          info.assetCode,
		AssetScale:         info.assetScale,
		Metrics:            opts.Metrics,
		Logger:             logger,
	})
	if err != nil {
		return nil, &connection.ConnectError{Err: err}
	}

	opts.Plugin.RegisterDataHandler(conn.HandlePrepare)

	maxAttempts := opts.MaxProbeAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxProbeAttempts
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if conn.RateEstablished() {
			return conn, nil
		}
		if err := conn.Probe(ctx); err != nil {
			logger.Warnf("probe attempt %d: %v", attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, &connection.ConnectError{Err: ctx.Err()}
		default:
		}
	}

	if conn.RateEstablished() {
		return conn, nil
	}

	return nil, &connection.ConnectError{Err: connection.ErrMinPrecisionNotMet}
}
