// Package telemetry wires up OpenTelemetry metrics for a broker or peer
// process and exposes them to Prometheus on an HTTP endpoint.
package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// ErrNilContext is returned when Init is called with a nil context.
var ErrNilContext = errors.New("telemetry: context must not be nil")

// Config configures telemetry initialization.
type Config struct {
	ServiceName string
	MetricsPath string // HTTP path the Prometheus exporter is served on, default "/metrics"
}

// DefaultConfig returns a Config with reasonable defaults for a
// Holon-RPC process.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		MetricsPath: "/metrics",
	}
}

// Init sets up the global OpenTelemetry meter provider backed by a
// Prometheus exporter and registers a handler for cfg.MetricsPath on mux.
// It returns a shutdown func that must be called on process exit.
func Init(ctx context.Context, cfg Config, mux *http.ServeMux) (shutdown func(context.Context) error, err error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	if mux != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	return provider.Shutdown, nil
}

// Metrics holds the counters and histogram shared by a broker's dispatch
// path. Fields are populated once by NewMetrics and are safe for
// concurrent use thereafter (otel instruments are themselves
// concurrency-safe).
type Metrics struct {
	RequestsTotal   metric.Int64Counter
	ForwardedTotal  metric.Int64Counter
	FanOutTotal     metric.Int64Counter
	HeartbeatsTotal metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ConnectedPeers  metric.Int64UpDownCounter
}

// NewMetrics creates the Holon-RPC broker instrument set on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	requestsTotal, err := meter.Int64Counter(
		"holon_rpc_requests_total",
		metric.WithDescription("Total inbound requests handled by the broker"),
	)
	if err != nil {
		return nil, err
	}

	forwardedTotal, err := meter.Int64Counter(
		"holon_rpc_forwarded_total",
		metric.WithDescription("Total requests forwarded to another peer (directed dispatch)"),
	)
	if err != nil {
		return nil, err
	}

	fanOutTotal, err := meter.Int64Counter(
		"holon_rpc_fanout_total",
		metric.WithDescription("Total fan-out dispatches"),
	)
	if err != nil {
		return nil, err
	}

	heartbeatsTotal, err := meter.Int64Counter(
		"holon_rpc_heartbeats_total",
		metric.WithDescription("Total rpc.heartbeat calls answered"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"holon_rpc_request_duration_seconds",
		metric.WithDescription("Request handling latency in seconds"),
	)
	if err != nil {
		return nil, err
	}

	connectedPeers, err := meter.Int64UpDownCounter(
		"holon_rpc_connected_peers",
		metric.WithDescription("Number of currently connected peers"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestsTotal:   requestsTotal,
		ForwardedTotal:  forwardedTotal,
		FanOutTotal:     fanOutTotal,
		HeartbeatsTotal: heartbeatsTotal,
		RequestDuration: requestDuration,
		ConnectedPeers:  connectedPeers,
	}, nil
}
