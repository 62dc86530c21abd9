package client

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"github.com/blip/broker/internal/config"
	"github.com/blip/broker/internal/logger"
	"github.com/blip/broker/pkg/clock"
	"github.com/blip/broker/pkg/protocol"
)

// MetricsSampler produces the metrics reported to the broker
type MetricsSampler interface {
	Sample() (protocol.Metrics, error)
}

// Options configures a Client
type Options struct {
	// Name is the service name to identify as.
	Name string
	// URL overrides Host, Port and Secure when set.
	URL    string
	Host   string
	Port   int
	Secure bool

	PSK   string
	Token string

	TLSConfig *tls.Config

	// MetricsInterval is the period of metrics reports; negative disables them.
	MetricsInterval time.Duration
	// RequestTimeout bounds waits for replies when positive.
	RequestTimeout time.Duration
	// CustomMetrics adds fields to every report.
	CustomMetrics func() map[string]any
	Sampler       MetricsSampler

	Clock  clock.Clock
	Logger *logger.Logger
}

// OptionsFromConfig derives client options from a loaded configuration,
// including the cached token for the configured broker
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Name:            cfg.Client.Name,
		Host:            cfg.Host,
		Port:            cfg.Port,
		Secure:          cfg.Secure,
		PSK:             cfg.PSK,
		Token:           cfg.CachedToken(),
		MetricsInterval: cfg.Client.MetricsInterval,
		RequestTimeout:  cfg.Client.RequestTimeout,
	}
}

func (o Options) url() string {
	if o.URL != "" {
		return o.URL
	}
	scheme := "ws"
	if o.Secure {
		scheme = "wss"
	}
	host := o.Host
	if host == "" {
		host = config.DefaultHost
	}
	port := o.Port
	if port == 0 {
		port = config.DefaultPort
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/"
}

// CallOption customizes a single IPC call
type CallOption func(*callOptions)

type callOptions struct {
	expectResponse bool
	nonce          string
}

// WithResponse makes IPC wait for a reply carrying the request's nonce
func WithResponse() CallOption {
	return func(o *callOptions) { o.expectResponse = true }
}

// WithNonce sets the nonce sent with the message
func WithNonce(nonce string) CallOption {
	return func(o *callOptions) { o.nonce = nonce }
}
