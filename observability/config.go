package observability

import (
	"fmt"
	"strings"
	"time"
)

const (
	// EndpointStdout writes telemetry to stdout, for local development.
	EndpointStdout = "stdout"

	// ProtocolHTTP specifies OTLP over HTTP/protobuf.
	ProtocolHTTP = "http"

	// ProtocolGRPC specifies OTLP over gRPC.
	ProtocolGRPC = "grpc"

	defaultBatchTimeout   = 5 * time.Second
	defaultExportTimeout  = 30 * time.Second
	defaultMetricInterval = 15 * time.Second
)

// Config selects where transaction spans and metrics are exported. It is
// loaded from the "observability" section of the process configuration.
type Config struct {
	Enabled     bool          `koanf:"enabled" json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Service     ServiceConfig `koanf:"service" json:"service" yaml:"service" mapstructure:"service"`
	Environment string        `koanf:"environment" json:"environment" yaml:"environment" mapstructure:"environment"`
	Trace       SignalConfig  `koanf:"trace" json:"trace" yaml:"trace" mapstructure:"trace"`
	Metrics     SignalConfig  `koanf:"metrics" json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// ServiceConfig names the service on exported resources.
type ServiceConfig struct {
	Name    string `koanf:"name" json:"name" yaml:"name" mapstructure:"name"`
	Version string `koanf:"version" json:"version" yaml:"version" mapstructure:"version"`
}

// SignalConfig configures the exporter of one signal.
type SignalConfig struct {
	Disabled bool              `koanf:"disabled" json:"disabled" yaml:"disabled" mapstructure:"disabled"`
	Endpoint string            `koanf:"endpoint" json:"endpoint" yaml:"endpoint" mapstructure:"endpoint"`
	Protocol string            `koanf:"protocol" json:"protocol" yaml:"protocol" mapstructure:"protocol"`
	Insecure bool              `koanf:"insecure" json:"insecure" yaml:"insecure" mapstructure:"insecure"`
	Headers  map[string]string `koanf:"headers" json:"headers" yaml:"headers" mapstructure:"headers"`

	// SampleRate applies to traces only. Zero means "sample everything".
	SampleRate float64 `koanf:"samplerate" json:"samplerate" yaml:"samplerate" mapstructure:"samplerate"`

	// Interval is the batch timeout for traces and the export interval for metrics.
	Interval      time.Duration `koanf:"interval" json:"interval" yaml:"interval" mapstructure:"interval"`
	ExportTimeout time.Duration `koanf:"exporttimeout" json:"exporttimeout" yaml:"exporttimeout" mapstructure:"exporttimeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	c.Trace.applyDefaults(defaultBatchTimeout)
	c.Metrics.applyDefaults(defaultMetricInterval)
	if c.Trace.SampleRate == 0 {
		c.Trace.SampleRate = 1.0
	}
}

func (s *SignalConfig) applyDefaults(interval time.Duration) {
	if s.Endpoint == "" {
		s.Endpoint = EndpointStdout
	}
	if s.Protocol == "" {
		s.Protocol = ProtocolHTTP
	}
	if s.Interval <= 0 {
		s.Interval = interval
	}
	if s.ExportTimeout <= 0 {
		s.ExportTimeout = defaultExportTimeout
	}
}

// Validate checks a defaulted configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Service.Name == "" {
		return ErrMissingServiceName
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	if err := c.Trace.validate(); err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	if err := c.Metrics.validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

func (s *SignalConfig) validate() error {
	if s.Disabled || s.Endpoint == EndpointStdout {
		return nil
	}
	hasScheme := strings.HasPrefix(s.Endpoint, "http://") || strings.HasPrefix(s.Endpoint, "https://")
	switch s.Protocol {
	case ProtocolHTTP:
		if !hasScheme {
			return fmt.Errorf("%q needs an http:// or https:// scheme: %w", s.Endpoint, ErrInvalidEndpointFormat)
		}
	case ProtocolGRPC:
		if hasScheme {
			return fmt.Errorf("%q must be host:port: %w", s.Endpoint, ErrInvalidEndpointFormat)
		}
	default:
		return fmt.Errorf("protocol %q: %w", s.Protocol, ErrInvalidProtocol)
	}
	return nil
}

// endpointHost strips the scheme the OTLP HTTP exporters do not accept.
func endpointHost(endpoint string) (host string, insecure bool) {
	if after, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return after, true
	}
	return strings.TrimPrefix(endpoint, "https://"), false
}
