package telemetry

// Config holds configuration for the tracer
type Config struct {
	ServiceName    string `mapstructure:"service_name" yaml:"service_name"`
	ServiceVersion string `mapstructure:"-" yaml:"-"`
	Environment    string `mapstructure:"environment" yaml:"environment"`

	// Enabled determines whether tracing is enabled.
	// When false, a noop tracer is used
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP/HTTP collector host:port.
	// If empty, spans are recorded but not exported
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure disables TLS towards the collector
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate is the fraction of traces to sample (0.0 to 1.0)
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
}

// DefaultConfig returns tracing disabled, which is right for most CLI runs
func DefaultConfig() Config {
	return Config{
		ServiceName:    "flotilla",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
	}
}
