// Package observability wires the process's metrics and tracing
// surface: a Prometheus scrape endpoint fed by OpenTelemetry
// instruments, and an OTLP trace exporter for spans across the
// acquire -> load -> health-probe -> proxy-forward path.
package observability

// MetricsConfig controls the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// TracingConfig controls OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Exporter    string  `mapstructure:"exporter"` // "otlp" | "none"
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

// Config is the observability section of the process configuration.
type Config struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// DefaultConfig mirrors this process's out-of-the-box observability
// posture: metrics on by default on 9090, tracing off until a
// collector endpoint is configured.
func DefaultConfig() Config {
	return Config{
		Metrics: MetricsConfig{Enabled: true, PrometheusPort: 9090},
		Tracing: TracingConfig{Enabled: false, Exporter: "otlp", SampleRate: 1.0, ServiceName: "oxide-infer"},
	}
}
