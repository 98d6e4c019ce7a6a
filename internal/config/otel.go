package config

// OtelConfig configures span export. With no endpoint a no-op provider is
// installed and the echo middleware is skipped.
type OtelConfig struct {
	ExporterEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	Insecure         bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	ServiceName      string  `env:"OTEL_SERVICE_NAME" envDefault:"catalog-sync"`
	SamplingRate     float64 `env:"OTEL_SAMPLING_RATE" envDefault:"1.0"`
}

func (c OtelConfig) Enabled() bool {
	return c.ExporterEndpoint != ""
}

// Ratio is SamplingRate clamped to [0, 1].
func (c OtelConfig) Ratio() float64 {
	return min(max(c.SamplingRate, 0), 1)
}
