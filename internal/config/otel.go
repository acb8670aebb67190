package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/otel/attribute"
)

// OTELConfig holds the OTLP exporter settings used by the client.
type OTELConfig struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"calltrace"`
	ResourceAttributes string `env:"OTEL_RESOURCE_ATTRIBUTES" envDefault:""`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`
	// Headers are sent with every export request (key1=value1,key2=value2).
	Headers            string `env:"OTEL_EXPORTER_OTLP_HEADERS" envDefault:""`
	// Insecure exports over plain HTTP.
	Insecure           bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
}

// ParseOTELConfig parses OTEL configuration from environment variables
func ParseOTELConfig() (*OTELConfig, error) {
	var cfg OTELConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}
	return &cfg, nil
}

// GetEndpoint returns the traces endpoint, falling back to the generic
// exporter endpoint and then to localhost:4318.
func (c *OTELConfig) GetEndpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	if c.ExporterEndpoint != "" {
		return c.ExporterEndpoint
	}
	return "localhost:4318"
}

// ParseResourceAttributes parses OTEL_RESOURCE_ATTRIBUTES.
func (c *OTELConfig) ParseResourceAttributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for key, value := range pairs(c.ResourceAttributes) {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

// ParseHeaders parses OTEL_EXPORTER_OTLP_HEADERS.
func (c *OTELConfig) ParseHeaders() map[string]string {
	var headers map[string]string
	for key, value := range pairs(c.Headers) {
		if headers == nil {
			headers = map[string]string{}
		}
		headers[key] = value
	}
	return headers
}

// pairs yields the key=value pairs of a comma separated list in order.
// Pairs without a key are skipped.
func pairs(list string) func(yield func(string, string) bool) {
	return func(yield func(string, string) bool) {
		if list == "" {
			return
		}
		for _, pair := range strings.Split(list, ",") {
			key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				continue
			}
			if !yield(key, strings.TrimSpace(value)) {
				return
			}
		}
	}
}
