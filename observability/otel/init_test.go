package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("authorization=Bearer abc, x-tenant = votes ,broken,=empty")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "votes",
	}, headers)
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", " collector:4318 ")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-tenant=votes")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.25")

	cfg := ConfigFromEnv("votesettled", "staging")
	require.Equal(t, "collector:4318", cfg.Endpoint)
	require.Equal(t, map[string]string{"x-tenant": "votes"}, cfg.Headers)
	require.False(t, cfg.Insecure)
	require.Equal(t, 0.25, cfg.SampleRatio)
	require.True(t, cfg.Traces)
	require.True(t, cfg.Metrics)
	require.Equal(t, "staging", cfg.Environment)
}

func TestSamplerRatio(t *testing.T) {
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
	require.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(3).Description(), "AlwaysOnSampler")
}

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "votesettled", Traces: true, Metrics: true})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}
