package permitd

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw      string
		protocol string
		endpoint string
		path     string
		insecure bool
	}{
		{"collector", "grpc", "collector:4317", "", true},
		{"collector:5555", "grpc", "collector:5555", "", true},
		{"grpc://collector", "grpc", "collector:4317", "", true},
		{"grpcs://collector:443", "grpc", "collector:443", "", false},
		{"http://collector", "http", "collector:4318", "", true},
		{"https://collector/otlp/v1/traces/", "http", "collector:4318", "/otlp/v1/traces", false},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got.protocol != tc.protocol || got.endpoint != tc.endpoint || got.path != tc.path || got.insecure != tc.insecure {
			t.Fatalf("%s: got %+v", tc.raw, got)
		}
	}
	for _, bad := range []string{"", "ftp://collector", "http://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("%q: expected error", bad)
		}
	}
}

func TestSetupTelemetryDisabled(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{}, nil)
	if err != nil || bundle != nil {
		t.Fatalf("expected nil bundle, got %v %v", bundle, err)
	}
	if err := bundle.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil bundle shutdown: %v", err)
	}
}

func TestSetupTelemetryRequiresMetricsForProfiling(t *testing.T) {
	if _, err := setupTelemetry(context.Background(), telemetryConfig{EnableProfilingMetrics: true}, nil); err == nil {
		t.Fatal("expected error without metrics listen")
	}
}

func TestSetupTelemetryServesMetrics(t *testing.T) {
	bundle, err := setupTelemetry(context.Background(), telemetryConfig{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := bundle.Shutdown(ctx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}()
	addr := bundle.addr("metrics")
	if addr == "" {
		t.Fatal("metrics address missing")
	}
	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "target_info") {
		t.Fatalf("expected otel target_info in scrape, got %q", body)
	}
}
