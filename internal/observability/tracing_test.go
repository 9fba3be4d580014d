package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
)

// recordSpans installs an always-sampling provider that keeps finished
// spans in memory.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func spanAttrs(s tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(s.Attributes))
	for _, a := range s.Attributes {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unsupported", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "caseflow-test", "0.0.1")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Fatalf("shutdown: %v", err)
			}
		})
	}
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "TraceIDRatioBased{0.1}"},
		{0.25, "TraceIDRatioBased{0.25}"},
		{1, "AlwaysOnSampler"},
		{7, "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		desc := samplerFor(config.TracingConfig{SamplingRate: tt.rate}).Description()
		if !strings.Contains(desc, "root:"+tt.want) {
			t.Errorf("rate %v: sampler = %s, want root %s", tt.rate, desc, tt.want)
		}
	}
}

func TestEndSpanWithError(t *testing.T) {
	exporter := recordSpans(t)

	_, created := StartSpan(context.Background(), "engine.create", AttrTypeID.String("parking-permit"))
	EndSpanWithError(created, nil)
	_, failed := StartSpan(context.Background(), "engine.submit_transition")
	EndSpanWithError(failed, errors.New("stale"))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Status.Code == codes.Error || spanAttrs(spans[0])["caseflow.type_id"] != "parking-permit" {
		t.Fatalf("ok span = %+v", spans[0])
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "stale" || len(spans[1].Events) != 1 {
		t.Fatalf("failed span = %+v", spans[1])
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Fatalf("no span: %q", got)
	}
	ctx, span := StartSpan(context.Background(), "x")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Fatalf("trace id = %q", got)
	}
}

func TestTracingMiddleware_namesSpanByRoute(t *testing.T) {
	exporter := recordSpans(t)

	r := chi.NewRouter()
	r.Use(TracingMiddleware)
	r.Post("/api/applications/{id}/transitions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/applications/a-42/transitions", nil))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /api/applications/{id}/transitions" {
		t.Errorf("span name = %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v", s.SpanKind)
	}
	attrs := spanAttrs(s)
	if attrs["http.route"] != "/api/applications/{id}/transitions" || attrs["http.response.status_code"] != "409" {
		t.Errorf("attributes = %v", attrs)
	}
	if s.Status.Code == codes.Error {
		t.Error("4xx must not mark the span as failed")
	}
}

func TestTracingMiddleware_serverErrorAndPropagation(t *testing.T) {
	exporter := recordSpans(t)
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	req.Header.Set("traceparent", parent)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	s := exporter.GetSpans()[0]
	if s.SpanContext.TraceID().String() != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", s.SpanContext.TraceID())
	}
	if s.Name != "GET /ready" || s.Status.Code != codes.Error {
		t.Errorf("span = %s %v", s.Name, s.Status)
	}
	if rec.Header().Get("traceparent") == "" {
		t.Error("response carries no traceparent")
	}
}

func TestInjectTraceHeaders(t *testing.T) {
	recordSpans(t)
	ctx, span := StartSpan(context.Background(), "sideeffect.execute", AttrAction.String("vehicle.registry"))
	defer span.End()

	headers := http.Header{}
	InjectTraceHeaders(ctx, headers)
	if headers.Get("traceparent") == "" {
		t.Fatal("traceparent not injected")
	}
}
