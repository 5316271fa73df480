package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()

	var m *Metrics
	ctx := context.Background()
	got, span := m.Start(ctx, "negotiate", attribute.String("pool_id", "goa"))
	if got != ctx {
		t.Fatal("nil metrics should return the caller's context")
	}
	if span.SpanContext().IsValid() {
		t.Fatal("nil metrics should not start a span")
	}
	span.End()

	m.NegotiationFinished(ctx, "agreed", 1, time.Second)
	m.StakeSettled(ctx, "success", "")
	m.WithdrawalFinished(ctx, "success")
}

func TestMetricsWithGlobalProviders(t *testing.T) {
	t.Parallel()

	m, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, span := m.Start(context.Background(), "execute")
	defer span.End()
	if ctx == nil {
		t.Fatal("Start returned a nil context")
	}

	m.NegotiationFinished(ctx, "rejected", 2, 150*time.Millisecond)
	m.StakeSettled(ctx, "failed", "NotApproved")
	m.WithdrawalFinished(ctx, "nothing")
}

func TestSetupWithoutEndpoint(t *testing.T) {
	t.Parallel()

	shutdown, err := Setup(context.Background(), "", "tripstake")
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
