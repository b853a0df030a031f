package telemetry

import (
	"context"
	"testing"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	_, err := New(context.Background(), Config{})
	if err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestProvider_NilReceiver(t *testing.T) {
	var p *Provider
	if got := p.TracerProvider(); got != nil {
		t.Errorf("TracerProvider() = %v, want nil", got)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}
