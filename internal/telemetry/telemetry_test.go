package telemetry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/galileo/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownProtocol(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Protocol: "carrier-pigeon"}, "test")
	if err == nil {
		t.Fatal("expected an error")
	}
}
