package telemetry

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/clawd/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewClientProtocols(t *testing.T) {
	cases := []struct {
		protocol string
		wantErr  bool
	}{
		{"", false},
		{"http", false},
		{"grpc", false},
		{"udp", true},
	}
	for _, tc := range cases {
		t.Run("protocol "+tc.protocol, func(t *testing.T) {
			_, err := newClient(config.TelemetryConfig{Protocol: tc.protocol, Endpoint: "localhost:4318", Insecure: true})
			if (err != nil) != tc.wantErr {
				t.Errorf("newClient(%q) err = %v, wantErr %v", tc.protocol, err, tc.wantErr)
			}
		})
	}
}
