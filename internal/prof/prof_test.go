package prof

import (
	"context"
	"testing"

	"github.com/keithlinneman/linnemanlabs-imagegen/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	var active []bool
	stop, err := Start(log.WithContext(context.Background(), log.Nop()), Options{
		Enabled:       false,
		ServerAddress: "not even a url",
		OnActive:      func(b bool) { active = append(active, b) },
	})
	if err != nil {
		t.Fatalf("disabled should never error, got: %v", err)
	}
	stop()
	stop()
	if len(active) != 1 || active[0] {
		t.Fatalf("OnActive calls = %v, want [false]", active)
	}
}

func TestStart_InvalidAddress(t *testing.T) {
	for _, addr := range []string{"", "localhost:4040", "ftp://pyro:4040", "http://"} {
		stop, err := Start(context.Background(), Options{Enabled: true, ServerAddress: addr, AppName: "imagegen"})
		if err == nil {
			t.Errorf("%q: expected error", addr)
		}
		if stop == nil {
			t.Fatalf("%q: stop func must never be nil", addr)
		}
		stop()
	}
}

func TestStart_Enabled_StopIdempotent(t *testing.T) {
	// pyroscope uploads asynchronously, an unreachable server does not fail Start
	var active []bool
	stop, err := Start(context.Background(), Options{
		Enabled:       true,
		ServerAddress: "http://127.0.0.1:1",
		AppName:       "imagegen.test",
		Tags:          map[string]string{"component": "server"},
		OnActive:      func(b bool) { active = append(active, b) },
	})
	if err != nil {
		t.Skipf("pyroscope start failed in this environment: %v", err)
	}
	stop()
	stop()
	if len(active) != 2 || !active[0] || active[1] {
		t.Fatalf("OnActive calls = %v, want [true false]", active)
	}
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr string
		ok   bool
	}{
		{"http://pyroscope:4040", true},
		{"https://profiles.example.com", true},
		{"", false},
		{"pyroscope:4040", false},
		{"http://", false},
	}
	for _, tt := range tests {
		if err := validateAddress(tt.addr); (err == nil) != tt.ok {
			t.Errorf("validateAddress(%q) err = %v, want ok=%v", tt.addr, err, tt.ok)
		}
	}
}
