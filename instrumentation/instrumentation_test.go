package instrumentation

import (
	"context"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst == nil {
		t.Fatal("New() returned nil")
	}

	if inst.config.ServiceName != "dcr-oauth" {
		t.Errorf("ServiceName = %q, want default %q", inst.config.ServiceName, "dcr-oauth")
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestNew_ProvidersAvailable(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"enabled", Config{ServiceName: "test", Enabled: true}},
		{"disabled", Config{ServiceName: "test", Enabled: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() should not be nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() should not be nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() should not be nil")
			}
			if inst.Tracer("http") == nil {
				t.Error("Tracer() should not be nil")
			}
			if inst.Meter("storage") == nil {
				t.Error("Meter() should not be nil")
			}
		})
	}
}

func TestInstrumentation_Shutdown(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Second shutdown is a no-op.
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() second call error = %v", err)
	}
}

func TestInstrumentation_ShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}

	inst, err = New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true, want false")
	}
}

func TestInstrumentation_RegisterStorageSizeCallbacks(t *testing.T) {
	inst, err := New(Config{ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	counter := func() int64 { return 42 }
	if err := inst.RegisterStorageSizeCallbacks(counter, counter, counter, counter); err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() error = %v", err)
	}

	// Nil callbacks are tolerated.
	if err := inst.RegisterStorageSizeCallbacks(nil, nil, nil, nil); err != nil {
		t.Errorf("RegisterStorageSizeCallbacks() with nil callbacks error = %v", err)
	}
}
