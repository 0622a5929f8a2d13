package device

import (
	"errors"
	"testing"
)

func TestSelectAutoFallsBackToCPU(t *testing.T) {
	d, err := Select("auto")
	if err != nil {
		t.Fatalf("Select(auto): %v", err)
	}
	if d.Kind != CPU {
		t.Fatalf("expected cpu, got %s", d.Kind)
	}
	if d.Workers <= 0 {
		t.Fatalf("expected positive worker count, got %d", d.Workers)
	}
	if d.Name == "" {
		t.Fatal("expected a device name")
	}
}

func TestSelectAccelerator(t *testing.T) {
	if Available() {
		t.Skip("accelerator present")
	}
	if _, err := Select("accelerator"); !errors.Is(err, ErrNoAccelerator) {
		t.Fatalf("expected ErrNoAccelerator, got %v", err)
	}
}

func TestSelectUnknown(t *testing.T) {
	if _, err := Select("tpu"); err == nil {
		t.Fatal("expected error for unknown preference")
	}
}
