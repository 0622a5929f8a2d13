// Package device picks where inference and the embedding run.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrNoAccelerator is returned when an accelerator was requested explicitly
// but none is usable.
var ErrNoAccelerator = errors.New("device: no accelerator available")

// Kind names the class of compute device.
type Kind string

const (
	CPU         Kind = "cpu"
	Accelerator Kind = "accelerator"
)

// Device describes the selected compute device.
type Device struct {
	Kind     Kind
	Name     string
	Workers  int
	Features []string
}

// String renders the device for log lines.
func (d Device) String() string {
	return fmt.Sprintf("%s(%s workers=%d features=%s)", d.Kind, d.Name, d.Workers, strings.Join(d.Features, ","))
}

// Available reports whether an accelerator backend is compiled in and has a
// usable device. Only the CPU path ships in this build.
func Available() bool {
	return false
}

// Select resolves a preference of "auto", "cpu" or "accelerator".
func Select(pref string) (Device, error) {
	switch pref {
	case "", "auto":
		if Available() {
			return accelerator(), nil
		}
		return detectCPU(), nil
	case "cpu":
		return detectCPU(), nil
	case "accelerator":
		if !Available() {
			return Device{}, ErrNoAccelerator
		}
		return accelerator(), nil
	default:
		return Device{}, fmt.Errorf("device: unknown preference %q", pref)
	}
}

func detectCPU() Device {
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	workers := cpuid.CPU.LogicalCores
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if max := runtime.GOMAXPROCS(0); workers > max {
		workers = max
	}

	var features []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			features = append(features, f.name)
		}
	}

	return Device{Kind: CPU, Name: name, Workers: workers, Features: features}
}

func accelerator() Device {
	host := detectCPU()
	return Device{Kind: Accelerator, Name: "accelerator", Workers: host.Workers}
}
