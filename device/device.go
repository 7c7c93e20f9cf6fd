// Package device picks the compute device a worker trains on. Only the host
// CPU is supported; Detect reports what it offers.
package device

import (
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	Auto = "auto"
	CPU  = "cpu"
	CUDA = "cuda"
)

type Device struct {
	Type          string
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
}

// String renders the device the way the training log names it.
func (d Device) String() string {
	return d.Type
}

func (d Device) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("type", d.Type)
	enc.AddString("brand", d.Brand)
	enc.AddInt("physical_cores", d.PhysicalCores)
	enc.AddInt("logical_cores", d.LogicalCores)
	enc.AddBool("avx2", d.AVX2)
	enc.AddBool("avx512", d.AVX512)
	return nil
}

// Select resolves a configured device name. Accelerators are not available,
// so auto resolves to the CPU and cuda is rejected.
func Select(name string) (Device, error) {
	switch strings.ToLower(name) {
	case "", Auto, CPU:
		return Detect(), nil
	case CUDA:
		return Device{}, errors.Errorf("device %q is not available, only %q is supported", name, CPU)
	default:
		if strings.HasPrefix(strings.ToLower(name), CUDA+":") {
			return Device{}, errors.Errorf("device %q is not available, only %q is supported", name, CPU)
		}
		return Device{}, errors.Errorf("unknown device %q", name)
	}
}

func Detect() Device {
	logical := cpuid.CPU.LogicalCores
	if logical == 0 {
		logical = runtime.NumCPU()
	}
	return Device{
		Type:          CPU,
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  logical,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Field is a convenience for attaching the device to a log line.
func Field(d Device) zap.Field {
	return zap.Object("device", d)
}
