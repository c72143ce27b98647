package main

import (
	"github.com/klauspost/cpuid/v2"

	"retina-forge/internal/logging"
)

// logDevice reports what the training math will run on.
func logDevice() {
	simd := "scalar"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		simd = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2):
		simd = "avx2"
	case cpuid.CPU.Supports(cpuid.SSE42):
		simd = "sse4.2"
	}
	logging.Infof("cpu: %s, %d cores (%d logical), %s",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simd)
}
