package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampedPath(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		outDir string
		want   string
	}{
		{"next to input", filepath.Join("kernels", "blur.ll"), "", filepath.Join("kernels", "blur.clamped.ll")},
		{"into out dir", filepath.Join("kernels", "blur.ll"), "out", filepath.Join("out", "blur.clamped.ll")},
		{"bare name", "blur.ll", "", "blur.clamped.ll"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampedPath(tt.input, tt.outDir))
		})
	}
}

func TestKernelListFlag(t *testing.T) {
	var k kernelList
	require.NoError(t, k.Set("blur"))
	require.NoError(t, k.Set("sobel"))
	assert.Equal(t, kernelList{"blur", "sobel"}, k)
	assert.Equal(t, "blur,sobel", k.String())
}
