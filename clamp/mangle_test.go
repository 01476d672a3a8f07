package clamp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemangleName(t *testing.T) {
	tests := []struct {
		name     string
		mangled  string
		expected string
	}{
		{"unmangled", "my_kernel", "my_kernel"},
		{"unmangled with digits", "sum2", "sum2"},
		{"simple", "_Z7vstore4Dv4_fjPU3AS1f", "vstore4"},
		{"single char", "_Z1fPi", "f"},
		{"two digit length", "_Z21async_work_group_copyPU3AS3hPU3AS1hjj", "async_work_group_copy"},
		{"atomic", "_Z10atomic_addPVU3AS1ii", "atomic_add"},
		{"no suffix", "_Z3foo", "foo"},
		{"leading underscore only", "_Zoo", "_Zoo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DemangleName(tt.mangled)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

// Demangling is idempotent: a demangled name passes through unchanged.
func TestDemangleNameIdempotent(t *testing.T) {
	names := []string{
		"_Z7vstore4Dv4_fjPU3AS1f",
		"_Z5fractfPf",
		"plain_name",
		"main",
	}
	for _, n := range names {
		once, err := DemangleName(n)
		require.NoError(t, err)
		twice, err := DemangleName(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "demangle(demangle(%q))", n)
	}
}

func TestDemangleNameErrors(t *testing.T) {
	tests := []struct {
		name    string
		mangled string
	}{
		{"length overruns symbol", "_Z99foo"},
		{"no name after length", "_Z4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DemangleName(tt.mangled)
			assert.Error(t, err)
		})
	}
}

func TestCustomMangle(t *testing.T) {
	tests := []struct {
		name     string
		orig     string
		base     string
		expected string
	}{
		{
			"steals itanium suffix",
			"_Z7vstore4Dv4_fjPU3AS1f",
			"vstore4__safe__",
			"vstore4__safe__Dv4_fjPU3AS1f",
		},
		{
			"unmangled original has no suffix",
			"sincos",
			"sincos__safe__",
			"sincos__safe__",
		},
		{
			"atomic",
			"_Z10atomic_addPVU3AS1ii",
			"atomic_add__safe__",
			"atomic_add__safe__PVU3AS1ii",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CustomMangle(tt.orig, tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
