package clamp

import (
	"fmt"
	"strconv"
	"strings"
)

// DemangleName extracts the unqualified function name from an
// Itanium-mangled symbol of the form _Z<len><name><params>. Names that do
// not start with _Z are returned unchanged, so the function is idempotent:
// once demangled, a name no longer starts with a digit-prefixed _Z form.
func DemangleName(name string) (string, error) {
	if !strings.HasPrefix(name, "_Z") {
		return name, nil
	}
	i := 2
	j := i
	for j < len(name) && name[j] >= '0' && name[j] <= '9' {
		j++
	}
	if j == i {
		// Not produced by the length-prefix scheme; leave it alone.
		return name, nil
	}
	n, err := strconv.Atoi(name[i:j])
	if err != nil {
		return "", fmt.Errorf("cannot demangle %q: %w", name, err)
	}
	if j+n > len(name) {
		return "", fmt.Errorf("cannot demangle %q: name length %d overruns symbol", name, n)
	}
	return name[j : j+n], nil
}

// mangleSuffix returns the Itanium parameter suffix of a mangled name:
// everything after the embedded unqualified name. For an unmangled name the
// suffix is empty.
func mangleSuffix(name, demangled string) string {
	pos := strings.Index(name, demangled)
	if pos < 0 {
		return ""
	}
	return name[pos+len(demangled):]
}

// CustomMangle builds the symbol name of a safe twin: base (which by
// convention ends with "__safe__") followed by the parameter suffix stolen
// from the original mangled name. Calls to symbols named by this scheme are
// expected to be resolved by the linked safe-builtin library and inlined
// away afterwards.
func CustomMangle(origName, base string) (string, error) {
	demangled, err := DemangleName(origName)
	if err != nil {
		return "", err
	}
	return base + mangleSuffix(origName, demangled), nil
}
