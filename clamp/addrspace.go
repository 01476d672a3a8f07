package clamp

// AddressSpaces maps the five OpenCL memory regions onto the numeric
// address spaces of a target. Pointers carry the number in their type;
// the pass only ever compares against this table, never against bare
// literals.
type AddressSpaces struct {
	Private  uint
	Global   uint
	Constant uint
	Local    uint
	Generic  uint
}

// SPIRAddressSpaces is the SPIR convention: private memory is address
// space 0, so function allocas land there without a cast.
var SPIRAddressSpaces = AddressSpaces{
	Private:  0,
	Global:   1,
	Constant: 2,
	Local:    3,
	Generic:  4,
}

// NVPTXAddressSpaces is the NVPTX convention.
var NVPTXAddressSpaces = AddressSpaces{
	Generic:  0,
	Global:   1,
	Local:    3,
	Constant: 4,
	Private:  5,
}

// Known reports whether n is one of the five recognized spaces.
func (a AddressSpaces) Known(n uint) bool {
	switch n {
	case a.Private, a.Global, a.Constant, a.Local, a.Generic:
		return true
	}
	return false
}
