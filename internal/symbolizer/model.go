package symbolizer

import "fmt"

// Range is a half-open interval [Low, High) of instruction addresses.
type Range struct {
	Low, High uint64
}

func (r Range) Contains(pc uint64) bool {
	return pc >= r.Low && pc < r.High
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Low, r.High)
}

// Frame describes a function active over a Range: either a top-level
// subprogram or a call site that the compiler inlined into it.
type Frame struct {
	// demangled function name
	Name string
	// depth in the DIE tree
	Depth int
	// set for frames that come from an inlined call site
	Inlined bool
	// call site of the inlined function, in the caller's source
	CallFile string
	CallLine int64
}

// Entry is one element of a FrameMap.
type Entry struct {
	Range Range
	Frame Frame
}

// Symbol is a single frame resolved for a concrete address.
type Symbol struct {
	Name     string
	Addr     uint64
	Offset   uint64 // distance from the start of the frame's range
	Depth    int
	Inlined  bool
	CallFile string
	CallLine int64
}

// Location groups the frames active at one address, innermost first.
// An address that no frame covers yields a Location with no symbols.
type Location struct {
	Addr    uint64
	Symbols []Symbol
}

type ProcMapsProvider interface {
	FindRegion(pc uint64) *MapRegion
	Refresh() error
}
