package symbolizer

import (
	"debug/dwarf"
	"errors"
	"fmt"
)

// ErrMalformedDebugInfo is matched (via errors.Is) by every error that
// reports debug info the walker cannot interpret.
var ErrMalformedDebugInfo = errors.New("malformed debug info")

// EmptyDebugInfoError reports a unit whose DIE tree has no root.
type EmptyDebugInfoError struct {
	Unit dwarf.Offset
}

func (e *EmptyDebugInfoError) Error() string {
	return fmt.Sprintf("unit at %#x has no DIEs", e.Unit)
}

func (e *EmptyDebugInfoError) Unwrap() error { return ErrMalformedDebugInfo }

// MissingAttributeError reports a DIE lacking an attribute its tag requires.
type MissingAttributeError struct {
	Offset dwarf.Offset
	Tag    dwarf.Tag
	Attr   dwarf.Attr
}

func (e *MissingAttributeError) Error() string {
	return fmt.Sprintf("%s at %#x: missing %s", e.Tag, e.Offset, e.Attr)
}

func (e *MissingAttributeError) Unwrap() error { return ErrMalformedDebugInfo }

// UnexpectedFormError reports an attribute encoded in a class the walker
// does not accept for it.
type UnexpectedFormError struct {
	Offset dwarf.Offset
	Attr   dwarf.Attr
	Class  dwarf.Class
}

func (e *UnexpectedFormError) Error() string {
	return fmt.Sprintf("DIE at %#x: unexpected class %s for %s", e.Offset, e.Class, e.Attr)
}

func (e *UnexpectedFormError) Unwrap() error { return ErrMalformedDebugInfo }

// UnresolvedOriginError reports an inlined call site whose abstract origin
// does not lead to a named subprogram.
type UnresolvedOriginError struct {
	Offset dwarf.Offset
	Origin dwarf.Offset
}

func (e *UnresolvedOriginError) Error() string {
	return fmt.Sprintf("inlined subroutine at %#x: origin %#x is not a named subprogram", e.Offset, e.Origin)
}

func (e *UnresolvedOriginError) Unwrap() error { return ErrMalformedDebugInfo }

// NestedSubprogramError reports a live subprogram found inside the subtree
// of another live subprogram.
type NestedSubprogramError struct {
	Offset         dwarf.Offset
	Name           string
	Depth          int
	EnclosingDepth int
}

func (e *NestedSubprogramError) Error() string {
	return fmt.Sprintf("subprogram %q at %#x (depth %d) is nested in a live subprogram at depth %d",
		e.Name, e.Offset, e.Depth, e.EnclosingDepth)
}

func (e *NestedSubprogramError) Unwrap() error { return ErrMalformedDebugInfo }

// LoadError reports an object that could not be turned into a Binary.
// CachingResolver remembers it for the path.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
