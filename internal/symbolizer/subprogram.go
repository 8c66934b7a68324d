package symbolizer

import (
	"debug/dwarf"
	"fmt"
)

const (
	dwInlInlined         = 1
	dwInlDeclaredInlined = 3
)

type subprogram struct {
	// depth in the DIE tree
	depth int
	name  string
	pc    Range
	// no code of its own: an abstract instance referenced by inlined
	// call sites, or a declaration
	inlined bool
	// NOTE decl_file/decl_line point at the signature, not at the
	// statements, so they are not collected
}

// parseSubprogram returns nil, nil when the DIE has neither a linkage name
// nor a name. Such DIEs are out-of-line instances that only point at
// their abstract origin.
func parseSubprogram(e *dwarf.Entry, depth int) (*subprogram, error) {
	if e.Tag != dwarf.TagSubprogram {
		return nil, fmt.Errorf("DIE at %#x is %s, not a subprogram", e.Offset, e.Tag)
	}

	var (
		inlined     bool
		haveInline  bool
		linkageName string
		name        string
		lowPC       uint64
		haveLow     bool
		highPC      uint64
		highIsAddr  bool
		haveHigh    bool
	)
	for _, f := range e.Field {
		switch f.Attr {
		case dwarf.AttrLowpc:
			addr, ok := f.Val.(uint64)
			if f.Class != dwarf.ClassAddress || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			lowPC, haveLow = addr, true

		case dwarf.AttrHighpc:
			v, isAddr, err := highPCValue(e, f)
			if err != nil {
				return nil, err
			}
			highPC, highIsAddr, haveHigh = v, isAddr, true

		case dwarf.AttrLinkageName, dwarf.AttrName:
			s, ok := f.Val.(string)
			if f.Class != dwarf.ClassString || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			if f.Attr == dwarf.AttrLinkageName {
				linkageName = s
			} else {
				name = s
			}

		case dwarf.AttrInline:
			v, ok := f.Val.(int64)
			if f.Class != dwarf.ClassConstant || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			haveInline = true
			if v == dwInlInlined || v == dwInlDeclaredInlined {
				inlined = true
			}

		case dwarf.AttrDeclaration:
			if decl, ok := f.Val.(bool); ok && decl {
				inlined = true
			}
		}
	}

	if linkageName != "" {
		name = linkageName
	}
	if name == "" {
		return nil, nil
	}

	// any DW_AT_inline on a DIE without code marks an abstract instance,
	// whatever its value
	if haveInline && !haveLow && !haveHigh {
		inlined = true
	}
	sub := &subprogram{depth: depth, name: name, inlined: inlined}
	if inlined {
		return sub, nil
	}
	if !haveLow {
		return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrLowpc}
	}
	if !haveHigh {
		return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrHighpc}
	}
	sub.pc = pcRange(lowPC, highPC, highIsAddr)
	return sub, nil
}

// highPCValue decodes DW_AT_high_pc. DWARF 4 producers encode it as an
// offset from low_pc (constant class); older ones, and the Go linker,
// store the end address itself.
func highPCValue(e *dwarf.Entry, f dwarf.Field) (uint64, bool, error) {
	switch f.Class {
	case dwarf.ClassConstant:
		if v, ok := f.Val.(int64); ok && v >= 0 {
			return uint64(v), false, nil
		}
	case dwarf.ClassAddress:
		if v, ok := f.Val.(uint64); ok {
			return v, true, nil
		}
	}
	return 0, false, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
}

func pcRange(low, high uint64, highIsAddr bool) Range {
	if highIsAddr {
		return Range{Low: low, High: high}
	}
	return Range{Low: low, High: low + high}
}
