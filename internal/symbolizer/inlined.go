package symbolizer

import (
	"debug/dwarf"
	"fmt"
)

type inlinedSubroutine struct {
	origin   *subprogram
	pc       Range
	callFile int64
	callLine int64
}

func parseInlinedSubroutine(e *dwarf.Entry, depth int, u Unit) (*inlinedSubroutine, error) {
	if e.Tag != dwarf.TagInlinedSubroutine {
		return nil, fmt.Errorf("DIE at %#x is %s, not an inlined subroutine", e.Offset, e.Tag)
	}

	var (
		origin     *subprogram
		pc         Range
		haveRanges bool
		lowPC      uint64
		haveLow    bool
		highPC     uint64
		highIsAddr bool
		haveHigh   bool
		callFile   int64
		haveFile   bool
		callLine   int64
		haveLine   bool
	)
	for _, f := range e.Field {
		switch f.Attr {
		case dwarf.AttrAbstractOrigin:
			off, ok := f.Val.(dwarf.Offset)
			if f.Class != dwarf.ClassReference || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			sub, err := resolveOrigin(e, off, depth, u)
			if err != nil {
				return nil, err
			}
			origin = sub

		case dwarf.AttrRanges:
			if f.Class != dwarf.ClassRangeListPtr && f.Class != dwarf.ClassRngList {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			ranges, err := u.Ranges(e)
			if err != nil {
				return nil, fmt.Errorf("ranges of DIE at %#x: %w", e.Offset, err)
			}
			if len(ranges) == 0 {
				return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrRanges}
			}
			// a single entry is expected; the first one is the call site
			pc = Range{Low: ranges[0][0], High: ranges[0][1]}
			haveRanges = true

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

		case dwarf.AttrCallFile:
			v, ok := f.Val.(int64)
			if f.Class != dwarf.ClassConstant || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			callFile, haveFile = v, true

		case dwarf.AttrCallLine:
			v, ok := f.Val.(int64)
			if f.Class != dwarf.ClassConstant || !ok {
				return nil, &UnexpectedFormError{Offset: e.Offset, Attr: f.Attr, Class: f.Class}
			}
			callLine, haveLine = v, true
		}
	}

	if origin == nil {
		return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrAbstractOrigin}
	}
	if !haveRanges {
		if !haveLow {
			return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrLowpc}
		}
		if !haveHigh {
			return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrHighpc}
		}
		pc = pcRange(lowPC, highPC, highIsAddr)
	}
	if !haveFile {
		return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrCallFile}
	}
	if !haveLine {
		return nil, &MissingAttributeError{Offset: e.Offset, Tag: e.Tag, Attr: dwarf.AttrCallLine}
	}

	return &inlinedSubroutine{
		origin:   origin,
		pc:       pc,
		callFile: callFile,
		callLine: callLine,
	}, nil
}

func resolveOrigin(e *dwarf.Entry, off dwarf.Offset, depth int, u Unit) (*subprogram, error) {
	target, err := u.Entry(off)
	if err != nil {
		return nil, fmt.Errorf("abstract origin of DIE at %#x: %w", e.Offset, err)
	}
	if target.Tag != dwarf.TagSubprogram {
		return nil, &UnresolvedOriginError{Offset: e.Offset, Origin: off}
	}
	sub, err := parseSubprogram(target, depth)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, &UnresolvedOriginError{Offset: e.Offset, Origin: off}
	}
	return sub, nil
}

// callFileName maps a DW_AT_call_file index to a path using the unit's
// line table. Unknown indices resolve to "".
func callFileName(u Unit, idx int64) (string, error) {
	files, err := u.Files()
	if err != nil {
		return "", err
	}
	if idx < 0 || idx >= int64(len(files)) || files[idx] == nil {
		return "", nil
	}
	return files[idx].Name, nil
}
