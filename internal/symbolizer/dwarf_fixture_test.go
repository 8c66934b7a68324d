package symbolizer

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fixtures are encoded as DWARF 4, 32-bit format, little-endian, with
// 8-byte addresses. Every DIE gets its own abbreviation and all units
// share the table at offset 0.

const (
	formAddr        = 0x01
	formData4       = 0x06
	formData8       = 0x07
	formString      = 0x08
	formData1       = 0x0b
	formUdata       = 0x0f
	formRefAddr     = 0x10
	formRef4        = 0x13
	formSecOffset   = 0x17
	formFlagPresent = 0x19
)

type testAttr struct {
	attr dwarf.Attr
	form uint8
	val  any
}

type testDIE struct {
	tag      dwarf.Tag
	label    string
	attrs    []testAttr
	children []*testDIE
}

func die(tag dwarf.Tag, attrs ...testAttr) *testDIE {
	return &testDIE{tag: tag, attrs: attrs}
}

func (d *testDIE) with(children ...*testDIE) *testDIE {
	d.children = append(d.children, children...)
	return d
}

// as labels the DIE so references can point at it.
func (d *testDIE) as(label string) *testDIE {
	d.label = label
	return d
}

func compileUnit(attrs ...testAttr) *testDIE { return die(dwarf.TagCompileUnit, attrs...) }

func subprogramDIE(attrs ...testAttr) *testDIE { return die(dwarf.TagSubprogram, attrs...) }

func inlinedDIE(attrs ...testAttr) *testDIE { return die(dwarf.TagInlinedSubroutine, attrs...) }

func atName(s string) testAttr { return testAttr{dwarf.AttrName, formString, s} }
func atLinkage(s string) testAttr { return testAttr{dwarf.AttrLinkageName, formString, s} }
func atLow(a uint64) testAttr { return testAttr{dwarf.AttrLowpc, formAddr, a} }
func atHighOff(n uint32) testAttr { return testAttr{dwarf.AttrHighpc, formData4, n} }
func atHighAddr(a uint64) testAttr { return testAttr{dwarf.AttrHighpc, formAddr, a} }
func atInline(v uint8) testAttr { return testAttr{dwarf.AttrInline, formData1, v} }
func atDeclaration() testAttr { return testAttr{dwarf.AttrDeclaration, formFlagPresent, nil} }
func atOrigin(label string) testAttr {
	return testAttr{dwarf.AttrAbstractOrigin, formRef4, label}
}
func atOriginAddr(label string) testAttr {
	return testAttr{dwarf.AttrAbstractOrigin, formRefAddr, label}
}
func atRanges(off uint32) testAttr { return testAttr{dwarf.AttrRanges, formSecOffset, off} }
func atCallFile(n uint8) testAttr { return testAttr{dwarf.AttrCallFile, formData1, n} }
func atCallLine(n uint64) testAttr { return testAttr{dwarf.AttrCallLine, formUdata, n} }
func atStmtList(off uint32) testAttr { return testAttr{dwarf.AttrStmtList, formSecOffset, off} }

// function spanning [low, low+size)
func liveSpan(low uint64, size uint32) []testAttr {
	return []testAttr{atLow(low), atHighOff(size)}
}

type testDWARF struct {
	ranges bytes.Buffer
	line   bytes.Buffer
}

// rangeList appends a .debug_ranges list and returns its offset.
func (b *testDWARF) rangeList(pairs ...[2]uint64) uint32 {
	off := uint32(b.ranges.Len())
	for _, p := range pairs {
		_ = binary.Write(&b.ranges, binary.LittleEndian, p[0])
		_ = binary.Write(&b.ranges, binary.LittleEndian, p[1])
	}
	_ = binary.Write(&b.ranges, binary.LittleEndian, [2]uint64{})
	return off
}

// lineTable appends a version 4 line program with the given files and an
// empty program. File i is referenced by DW_AT_call_file i+1.
func (b *testDWARF) lineTable(files ...string) uint32 {
	off := uint32(b.line.Len())

	var hdr bytes.Buffer
	// minimum_instruction_length, maximum_operations_per_instruction,
	// default_is_stmt, line_base (-5), line_range, opcode_base
	hdr.Write([]byte{1, 1, 1, 0xfb, 14, 13})
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	hdr.WriteByte(0) // no include directories
	for _, f := range files {
		hdr.WriteString(f)
		hdr.WriteByte(0)
		hdr.Write([]byte{0, 0, 0}) // directory, mtime, length
	}
	hdr.WriteByte(0)

	var unit bytes.Buffer
	_ = binary.Write(&unit, binary.LittleEndian, uint16(4))
	_ = binary.Write(&unit, binary.LittleEndian, uint32(hdr.Len()))
	unit.Write(hdr.Bytes())
	unit.Write([]byte{0, 1, 1}) // DW_LNE_end_sequence

	_ = binary.Write(&b.line, binary.LittleEndian, uint32(unit.Len()))
	b.line.Write(unit.Bytes())
	return off
}

// sections encodes units into .debug_info and .debug_abbrev. A nil unit is
// encoded as a header followed by a single null entry.
func (b *testDWARF) sections(t *testing.T, units ...*testDIE) MapSections {
	t.Helper()

	var info, abbrev bytes.Buffer
	type fixup struct {
		pos       int
		label     string
		form      uint8
		unitStart uint32
	}
	var fixups []fixup
	labels := make(map[string]uint32)
	code := uint64(0)

	var encode func(d *testDIE, unitStart uint32)
	encode = func(d *testDIE, unitStart uint32) {
		code++
		if d.label != "" {
			labels[d.label] = uint32(info.Len())
		}

		writeULEB(&abbrev, code)
		writeULEB(&abbrev, uint64(d.tag))
		if len(d.children) > 0 {
			abbrev.WriteByte(1)
		} else {
			abbrev.WriteByte(0)
		}
		for _, a := range d.attrs {
			writeULEB(&abbrev, uint64(a.attr))
			writeULEB(&abbrev, uint64(a.form))
		}
		abbrev.Write([]byte{0, 0})

		writeULEB(&info, code)
		for _, a := range d.attrs {
			switch a.form {
			case formAddr, formData8:
				_ = binary.Write(&info, binary.LittleEndian, a.val.(uint64))
			case formData4, formSecOffset:
				_ = binary.Write(&info, binary.LittleEndian, a.val.(uint32))
			case formData1:
				info.WriteByte(a.val.(uint8))
			case formUdata:
				writeULEB(&info, a.val.(uint64))
			case formString:
				info.WriteString(a.val.(string))
				info.WriteByte(0)
			case formRef4, formRefAddr:
				fixups = append(fixups, fixup{pos: info.Len(), label: a.val.(string), form: a.form, unitStart: unitStart})
				info.Write([]byte{0, 0, 0, 0})
			case formFlagPresent:
			default:
				t.Fatalf("unsupported form %#x", a.form)
			}
		}

		if len(d.children) > 0 {
			for _, c := range d.children {
				encode(c, unitStart)
			}
			info.WriteByte(0)
		}
	}

	for _, u := range units {
		start := uint32(info.Len())
		info.Write([]byte{
			0, 0, 0, 0, // unit_length
			4, 0,       // version
			0, 0, 0, 0, // debug_abbrev_offset
			8,          // address_size
		})
		if u == nil {
			info.WriteByte(0)
		} else {
			encode(u, start)
		}
		binary.LittleEndian.PutUint32(info.Bytes()[start:], uint32(info.Len())-start-4)
	}
	abbrev.WriteByte(0)

	data := info.Bytes()
	for _, f := range fixups {
		off, ok := labels[f.label]
		require.Truef(t, ok, "unknown label %q", f.label)
		if f.form == formRef4 {
			off -= f.unitStart
		}
		binary.LittleEndian.PutUint32(data[f.pos:], off)
	}

	return MapSections{
		".debug_info":   data,
		".debug_abbrev": abbrev.Bytes(),
		".debug_ranges": b.ranges.Bytes(),
		".debug_line":   b.line.Bytes(),
	}
}

func writeULEB(buf *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		buf.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

// testUnits decodes fixture sections and lists their units.
func testUnits(t *testing.T, s MapSections) []Unit {
	t.Helper()
	d, err := LoadDWARF(s)
	require.NoError(t, err)
	require.NotNil(t, d)
	units, err := Units(d, s[".debug_info"])
	require.NoError(t, err)
	return units
}
