package symbolizer

import (
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// Cursor walks the DIEs of one unit depth-first. Next returns the depth of
// the entry relative to the previously returned one; the root comes back
// with a delta of 0. A nil entry marks the end of the unit. Null entries
// that close sibling lists are folded into the deltas.
type Cursor interface {
	Next() (delta int, entry *dwarf.Entry, err error)
}

// Unit is one compilation unit of the debug info.
type Unit interface {
	Offset() dwarf.Offset
	Cursor() Cursor
	// Entry decodes the DIE at off, as referenced by abstract origins.
	Entry(off dwarf.Offset) (*dwarf.Entry, error)
	// Ranges returns the address ranges of e, dereferencing DW_AT_ranges.
	Ranges(e *dwarf.Entry) ([][2]uint64, error)
	// Files is the unit's line table file list, indexed by DW_AT_call_file.
	// It is nil when the unit has no line table.
	Files() ([]*dwarf.LineFile, error)
}

// Units lists the units of d in section order. info is the .debug_info
// section d was built from; unit boundaries are taken from its headers so
// that a unit without a root DIE is still listed.
func Units(d *dwarf.Data, info []byte) ([]Unit, error) {
	order := d.Reader().ByteOrder()
	if order == nil {
		// no unit with a body; every length reads the same either way
		order = binary.LittleEndian
	}
	heads, err := unitHeaders(info, order)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, 0, len(heads))
	for _, h := range heads {
		units = append(units, &dwarfUnit{data: d, root: h.root, empty: h.empty})
	}
	return units, nil
}

type unitHeader struct {
	root  dwarf.Offset // first DIE
	empty bool         // no bytes after the header
}

// unitHeaders walks the unit headers of a .debug_info section. Units of
// length zero are skipped, as debug/dwarf does.
func unitHeaders(info []byte, order binary.ByteOrder) ([]unitHeader, error) {
	var heads []unitHeader
	for off := 0; off < len(info); {
		rest := info[off:]
		if len(rest) < 4 {
			return nil, fmt.Errorf("unit header at %#x: truncated", off)
		}
		length := uint64(order.Uint32(rest))
		lenSize, offSize := 4, 4
		if length == 0xffffffff {
			if len(rest) < 12 {
				return nil, fmt.Errorf("unit header at %#x: truncated", off)
			}
			length = order.Uint64(rest[4:])
			lenSize, offSize = 12, 8
		}
		if length > uint64(len(rest)-lenSize) {
			return nil, fmt.Errorf("unit at %#x: length %d past end of section", off, length)
		}
		end := off + lenSize + int(length)
		if length == 0 {
			off = end
			continue
		}

		// version, debug_abbrev_offset, address_size
		size := 2 + offSize + 1
		if length < 3 {
			return nil, fmt.Errorf("unit header at %#x: truncated", off)
		}
		if order.Uint16(rest[lenSize:]) >= 5 {
			size++ // unit_type
			switch rest[lenSize+2] {
			case 0x02, 0x06: // DW_UT_type, DW_UT_split_type
				size += 8 + offSize
			case 0x04, 0x05: // DW_UT_skeleton, DW_UT_split_compile
				size += 8
			}
		}
		if uint64(size) > length {
			return nil, fmt.Errorf("unit header at %#x: truncated", off)
		}
		heads = append(heads, unitHeader{
			root:  dwarf.Offset(off + lenSize + size),
			empty: uint64(size) == length,
		})
		off = end
	}
	return heads, nil
}

type dwarfUnit struct {
	data  *dwarf.Data
	root  dwarf.Offset
	empty bool

	files       []*dwarf.LineFile
	filesLoaded bool
}

func (u *dwarfUnit) Offset() dwarf.Offset { return u.root }

func (u *dwarfUnit) Cursor() Cursor {
	if u.empty {
		return &dwarfCursor{done: true}
	}
	r := u.data.Reader()
	r.Seek(u.root)
	return &dwarfCursor{r: r}
}

func (u *dwarfUnit) Entry(off dwarf.Offset) (*dwarf.Entry, error) {
	r := u.data.Reader()
	r.Seek(off)
	e, err := r.Next()
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("no DIE at %#x", off)
	}
	return e, nil
}

func (u *dwarfUnit) Ranges(e *dwarf.Entry) ([][2]uint64, error) {
	return u.data.Ranges(e)
}

func (u *dwarfUnit) Files() ([]*dwarf.LineFile, error) {
	if u.filesLoaded {
		return u.files, nil
	}
	root, err := u.Entry(u.root)
	if err != nil {
		return nil, err
	}
	lr, err := u.data.LineReader(root)
	if err != nil {
		return nil, err
	}
	if lr != nil {
		u.files = lr.Files()
	}
	u.filesLoaded = true
	return u.files, nil
}

type dwarfCursor struct {
	r       *dwarf.Reader
	next    int // depth the next decoded entry sits at
	last    int // depth of the last returned entry
	started bool
	done    bool
}

func (c *dwarfCursor) Next() (int, *dwarf.Entry, error) {
	for !c.done {
		e, err := c.r.Next()
		if err != nil {
			return 0, nil, err
		}
		if e == nil {
			c.done = true
			break
		}
		if e.Tag == 0 {
			c.next--
			if c.next <= 0 {
				c.done = true
			}
			continue
		}
		if c.started && c.next == 0 {
			// root of the following unit
			c.done = true
			break
		}
		c.started = true

		depth := c.next
		if e.Children {
			c.next++
		}
		delta := depth - c.last
		c.last = depth
		return delta, e, nil
	}
	return 0, nil, nil
}
