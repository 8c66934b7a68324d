package symbolizer

import "sort"

// FrameMap answers "which frames cover this address". Ranges may overlap
// (an inlined call site lies inside its caller); all of them are kept.
//
// Entries are sorted by Low and read as an implicit balanced binary tree:
// the node of a sub-slice is its middle element, and maxHigh holds the
// largest High of the sub-slice rooted there.
type FrameMap struct {
	entries []Entry
	maxHigh []uint64
}

func NewFrameMap(entries []Entry) *FrameMap {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Range.Low != sorted[j].Range.Low {
			return sorted[i].Range.Low < sorted[j].Range.Low
		}
		return sorted[i].Frame.Depth < sorted[j].Frame.Depth
	})
	m := &FrameMap{entries: sorted, maxHigh: make([]uint64, len(sorted))}
	m.index(0, len(sorted))
	return m
}

func (m *FrameMap) index(lo, hi int) uint64 {
	if lo >= hi {
		return 0
	}
	mid := lo + (hi-lo)/2
	top := m.entries[mid].Range.High
	if l := m.index(lo, mid); l > top {
		top = l
	}
	if r := m.index(mid+1, hi); r > top {
		top = r
	}
	m.maxHigh[mid] = top
	return top
}

// Query returns the entries whose range contains pc, outermost first.
func (m *FrameMap) Query(pc uint64) []Entry {
	var out []Entry
	m.query(0, len(m.entries), pc, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Frame.Depth < out[j].Frame.Depth })
	return out
}

func (m *FrameMap) query(lo, hi int, pc uint64, out *[]Entry) {
	if lo >= hi {
		return
	}
	mid := lo + (hi-lo)/2
	if m.maxHigh[mid] <= pc {
		return
	}
	m.query(lo, mid, pc, out)
	e := m.entries[mid]
	if e.Range.Low > pc {
		// e and everything to its right start past pc
		return
	}
	if e.Range.Contains(pc) {
		*out = append(*out, e)
	}
	m.query(mid+1, hi, pc, out)
}

// Entries returns all entries ordered by start address, then depth.
func (m *FrameMap) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *FrameMap) Len() int {
	return len(m.entries)
}

// Locate resolves pc into a Location, innermost frame first.
func (m *FrameMap) Locate(pc uint64) Location {
	entries := m.Query(pc)
	loc := Location{Addr: pc, Symbols: make([]Symbol, 0, len(entries))}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		loc.Symbols = append(loc.Symbols, Symbol{
			Name:     e.Frame.Name,
			Addr:     pc,
			Offset:   pc - e.Range.Low,
			Depth:    e.Frame.Depth,
			Inlined:  e.Frame.Inlined,
			CallFile: e.Frame.CallFile,
			CallLine: e.Frame.CallLine,
		})
	}
	return loc
}
