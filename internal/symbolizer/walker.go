package symbolizer

import (
	"debug/dwarf"
	"fmt"
	"log/slog"
)

// BuildFrameMap walks every unit and maps the code of live subprograms,
// and of the call sites inlined into them, to frames. The first malformed
// DIE aborts the whole pass.
func BuildFrameMap(units []Unit, live LiveSet, dm *Demangler) (*FrameMap, error) {
	if dm == nil {
		dm = DefaultDemangler
	}
	var entries []Entry
	for _, u := range units {
		w := &walker{unit: u, live: live, demangler: dm}
		if err := w.walk(); err != nil {
			return nil, fmt.Errorf("unit at %#x: %w", u.Offset(), err)
		}
		entries = append(entries, w.entries...)
	}
	slog.Debug("Walked debug info", "units", len(units), "entries", len(entries))
	return NewFrameMap(entries), nil
}

// FramesFromSections is the whole pipeline from raw sections to a FrameMap.
// Objects without debug info produce an empty map.
func FramesFromSections(s Sections, live LiveSet, dm *Demangler) (*FrameMap, error) {
	d, info, err := loadDWARF(s)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return NewFrameMap(nil), nil
	}
	units, err := Units(d, info)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return BuildFrameMap(units, live, dm)
}

type walker struct {
	unit      Unit
	live      LiveSet
	demangler *Demangler

	depth int
	// liveDepth is the depth of the live subprogram being walked; it is
	// meaningful only while inLive is set
	inLive    bool
	liveDepth int

	entries []Entry
}

func (w *walker) walk() error {
	cursor := w.unit.Cursor()

	_, root, err := cursor.Next()
	if err != nil {
		return err
	}
	if root == nil {
		return &EmptyDebugInfoError{Unit: w.unit.Offset()}
	}

	for {
		delta, e, err := cursor.Next()
		if err != nil {
			return err
		}
		if e == nil {
			return nil
		}
		if err := w.step(delta, e); err != nil {
			return err
		}
	}
}

func (w *walker) step(delta int, e *dwarf.Entry) error {
	w.depth += delta

	if w.inLive && w.depth <= w.liveDepth {
		// left the subtree of the live subprogram
		w.inLive = false
	}

	switch {
	case e.Tag == dwarf.TagSubprogram:
		sub, err := parseSubprogram(e, w.depth)
		if err != nil {
			return err
		}
		if sub == nil || sub.inlined {
			// abstract instances are reached through the abstract
			// origin of inlined call sites
			return nil
		}
		if !w.live.Contains(sub.name) {
			// removed by the linker; its subtree stays inert
			return nil
		}
		if w.inLive {
			return &NestedSubprogramError{Offset: e.Offset, Name: sub.name, Depth: w.depth, EnclosingDepth: w.liveDepth}
		}
		w.inLive = true
		w.liveDepth = w.depth
		w.entries = append(w.entries, Entry{
			Range: sub.pc,
			Frame: Frame{Name: w.demangler.Demangle(sub.name), Depth: w.depth},
		})

	case e.Tag == dwarf.TagInlinedSubroutine && w.inLive:
		inl, err := parseInlinedSubroutine(e, w.depth, w.unit)
		if err != nil {
			return err
		}
		file, err := callFileName(w.unit, inl.callFile)
		if err != nil {
			return fmt.Errorf("line table: %w", err)
		}
		w.entries = append(w.entries, Entry{
			Range: inl.pc,
			Frame: Frame{
				Name:     w.demangler.Demangle(inl.origin.name),
				Depth:    w.depth,
				Inlined:  true,
				CallFile: file,
				CallLine: inl.callLine,
			},
		})
	}
	return nil
}
