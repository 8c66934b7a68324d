package pprof

import (
	"fmt"
	"io"
	"os"

	"github.com/VladMinzatu/pc2frames/internal/stacks"
	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
	"github.com/google/pprof/profile"
)

type builder struct {
	p          *profile.Profile
	funcs      map[funcKey]*profile.Function
	nextFuncID uint64
}

type funcKey struct {
	name, file string
}

func newBuilder(p *profile.Profile) *builder {
	b := &builder{p: p, funcs: map[funcKey]*profile.Function{}, nextFuncID: 1}
	for _, fn := range p.Function {
		b.funcs[funcKey{fn.Name, fn.Filename}] = fn
		if fn.ID >= b.nextFuncID {
			b.nextFuncID = fn.ID + 1
		}
	}
	return b
}

func (b *builder) addFunction(name, file string) *profile.Function {
	key := funcKey{name, file}
	if f, ok := b.funcs[key]; ok {
		return f
	}
	fn := &profile.Function{
		ID:         b.nextFuncID,
		Name:       name,
		SystemName: name,
		Filename:   file,
	}
	b.nextFuncID++
	b.funcs[key] = fn
	b.p.Function = append(b.p.Function, fn)
	return fn
}

// lines turns the frames active at one address into pprof lines, innermost
// first. A caller's line and file come from the call site of the frame
// inlined into it.
func (b *builder) lines(symbols []symbolizer.Symbol) []profile.Line {
	lines := make([]profile.Line, 0, len(symbols))
	for i, sym := range symbols {
		var file string
		var line int64
		if i > 0 {
			file = symbols[i-1].CallFile
			line = symbols[i-1].CallLine
		}
		lines = append(lines, profile.Line{Function: b.addFunction(sym.Name, file), Line: line})
	}
	return lines
}

func BuildPprofProfile(samples []stacks.Sample, sampleTypeName, sampleTypeUnit string) (*profile.Profile, error) {
	if len(samples) == 0 {
		p := &profile.Profile{}
		return p, nil
	}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
	}
	b := newBuilder(p)

	locMap := map[uint64]*profile.Location{}
	nextLocID := uint64(1)

	addLocationFor := func(loc symbolizer.Location) *profile.Location {
		if l, ok := locMap[loc.Addr]; ok {
			return l
		}
		l := &profile.Location{
			ID:      nextLocID,
			Address: loc.Addr,
			Line:    b.lines(loc.Symbols),
		}
		nextLocID++
		locMap[loc.Addr] = l
		p.Location = append(p.Location, l)
		return l
	}

	// for each sample -> up to 2 pprof samples (we separate user and kernel, which is more flexible for downstream)
	for _, s := range samples {
		emit := func(stack []symbolizer.Location, typ string) {
			if len(stack) == 0 {
				return
			}
			// leaf first, as pprof expects
			locs := make([]*profile.Location, 0, len(stack))
			for _, loc := range stack {
				locs = append(locs, addLocationFor(loc))
			}

			pprofSample := &profile.Sample{
				Value:    []int64{int64(s.Count)},
				Location: locs,
				Label:    map[string][]string{"profile_type": {typ}},
				NumLabel: map[string][]int64{},
			}
			p.Sample = append(p.Sample, pprofSample)
		}

		emit(s.UserStack, "user")
		emit(s.KernelStack, "kernel")
	}

	start, end := samples[0].Timestamp, samples[0].Timestamp
	for _, s := range samples[1:] {
		if s.Timestamp.Before(start) {
			start = s.Timestamp
		}
		if s.Timestamp.After(end) {
			end = s.Timestamp
		}
	}
	p.TimeNanos = start.UnixNano()
	p.DurationNanos = end.Sub(start).Nanoseconds()

	return p, nil
}

// SymbolizeProfile resolves the locations of p that carry no lines yet
// against frames, after subtracting slide from their addresses. It returns
// the number of locations it resolved.
func SymbolizeProfile(p *profile.Profile, frames *symbolizer.FrameMap, slide uint64) int {
	b := newBuilder(p)
	resolved := 0
	for _, l := range p.Location {
		if len(l.Line) > 0 || l.Address < slide {
			continue
		}
		loc := frames.Locate(l.Address - slide)
		if len(loc.Symbols) == 0 {
			continue
		}
		l.Line = b.lines(loc.Symbols)
		resolved++
	}
	if resolved > 0 {
		for _, m := range p.Mapping {
			m.HasFunctions = true
			m.HasInlineFrames = true
		}
	}
	return resolved
}

// ReadProfile parses a pprof profile, gzipped or not.
func ReadProfile(r io.Reader) (*profile.Profile, error) {
	p, err := profile.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// WriteProfileGzip writes p in the gzip-compressed wire form pprof reads.
func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}

func WriteProfile(p *profile.Profile, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteProfileGzip(p, f)
}
