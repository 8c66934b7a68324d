package exporter

import (
	"fmt"
	"io"
	"os"

	"github.com/VladMinzatu/pc2frames/internal/stacks"
	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

const scopeName = "pc2frames"

type NowFunc func() uint64 // produces unix nsec

type oltpTables struct {
	strings   []string
	stringIdx map[string]int32
	functions []*profilespb.Function
	funcIdx   map[funcKey]int32
	locations []*profilespb.Location
	locIdx    map[uint64]int32
	stacks    []*profilespb.Stack
}

type funcKey struct {
	name, file string
}

func newOltpTables() *oltpTables {
	return &oltpTables{
		strings:   []string{""},
		stringIdx: map[string]int32{"": 0},
		functions: []*profilespb.Function{{}},
		funcIdx:   map[funcKey]int32{},
		locations: []*profilespb.Location{{}},
		locIdx:    map[uint64]int32{},
		stacks:    []*profilespb.Stack{{}},
	}
}

func (t *oltpTables) str(s string) int32 {
	if i, ok := t.stringIdx[s]; ok {
		return i
	}
	t.strings = append(t.strings, s)
	i := int32(len(t.strings) - 1)
	t.stringIdx[s] = i
	return i
}

func (t *oltpTables) function(name, file string) int32 {
	key := funcKey{name, file}
	if i, ok := t.funcIdx[key]; ok {
		return i
	}
	nameIdx := t.str(name)
	fn := &profilespb.Function{
		NameStrindex:       nameIdx,
		SystemNameStrindex: nameIdx,
	}
	if file != "" {
		fn.FilenameStrindex = t.str(file)
	}
	t.functions = append(t.functions, fn)
	i := int32(len(t.functions) - 1)
	t.funcIdx[key] = i
	return i
}

// location adds one Location per address with a Line per active frame,
// innermost first. Callers get the line of the call site inlined into them.
func (t *oltpTables) location(l symbolizer.Location) int32 {
	if i, ok := t.locIdx[l.Addr]; ok {
		return i
	}
	lines := make([]*profilespb.Line, 0, len(l.Symbols))
	for i, sym := range l.Symbols {
		var file string
		var line int64
		if i > 0 {
			file = l.Symbols[i-1].CallFile
			line = l.Symbols[i-1].CallLine
		}
		lines = append(lines, &profilespb.Line{FunctionIndex: t.function(sym.Name, file), Line: line})
	}
	t.locations = append(t.locations, &profilespb.Location{
		Address:      l.Addr,
		MappingIndex: 0,
		Lines:        lines,
	})
	i := int32(len(t.locations) - 1)
	t.locIdx[l.Addr] = i
	return i
}

func (t *oltpTables) stack(locs []symbolizer.Location) int32 {
	indices := make([]int32, 0, len(locs))
	for _, l := range locs {
		indices = append(indices, t.location(l))
	}
	t.stacks = append(t.stacks, &profilespb.Stack{LocationIndices: indices})
	return int32(len(t.stacks) - 1)
}

func BuildOltpProfile(samples []stacks.Sample, now NowFunc) *profilespb.ProfilesData {
	nowNsec := now()
	tables := newOltpTables()
	profileSamples := make([]*profilespb.Sample, 0, len(samples))

	sampleType := &profilespb.ValueType{
		TypeStrindex: tables.str("samples"),
		UnitStrindex: tables.str("count"),
	}

	for _, s := range samples {
		if len(s.UserStack) == 0 && len(s.KernelStack) == 0 {
			continue
		}
		// one combined leaf-first stack: kernel frames sit below the user ones
		combined := make([]symbolizer.Location, 0, len(s.UserStack)+len(s.KernelStack))
		combined = append(combined, s.KernelStack...)
		combined = append(combined, s.UserStack...)

		pbSample := &profilespb.Sample{
			StackIndex:         tables.stack(combined),
			Values:             []int64{int64(s.Count)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{uint64(s.Timestamp.UnixNano())},
		}
		profileSamples = append(profileSamples, pbSample)
	}

	profile := &profilespb.Profile{
		TimeUnixNano: nowNsec,
		DurationNano: uint64(0),
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    scopeName,
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  []*profilespb.Mapping{{}},
		LocationTable: tables.locations,
		FunctionTable: tables.functions,
		StackTable:    tables.stacks,
		StringTable:   tables.strings,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

// EncodeOltpProfile writes data as a binary protobuf message.
func EncodeOltpProfile(data *profilespb.ProfilesData, w io.Writer) error {
	b, err := proto.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal profiles: %w", err)
	}
	_, err = w.Write(b)
	return err
}

func WriteOltpProfile(data *profilespb.ProfilesData, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return EncodeOltpProfile(data, f)
}
