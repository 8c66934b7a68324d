package symbolizer

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"sync"
)

// use this interface to resolve addresses against object files on disk
type SymbolResolver interface {
	ResolvePC(path string, pc uint64, slide uint64) (*Location, error)
	Slide(path string, region *MapRegion) (uint64, error)
}

type BinaryLoader interface {
	LoadFrom(path string) (*Binary, error)
}

// Segment is a PT_LOAD program header.
type Segment struct {
	Vaddr  uint64
	Off    uint64
	Filesz uint64
	Align  uint64
}

// Binary is an analysed object: its frame map and load segments.
type Binary struct {
	Path   string
	Frames *FrameMap
	Loads  []Segment
}

func (b *Binary) ResolvePC(pc uint64, slide uint64) *Location {
	loc := b.Frames.Locate(pc - slide)
	loc.Addr = pc
	for i := range loc.Symbols {
		loc.Symbols[i].Addr = pc
	}
	return &loc
}

// Slide returns the load bias of the object mapped at region: the value to
// subtract from a runtime address to get a link-time address.
func (b *Binary) Slide(region *MapRegion) uint64 {
	for _, s := range b.Loads {
		start := s.Off
		if s.Align > 1 {
			start &^= s.Align - 1
		}
		if region.Offset >= start && region.Offset < s.Off+s.Filesz {
			return region.Start - region.Offset - (s.Vaddr - s.Off)
		}
	}
	// no segment maps this offset; assume the lowest segment sits at the
	// start of the mapping
	if len(b.Loads) == 0 {
		return 0
	}
	minVaddr := b.Loads[0].Vaddr
	for _, s := range b.Loads[1:] {
		minVaddr = min(minVaddr, s.Vaddr)
	}
	return region.Start - minVaddr
}

// The standard SymbolResolver implementation: loads each object once and caches its frame map
type CachingResolver struct {
	// TODO: binaries are cached for the lifetime of the resolver; add LRU eviction when symbolizing many processes
	cache  map[string]*Binary
	failed map[string]error
	loader BinaryLoader
	mu     sync.Mutex
}

func NewCachingResolver(loader BinaryLoader) *CachingResolver {
	return &CachingResolver{loader: loader, cache: make(map[string]*Binary), failed: make(map[string]error)}
}

func (c *CachingResolver) ResolvePC(path string, pc uint64, slide uint64) (*Location, error) {
	b, err := c.Get(path)
	if err != nil {
		return nil, err
	}
	return b.ResolvePC(pc, slide), nil
}

func (c *CachingResolver) Slide(path string, region *MapRegion) (uint64, error) {
	b, err := c.Get(path)
	if err != nil {
		return 0, err
	}
	return b.Slide(region), nil
}

// Get returns the cached Binary for path, loading it on first use. A failed
// load is returned as a *LoadError, and the same error comes back for the
// path from then on.
func (c *CachingResolver) Get(path string) (*Binary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.cache[path]; ok {
		return b, nil
	}
	if err, ok := c.failed[path]; ok {
		return nil, err
	}
	b, err := c.loader.LoadFrom(path)
	if err != nil {
		err = &LoadError{Path: path, Err: err}
		c.failed[path] = err
		return nil, err
	}
	c.cache[path] = b
	return b, nil
}

// LiveSource decides which functions of an object count as live.
type LiveSource func(o *Object) (LiveSet, error)

// LiveFromSymbols is the default LiveSource: the object's own symbol tables.
func LiveFromSymbols(o *Object) (LiveSet, error) {
	return LiveFromELF(o.ELF)
}

// LiveFromBPFObject takes the functions of the eBPF programs in the object.
func LiveFromBPFObject(o *Object) (LiveSet, error) {
	return LiveFromBPF(o.Reader())
}

// LiveFromFile reads the live set from a list of names, whatever the object.
func LiveFromFile(path string) LiveSource {
	return func(*Object) (LiveSet, error) {
		live := make(LiveSet)
		err := NewDataLoader(path).Each(func(name string) error {
			live.Add(name)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read live functions: %w", err)
		}
		return live, nil
	}
}

// NewLiveSource picks a LiveSource by name: "symbols", "bpf" or "file".
func NewLiveSource(kind, file string) (LiveSource, error) {
	switch kind {
	case "symbols", "":
		return LiveFromSymbols, nil
	case "bpf":
		return LiveFromBPFObject, nil
	case "file":
		if file == "" {
			return nil, fmt.Errorf("live source %q needs a file", kind)
		}
		return LiveFromFile(file), nil
	}
	return nil, fmt.Errorf("unknown live source %q", kind)
}

// ObjectLoader builds Binaries from ELF files on disk.
type ObjectLoader struct {
	Live      LiveSource
	Demangler *Demangler
}

func (l *ObjectLoader) LoadFrom(path string) (*Binary, error) {
	o, err := OpenObject(path)
	if err != nil {
		return nil, err
	}
	defer o.Close()

	liveSource := l.Live
	if liveSource == nil {
		liveSource = LiveFromSymbols
	}
	live, err := liveSource(o)
	if err != nil {
		return nil, fmt.Errorf("live functions: %w", err)
	}

	frames, err := FramesFromSections(o.Sections(), live, l.Demangler)
	if err != nil {
		return nil, err
	}
	slog.Info("Built frame map", "path", path, "entries", frames.Len(), "byteOrder", o.ByteOrder().String())

	b := &Binary{Path: path, Frames: frames}
	for _, p := range o.ELF.Progs {
		if p.Type == elf.PT_LOAD {
			b.Loads = append(b.Loads, Segment{Vaddr: p.Vaddr, Off: p.Off, Filesz: p.Filesz, Align: p.Align})
		}
	}
	return b, nil
}
