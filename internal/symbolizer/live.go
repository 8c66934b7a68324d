package symbolizer

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cilium/ebpf"
)

// LiveSet holds the names of the functions the linker kept. Membership is
// exact string equality on the raw (mangled) name.
type LiveSet map[string]struct{}

func NewLiveSet(names ...string) LiveSet {
	s := make(LiveSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func (s LiveSet) Contains(name string) bool {
	_, ok := s[name]
	return ok
}

func (s LiveSet) Add(name string) {
	s[name] = struct{}{}
}

// LiveFromELF collects the defined function symbols of .symtab and .dynsym.
func LiveFromELF(ef *elf.File) (LiveSet, error) {
	syms, err := readElfSymbols(ef)
	if err != nil {
		return nil, err
	}
	live := make(LiveSet)
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Section == elf.SHN_UNDEF || s.Value == 0 {
			continue
		}
		live.Add(s.Name)
	}
	slog.Info("Collected live functions from ELF symbols", "symbols", len(syms), "live", len(live))
	return live, nil
}

func readElfSymbols(ef *elf.File) ([]elf.Symbol, error) {
	syms := make([]elf.Symbol, 0)
	if section := ef.Section(".symtab"); section != nil {
		st, err := ef.Symbols()
		if err == nil {
			syms = append(syms, st...)
		}
	}
	if section := ef.Section(".dynsym"); section != nil {
		st, err := ef.DynamicSymbols()
		if err == nil {
			syms = append(syms, st...)
		}
	}
	if len(syms) == 0 {
		return nil, errors.New("no symbol tables available in ELF")
	}
	return syms, nil
}

// LiveFromBPF collects the functions of every program in an eBPF object:
// program entry points and the bpf-to-bpf subprograms linked into them.
func LiveFromBPF(r io.ReaderAt) (LiveSet, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("load BPF collection: %w", err)
	}
	live := make(LiveSet)
	for name, prog := range spec.Programs {
		live.Add(name)
		for _, ins := range prog.Instructions {
			if sym := ins.Symbol(); sym != "" {
				live.Add(sym)
			}
		}
	}
	slog.Info("Collected live functions from BPF object", "programs", len(spec.Programs), "live", len(live))
	return live, nil
}

// LiveFromLines reads one function name per line; blank lines and lines
// starting with '#' are skipped.
func LiveFromLines(lines []string) LiveSet {
	live := make(LiveSet)
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		live.Add(l)
	}
	return live
}
