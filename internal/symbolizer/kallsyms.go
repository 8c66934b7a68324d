package symbolizer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
)

type KallsymsLoader interface {
	ReadLines() ([]string, error)
}

// NewKallsymsReader reads the running kernel's symbol table.
func NewKallsymsReader() *DataLoader {
	return NewDataLoader("/proc/kallsyms")
}

// span given to the highest symbol, which has no successor to end it
const lastKallsymSpan = 1 << 20

var errHiddenKallsyms = errors.New("kallsyms addresses are hidden, see kernel.kptr_restrict")

type kallsym struct {
	addr uint64
	name string
	text bool
}

// KallsymsResolver maps kernel addresses to text symbols. Each symbol covers
// the range up to the next higher address listed in kallsyms, of whatever
// type, so addresses in kernel data or past the end of a module resolve to
// nothing.
type KallsymsResolver struct {
	frames *FrameMap
}

func InitKallsymsResolver(loader KallsymsLoader) (*KallsymsResolver, error) {
	lines, err := loader.ReadLines()
	if err != nil {
		return nil, fmt.Errorf("read kallsyms: %w", err)
	}
	syms, err := parseKallsyms(lines)
	if err != nil {
		return nil, err
	}
	entries := kallsymRanges(syms)
	slog.Info("Loaded kallsyms for kernel symbolization", "symbols", len(syms), "text", len(entries))
	return &KallsymsResolver{frames: NewFrameMap(entries)}, nil
}

// parseKallsyms reads "addr type name [module]" lines, skipping malformed
// ones, and sorts the symbols by address.
func parseKallsyms(lines []string) ([]kallsym, error) {
	syms := make([]kallsym, 0, len(lines))
	hidden := true
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) < 3 || len(parts[1]) != 1 {
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}
		if addr != 0 {
			hidden = false
		}
		syms = append(syms, kallsym{addr: addr, name: parts[2], text: strings.ContainsAny(parts[1], "tTwW")})
	}
	if len(syms) > 0 && hidden {
		// unprivileged readers see every address as zero
		return nil, errHiddenKallsyms
	}
	sort.SliceStable(syms, func(i, j int) bool { return syms[i].addr < syms[j].addr })
	return syms, nil
}

// kallsymRanges turns sorted symbols into one entry per text address. Of
// several symbols sharing an address, the first text one listed names it.
func kallsymRanges(syms []kallsym) []Entry {
	var entries []Entry
	for i := 0; i < len(syms); {
		j := i + 1
		for j < len(syms) && syms[j].addr == syms[i].addr {
			j++
		}
		name := ""
		for _, s := range syms[i:j] {
			if s.text {
				name = s.name
				break
			}
		}
		if name != "" {
			low := syms[i].addr
			high := uint64(math.MaxUint64)
			if j < len(syms) {
				high = syms[j].addr
			} else if low < math.MaxUint64-lastKallsymSpan {
				high = low + lastKallsymSpan
			}
			entries = append(entries, Entry{Range: Range{Low: low, High: high}, Frame: Frame{Name: name, Depth: 1}})
		}
		i = j
	}
	return entries
}

func (r *KallsymsResolver) Resolve(pc uint64) (*Symbol, error) {
	if r.frames.Len() == 0 {
		return nil, errors.New("empty kallsyms table")
	}
	loc := r.frames.Locate(pc)
	if len(loc.Symbols) == 0 {
		return nil, fmt.Errorf("no kernel text symbol covers pc %#x", pc)
	}
	return &loc.Symbols[0], nil
}
