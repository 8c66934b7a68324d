package stacks

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
)

// Sample is one distinct stack and how often it was observed. Addresses
// are leaf first; kernel addresses are kept apart from user ones.
type Sample struct {
	Timestamp time.Time
	User      []uint64
	Kernel    []uint64
	// filled by Symbolize, one Location per address
	UserStack   []symbolizer.Location
	KernelStack []symbolizer.Location
	Count       uint64
}

// Parse reads samples in the text form
//
//	<count> <addr> <addr> ...
//
// one per line, leaf first. Addresses are hex with an optional 0x prefix.
// Blank lines and lines starting with '#' are skipped.
func Parse(r io.Reader, ts time.Time) ([]Sample, error) {
	var samples []Sample
	err := symbolizer.EachLine(r, func(line string) error {
		fields := strings.Fields(line)
		count, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", fields[0], err)
		}
		s := Sample{Timestamp: ts, Count: count}
		for _, f := range fields[1:] {
			addr, err := ParseAddr(f)
			if err != nil {
				return err
			}
			if symbolizer.IsKernelAddr(addr) {
				s.Kernel = append(s.Kernel, addr)
			} else {
				s.User = append(s.User, addr)
			}
		}
		if len(s.User) == 0 && len(s.Kernel) == 0 {
			return errors.New("sample without addresses")
		}
		samples = append(samples, s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// ParseAddr reads a hex address with an optional 0x prefix.
func ParseAddr(s string) (uint64, error) {
	hex := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	addr, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

// StackSymbolizer resolves one leaf-first stack.
type StackSymbolizer interface {
	Symbolize(stack []uint64) ([]symbolizer.Location, error)
}

type Symbolizer interface {
	Symbolize(userStack []uint64, kernelStack []uint64) ([]symbolizer.Location, []symbolizer.Location, error)
}

// SplitSymbolizer hands user and kernel stacks to their own symbolizers.
// A nil half leaves its addresses unresolved.
type SplitSymbolizer struct {
	User   StackSymbolizer
	Kernel StackSymbolizer
}

func (s *SplitSymbolizer) Symbolize(userStack []uint64, kernelStack []uint64) ([]symbolizer.Location, []symbolizer.Location, error) {
	user, err := symbolizeWith(s.User, userStack)
	if err != nil {
		return nil, nil, fmt.Errorf("user stack: %w", err)
	}
	kernel, err := symbolizeWith(s.Kernel, kernelStack)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel stack: %w", err)
	}
	return user, kernel, nil
}

func symbolizeWith(sym StackSymbolizer, stack []uint64) ([]symbolizer.Location, error) {
	if len(stack) == 0 {
		return nil, nil
	}
	if sym == nil {
		return Unresolved(stack), nil
	}
	return sym.Symbolize(stack)
}

// Unresolved turns addresses into Locations without symbols.
func Unresolved(stack []uint64) []symbolizer.Location {
	locs := make([]symbolizer.Location, len(stack))
	for i, pc := range stack {
		locs[i] = symbolizer.Location{Addr: pc}
	}
	return locs
}

// FileSymbolizer resolves addresses against a single object file, for
// stacks recorded from a process that is no longer around. Slide is the
// load bias to subtract from every address.
type FileSymbolizer struct {
	Path     string
	Resolver symbolizer.SymbolResolver
	Slide    uint64
}

func (f *FileSymbolizer) Symbolize(stack []uint64) ([]symbolizer.Location, error) {
	locs := make([]symbolizer.Location, 0, len(stack))
	for _, pc := range stack {
		loc, err := f.Resolver.ResolvePC(f.Path, pc, f.Slide)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve symbol for pc=%#x: %w", pc, err)
		}
		locs = append(locs, *loc)
	}
	return locs, nil
}

// Symbolize fills the symbolized stacks of every sample. Samples that fail
// are logged and dropped, except when an object cannot be loaded or its
// debug info is malformed: that error aborts the pass and is returned.
func Symbolize(samples []Sample, sym Symbolizer) ([]Sample, error) {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		user, kernel, err := sym.Symbolize(s.User, s.Kernel)
		if err != nil {
			if fatal(err) {
				return nil, err
			}
			slog.Warn("Failed to symbolize stacks", "error", err)
			continue
		}
		s.UserStack = user
		s.KernelStack = kernel
		out = append(out, s)
	}
	return out, nil
}

func fatal(err error) bool {
	var loadErr *symbolizer.LoadError
	return errors.As(err, &loadErr) || errors.Is(err, symbolizer.ErrMalformedDebugInfo)
}
