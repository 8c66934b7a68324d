package symbolizer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// start of the kernel half of the x86-64 and arm64 address spaces
const kernelSpaceStart = 0xffff800000000000

func IsKernelAddr(pc uint64) bool {
	return pc >= kernelSpaceStart
}

var errNoKernelResolver = errors.New("no resolver for kernel symbolization could be loaded")

// KernelSymbolizer resolves kernel addresses through kallsyms. Kernel code
// carries no inlining information here, so every Location has at most one
// symbol.
type KernelSymbolizer struct {
	loader KallsymsLoader

	once     sync.Once
	resolver *KallsymsResolver
	initErr  error
}

func NewKernelSymbolizer(loader KallsymsLoader) *KernelSymbolizer {
	return &KernelSymbolizer{loader: loader}
}

// Symbolize returns one Location per pc. The kallsyms table is loaded on
// first use; a failed load is remembered and not retried.
func (s *KernelSymbolizer) Symbolize(stack []uint64) ([]Location, error) {
	s.once.Do(func() {
		r, err := InitKallsymsResolver(s.loader)
		if err != nil {
			slog.Warn("Failed to load kallsyms", "error", err)
			s.initErr = errNoKernelResolver
			return
		}
		s.resolver = r
	})
	if s.initErr != nil {
		return nil, s.initErr
	}

	locations := make([]Location, 0, len(stack))
	for _, pc := range stack {
		loc := Location{Addr: pc}
		sym, err := s.resolver.Resolve(pc)
		if err != nil {
			slog.Debug("Failed to resolve kernel symbol", "pc", fmt.Sprintf("%#x", pc), "error", err)
		} else {
			loc.Symbols = []Symbol{*sym}
		}
		locations = append(locations, loc)
	}
	return locations, nil
}
