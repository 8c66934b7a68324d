package symbolizer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// UserSymbolizer resolves user-space stacks of one process against the
// objects mapped into it.
type UserSymbolizer struct {
	pid            int
	mapsProvider   ProcMapsProvider
	mapsCachedAt   time.Time
	mapsCacheTtl   time.Duration
	mapsMu         sync.Mutex
	symbolResolver SymbolResolver
}

func NewUserSymbolizer(pid int, maps ProcMapsProvider, resolver SymbolResolver) *UserSymbolizer {
	return &UserSymbolizer{
		pid:            pid,
		mapsProvider:   maps,
		mapsCachedAt:   time.Unix(0, 0),
		mapsCacheTtl:   5 * time.Second,
		symbolResolver: resolver,
	}
}

// Symbolize returns one Location per pc, in stack order. Addresses outside
// any file-backed mapping come back as a Location without symbols.
func (s *UserSymbolizer) Symbolize(stack []uint64) ([]Location, error) {
	maps, err := s.getMapsProvider()
	if err != nil {
		return nil, err
	}

	locations := make([]Location, 0, len(stack))
	for _, pc := range stack {
		r := maps.FindRegion(pc)
		if r == nil {
			// the process may have mapped something new since the last read
			maps, err = s.refreshMapsProvider()
			if err != nil {
				return nil, err
			}
			r = maps.FindRegion(pc)
		}
		if r == nil || !r.IsFileBacked() {
			slog.Debug("No file-backed map region for PC", "pid", s.pid, "pc", fmt.Sprintf("%#x", pc))
			locations = append(locations, Location{Addr: pc})
			continue
		}

		slide, err := s.symbolResolver.Slide(r.Path, r)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve symbol for pc=%#x: %w", pc, err)
		}
		loc, err := s.symbolResolver.ResolvePC(r.Path, pc, slide)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve symbol for pc=%#x: %w", pc, err)
		}
		locations = append(locations, *loc)
	}
	return locations, nil
}

func (s *UserSymbolizer) getMapsProvider() (ProcMapsProvider, error) {
	s.mapsMu.Lock()
	expired := time.Since(s.mapsCachedAt) > s.mapsCacheTtl
	s.mapsMu.Unlock()
	if expired {
		return s.refreshMapsProvider()
	}
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	return s.mapsProvider, nil
}

func (s *UserSymbolizer) refreshMapsProvider() (ProcMapsProvider, error) {
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	if err := s.mapsProvider.Refresh(); err != nil {
		return nil, fmt.Errorf("failed to refresh maps for pid %d: %w", s.pid, err)
	}
	s.mapsCachedAt = time.Now()
	return s.mapsProvider, nil
}
