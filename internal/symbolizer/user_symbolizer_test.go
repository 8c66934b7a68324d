package symbolizer

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type mockProcMapsProvider struct {
	regions      []MapRegion
	refreshErr   error
	refreshCalls int
}

func (m *mockProcMapsProvider) FindRegion(pc uint64) *MapRegion {
	for i := range m.regions {
		r := &m.regions[i]
		if pc >= r.Start && pc < r.End {
			return r
		}
	}
	return nil
}

func (m *mockProcMapsProvider) Refresh() error {
	m.refreshCalls++
	return m.refreshErr
}

type mockProcMapsProviderWithCustomFind struct {
	mockProcMapsProvider
	findRegionFunc func(pc uint64) *MapRegion
}

func (m *mockProcMapsProviderWithCustomFind) FindRegion(pc uint64) *MapRegion {
	if m.findRegionFunc != nil {
		return m.findRegionFunc(pc)
	}
	return m.mockProcMapsProvider.FindRegion(pc)
}

// resolves link-time addresses through a per-path table of frame names,
// innermost first
type mockSymbolResolver struct {
	frames   map[string]map[uint64][]string
	slide    uint64
	err      error
	slideErr error
}

func (m *mockSymbolResolver) ResolvePC(path string, pc uint64, slide uint64) (*Location, error) {
	if m.err != nil {
		return nil, m.err
	}
	byAddr, ok := m.frames[path]
	if !ok {
		return nil, errors.New("symbol data not found")
	}
	loc := &Location{Addr: pc}
	for i, name := range byAddr[pc-slide] {
		loc.Symbols = append(loc.Symbols, Symbol{Name: name, Addr: pc, Inlined: i < len(byAddr[pc-slide])-1})
	}
	return loc, nil
}

func (m *mockSymbolResolver) Slide(path string, region *MapRegion) (uint64, error) {
	if m.slideErr != nil {
		return 0, m.slideErr
	}
	return m.slide, nil
}

func TestUserSymbolizer_Symbolize(t *testing.T) {
	tests := []struct {
		name          string
		stack         []uint64
		mapsProvider  *mockProcMapsProvider
		resolver      *mockSymbolResolver
		wantLocations int
		wantResolved  int
		wantErr       bool
		errContains   string
	}{
		{
			name:  "successful symbolization",
			stack: []uint64{0x55d4b2000100, 0x7f8a9b000100},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
					{Start: 0x7f8a9b000000, End: 0x7f8a9b002000, Offset: 0x1000, Path: "/usr/lib/libc.so.6"},
				},
			},
			resolver: &mockSymbolResolver{
				frames: map[string]map[uint64][]string{
					"/usr/bin/myprog":    {0x55d4b2000100: {"main"}},
					"/usr/lib/libc.so.6": {0x7f8a9b000100: {"printf"}},
				},
			},
			wantLocations: 2,
			wantResolved:  2,
		},
		{
			name:  "region not found after refresh keeps the address",
			stack: []uint64{0x55d4b2000100, 0xdeadbeef0000},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
				},
			},
			resolver: &mockSymbolResolver{
				frames: map[string]map[uint64][]string{
					"/usr/bin/myprog": {0x55d4b2000100: {"main"}},
				},
			},
			wantLocations: 2,
			wantResolved:  1,
		},
		{
			name:  "pseudo mapping is not resolved",
			stack: []uint64{0x7ffc00000100},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x7ffc00000000, End: 0x7ffc00002000, Path: "[vdso]"},
				},
			},
			resolver:      &mockSymbolResolver{err: errors.New("must not be called")},
			wantLocations: 1,
			wantResolved:  0,
		},
		{
			name:  "resolver error",
			stack: []uint64{0x55d4b2000100},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
				},
			},
			resolver:    &mockSymbolResolver{err: errors.New("provider error")},
			wantErr:     true,
			errContains: "failed to resolve symbol",
		},
		{
			name:  "slide error",
			stack: []uint64{0x55d4b2000100},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
				},
			},
			resolver:    &mockSymbolResolver{slideErr: errors.New("open failed")},
			wantErr:     true,
			errContains: "failed to resolve symbol",
		},
		{
			name:  "symbol data not found for path",
			stack: []uint64{0x55d4b2000100},
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{
					{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
				},
			},
			resolver:    &mockSymbolResolver{frames: map[string]map[uint64][]string{}},
			wantErr:     true,
			errContains: "failed to resolve symbol",
		},
		{
			name:          "empty stack",
			stack:         []uint64{},
			mapsProvider:  &mockProcMapsProvider{},
			resolver:      &mockSymbolResolver{},
			wantLocations: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewUserSymbolizer(1234, tt.mapsProvider, tt.resolver)

			locations, err := s.Symbolize(tt.stack)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Symbolize() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error message %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if len(locations) != tt.wantLocations {
				t.Fatalf("Symbolize() returned %d locations, want %d", len(locations), tt.wantLocations)
			}
			resolved := 0
			for i, loc := range locations {
				if loc.Addr != tt.stack[i] {
					t.Errorf("location %d has addr %#x, want %#x", i, loc.Addr, tt.stack[i])
				}
				if len(loc.Symbols) > 0 {
					resolved++
				}
			}
			if resolved != tt.wantResolved {
				t.Errorf("Symbolize() resolved %d locations, want %d", resolved, tt.wantResolved)
			}
		})
	}
}

func TestUserSymbolizer_Symbolize_InlineFrames(t *testing.T) {
	maps := &mockProcMapsProvider{
		regions: []MapRegion{
			{Start: 0x55d4b2000000, End: 0x55d4b2021000, Path: "/usr/bin/myprog"},
		},
	}
	resolver := &mockSymbolResolver{
		slide: 0x55d4b2000000,
		frames: map[string]map[uint64][]string{
			"/usr/bin/myprog": {0x1010: {"inner", "outer"}},
		},
	}
	s := NewUserSymbolizer(1, maps, resolver)

	locations, err := s.Symbolize([]uint64{0x55d4b2001010})
	if err != nil {
		t.Fatalf("Symbolize() error = %v", err)
	}
	if len(locations) != 1 || len(locations[0].Symbols) != 2 {
		t.Fatalf("unexpected locations: %+v", locations)
	}
	if got := locations[0].Symbols[0]; got.Name != "inner" || !got.Inlined {
		t.Errorf("innermost symbol = %+v, want inlined inner", got)
	}
	if got := locations[0].Symbols[1]; got.Name != "outer" || got.Inlined {
		t.Errorf("outer symbol = %+v, want non-inlined outer", got)
	}
}

func TestUserSymbolizer_getMapsProvider(t *testing.T) {
	tests := []struct {
		name          string
		mapsProvider  *mockProcMapsProvider
		cachedAt      time.Time
		wantErr       bool
		errContains   string
		expectRefresh bool
	}{
		{
			name: "cache hit - within TTL",
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{{Start: 0x1000, End: 0x2000, Path: "/bin/test"}},
			},
			cachedAt:      time.Now().Add(-1 * time.Second),
			expectRefresh: false,
		},
		{
			name: "cache miss - expired TTL",
			mapsProvider: &mockProcMapsProvider{
				regions: []MapRegion{{Start: 0x1000, End: 0x2000, Path: "/bin/test"}},
			},
			cachedAt:      time.Now().Add(-10 * time.Second),
			expectRefresh: true,
		},
		{
			name:         "refresh error",
			mapsProvider: &mockProcMapsProvider{refreshErr: errors.New("refresh failed")},
			cachedAt:     time.Now().Add(-10 * time.Second),
			wantErr:      true,
			errContains:  "failed to refresh maps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &UserSymbolizer{
				pid:            1234,
				mapsProvider:   tt.mapsProvider,
				mapsCachedAt:   tt.cachedAt,
				mapsCacheTtl:   5 * time.Second,
				symbolResolver: &mockSymbolResolver{},
			}

			maps, err := s.getMapsProvider()
			if (err != nil) != tt.wantErr {
				t.Fatalf("getMapsProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error message %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if maps == nil {
				t.Fatal("getMapsProvider() returned nil maps")
			}
			if refreshed := tt.mapsProvider.refreshCalls > 0; refreshed != tt.expectRefresh {
				t.Errorf("refreshed = %v, want %v", refreshed, tt.expectRefresh)
			}
		})
	}
}

func TestUserSymbolizer_refreshMapsProvider(t *testing.T) {
	mockMaps := &mockProcMapsProvider{
		regions: []MapRegion{{Start: 0x1000, End: 0x2000, Path: "/bin/test"}},
	}
	s := &UserSymbolizer{
		pid:            1234,
		mapsProvider:   mockMaps,
		mapsCachedAt:   time.Unix(0, 0),
		mapsCacheTtl:   5 * time.Second,
		symbolResolver: &mockSymbolResolver{},
	}

	if _, err := s.refreshMapsProvider(); err != nil {
		t.Fatalf("refreshMapsProvider() error = %v", err)
	}
	if mockMaps.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", mockMaps.refreshCalls)
	}
	if time.Since(s.mapsCachedAt) > time.Second {
		t.Error("expected mapsCachedAt to be updated to recent time")
	}

	mockMaps.refreshErr = errors.New("refresh failed")
	_, err := s.refreshMapsProvider()
	if err == nil {
		t.Fatal("expected error from refreshMapsProvider()")
	}
	if !strings.Contains(err.Error(), "failed to refresh maps") {
		t.Errorf("error message %q does not contain 'failed to refresh maps'", err.Error())
	}
}

func TestUserSymbolizer_Symbolize_WithCacheRefresh(t *testing.T) {
	calls := 0
	mockMaps := &mockProcMapsProviderWithCustomFind{}
	mockMaps.findRegionFunc = func(pc uint64) *MapRegion {
		calls++
		if calls == 1 {
			return nil
		}
		mockMaps.regions = []MapRegion{
			{Start: 0x55d4b2000000, End: 0x55d4b2021000, Offset: 0x0, Path: "/usr/bin/myprog"},
		}
		return &mockMaps.regions[0]
	}
	resolver := &mockSymbolResolver{
		frames: map[string]map[uint64][]string{
			"/usr/bin/myprog": {0x55d4b2000100: {"main"}},
		},
	}
	s := NewUserSymbolizer(1234, mockMaps, resolver)
	// fresh cache, so the only refresh comes from the failed lookup
	s.mapsCachedAt = time.Now()

	locations, err := s.Symbolize([]uint64{0x55d4b2000100})
	if err != nil {
		t.Fatalf("Symbolize() error = %v", err)
	}
	if len(locations) != 1 || len(locations[0].Symbols) != 1 || locations[0].Symbols[0].Name != "main" {
		t.Fatalf("expected main after cache refresh, got %+v", locations)
	}
	if mockMaps.refreshCalls != 1 {
		t.Errorf("refresh called %d times, want 1", mockMaps.refreshCalls)
	}
}

func TestNewUserSymbolizer(t *testing.T) {
	mapsProvider := &mockProcMapsProvider{}
	resolver := &mockSymbolResolver{}
	s := NewUserSymbolizer(1234, mapsProvider, resolver)

	if s.pid != 1234 {
		t.Errorf("NewUserSymbolizer() pid = %d, want 1234", s.pid)
	}
	if s.mapsCacheTtl != 5*time.Second {
		t.Errorf("NewUserSymbolizer() mapsCacheTtl = %v, want 5s", s.mapsCacheTtl)
	}
	if s.mapsProvider != mapsProvider {
		t.Error("NewUserSymbolizer() did not set mapsProvider correctly")
	}
	if s.symbolResolver != resolver {
		t.Error("NewUserSymbolizer() did not set symbolResolver correctly")
	}
	if !s.mapsCachedAt.Equal(time.Unix(0, 0)) {
		t.Errorf("NewUserSymbolizer() mapsCachedAt = %v, want Unix(0,0)", s.mapsCachedAt)
	}
}
