package symbolizer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// MapRegion is one line of /proc/<pid>/maps. Offset is the file offset the
// region starts at, used to compute the load slide of Path.
type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

// IsFileBacked reports whether the region maps an object file, as opposed
// to anonymous memory or a kernel pseudo-mapping such as [vdso].
func (r *MapRegion) IsFileBacked() bool {
	return r.Path != "" && !strings.HasPrefix(r.Path, "[")
}

type MapsReader interface {
	ReadMaps(pid int) ([]string, error)
}

// ProcMapsReader reads the maps of a live process.
type ProcMapsReader struct{}

func NewProcMapsReader() *ProcMapsReader {
	return &ProcMapsReader{}
}

func (p *ProcMapsReader) ReadMaps(pid int) ([]string, error) {
	slog.Debug("Reading proc maps for pid", "pid", pid)
	return NewDataLoader(fmt.Sprintf("/proc/%d/maps", pid)).ReadLines()
}

// procMaps keeps the regions of one process sorted by start address.
type procMaps struct {
	pid     int
	reader  MapsReader
	regions []MapRegion
}

func NewProcMaps(pid int, reader MapsReader) (*procMaps, error) {
	m := &procMaps{pid: pid, reader: reader}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

// FindRegion returns a copy of the region containing pc, or nil.
func (m *procMaps) FindRegion(pc uint64) *MapRegion {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End > pc })
	if i < len(m.regions) && pc >= m.regions[i].Start {
		r := m.regions[i]
		return &r
	}
	return nil
}

// Refresh rereads the maps. On a read error the previous regions stay.
func (m *procMaps) Refresh() error {
	lines, err := m.reader.ReadMaps(m.pid)
	if err != nil {
		return fmt.Errorf("read maps of pid %d: %w", m.pid, err)
	}
	regions := make([]MapRegion, 0, len(lines))
	for _, line := range lines {
		r, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Skipping malformed maps line", "pid", m.pid, "line", line, "error", err)
			continue
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })
	m.regions = regions
	return nil
}

// parseMapEntry parses
//
//	55d4b2000000-55d4b2021000 r-xp 00001000 08:01 131073 /usr/bin/my prog
//
// The path is everything after the inode and may contain spaces.
func parseMapEntry(line string) (MapRegion, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MapRegion{}, fmt.Errorf("want at least 5 fields, got %d", len(fields))
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return MapRegion{}, fmt.Errorf("address range %q has no '-'", fields[0])
	}
	var r MapRegion
	var err error
	if r.Start, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("start address: %w", err)
	}
	if r.End, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("end address: %w", err)
	}
	if r.End <= r.Start {
		return MapRegion{}, errors.New("end address not above start")
	}
	if r.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("offset: %w", err)
	}
	r.Perms = fields[1]
	if len(fields) > 5 {
		r.Path = strings.Join(fields[5:], " ")
	}
	return r, nil
}
