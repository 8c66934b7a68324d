package symbolizer

import (
	"errors"
	"os"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMapsReader struct {
	lines []string
	err   error
	calls int
}

func (m *mockMapsReader) ReadMaps(pid int) ([]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.lines, nil
}

func TestParseMapEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MapRegion
		wantErr string
	}{
		{
			name: "file backed",
			line: "55d4b2001000-55d4b2021000 r-xp 00001000 08:01 131073 /usr/bin/myprog",
			want: MapRegion{Start: 0x55d4b2001000, End: 0x55d4b2021000, Offset: 0x1000, Perms: "r-xp", Path: "/usr/bin/myprog"},
		},
		{
			name: "path with spaces",
			line: "7f0000000000-7f0000001000 r--p 00000000 08:01 42      /opt/my app/lib.so",
			want: MapRegion{Start: 0x7f0000000000, End: 0x7f0000001000, Perms: "r--p", Path: "/opt/my app/lib.so"},
		},
		{
			name: "anonymous",
			line: "7f1234560000-7f1234580000 rw-p 00000000 00:00 0",
			want: MapRegion{Start: 0x7f1234560000, End: 0x7f1234580000, Perms: "rw-p"},
		},
		{
			name: "pseudo mapping",
			line: "ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0 [vsyscall]",
			want: MapRegion{Start: 0xffffffffff600000, End: 0xffffffffff601000, Perms: "--xp", Path: "[vsyscall]"},
		},
		{name: "too few fields", line: "00400000-00500000 r-xp 00000000 08:01", wantErr: "want at least 5 fields, got 4"},
		{name: "no dash", line: "00400000 r-xp 00000000 08:01 1", wantErr: "has no '-'"},
		{name: "bad start", line: "zz-00500000 r-xp 00000000 08:01 1", wantErr: "start address"},
		{name: "bad end", line: "00400000-zz r-xp 00000000 08:01 1", wantErr: "end address"},
		{name: "empty range", line: "00500000-00500000 r-xp 00000000 08:01 1", wantErr: "end address not above start"},
		{name: "bad offset", line: "00400000-00500000 r-xp xyz 08:01 1", wantErr: "offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMapEntry(tt.line)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProcMaps_FindRegion(t *testing.T) {
	// out of order, with a gap at 0x3000 and lines that do not parse
	m, err := NewProcMaps(1, &mockMapsReader{lines: []string{
		"00004000-00005000 rw-p 00003000 08:01 7 /bin/app",
		"not a maps line",
		"00001000-00003000 r-xp 00000000 08:01 7 /bin/app",
		"00006000-00005000 r-xp 00000000 08:01 7 /bin/app",
	}})
	require.NoError(t, err)

	tests := []struct {
		pc        uint64
		wantStart uint64
	}{
		{pc: 0x0fff},
		{pc: 0x1000, wantStart: 0x1000},
		{pc: 0x2fff, wantStart: 0x1000},
		{pc: 0x3000},
		{pc: 0x3fff},
		{pc: 0x4000, wantStart: 0x4000},
		{pc: 0x4fff, wantStart: 0x4000},
		{pc: 0x5000},
		{pc: 0x6000},
	}
	for _, tt := range tests {
		r := m.FindRegion(tt.pc)
		if tt.wantStart == 0 {
			assert.Nil(t, r, "pc %#x", tt.pc)
			continue
		}
		if assert.NotNil(t, r, "pc %#x", tt.pc) {
			assert.Equal(t, tt.wantStart, r.Start, "pc %#x", tt.pc)
		}
	}
}

func TestProcMaps_FindRegionReturnsCopy(t *testing.T) {
	m, err := NewProcMaps(1, &mockMapsReader{lines: []string{"00001000-00002000 r-xp 00000000 08:01 7 /bin/app"}})
	require.NoError(t, err)

	m.FindRegion(0x1000).Path = "changed"
	assert.Equal(t, "/bin/app", m.FindRegion(0x1000).Path)
}

func TestProcMaps_Refresh(t *testing.T) {
	reader := &mockMapsReader{lines: []string{"00001000-00002000 r-xp 00000000 08:01 7 /bin/app"}}
	m, err := NewProcMaps(42, reader)
	require.NoError(t, err)
	assert.Nil(t, m.FindRegion(0x7f0000000000))

	reader.lines = append(reader.lines, "7f0000000000-7f0000001000 r-xp 00000000 08:01 9 /lib/libdlopened.so")
	require.NoError(t, m.Refresh())
	r := m.FindRegion(0x7f0000000010)
	require.NotNil(t, r)
	assert.Equal(t, "/lib/libdlopened.so", r.Path)

	reader.err = errors.New("process exited")
	err = m.Refresh()
	assert.EqualError(t, err, "read maps of pid 42: process exited")
	assert.NotNil(t, m.FindRegion(0x1000), "regions from the last good read stay")
	assert.Equal(t, 3, reader.calls)
}

func TestNewProcMaps_ReadError(t *testing.T) {
	_, err := NewProcMaps(7, &mockMapsReader{err: os.ErrNotExist})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMapRegion_IsFileBacked(t *testing.T) {
	assert.True(t, (&MapRegion{Path: "/usr/lib/libc.so.6"}).IsFileBacked())
	assert.True(t, (&MapRegion{Path: "/tmp/my app (deleted)"}).IsFileBacked())
	assert.False(t, (&MapRegion{}).IsFileBacked())
	assert.False(t, (&MapRegion{Path: "[vdso]"}).IsFileBacked())
	assert.False(t, (&MapRegion{Path: "[heap]"}).IsFileBacked())
}

func TestProcMapsReader_Self(t *testing.T) {
	m, err := NewProcMaps(os.Getpid(), NewProcMapsReader())
	if err != nil {
		t.Skipf("proc maps not readable: %v", err)
	}
	pc := uint64(reflect.ValueOf(TestProcMapsReader_Self).Pointer())
	r := m.FindRegion(pc)
	require.NotNil(t, r, "no region covers test code at %#x", pc)
	assert.True(t, r.IsFileBacked(), "region %+v", r)
	assert.Contains(t, r.Perms, "x")
}
