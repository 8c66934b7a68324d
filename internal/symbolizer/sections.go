package symbolizer

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// Sections gives byte access to the named sections of an object file.
// A section the object does not have is reported as empty, not as an error.
type Sections interface {
	Section(name string) ([]byte, error)
}

// MapSections serves sections from memory.
type MapSections map[string][]byte

func (m MapSections) Section(name string) ([]byte, error) {
	return m[name], nil
}

// ELFSections serves (decompressed) section contents of an ELF file.
type ELFSections struct {
	File *elf.File
}

func (e ELFSections) Section(name string) ([]byte, error) {
	s := e.File.Section(name)
	if s == nil || s.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// DWARF 5 sections are attached after the unit table is built
var dwarf5Sections = []string{".debug_addr", ".debug_line_str", ".debug_str_offsets", ".debug_rnglists"}

// LoadDWARF assembles the debug sections into a dwarf.Data. It returns
// nil, nil when the object carries no .debug_info at all.
func LoadDWARF(s Sections) (*dwarf.Data, error) {
	d, _, err := loadDWARF(s)
	return d, err
}

// loadDWARF is LoadDWARF that also hands back the .debug_info bytes.
func loadDWARF(s Sections) (*dwarf.Data, []byte, error) {
	names := []string{".debug_abbrev", ".debug_info", ".debug_line", ".debug_ranges", ".debug_str"}
	sec := make(map[string][]byte, len(names))
	for _, name := range names {
		data, err := s.Section(name)
		if err != nil {
			return nil, nil, err
		}
		sec[name] = data
	}
	if len(sec[".debug_info"]) == 0 {
		slog.Debug("No .debug_info section, nothing to walk")
		return nil, nil, nil
	}

	d, err := dwarf.New(sec[".debug_abbrev"], nil, nil, sec[".debug_info"], sec[".debug_line"], nil, sec[".debug_ranges"], sec[".debug_str"])
	if err != nil {
		return nil, nil, fmt.Errorf("decode DWARF: %w", err)
	}
	for _, name := range dwarf5Sections {
		data, err := s.Section(name)
		if err != nil {
			return nil, nil, err
		}
		if len(data) == 0 {
			continue
		}
		if err := d.AddSection(name, data); err != nil {
			return nil, nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	return d, sec[".debug_info"], nil
}

// Object is an ELF file mapped read-only into memory.
type Object struct {
	ELF  *elf.File
	data []byte
}

func OpenObject(path string) (*Object, error) {
	slog.Info("Mapping object file", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return nil, fmt.Errorf("%s: empty file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	return &Object{ELF: ef, data: data}, nil
}

func (o *Object) Sections() Sections {
	return ELFSections{File: o.ELF}
}

// Reader reads the raw file contents.
func (o *Object) Reader() io.ReaderAt {
	return bytes.NewReader(o.data)
}

func (o *Object) ByteOrder() binary.ByteOrder {
	return o.ELF.ByteOrder
}

// Close unmaps the file. Nothing read from the object may be used after
// Close except values that were copied out (names, FrameMaps).
func (o *Object) Close() error {
	if o.data == nil {
		return nil
	}
	err := unix.Munmap(o.data)
	o.data = nil
	return err
}
