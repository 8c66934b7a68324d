package symbolizer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// longest line accepted; kallsyms entries for C++ module symbols and deep
// recorded stacks both outgrow bufio's default
const maxLineSize = 4 << 20

// EachLine calls fn with every line of r, trimmed. Blank lines and lines
// starting with '#' are skipped. An error from fn stops the scan and is
// returned prefixed with the line number.
func EachLine(r io.Reader, fn func(line string) error) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("line %d: %w", n+1, err)
	}
	return nil
}

// DataLoader reads a line-oriented text file: a /proc pseudo-file or a list
// of live function names.
type DataLoader struct {
	Path string
}

func NewDataLoader(path string) *DataLoader {
	return &DataLoader{Path: path}
}

// Each runs EachLine over the file. Scan errors name the file.
func (d *DataLoader) Each(fn func(line string) error) error {
	slog.Debug("Loading lines from (pseudo-)file", "path", d.Path)
	f, err := os.Open(d.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := EachLine(f, fn); err != nil {
		return fmt.Errorf("%s: %w", d.Path, err)
	}
	return nil
}

// ReadLines collects the lines Each visits.
func (d *DataLoader) ReadLines() ([]string, error) {
	var lines []string
	err := d.Each(func(line string) error {
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}
