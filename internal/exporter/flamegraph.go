package exporter

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/VladMinzatu/pc2frames/internal/stacks"
	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
)

type StackSelection int

const (
	_ = iota
	User
	Kernel
	Both
)

func ParseStackSelection(s string) (StackSelection, error) {
	switch s {
	case "user":
		return User, nil
	case "kernel":
		return Kernel, nil
	case "both", "":
		return Both, nil
	}
	return 0, fmt.Errorf("unknown stack selection %q", s)
}

func BuildFoldedStacks(samples []stacks.Sample, which StackSelection) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, s := range samples {
		add := func(stack []symbolizer.Location) {
			if len(stack) == 0 {
				return
			}
			key := strings.Join(foldedFrames(stack), ";")
			agg[key] += s.Count
		}

		switch which {
		case User:
			add(s.UserStack)
		case Kernel:
			add(s.KernelStack)
		case Both:
			add(s.UserStack)
			add(s.KernelStack)
		}
	}
	return agg
}

// foldedFrames lists a leaf-first stack root to leaf, as flamegraphs expect.
// Frames inlined at an address are expanded in place, outermost first.
func foldedFrames(stack []symbolizer.Location) []string {
	names := make([]string, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		loc := stack[i]
		if len(loc.Symbols) == 0 {
			names = append(names, fmt.Sprintf("%#x", loc.Addr))
			continue
		}
		for j := len(loc.Symbols) - 1; j >= 0; j-- {
			names = append(names, escapeFoldedName(loc.Symbols[j].Name))
		}
	}
	return names
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")  // frame separator in folded stacks format
	name = strings.ReplaceAll(name, "\n", " ") // line separator, duh
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks writes one "<stack> <count>" line per entry, heaviest
// first.
func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	type kv struct {
		k string
		v uint64
	}
	var items []kv
	for k, v := range agg {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v == items[j].v {
			return items[i].k < items[j].k
		}
		return items[i].v > items[j].v
	})

	for _, it := range items {
		if _, err := fmt.Fprintf(w, "%s %d\n", it.k, it.v); err != nil {
			return err
		}
	}
	return nil
}

func WriteFoldedStacksToFile(agg map[string]uint64, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteFoldedStacks(agg, f)
}
