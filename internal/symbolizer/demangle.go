package symbolizer

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

var (
	demangleFull       = []demangle.Option{demangle.NoClones}
	demangleTemplates  = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams}
	demangleSimplified = []demangle.Option{demangle.NoParams, demangle.NoEnclosingParams, demangle.NoTemplateParams}
)

// Demangler turns linkage names into display names.
type Demangler struct {
	enabled bool
	options []demangle.Option
}

var DefaultDemangler = NewDemangler("full")

// NewDemangler accepts "full", "templates", "simplified" and "none".
// Unknown modes fall back to the library defaults.
func NewDemangler(mode string) *Demangler {
	switch mode {
	case "none":
		return &Demangler{}
	case "full":
		return &Demangler{enabled: true, options: demangleFull}
	case "templates":
		return &Demangler{enabled: true, options: demangleTemplates}
	case "simplified":
		return &Demangler{enabled: true, options: demangleSimplified}
	default:
		return &Demangler{enabled: true}
	}
}

// Demangle never fails: names the library does not recognise come back
// unchanged, minus a trailing Rust hash if they carry one.
func (d *Demangler) Demangle(name string) string {
	if d.enabled {
		name = demangle.Filter(name, d.options...)
	}
	return stripHash(name)
}

func Demangle(name string) string {
	return DefaultDemangler.Demangle(name)
}

// "::h" followed by 16 hex digits, e.g. "::hd881d91ced85c2b0"
const hashSuffixLen = len("::h") + 16

func stripHash(name string) string {
	if len(name) <= hashSuffixLen {
		return name
	}
	suffix := name[len(name)-hashSuffixLen:]
	if !strings.HasPrefix(suffix, "::h") {
		return name
	}
	for _, c := range suffix[3:] {
		if !isHexDigit(c) {
			return name
		}
	}
	return name[:len(name)-hashSuffixLen]
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
