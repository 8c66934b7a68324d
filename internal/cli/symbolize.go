package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/VladMinzatu/pc2frames/internal/exporter"
	"github.com/VladMinzatu/pc2frames/internal/pprof"
	"github.com/VladMinzatu/pc2frames/internal/stacks"
	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
	"github.com/spf13/cobra"
)

func newSymbolizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "symbolize [object]",
		Short: "Symbolize recorded stacks or a pprof profile",
		Long: `Symbolize reads stacks recorded as "<count> <addr>..." lines (leaf first)
and writes them as folded stacks, a pprof profile or an OTLP profile.
Addresses are resolved against the object, or through /proc/<pid>/maps
when --pid is set. With --profile, the unsymbolized locations of an
existing pprof profile are filled in instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var object string
			if len(args) == 1 {
				object = args[0]
			}
			if path := a.vpr.GetString("profile"); path != "" {
				return a.symbolizeProfile(cmd, object, path)
			}
			return a.symbolizeStacks(cmd, object)
		},
	}
	f := cmd.Flags()
	f.String("stacks", "", "file with recorded stacks, - for stdin")
	f.String("profile", "", "pprof profile to symbolize in place of --stacks")
	f.String("format", "folded", "output format: folded, pprof or otlp")
	f.String("select", "both", "stacks to keep in folded output: user, kernel or both")
	f.Int("pid", 0, "resolve user addresses through the memory maps of this process")
	f.Uint64("slide", 0, "load bias subtracted from every user address")
	f.Bool("kernel", false, "resolve kernel addresses through /proc/kallsyms")
	f.String("output", "-", "output file, - for stdout")
	f.String("otlp-endpoint", "", "push the OTLP profile to this collector")
	return cmd
}

func (a *app) symbolizeProfile(cmd *cobra.Command, object, path string) error {
	if object == "" {
		return errors.New("--profile needs an object to resolve against")
	}
	loader, err := a.loader()
	if err != nil {
		return err
	}
	b, err := symbolizer.NewCachingResolver(loader).Get(object)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	p, err := pprof.ReadProfile(f)
	if err != nil {
		return err
	}
	n := pprof.SymbolizeProfile(p, b.Frames, a.vpr.GetUint64("slide"))
	slog.Info("Symbolized profile", "path", path, "locations", len(p.Location), "resolved", n)

	w, closeOut, err := output(cmd, a.vpr.GetString("output"))
	if err != nil {
		return err
	}
	if err := pprof.WriteProfileGzip(p, w); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func (a *app) symbolizeStacks(cmd *cobra.Command, object string) error {
	format := a.vpr.GetString("format")
	sel, err := exporter.ParseStackSelection(a.vpr.GetString("select"))
	if err != nil {
		return err
	}
	samples, err := a.readStacks(cmd)
	if err != nil {
		return err
	}
	sym, err := a.stackSymbolizer(object)
	if err != nil {
		return err
	}
	samples, err = stacks.Symbolize(samples, sym)
	if err != nil {
		return err
	}
	slog.Info("Symbolized stacks", "samples", len(samples))

	w, closeOut, err := output(cmd, a.vpr.GetString("output"))
	if err != nil {
		return err
	}
	if err := a.write(cmd, w, format, sel, samples); err != nil {
		closeOut()
		return err
	}
	return closeOut()
}

func (a *app) readStacks(cmd *cobra.Command) ([]stacks.Sample, error) {
	path := a.vpr.GetString("stacks")
	var r io.Reader
	switch path {
	case "":
		return nil, errors.New("one of --stacks or --profile is required")
	case "-":
		r = cmd.InOrStdin()
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	samples, err := stacks.Parse(r, a.now())
	if err != nil {
		return nil, fmt.Errorf("read stacks: %w", err)
	}
	return samples, nil
}

func (a *app) stackSymbolizer(object string) (stacks.Symbolizer, error) {
	loader, err := a.loader()
	if err != nil {
		return nil, err
	}
	resolver := symbolizer.NewCachingResolver(loader)

	sym := &stacks.SplitSymbolizer{}
	if pid := a.vpr.GetInt("pid"); pid > 0 {
		maps, err := symbolizer.NewProcMaps(pid, a.maps)
		if err != nil {
			return nil, err
		}
		sym.User = symbolizer.NewUserSymbolizer(pid, maps, resolver)
	} else if object != "" {
		sym.User = &stacks.FileSymbolizer{Path: object, Resolver: resolver, Slide: a.vpr.GetUint64("slide")}
	} else {
		return nil, errors.New("an object or --pid is required")
	}
	if a.vpr.GetBool("kernel") {
		sym.Kernel = symbolizer.NewKernelSymbolizer(a.kallsyms)
	}
	return sym, nil
}

func (a *app) write(cmd *cobra.Command, w io.Writer, format string, sel exporter.StackSelection, samples []stacks.Sample) error {
	switch format {
	case "folded":
		return exporter.WriteFoldedStacks(exporter.BuildFoldedStacks(samples, sel), w)
	case "pprof":
		p, err := pprof.BuildPprofProfile(samples, "samples", "count")
		if err != nil {
			return err
		}
		return pprof.WriteProfileGzip(p, w)
	case "otlp":
		data := exporter.BuildOltpProfile(samples, func() uint64 { return uint64(a.now().UnixNano()) })
		if endpoint := a.vpr.GetString("otlp-endpoint"); endpoint != "" {
			exp, err := exporter.DialOTLP(endpoint)
			if err != nil {
				return err
			}
			defer exp.Close()
			if err := exp.Export(cmd.Context(), data); err != nil {
				return err
			}
			slog.Info("Exported profile", "endpoint", endpoint, "samples", len(samples))
		}
		return exporter.EncodeOltpProfile(data, w)
	}
	return fmt.Errorf("unknown format %q", format)
}
