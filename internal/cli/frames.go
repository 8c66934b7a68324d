package cli

import (
	"fmt"
	"io"

	"github.com/VladMinzatu/pc2frames/internal/stacks"
	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
	"github.com/spf13/cobra"
)

func newFramesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "frames <object>",
		Short: "Print every address range of the object and the frame it maps to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := a.loader()
			if err != nil {
				return err
			}
			b, err := symbolizer.NewCachingResolver(loader).Get(args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range b.Frames.Entries() {
				if _, err := fmt.Fprintf(w, "%s %d %s%s\n", e.Range, e.Frame.Depth, e.Frame.Name, callSite(e.Frame.Inlined, e.Frame.CallFile, e.Frame.CallLine)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newLookupCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <object> <addr>...",
		Short: "Print the frames active at each address, innermost first",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]uint64, 0, len(args)-1)
			for _, arg := range args[1:] {
				addr, err := stacks.ParseAddr(arg)
				if err != nil {
					return err
				}
				addrs = append(addrs, addr)
			}
			loader, err := a.loader()
			if err != nil {
				return err
			}
			resolver := symbolizer.NewCachingResolver(loader)
			slide := a.vpr.GetUint64("slide")
			w := cmd.OutOrStdout()
			for _, addr := range addrs {
				loc, err := resolver.ResolvePC(args[0], addr, slide)
				if err != nil {
					return err
				}
				if err := writeLocation(w, loc); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64("slide", 0, "load bias subtracted from every address")
	return cmd
}

func writeLocation(w io.Writer, loc *symbolizer.Location) error {
	if _, err := fmt.Fprintf(w, "%#x\n", loc.Addr); err != nil {
		return err
	}
	if len(loc.Symbols) == 0 {
		_, err := fmt.Fprintln(w, "  ??")
		return err
	}
	for _, sym := range loc.Symbols {
		if _, err := fmt.Fprintf(w, "  %s+%#x%s\n", sym.Name, sym.Offset, callSite(sym.Inlined, sym.CallFile, sym.CallLine)); err != nil {
			return err
		}
	}
	return nil
}

func callSite(inlined bool, file string, line int64) string {
	switch {
	case !inlined:
		return ""
	case file == "" && line == 0:
		return " (inlined)"
	case file == "":
		return fmt.Sprintf(" (inlined at line %d)", line)
	}
	return fmt.Sprintf(" (inlined at %s:%d)", file, line)
}
