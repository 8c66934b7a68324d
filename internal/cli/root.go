package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/VladMinzatu/pc2frames/internal/symbolizer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "PC2FRAMES"

var demangleModes = []string{"full", "templates", "simplified", "none"}

type app struct {
	vpr *viper.Viper

	// replaced in tests
	newLoader func(live symbolizer.LiveSource, dm *symbolizer.Demangler) symbolizer.BinaryLoader
	kallsyms  symbolizer.KallsymsLoader
	maps      symbolizer.MapsReader
	now       func() time.Time
}

func newApp() *app {
	vpr := viper.New()
	vpr.SetEnvPrefix(envPrefix)
	vpr.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vpr.AutomaticEnv()
	return &app{
		vpr: vpr,
		newLoader: func(live symbolizer.LiveSource, dm *symbolizer.Demangler) symbolizer.BinaryLoader {
			return &symbolizer.ObjectLoader{Live: live, Demangler: dm}
		},
		kallsyms: symbolizer.NewKallsymsReader(),
		maps:     symbolizer.NewProcMapsReader(),
		now:      time.Now,
	}
}

// NewRootCmd builds the pc2frames command tree. Flags can also be set
// through PC2FRAMES_* environment variables or a config file.
func NewRootCmd() *cobra.Command {
	return newRootCmd(newApp())
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "pc2frames",
		Short:        "Map instruction addresses of an ELF object to function frames, inlined calls included",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.vpr.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			if path := a.vpr.GetString("config"); path != "" {
				a.vpr.SetConfigFile(path)
				if err := a.vpr.ReadInConfig(); err != nil {
					return fmt.Errorf("loading configuration file: %w", err)
				}
			}
			return setupLogging(cmd.ErrOrStderr(), a.vpr.GetString("log-level"))
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (yaml, json or toml)")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("demangle", "full", "demangling: "+strings.Join(demangleModes, ", "))
	pf.String("live", "symbols", "where live functions come from: symbols, bpf or file")
	pf.String("live-file", "", "file with one live function name per line, for --live=file")

	root.AddCommand(newFramesCmd(a), newLookupCmd(a), newSymbolizeCmd(a))
	return root
}

func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loader builds the BinaryLoader the configuration asks for.
func (a *app) loader() (symbolizer.BinaryLoader, error) {
	mode := a.vpr.GetString("demangle")
	known := false
	for _, m := range demangleModes {
		known = known || m == mode
	}
	if !known {
		return nil, fmt.Errorf("unknown demangle mode %q", mode)
	}
	live, err := symbolizer.NewLiveSource(a.vpr.GetString("live"), a.vpr.GetString("live-file"))
	if err != nil {
		return nil, err
	}
	return a.newLoader(live, symbolizer.NewDemangler(mode)), nil
}

// output opens the --output destination; "" and "-" mean stdout.
func output(cmd *cobra.Command, path string) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
