// Package cli implements the ccmrt command-line interface: loading
// resources, rendering components, reading and writing datastores,
// serving the reference store protocol and running conformance
// scenarios.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/roach88/ccmrt/internal/config"
	"github.com/roach88/ccmrt/internal/runtime"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	cfg    *config.Config
	logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ccmrt CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ccmrt",
		Short: "ccmrt - component runtime",
		Long: `ccmrt loads resources, registers components, builds instance trees
with their dependencies resolved and keeps data in tiered datastores.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if _, err := opts.Config(); err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			opts.Logger(cmd.ErrOrStderr())
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewRenderCommand(opts))
	cmd.AddCommand(NewStoreCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// Config loads the configuration once.
func (o *RootOptions) Config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	o.cfg = cfg
	return cfg, nil
}

// Logger returns the command logger, building one that writes to w on
// first use. --verbose wins over the configured level.
func (o *RootOptions) Logger(w io.Writer) *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	level := charmlog.InfoLevel
	if o.cfg != nil && o.cfg.LogLevel != "" {
		if l, err := charmlog.ParseLevel(o.cfg.LogLevel); err == nil {
			level = l
		}
	}
	if o.Verbose {
		level = charmlog.DebugLevel
	}
	o.logger = slog.New(newLogger(w, level))
	return o.logger
}

// formatter builds the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openRuntime builds a runtime from the loaded configuration.
func (o *RootOptions) openRuntime(cmd *cobra.Command, extra ...runtime.Option) (*runtime.Runtime, error) {
	cfg, err := o.Config()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	opts := append([]runtime.Option{runtime.WithLogger(o.Logger(cmd.ErrOrStderr()))}, extra...)
	rt, err := runtime.New(*cfg, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start runtime", err)
	}
	return rt, nil
}
