package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/ccmrt/internal/loader"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Serial  bool
	Payload string // JSON object sent to a single URL
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <url>...",
		Short: "Load resources",
		Long: `Load one or more resources and print the result.

Relative URLs are read from the resource root. JSON, YAML and CUE
resources are parsed; anything else is returned as text. Several URLs
are loaded concurrently and yield a list, unless --serial is given.

Examples:
  ccmrt load data/notes.json
  ccmrt load --serial a.json b.json
  ccmrt load https://example.com/api --payload '{"key": "n1"}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Serial, "serial", false, "load the URLs one after the other")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON object to send to the URL")

	return cmd
}

func runLoad(opts *LoadOptions, urls []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	specs := make([]loader.Spec, len(urls))
	for i, u := range urls {
		specs[i] = loader.URL(u)
	}
	if opts.Payload != "" {
		if len(urls) != 1 {
			return NewExitError(ExitCommandError, "--payload needs exactly one URL")
		}
		payload, err := parseObject(opts.Payload)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --payload", err)
		}
		specs[0] = loader.Exchange{URL: urls[0], Payload: payload}
	}
	if opts.Serial && len(specs) > 1 {
		specs = []loader.Spec{loader.Serial(specs)}
	}

	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	out.VerboseLog("loading %d resource(s)", len(urls))
	fut := rt.LoadAsync(cmd.Context(), specs...)
	if !fut.Ready() {
		out.VerboseLog("waiting for transport")
	}
	v, err := fut.Await(cmd.Context())
	if err != nil {
		return out.RuntimeError("load failed", err)
	}
	return out.Value(v)
}
