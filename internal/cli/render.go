package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ccmrt/internal/engine"
	"github.com/roach88/ccmrt/internal/ir"
	"github.com/roach88/ccmrt/internal/runtime"
)

// RenderOptions holds flags for the render command.
type RenderOptions struct {
	*RootOptions
	ConfigFile string
	NoRender   bool // build and initialize only
	Trace      bool

	// FlowGenerator overrides the flow token generator (for testing).
	FlowGenerator engine.FlowTokenGenerator
}

// RenderOutput is what render prints.
type RenderOutput struct {
	Instance string                  `json:"instance"`
	Flow     string                  `json:"flow,omitempty"`
	Fields   any                     `json:"fields"`
	Trace    []engine.LifecycleEvent `json:"trace,omitempty"`
}

// NewRenderCommand creates the render command.
func NewRenderCommand(rootOpts *RootOptions) *cobra.Command {
	return newRenderCommand(&RenderOptions{RootOptions: rootOpts})
}

func newRenderCommand(opts *RenderOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render <component>",
		Short: "Create and render a component instance",
		Long: `Create an instance of a component with every dependency in its
configuration resolved, run its lifecycle and render it.

The component is an index such as "chat" or "chat-2.1.0", or the URL of
a manifest such as "components/ccm.chat.json". --config names a YAML or
JSON file whose object is merged over the component's defaults.

Examples:
  ccmrt render components/ccm.chat.json
  ccmrt render components/ccm.chat.json --config chat.yaml --trace
  ccmrt render components/ccm.chat.json --no-render --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config-file", "c", "", "instance configuration (YAML or JSON)")
	cmd.Flags().BoolVar(&opts.NoRender, "no-render", false, "create the instance without rendering it")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "include the lifecycle trace")

	return cmd
}

func runRender(opts *RenderOptions, ref string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	var cfg ir.IRValue
	if opts.ConfigFile != "" {
		obj, err := readObjectFile(opts.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read instance config", err)
		}
		cfg = obj
	}

	trace := &engine.Trace{}
	extra := []runtime.Option{runtime.WithObserver(trace)}
	if opts.FlowGenerator != nil {
		extra = append(extra, runtime.WithFlowGenerator(opts.FlowGenerator))
	}
	rt, err := opts.openRuntime(cmd, extra...)
	if err != nil {
		return err
	}
	defer rt.Close()

	var inst *engine.Instance
	if opts.NoRender {
		inst, err = rt.Instance(cmd.Context(), ref, cfg)
	} else {
		inst, err = rt.Render(cmd.Context(), ref, cfg)
	}
	if err != nil {
		return out.RuntimeError("render failed", err)
	}

	events := trace.Events()
	res := RenderOutput{
		Instance: inst.Index,
		Fields:   ir.ToGo(inst.Fields),
	}
	if len(events) > 0 {
		res.Flow = events[0].Flow
	}
	if opts.Trace {
		res.Trace = events
	}

	if opts.Format == "json" {
		return out.Success(res)
	}

	w := cmd.OutOrStdout()
	if opts.Trace {
		for _, ev := range events {
			fmt.Fprintf(w, "[%d] %s %s", ev.Seq, ev.Kind, ev.Subject)
			if ev.Parent != "" {
				fmt.Fprintf(w, " (parent %s)", ev.Parent)
			}
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "%s (flow %s)\n", inst.Index, res.Flow)
	return out.Value(inst.Fields)
}
