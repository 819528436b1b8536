package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/ccmrt/internal/datastore"
	"github.com/roach88/ccmrt/internal/ir"
)

// StoreOptions holds flags shared by the store subcommands.
type StoreOptions struct {
	*RootOptions
	Store string
	DB    string
	URL   string
}

// settings builds the datastore settings the flags describe.
func (o *StoreOptions) settings() ir.IRObject {
	s := ir.IRObject{"store": ir.IRString(o.Store)}
	if o.DB != "" {
		s["db"] = ir.IRString(o.DB)
	}
	if o.URL != "" {
		s["url"] = ir.IRString(o.URL)
	}
	return s
}

// NewStoreCommand creates the store command and its subcommands.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "store",
		Short: "Read and write datastore records",
		Long: `Read and write records of a persistent or remote datastore.

Without --url the store lives in the configured SQLite database; with
--url requests go to a remote store server (http(s):// or ws(s)://).

Examples:
  ccmrt store set --store notes '{"key": "n1", "text": "hello"}'
  ccmrt store get --store notes n1
  ccmrt store query --store notes '{"text": "hello"}'
  ccmrt store del --store notes n1 --url http://localhost:8080/`,
	}

	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store name (required)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database name within the store backend")
	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "remote store server URL")
	_ = cmd.MarkPersistentFlagRequired("store")

	cmd.AddCommand(newStoreGetCommand(opts))
	cmd.AddCommand(newStoreSetCommand(opts))
	cmd.AddCommand(newStoreDelCommand(opts))
	cmd.AddCommand(newStoreQueryCommand(opts))
	return cmd
}

func newStoreGetCommand(opts *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <key>",
		Short:         "Read one record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ds *datastore.Datastore, out *OutputFormatter) error {
				rec, err := ds.Get(cmd.Context(), parseKey(args[0]))
				if err != nil {
					return out.RuntimeError("get failed", err)
				}
				if rec == nil {
					if err := out.Error("E_NOT_FOUND", "no record "+args[0], nil); err != nil {
						return err
					}
					return NewExitError(ExitFailure, "no record "+args[0])
				}
				return out.Value(rec)
			})
		},
	}
}

func newStoreSetCommand(opts *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set <record-json>",
		Short:         "Create or update a record",
		Long:          "Create or update a record. A record without a key gets a generated one.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseObject(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid record", err)
			}
			return withStore(opts, cmd, func(ds *datastore.Datastore, out *OutputFormatter) error {
				saved, err := ds.Set(cmd.Context(), rec)
				if err != nil {
					return out.RuntimeError("set failed", err)
				}
				return out.Value(saved)
			})
		},
	}
}

func newStoreDelCommand(opts *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "del <key>",
		Short:         "Delete a record",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(ds *datastore.Datastore, out *OutputFormatter) error {
				old, err := ds.Delete(cmd.Context(), parseKey(args[0]))
				if err != nil {
					return out.RuntimeError("delete failed", err)
				}
				if old == nil {
					return out.Value(ir.IRNull{})
				}
				return out.Value(old)
			})
		},
	}
}

func newStoreQueryCommand(opts *StoreOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "query [query-json]",
		Short:         "List the records matching a query",
		Long:          "List the records holding every field of the query. No query lists all records.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ir.IRObject{}
			if len(args) == 1 {
				q, err := parseObject(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid query", err)
				}
				query = q
			}
			return withStore(opts, cmd, func(ds *datastore.Datastore, out *OutputFormatter) error {
				recs, err := ds.Query(cmd.Context(), query)
				if err != nil {
					return out.RuntimeError("query failed", err)
				}
				list := make(ir.IRArray, len(recs))
				for i, r := range recs {
					list[i] = r
				}
				return out.Value(list)
			})
		},
	}
}

// withStore opens the runtime and the datastore the flags name and runs fn.
func withStore(opts *StoreOptions, cmd *cobra.Command, fn func(*datastore.Datastore, *OutputFormatter) error) error {
	if opts.Store == "" {
		return NewExitError(ExitCommandError, "--store is required")
	}
	out := opts.formatter(cmd)

	rt, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	ds, err := rt.Store(cmd.Context(), opts.settings())
	if err != nil {
		return out.RuntimeError("open store failed", err)
	}
	out.VerboseLog("using %s (%s)", ds.Source(), ds.Level())
	return fn(ds, out)
}
