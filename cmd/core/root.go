package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fieldsync/internal/config"
	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/fakeapi"
	"github.com/kimhsiao/fieldsync/internal/logging"
	fsync "github.com/kimhsiao/fieldsync/internal/sync"
	"github.com/kimhsiao/fieldsync/internal/sync/queue"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	DataDir    string
	Format     string // "json" | "text"
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "Inspect and repair the offline sync queue",
		Long: `fieldsync works on the data directory of a field device.

It shows what is waiting to be uploaded, retries or discards items the
server refused, and runs dispatch or reconciliation passes by hand.
Stop the app using the data directory before changing its queue.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return errors.Newf(errors.ErrInvalidConfig, "invalid format %q: must be one of %v", opts.Format, validFormats)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("FIELDSYNC_CONFIG"), "path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides the configuration)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(
		newStatusCommand(opts),
		newFailedCommand(opts),
		newRetryCommand(opts),
		newDiscardCommand(opts),
		newSyncCommand(opts),
		newReconcileCommand(opts),
		newDevServerCommand(),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) formatter(cmd *cobra.Command) *formatter {
	return &formatter{format: o.Format, w: cmd.OutOrStdout()}
}

// openEngine opens the engine over the configured data directory. Background
// work is not started.
func (o *rootOptions) openEngine(ctx context.Context, cmd *cobra.Command) (*fsync.Engine, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	logging.Init(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level))

	opts := fsync.OptionsFromConfig(cfg)
	opts.InitialOnline = true
	return fsync.Open(ctx, opts)
}

// withEngine runs fn with an open engine and closes it afterwards.
func (o *rootOptions) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *fsync.Engine) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := o.openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

// =====================================================
// Queue inspection
// =====================================================

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending, in-flight and failed counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				status, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).success(status, func(w io.Writer) {
					fmt.Fprintf(w, "%d pending, %d in flight, %d failed\n", status.Pending, status.InFlight, status.Failed)
				})
			})
		},
	}
}

func newFailedCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List items that will not be retried without help",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				items, err := e.FailedItems(ctx)
				if err != nil {
					return err
				}
				if items == nil {
					items = []*queue.Item{}
				}
				return opts.formatter(cmd).success(items, func(w io.Writer) {
					printItems(w, items)
				})
			})
		},
	}
}

func printItems(w io.Writer, items []*queue.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No failed items.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ITEM\tENTITY\tOPERATION\tRETRIES\tUPDATED\tERROR")
	for _, item := range items {
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%d\t%s\t%s\n",
			item.ID, item.EntityType, item.EntityID, item.Operation, item.RetryCount,
			item.UpdatedAt.Format(time.RFC3339), item.LastError)
	}
	tw.Flush()
}

// =====================================================
// Recovery
// =====================================================

func newRetryCommand(opts *rootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "retry [item-id]",
		Short: "Give failed items a fresh retry budget",
		Example: `  fieldsync retry 0190f4c2-7d1e-7c3a-9a51-3f0c9d2e4b10
  fieldsync retry --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New(errors.ErrInvalid, "give an item id or --all")
			}
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				out := opts.formatter(cmd)
				if all {
					n, err := e.RetryAll(ctx)
					if err != nil {
						return err
					}
					return out.success(map[string]int{"retried": n}, func(w io.Writer) {
						fmt.Fprintf(w, "%d item(s) queued again\n", n)
					})
				}
				if err := e.Retry(ctx, args[0]); err != nil {
					return err
				}
				return out.success(map[string]string{"retried": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Item %s queued again\n", args[0])
				})
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "retry every failed item")
	return cmd
}

func newDiscardCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <item-id>",
		Short: "Drop a failed item; the local record stays unconfirmed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				if err := e.Discard(ctx, args[0]); err != nil {
					return err
				}
				return opts.formatter(cmd).success(map[string]string{"discarded": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Item %s discarded\n", args[0])
				})
			})
		},
	}
}

// =====================================================
// Manual passes
// =====================================================

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one dispatch cycle against the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				result, err := e.Sync(ctx)
				if err != nil {
					return err
				}
				return opts.formatter(cmd).success(result, func(w io.Writer) {
					if result.Suspended {
						fmt.Fprintln(w, "Sync suspended: sign in again to resume.")
						return
					}
					fmt.Fprintf(w, "%d dispatched: %d succeeded, %d will retry, %d failed, %d rejected\n",
						result.Dispatched, result.Succeeded, result.Retried, result.Failed, result.Rejected)
				})
			})
		},
	}
}

func newReconcileCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Pull the server's records into the local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withEngine(cmd, func(ctx context.Context, e *fsync.Engine) error {
				result, err := e.Reconcile(ctx)
				if result != nil {
					totals := result.Totals()
					_ = opts.formatter(cmd).success(result, func(w io.Writer) {
						fmt.Fprintf(w, "%d fetched: %d upserted, %d deleted, %d skipped\n",
							totals.Fetched, totals.Upserted, totals.Deleted, totals.Skipped)
					})
				}
				return err
			})
		},
	}
}

// =====================================================
// Development
// =====================================================

func newDevServerCommand() *cobra.Command {
	var (
		addr     string
		secret   string
		tokenTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory incident API for local testing",
		Long: `devserver serves the incident API from memory. Records are lost on exit.

With --secret, bearer tokens must be HS256 JWTs signed with it; a token
valid for --token-ttl is printed at startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts []fakeapi.Option
			if secret != "" {
				opts = append(opts, fakeapi.WithSecret([]byte(secret)))
			}
			api := fakeapi.New(opts...)

			token, err := api.IssueToken("devserver", tokenTTL)
			if err != nil {
				return errors.Wrap(errors.ErrInternal, "failed to issue token", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\nToken: %s\n", addr, token)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: addr, Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(errors.ErrInternal, "devserver failed", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 12*time.Hour, "lifetime of the printed token")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsync v%s\n", Version)
		},
	}
}
