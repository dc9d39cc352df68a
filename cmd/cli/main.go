package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dvloznov/mailtx/internal/app"
	"github.com/dvloznov/mailtx/internal/archive"
	"github.com/dvloznov/mailtx/internal/config"
	"github.com/dvloznov/mailtx/internal/logger"
	"github.com/dvloznov/mailtx/internal/normalizer"
	"github.com/dvloznov/mailtx/internal/parser"
	"github.com/dvloznov/mailtx/internal/pipeline"
	"github.com/dvloznov/mailtx/internal/retriever/mboxfile"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailtx",
		Short:         "Extract pay transactions from payment notification emails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root.PersistentFlags())

	root.AddCommand(
		newSyncCmd(),
		newReplayCmd(),
		newParseCmd(),
		newIntegrationsCmd(),
		newRunsCmd(),
	)
	return root
}

// setup loads the config and returns a signal-aware context carrying the logger.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, error) {
	cfg, err := config.LoadFromFlags(cmd.Flags())
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewWithLevel(cfg.Log.Level)
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	return logger.WithContext(ctx, log), cancel, cfg, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseDay(s string) (time.Time, error) {
	return time.Parse(time.DateOnly, s)
}

func newSyncCmd() *cobra.Command {
	var (
		dryRun     bool
		start, end string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync over every active integration and store the results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			q := cfg.Query(time.Now())
			if start != "" {
				if q.Start, err = parseDay(start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
				q.End = time.Time{}
			}
			if end != "" {
				if q.End, err = parseDay(end); err != nil {
					return fmt.Errorf("--end: %w", err)
				}
			}
			if err := q.Validate(); err != nil {
				return err
			}

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := pipeline.RunSync(ctx, a.PipelineDeps(dryRun), q, pipeline.TriggerCLI)
			if out != nil {
				if werr := writeJSON(cmd.OutOrStdout(), out); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Extract without writing to the sink")
	cmd.Flags().StringVar(&start, "start", "", "Range start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Range end date (YYYY-MM-DD, inclusive)")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		userID string
		store  bool
	)
	cmd := &cobra.Command{
		Use:   "replay <mbox path or gs:// uri>",
		Short: "Run an mbox archive through the parser chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			load := mboxfile.Loader(archive.Loader(a.Archive, archive.OpenFunc(mboxfile.LocalFile)))
			arc, err := mboxfile.Open(ctx, args[0], load)
			if err != nil {
				return err
			}
			defer arc.Close(ctx)

			env := normalizer.Envelope{UserID: userID}
			res, err := a.Orchestrator.Replay(ctx, arc.All(ctx), env)
			if err != nil {
				return err
			}

			out := &pipeline.Outcome{Result: res}
			if store {
				if out.Report, err = a.Store.Upsert(ctx, res.Transactions); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User the replayed transactions belong to")
	cmd.Flags().BoolVar(&store, "store", false, "Write the extracted transactions to the store")
	return cmd
}

func newParseCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "parse <file.eml>",
		Short: "Parse a single RFC 822 message and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			chain := parser.DefaultChain(parser.WithKeywordThreshold(cfg.Parser.KeywordThreshold))
			out, err := pipeline.ParseMessage(chain, raw, normalizer.Envelope{UserID: userID})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User to stamp on the transaction")
	return cmd
}

func newIntegrationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrations",
		Short: "List active integrations and the state of their tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			list, err := a.Credentials.ListActiveIntegrations(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tMODE\tACCOUNT\tTOKEN\tLAST SYNC")
			for i := range list {
				in := &list[i]
				account := in.Username
				if account == "" {
					account = in.OAuthProvider
				}
				lastSync := "-"
				if in.LastSyncAt != nil {
					lastSync = in.LastSyncAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", in.ID, in.UserID, in.Mode, account, a.Credentials.TokenState(in), lastSync)
			}
			return tw.Flush()
		},
	}
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the most recent sync runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			defer cancel()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.Store.ListSyncRuns(ctx, limit)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTRIGGER\tSTATUS\tSTARTED\tPROCESSED\tNEW\tINSERTED\tERRORS")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.RunID, r.Trigger, r.Status, r.StartedAt.Format(time.RFC3339), r.Processed, r.New, r.Inserted, r.Errors)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}
