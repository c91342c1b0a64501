package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/fiscal/client"
	"github.com/xraph/fiscal/deadletter"
)

// adminCmd groups commands that talk to a running engine over its admin
// API.
func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operate a running engine through its admin API",
	}
	cmd.PersistentFlags().String("server", envOr("FISCAL_ADMIN_URL", "http://localhost:8089"), "admin API base URL")
	cmd.PersistentFlags().String("token", os.Getenv("FISCAL_ADMIN_TOKEN"), "admin bearer token")
	cmd.PersistentFlags().Bool("json", false, "print raw JSON")

	cmd.AddCommand(adminLanesCmd(), adminDLQCmd(), adminDocumentCmd())
	return cmd
}

func adminClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server") //nolint:errcheck // persistent flag is always registered
	token, _ := cmd.Flags().GetString("token")   //nolint:errcheck // persistent flag is always registered
	return client.New(server, client.WithToken(token), client.WithRetry(2, 250*time.Millisecond))
}

func wantJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json") //nolint:errcheck // persistent flag is always registered
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── lanes ──

func adminLanesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lanes",
		Short: "List lanes or change their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lanes, err := adminClient(cmd).Lanes(cmd.Context())
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), lanes)
			}
			return printLaneStatus(cmd.OutOrStdout(), lanes)
		},
	}

	for _, action := range []string{"pause", "resume", "drain"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " <lane>",
			Short: action + " a lane",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := adminClient(cmd)
				var err error
				switch action {
				case "pause":
					_, err = c.PauseLane(cmd.Context(), args[0])
				case "resume":
					_, err = c.ResumeLane(cmd.Context(), args[0])
				default:
					_, err = c.DrainLane(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], action)
				return nil
			},
		})
	}
	return cmd
}

// ── dlq ──

func adminDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-letter entries",
	}

	var opts client.ListOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := adminClient(cmd).DeadLetters(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printDeadLetters(cmd.OutOrStdout(), entries)
		},
	}
	list.Flags().IntVar(&opts.Limit, "limit", 50, "maximum entries")
	list.Flags().IntVar(&opts.Offset, "offset", 0, "entries to skip")
	list.Flags().StringVar(&opts.TenantID, "tenant", "", "filter by tenant")
	list.Flags().StringVar(&opts.Class, "class", "", "filter by class: TRANSIENT, CONFIGURATION, PERMANENT")

	replay := &cobra.Command{
		Use:   "replay <entry-id>",
		Short: "Republish an entry's item with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := adminClient(cmd).ReplayDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s as %s\n", args[0], item.ID)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <entry-id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := adminClient(cmd).DeleteDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show dead-letter counts by class, tenant and state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := adminClient(cmd).DeadLetterStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}

	cmd.AddCommand(list, replay, del, stats)
	return cmd
}

func printDeadLetters(w io.Writer, entries []*deadletter.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tOPERATION\tCLASS\tSTATE\tATTEMPTS\tFAILED\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.ID, e.TenantID, e.Operation, e.Class, e.State, e.AttemptCount,
			e.FailedAt.Format(time.RFC3339), truncate(e.Reason, 60))
	}
	return tw.Flush()
}

// ── documents ──

func adminDocumentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "document <access-key>",
		Short: "Show a document's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := adminClient(cmd).Document(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
