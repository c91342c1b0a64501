package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/fiscal/engine"
	"github.com/xraph/fiscal/lane"
)

func lanesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Print the effective lane table",
		Long:  "Print every lane with the configuration overrides applied.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			table, err := lane.DefaultTable().WithOverrides(cfg.Lanes)
			if err != nil {
				return err
			}
			return printLaneConfigs(cmd.OutOrStdout(), table.Configs())
		},
	}
}

func printLaneConfigs(w io.Writer, cfgs []lane.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tCONSUMERS\tBATCH\tTTL\tPRIORITY\tTIMEOUT\tDEAD LETTER")
	for _, c := range cfgs {
		ttl := "-"
		if c.TTL > 0 {
			ttl = c.TTL.String()
		}
		fmt.Fprintf(tw, "%s\t%d-%d\t%d\t%s\t%d\t%s\t%s\n",
			c.Name, c.MinConsumers, c.MaxConsumers, c.BatchSize, ttl,
			c.BrokerPriority, c.Timeout, orDash(c.DeadLetterTarget))
	}
	return tw.Flush()
}

func printLaneStatus(w io.Writer, lanes []engine.LaneStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LANE\tSTATE\tACTIVE\tCONSUMERS")
	for _, l := range lanes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", l.Name, l.State, l.Active, l.Consumers)
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
