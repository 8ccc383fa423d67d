package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/store"

	"github.com/spf13/cobra"
)

var (
	statusLaunches int
	pruneOlderThan time.Duration
)

// statusCmd reports the journal without touching any worker.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show last known worker states, request stats and launches",
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := openJournal()
		if err != nil {
			return err
		}
		defer j.Close()
		ctx := context.Background()

		states, err := j.ListWorkerStates(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSTATE\tPID\tUPDATED\tREQUESTS\tSUCCESS\tAVG LATENCY\tLAST ERROR")
		for _, ws := range states {
			sum, err := j.RequestSummary(ctx, ws.WorkerID)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%.1f%%\t%v\t%s\n",
				ws.WorkerID, ws.State, ws.Pid, ws.UpdatedAt.Format(time.RFC3339),
				sum.Requests, 100*sum.SuccessRate(), sum.AvgLatency.Round(time.Millisecond), ws.LastError)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		launches, err := j.RecentLaunches(ctx, "", statusLaunches)
		if err != nil {
			return err
		}
		if len(launches) == 0 {
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout())
		tw = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LAUNCHED\tWORKER\tATTEMPT\tPID\tRESULT\tDURATION")
		for _, l := range launches {
			result := "ok"
			if !l.Success {
				result = l.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%v\n", l.At.Format(time.RFC3339), l.WorkerType, l.Attempt, l.Pid, result, l.Duration.Round(time.Millisecond))
		}
		return tw.Flush()
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Maintain the SQLite journal",
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete request stats and launch records older than --older-than",
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := openJournal()
		if err != nil {
			return err
		}
		defer j.Close()
		n, err := j.Prune(context.Background(), time.Now().Add(-pruneOlderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d rows from %s\n", n, j.Path())
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLaunches, "launches", 10, "Number of recent launch attempts to show")
	journalPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Age of rows to delete")
	journalCmd.AddCommand(journalPruneCmd)
	configCmd.AddCommand(configInitCmd)
}

func openJournal() (*store.Journal, error) {
	if !cfg.Store.Enabled {
		return nil, fmt.Errorf("the journal is disabled (store.enabled: false)")
	}
	return store.Open(cfg.Store.Path)
}
