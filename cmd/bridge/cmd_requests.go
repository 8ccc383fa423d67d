package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"ledgerbridge/internal/mcp"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// launchCmd is a smoke test of the supervisor: launch, check readiness, stop.
var launchCmd = &cobra.Command{
	Use:   "launch [worker-type...]",
	Short: "Launch workers, verify they are ready, then stop them",
	Long: `Launches the named worker types (every core type when none are named)
with the full retry and two-phase readiness logic, runs the bridge readiness
check and prints the result. All workers are stopped before exiting.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(true)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		launchErr := a.launch(ctx, args)
		out := cmd.OutOrStdout()
		for _, info := range a.supervisor.Running() {
			fmt.Fprintf(out, "%-20s pid %-7d attempts %d\n", info.Type, info.Pid, info.Attempts)
		}
		if launchErr != nil {
			return launchErr
		}
		if err := a.bridge.AreServersReady(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "bridge %s\n", a.bridge.Status())
		return nil
	},
}

// callCmd sends one request to one worker.
var callCmd = &cobra.Command{
	Use:   "call <worker> <method> [params-json]",
	Short: "Launch a worker and send it one request",
	Example: `  ledgerbridge call financial-analyzer financial/analyze '{"transactions": []}'
  ledgerbridge call pdf-processor tools/call '{"name":"health_check","arguments":{}}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := mcp.Null()
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
				return fmt.Errorf("params: %w", err)
			}
		}
		ctx, stop := commandContext(true)
		defer stop()

		return withWorker(ctx, args[0], func(a *app) error {
			v, err := a.bridge.SendRequest(ctx, args[0], mcp.Method(args[1]), params)
			if err != nil {
				logger.Error("request failed", zap.String("kind", mcp.ErrorKind(err)), zap.Error(err))
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		})
	},
}

// toolsCmd lists a worker's tools.
var toolsCmd = &cobra.Command{
	Use:   "tools <worker>",
	Short: "List the tools a worker exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := commandContext(true)
		defer stop()

		return withWorker(ctx, args[0], func(a *app) error {
			tools, err := a.bridge.ListTools(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tools {
				fmt.Fprintf(out, "%-28s %s\n", t.Name, t.Description)
			}
			return nil
		})
	},
}

// broadcastCmd sends one request to every connected worker.
var broadcastCmd = &cobra.Command{
	Use:   "broadcast <method> [params-json]",
	Short: "Launch the core workers and send a request to all of them",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := mcp.Null()
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return fmt.Errorf("params: %w", err)
			}
		}
		ctx, stop := commandContext(true)
		defer stop()

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.close(ctx)
		if err := a.launch(ctx, nil); err != nil {
			return err
		}
		a.connectOthers(ctx)

		results := a.bridge.BroadcastRequest(ctx, mcp.Method(args[0]), params)
		ids := make([]string, 0, len(results))
		for id := range results {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		out := cmd.OutOrStdout()
		failed := 0
		for _, id := range ids {
			r := results[id]
			if r.Err != nil {
				failed++
				fmt.Fprintf(out, "%s: error (%s): %v\n", id, mcp.ErrorKind(r.Err), r.Err)
				continue
			}
			fmt.Fprintf(out, "%s: ", id)
			if err := printJSON(out, r.Value); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d workers failed", failed, len(results))
		}
		return nil
	},
}

func printJSON(w io.Writer, v mcp.Value) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
