// Command mockworker is a stand-in LedgerPro worker. It speaks the same
// stdio JSON-RPC protocol as the Python servers and answers initialize,
// ping, tools/list, tools/call and the domain method of its worker type.
//
// Set a worker's command to it in the config to exercise ledgerbridge
// without the Python environment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ledgerbridge/internal/mcp"
	"ledgerbridge/internal/mcp/mcptest"

	"github.com/spf13/cobra"
)

var (
	name      string
	banner    bool
	latency   time.Duration
	failFirst int
)

var rootCmd = &cobra.Command{
	Use:   "mockworker",
	Short: "Fake LedgerPro worker speaking JSON-RPC on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		if name == "" {
			name = os.Getenv("LEDGER_WORKER_ID")
		}
		if name == "" {
			name = "mockworker"
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := newServer(name)
		if banner {
			// Python workers often print a banner before the first frame.
			fmt.Fprintf(os.Stdout, "%s starting (pid %d)\n", name, os.Getpid())
		}
		fmt.Fprintf(os.Stderr, "%s: serving on stdio\n", name)
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.Flags().StringVar(&name, "name", "", "Worker name (defaults to $LEDGER_WORKER_ID)")
	rootCmd.Flags().BoolVar(&banner, "banner", false, "Print a non-JSON banner line to stdout first")
	rootCmd.Flags().DurationVar(&latency, "latency", 0, "Delay before every domain answer")
	rootCmd.Flags().IntVar(&failFirst, "fail-first", 0, "Fail the first N domain requests with a server error")
}

func newServer(name string) *mcptest.Server {
	srv := mcptest.NewServer(name,
		mcp.Tool{Name: "health_check", Description: "Report worker health"},
		mcp.Tool{Name: "echo", Description: "Echo the arguments back"},
	)
	domain := func(method mcp.Method) mcptest.HandlerFunc {
		var h mcptest.HandlerFunc = func(_ context.Context, req *mcp.Request) (mcp.Value, *mcp.RPCError) {
			return mcp.Map(map[string]mcp.Value{
				"worker": mcp.Str(name),
				"method": mcp.Str(string(method)),
				"params": req.Params,
				"pid":    mcp.Int(int64(os.Getpid())),
			}), nil
		}
		if latency > 0 {
			h = mcptest.Slow(latency, h)
		}
		if failFirst > 0 {
			h = mcptest.FailTimes(failFirst, mcp.CodeServerError, h)
		}
		return h
	}
	for _, m := range []mcp.Method{mcp.MethodFinancialAnalyze, mcp.MethodFinancialCategorize, mcp.MethodDocumentProcess} {
		srv.Handle(m, domain(m))
	}
	return srv
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
