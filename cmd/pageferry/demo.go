package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pageferry/pageferry/internal/demo"
)

var (
	demoListen string
	demoItems  int
	demoFail   int
)

func newDemoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run built-in demo endpoints",
		Long: `Run the built-in demo endpoints: a paginated source serving a
generated dataset, and a collector that ingests chunk posts. Together
they exercise a full transfer end to end without external services.`,
		Example: `  pageferry demo source --items 500
  pageferry demo collector --fail 2
  pageferry run --source http://127.0.0.1:9180/items --target http://127.0.0.1:9181/ingest`,
	}

	cmd.AddCommand(newDemoSourceCmd(), newDemoCollectorCmd())
	return cmd
}

func newDemoSourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Serve a generated paginated dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := demoListen
			if listen == "" {
				listen = globalCfg.Demo.SourceListen
			}
			items := demoItems
			if items <= 0 {
				items = globalCfg.Demo.SourceItems
			}

			src := demo.NewSource(items, logger)
			fmt.Printf("Demo source: %d items at http://%s/items\n", items, listen)
			return serveUntilSignal(listen, src.Start, src.Shutdown)
		},
	}

	cmd.Flags().StringVar(&demoListen, "listen", "", "address to listen on (defaults to config)")
	cmd.Flags().IntVar(&demoItems, "items", 0, "dataset size (defaults to config)")
	return cmd
}

func newDemoCollectorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collector",
		Short: "Ingest chunk posts and count what arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen := demoListen
			if listen == "" {
				listen = globalCfg.Demo.CollectorListen
			}

			col := demo.NewCollector(logger)
			if demoFail > 0 {
				col.FailNext(demoFail)
			}
			fmt.Printf("Demo collector at http://%s/ingest\n", listen)
			return serveUntilSignal(listen, col.Start, func(ctx context.Context) error {
				batches, items := col.Received()
				fmt.Printf("Received %d batches, %d items\n", batches, items)
				return col.Shutdown(ctx)
			})
		},
	}

	cmd.Flags().StringVar(&demoListen, "listen", "", "address to listen on (defaults to config)")
	cmd.Flags().IntVar(&demoFail, "fail", 0, "fail the first N ingest calls with HTTP 500")
	return cmd
}

// serveUntilSignal runs a blocking server and shuts it down gracefully
// on SIGINT/SIGTERM.
func serveUntilSignal(listen string, start func(string) error, shutdown func(context.Context) error) error {
	errChan := make(chan error, 1)
	go func() {
		if err := start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return shutdown(ctx)
	}
}
