package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pageferry/pageferry/internal/engine"
	"github.com/pageferry/pageferry/internal/store"
)

var (
	runSource   string
	runTarget   string
	runPageSize int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new transfer and follow it to completion",
		Long: `Start a new transfer from a paginated source endpoint to a target
endpoint and follow its progress. Only one non-terminal transfer may
exist at a time; cancel or complete the current one before starting
another.

Press Ctrl-C to pause the transfer. A paused transfer keeps its
buffered chunks and item count; continue it later with 'pageferry
resume'.`,
		Example: `  pageferry run --source http://localhost:9180/items --target http://localhost:9181/ingest
  pageferry run --source http://src/items --target http://dst/ingest --page-size 50`,
		RunE: runRun,
	}

	cmd.Flags().StringVar(&runSource, "source", "", "paginated source endpoint URL (required)")
	cmd.Flags().StringVar(&runTarget, "target", "", "target ingest endpoint URL (required)")
	cmd.Flags().IntVar(&runPageSize, "page-size", 0, "items per page (defaults to config)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	pageSize := runPageSize
	if pageSize <= 0 {
		pageSize = globalCfg.Transfer.PageSize
	}

	events, unsubscribe := globalEngine.Subscribe()
	defer unsubscribe()

	sess, err := globalEngine.Start(runSource, runTarget, pageSize)
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyActive) {
			return fmt.Errorf("%w; use 'pageferry resume' or 'pageferry cancel' first", err)
		}
		return err
	}

	fmt.Printf("Transfer %s started (page size %d)\n", sess.ID, pageSize)
	return followTransfer(events)
}

// followTransfer prints events until the transfer reaches a terminal
// state or the user interrupts. Interrupt pauses rather than cancels so
// the transfer can be continued later.
func followTransfer(events <-chan engine.Event) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, pausing transfer", "signal", sig)
			sess, err := globalEngine.Pause()
			if err != nil {
				return fmt.Errorf("pause failed: %w", err)
			}
			if sess != nil {
				fmt.Printf("\nTransfer %s paused at %d items; 'pageferry resume' continues it\n",
					sess.ID, sess.ProcessedItems)
			}
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case engine.EventProgress:
				printProgress(ev)
			case engine.EventChunkProcessed:
				if !ev.Success {
					fmt.Printf("chunk %s failed\n", ev.ChunkID)
				}
			case engine.EventCompleted:
				fmt.Printf("Transfer %s completed: %d items\n", ev.Session.ID, ev.Session.ProcessedItems)
				return nil
			case engine.EventError:
				return fmt.Errorf("transfer failed: %s", ev.Err)
			}
		}
	}
}

func printProgress(ev engine.Event) {
	if quiet || ev.Session == nil {
		return
	}
	if ev.Percent != nil && ev.Total != nil {
		fmt.Printf("  %d/%d items (%d%%)\n", ev.Session.ProcessedItems, *ev.Total, *ev.Percent)
	} else {
		fmt.Printf("  %d items\n", ev.Session.ProcessedItems)
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue a paused or interrupted transfer",
		Long: `Reload the persisted transfer and continue it. A transfer paused by
Ctrl-C or a process restart picks up from its recorded item count;
chunks already buffered locally are delivered without re-reading the
source.`,
		Example: `  pageferry resume`,
		RunE:    resumeRun,
	}
}

func resumeRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	events, unsubscribe := globalEngine.Subscribe()
	defer unsubscribe()

	sess, err := globalEngine.Restore()
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Println("No transfer to resume")
		return nil
	}

	if sess.Status == store.SessionPaused {
		sess, err = globalEngine.Resume()
		if err != nil {
			return err
		}
	}

	fmt.Printf("Transfer %s resumed at %d items\n", sess.ID, sess.ProcessedItems)
	return followTransfer(events)
}
