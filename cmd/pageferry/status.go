package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"github.com/pageferry/pageferry/internal/store"
)

var statusChunks bool

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the current transfer's state and progress",
		Long: `Display the persisted transfer session: status, item counts, progress
percentage, and the last error if one was recorded. Use --chunks to
also list every buffered chunk and its state.`,
		Example: `  pageferry status
  pageferry status --chunks`,
		RunE: statusRun,
	}

	cmd.Flags().BoolVar(&statusChunks, "chunks", false, "list individual chunks")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	sess, err := globalEngine.CurrentSession()
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Println("No transfer in progress")
		return nil
	}

	fmt.Println("Transfer Status")
	fmt.Println("===============")
	fmt.Printf("Session:   %s\n", sess.ID)
	fmt.Printf("Status:    %s\n", sess.Status)
	fmt.Printf("Source:    %s\n", sess.SourceURL)
	fmt.Printf("Target:    %s\n", sess.TargetURL)
	fmt.Printf("Page size: %d\n", sess.PageSize)

	if sess.TotalItems.Valid {
		pct := 0
		if sess.TotalItems.Int64 > 0 {
			pct = int(math.Round(float64(sess.ProcessedItems) / float64(sess.TotalItems.Int64) * 100))
		}
		fmt.Printf("Progress:  %d/%d items (%d%%)\n", sess.ProcessedItems, sess.TotalItems.Int64, pct)
	} else {
		fmt.Printf("Progress:  %d items (total unknown)\n", sess.ProcessedItems)
	}

	if sess.LastChunkID.Valid {
		fmt.Printf("Last chunk: %s\n", sess.LastChunkID.String)
	}
	if sess.LastError.Valid && sess.LastError.String != "" {
		fmt.Printf("Last error: %s\n", sess.LastError.String)
	}

	if statusChunks {
		chunks, err := globalStore.GetSessionChunks(sess.ID)
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		fmt.Printf("\nChunks (%d):\n", len(chunks))
		for _, c := range chunks {
			line := fmt.Sprintf("  %-4d %s %-10s %d items", c.Seq, c.ID, c.Status, c.ItemCount)
			if c.Status == store.ChunkFailed && c.Error != "" {
				line += " (" + c.Error + ")"
			}
			fmt.Println(line)
		}
	}

	return nil
}
