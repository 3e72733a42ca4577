package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Abandon the current transfer",
		Long: `Abandon the persisted transfer. The session is marked failed with
reason "cancelled by user" and its buffered chunks stay in the
database until cleaned up. A completed transfer cannot be cancelled.`,
		Example: `  pageferry cancel`,
		RunE:    cancelRun,
	}
}

func cancelRun(cmd *cobra.Command, args []string) error {
	if globalEngine == nil {
		return fmt.Errorf("engine not initialized")
	}

	sess, err := globalEngine.CurrentSession()
	if err != nil {
		return err
	}
	if sess == nil {
		fmt.Println("No transfer to cancel")
		return nil
	}

	if err := globalEngine.Cancel(); err != nil {
		return err
	}

	fmt.Printf("Transfer %s cancelled\n", sess.ID)
	return nil
}
