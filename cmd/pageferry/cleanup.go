package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupSession string

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete delivered chunk payloads from the database",
		Long: `Delete completed chunks for a session, reclaiming the space their
payloads occupy. Pending, processing, and failed chunks are kept.
Defaults to the current session when --session is not given.`,
		Example: `  pageferry cleanup
  pageferry cleanup --session 6f1c...`,
		RunE: cleanupRun,
	}

	cmd.Flags().StringVar(&cleanupSession, "session", "", "session ID to clean up (defaults to current)")

	return cmd
}

func cleanupRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}

	sessionID := cleanupSession
	if sessionID == "" {
		sess, err := globalEngine.CurrentSession()
		if err != nil {
			return err
		}
		if sess == nil {
			fmt.Println("No session to clean up")
			return nil
		}
		sessionID = sess.ID
	}

	if err := globalStore.ClearCompletedChunks(sessionID); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Printf("Completed chunks cleared for session %s\n", sessionID)
	return nil
}
