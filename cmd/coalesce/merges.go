package coalesce

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mergesCmd = &cobra.Command{
	Use:   "merges",
	Short: "Inspect and repair node merges",
}

var mergesResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Re-drive merges interrupted by a crash",
	Long: `Scan the merge journal for interrupted merges and run each one to
completion from its last recorded step. Safe to run while the engine is
serving; pair locks keep resumed merges exclusive.`,
	RunE: runMergesResume,
}

var mergesRunCmd = &cobra.Command{
	Use:   "run <canonical-uuid> <duplicate-uuid>",
	Short: "Merge a duplicate node into its canonical",
	Args:  cobra.ExactArgs(2),
	RunE:  runMergesRun,
}

var mergesGroupID string

func init() {
	rootCmd.AddCommand(mergesCmd)
	mergesCmd.AddCommand(mergesResumeCmd)
	mergesCmd.AddCommand(mergesRunCmd)
	mergesCmd.PersistentFlags().StringVar(&mergesGroupID, "group-id", "default", "partition the nodes live in")
}

func runMergesResume(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(cmd.Context())

	n, err := eng.ResumeMerges(cmd.Context())
	if err != nil {
		return fmt.Errorf("resumed %d merges before failing: %w", n, err)
	}
	fmt.Printf("resumed %d merges\n", n)
	return nil
}

func runMergesRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(cmd.Context())

	if err := eng.Merge(cmd.Context(), mergesGroupID, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("merged %s into %s\n", args[1], args[0])
	return nil
}
