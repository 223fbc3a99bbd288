package coalesce

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsGroupID string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize a graph partition",
	Long: `Print node and edge counts by kind for one partition, including how
many facts are live versus superseded.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().StringVar(&statsGroupID, "group-id", "default", "partition to summarize")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(cmd.Context())

	stats, err := eng.Stats(cmd.Context(), statsGroupID)
	if err != nil {
		return fmt.Errorf("stats for %s: %w", statsGroupID, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}
