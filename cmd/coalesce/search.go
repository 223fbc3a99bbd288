package coalesce

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var searchGroupID string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search live facts in a partition",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVar(&searchGroupID, "group-id", "default", "partition to search")
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(cmd.Context())

	facts, err := eng.Search(cmd.Context(), searchGroupID, strings.Join(args, " "))
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		fmt.Println("no matching facts")
		return nil
	}
	for _, f := range facts {
		text := f.Fact
		if text == "" {
			text = f.Name
		}
		fmt.Printf("%s  %s  valid_at=%s\n", f.UUID, text, f.ValidAt.Format("2006-01-02"))
	}
	return nil
}
