package coalesce

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/coalescedb/coalesce/pkg/types"
)

var (
	ingestGroupID string
	ingestSource  string
	ingestFile    string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest episodes into the graph",
	Long: `Read episodes as JSON lines from a file or stdin and run each through
the full pipeline. Each line is either a JSON episode object or a bare
string treated as message content.

Outcomes are printed per episode; a non-zero exit means at least one
episode was dead-lettered.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestGroupID, "group-id", "default", "partition to ingest into")
	ingestCmd.Flags().StringVar(&ingestSource, "source", "message", "episode source (message, document, event)")
	ingestCmd.Flags().StringVar(&ingestFile, "file", "-", "JSONL input path, - for stdin")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	eng, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	defer eng.Close(cmd.Context())

	var in io.Reader = os.Stdin
	if ingestFile != "-" {
		f, err := os.Open(ingestFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	episodes, err := readEpisodes(in)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		return fmt.Errorf("no episodes in input")
	}

	results := eng.Add(cmd.Context(), episodes)
	deadLettered := 0
	for _, r := range results {
		line := fmt.Sprintf("%s %s entities=%d facts=%d superseded=%d merged=%d",
			r.EpisodeID, r.Outcome, len(r.Entities), len(r.Facts), len(r.Superseded), len(r.Merged))
		if r.Err != nil {
			line += " error=" + r.Err.Error()
		}
		fmt.Println(line)
		if r.Outcome != "ack" {
			deadLettered++
		}
	}
	if deadLettered > 0 {
		return fmt.Errorf("%d of %d episodes not acknowledged", deadLettered, len(results))
	}
	return nil
}

func readEpisodes(in io.Reader) ([]*types.Episode, error) {
	var episodes []*types.Episode
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		episode := &types.Episode{}
		if line[0] == '{' {
			if err := json.Unmarshal(line, episode); err != nil {
				return nil, fmt.Errorf("parse episode line: %w", err)
			}
		} else {
			var content string
			if err := json.Unmarshal(line, &content); err != nil {
				content = string(line)
			}
			episode.Content = content
		}
		if episode.GroupID == "" {
			episode.GroupID = ingestGroupID
		}
		if episode.Source == "" {
			episode.Source = types.EpisodeSource(ingestSource)
		}
		episodes = append(episodes, episode)
	}
	return episodes, scanner.Err()
}
