package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.service.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Fprintf(out, "documents:   %d (%d indexed, %d pending, %d errored)\n",
				st.Documents, st.Indexed, st.Pending, st.Errored)
			fmt.Fprintf(out, "embeddings:  %d\n", st.Embeddings)
			fmt.Fprintf(out, "model:       %s (%d dimensions)\n", st.EmbeddingModel, st.Dimensions)
			fmt.Fprintf(out, "queue:       %d waiting", st.QueueLength)
			if st.Processing != "" {
				fmt.Fprintf(out, ", processing %s", st.Processing)
			}
			fmt.Fprintln(out)
			if st.CacheHits+st.CacheMisses > 0 {
				rate := float64(st.CacheHits) / float64(st.CacheHits+st.CacheMisses) * 100
				fmt.Fprintf(out, "embed cache: %d hits, %d misses (%.0f%%)\n",
					st.CacheHits, st.CacheMisses, rate)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}
