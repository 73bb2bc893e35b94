// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/chapter-engine/internal/index"
	"github.com/pdiddy/chapter-engine/internal/provider"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the internal document index (ingest, watch, search, stats)",
	Long: `Index maintains the local SQLite index of extracted documents that the
research stage searches alongside external APIs. Documents are YAML or JSON
files in index.extracted_dir; passages are indexed for FTS5 keyword search and
embedded for vector search, and figures are recorded for the images stage.`,
}

var indexIngestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Index new or changed documents from the extracted directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openIndex()
		if err != nil {
			return err
		}
		defer a.close()
		summary, err := a.index.Ingest(cmd.Context(), os.Stdout)
		if err != nil {
			return err
		}
		if summary.Failed > 0 {
			return fmt.Errorf("%d document(s) failed indexing", summary.Failed)
		}
		return nil
	},
}

var indexWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-index documents as they change until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openIndex()
		if err != nil {
			return err
		}
		defer a.close()
		debounce, _ := cmd.Flags().GetDuration("debounce")
		fmt.Fprintf(os.Stderr, "watching %s\n", cfg.Index.ExtractedDir)
		return a.index.Watch(cmd.Context(), debounce, func(e index.WatchEvent) {
			switch {
			case e.Err != nil:
				fmt.Printf("failed  %s: %v\n", e.Path, e.Err)
			case e.Removed:
				fmt.Printf("removed %s\n", e.Path)
			default:
				fmt.Printf("%-7s %s\n", e.Outcome, e.Path)
			}
		})
	},
}

var indexSearchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Hybrid keyword and vector search over indexed passages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openIndex()
		if err != nil {
			return err
		}
		defer a.close()
		text := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		q := index.Query{Text: text, Limit: limit}
		if vecs, err := a.router.GenerateEmbedding(cmd.Context(), provider.TaskEmbedding, []string{text}); err == nil && len(vecs.Vectors) == 1 {
			q.Vector = vecs.Vectors[0]
		} else if err != nil {
			log.Warn("query embedding unavailable; keyword search only", "error", err)
		}
		hits, err := a.index.Search(cmd.Context(), q)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return write(os.Stdout, hits, true)
		}
		printHits(hits)
		return nil
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count indexed documents, passages, embeddings and figures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openIndex()
		if err != nil {
			return err
		}
		defer a.close()
		s, err := a.index.Stats(cmd.Context())
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return write(os.Stdout, s, asJSON)
	},
}

func init() {
	indexWatchCmd.Flags().Duration("debounce", index.DefaultDebounce, "quiet period after a write before re-indexing")
	indexSearchCmd.Flags().Int("limit", 10, "maximum number of passages")
	indexSearchCmd.Flags().Bool("json", false, "output as JSON")
	indexStatsCmd.Flags().Bool("json", false, "output as JSON")

	indexCmd.AddCommand(indexIngestCmd, indexWatchCmd, indexSearchCmd, indexStatsCmd)
	rootCmd.AddCommand(indexCmd)
}

func printHits(hits []index.Hit) {
	if len(hits) == 0 {
		fmt.Println("No results found.")
		return
	}
	fmt.Printf("%-4s  %-7s  %-6s  %-40s  %-20s  %s\n", "Rank", "Keyword", "Cosine", "Document", "Section", "Passage")
	fmt.Println(strings.Repeat("-", 120))
	for i, h := range hits {
		fmt.Printf("%-4d  %-7.2f  %-6.2f  %-40s  %-20s  %s\n",
			i+1, h.Keyword, h.Cosine, clip(h.Title, 40), clip(h.Section, 20), clip(strings.Join(strings.Fields(h.Content), " "), 60))
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
