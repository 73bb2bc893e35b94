// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/chapter-engine/internal/dedup"
	"github.com/pdiddy/chapter-engine/internal/research"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var researchCmd = &cobra.Command{
	Use:   "research <topic>",
	Short: "Search the internal index and bibliographic APIs for a topic",
	Long: `Research runs the same gathering step the pipeline uses: the internal
index and the enabled external backends (OpenAlex, Semantic Scholar, PubMed)
are searched concurrently, merged by stable id, and ranked by keyword, vector
and recency score. Backend failures are reported but do not fail the search.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

var dedupCmd = &cobra.Command{
	Use:   "dedup <job-id>",
	Short: "Re-run deduplication over a job's research candidates",
	Long: `Dedup resolves duplicates among the research candidates of a job with
the configured thresholds, optionally overridden by flags, and prints the
duplicate groups. Nothing is written back to the job.`,
	Args: cobra.ExactArgs(1),
	RunE: runDedup,
}

func init() {
	researchCmd.Flags().StringArray("query", nil, "additional search query (repeatable)")
	researchCmd.Flags().Int("year-from", 0, "only external results published in or after this year")
	researchCmd.Flags().Int("max-results", 0, "maximum number of results (default from config)")
	researchCmd.Flags().Bool("json", false, "output results as JSON")

	dedupCmd.Flags().String("stop-after", "", "last pass to run: exact, fuzzy or semantic")
	dedupCmd.Flags().Float64("fuzzy", 0, "fuzzy title similarity threshold")
	dedupCmd.Flags().Float64("semantic", 0, "semantic similarity threshold")
	dedupCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(researchCmd, dedupCmd)
}

func runResearch(cmd *cobra.Command, args []string) error {
	if n, _ := cmd.Flags().GetInt("max-results"); n > 0 {
		cfg.Research.MaxResults = n
	}
	a, err := openResearch()
	if err != nil {
		return err
	}
	defer a.close()

	queries, _ := cmd.Flags().GetStringArray("query")
	yearFrom, _ := cmd.Flags().GetInt("year-from")
	p, err := a.research.Gather(cmd.Context(), research.Request{
		Topic:    strings.Join(args, " "),
		Queries:  queries,
		YearFrom: yearFrom,
	})
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return research.FormatJSON(p, os.Stdout)
	}
	research.FormatTable(p, os.Stdout)
	return nil
}

func runDedup(cmd *cobra.Command, args []string) error {
	dc := cfg.Dedup
	if v, _ := cmd.Flags().GetString("stop-after"); v != "" {
		dc.StopAfter = v
	}
	if v, _ := cmd.Flags().GetFloat64("fuzzy"); v > 0 {
		dc.FuzzyThreshold = v
	}
	if v, _ := cmd.Flags().GetFloat64("semantic"); v > 0 {
		dc.SemanticThreshold = v
	}

	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	art, err := a.store.Artifact(cmd.Context(), args[0], types.StageResearch)
	if err != nil {
		return err
	}
	rp, ok := art.Payload.(types.ResearchPayload)
	if !ok {
		return fmt.Errorf("research artifact carries %T", art.Payload)
	}
	srcs := append([]types.Source(nil), rp.Candidates...)
	dedup.ComputePreference(srcs, dc.Preference)
	out, err := dedup.ResolveDuplicates(srcs, dc)
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return write(os.Stdout, out, true)
	}
	printDedup(out)
	return nil
}

func printDedup(p types.DedupPayload) {
	for _, ps := range p.Passes {
		fmt.Printf("%-9s %d -> %d\n", ps.Pass, ps.Input, ps.Output)
	}
	fmt.Printf("\n%d of %d sources retained, %d duplicate groups\n", p.Retained, len(p.Sources), len(p.Groups))
	byID := make(map[string]types.Source, len(p.Sources))
	for _, s := range p.Sources {
		byID[s.ID] = s
	}
	for _, g := range p.Groups {
		fmt.Printf("\n[%s] kept %s\n", g.Pass, byID[g.WinnerID].Title)
		for _, id := range g.MemberIDs {
			if id == g.WinnerID {
				continue
			}
			fmt.Printf("  dropped %s (%s)\n", byID[id].Title, id)
		}
	}
}
