// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/chapter-engine/internal/draft"
	"github.com/pdiddy/chapter-engine/internal/store"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "List recent jobs or show one job with its stage runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var artifactCmd = &cobra.Command{
	Use:   "artifact <job-id> <stage>",
	Short: "Print one stage artifact (stage by number or name)",
	Args:  cobra.ExactArgs(2),
	RunE:  runArtifact,
}

var exportCmd = &cobra.Command{
	Use:   "export <job-id> <dir>",
	Short: "Write a job's chapter, sections, references and manifest to a directory",
	Args:  cobra.ExactArgs(2),
	RunE:  runExport,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Mark an interrupted job cancelled",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var scoreCmd = &cobra.Command{
	Use:   "score <job-id>",
	Short: "Compute the quality report from a job's current artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  runScore,
}

func init() {
	statusCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	artifactCmd.Flags().Bool("markdown", false, "print the assembled markdown of the formatting stage")
	for _, c := range []*cobra.Command{statusCmd, artifactCmd, scoreCmd} {
		c.Flags().Bool("json", false, "output as JSON")
	}
	rootCmd.AddCommand(statusCmd, artifactCmd, exportCmd, cancelCmd, scoreCmd)
}

// jobStatus is the detailed view printed by status <job-id>.
type jobStatus struct {
	Job       *types.Job        `json:"job" yaml:"job"`
	NextStage string            `json:"next_stage,omitempty" yaml:"next_stage,omitempty"`
	Runs      []types.StageRun  `json:"stage_runs" yaml:"stage_runs"`
	Calls     store.CallSummary `json:"provider_calls" yaml:"provider_calls"`
	Versions  []lineageEntry    `json:"versions,omitempty" yaml:"versions,omitempty"`
}

type lineageEntry struct {
	ID      string          `json:"id" yaml:"id"`
	Version int             `json:"version" yaml:"version"`
	Status  types.JobStatus `json:"status" yaml:"status"`
	Current bool            `json:"current" yaml:"current"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()
	asJSON, _ := cmd.Flags().GetBool("json")

	if len(args) == 0 {
		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := a.store.ListJobs(ctx, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return write(os.Stdout, jobs, true)
		}
		printJobs(jobs)
		return nil
	}

	job, err := a.store.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	st := jobStatus{Job: job}
	if next := job.NextStage(); next.Valid() {
		st.NextStage = next.String()
	}
	if st.Runs, err = a.store.StageRuns(ctx, job.ID); err != nil {
		return err
	}
	if st.Calls, err = a.store.SummarizeCalls(ctx, job.ID); err != nil {
		return err
	}
	lineage, err := a.store.Lineage(ctx, job.LineageID)
	if err != nil {
		return err
	}
	if len(lineage) > 1 {
		for _, j := range lineage {
			st.Versions = append(st.Versions, lineageEntry{ID: j.ID, Version: j.Version, Status: j.Status, Current: j.IsCurrent})
		}
	}
	return write(os.Stdout, st, asJSON)
}

func printJobs(jobs []types.Job) {
	if len(jobs) == 0 {
		fmt.Println("No jobs.")
		return
	}
	fmt.Printf("%-36s  %-3s  %-11s  %-12s  %-19s  %s\n", "ID", "Ver", "Status", "Stage", "Updated", "Topic")
	fmt.Println(strings.Repeat("-", 120))
	for _, j := range jobs {
		stage := "-"
		if j.CurrentStage.Valid() {
			stage = j.CurrentStage.String()
		}
		ver := fmt.Sprintf("%d", j.Version)
		if j.IsCurrent {
			ver += "*"
		}
		fmt.Printf("%-36s  %-3s  %-11s  %-12s  %-19s  %s\n",
			j.ID, ver, j.Status, stage, j.UpdatedAt.Local().Format("2006-01-02 15:04:05"), j.Topic)
	}
}

func runArtifact(cmd *cobra.Command, args []string) error {
	stage, err := types.ParseStage(args[1])
	if err != nil {
		return err
	}
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	art, err := a.store.Artifact(cmd.Context(), args[0], stage)
	if err != nil {
		return err
	}
	if md, _ := cmd.Flags().GetBool("markdown"); md {
		f, ok := art.Payload.(types.FormattingPayload)
		if !ok {
			return fmt.Errorf("--markdown needs the formatting stage, got %s", stage)
		}
		fmt.Print(f.Markdown)
		return nil
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return write(os.Stdout, art, asJSON)
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openStore()
	if err != nil {
		return err
	}
	defer a.close()

	job, err := a.store.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	arts, err := a.store.Artifacts(cmd.Context(), job.ID)
	if err != nil {
		return err
	}
	if err := draft.Export(args[1], job, arts); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %s (%d stages) to %s\n", job.ID, len(arts), args[1])
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.engine.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "job %s cancelled\n", args[0])
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	a, err := openEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	report, err := a.engine.ScoreQuality(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	return write(os.Stdout, report, asJSON)
}
