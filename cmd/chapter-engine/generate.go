// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/chapter-engine/internal/draft"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

var generateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Generate a chapter for a topic",
	Long: `Generate creates a job and runs all fourteen stages. Progress is logged
per stage and, when notify.redis_addr is set, published to Redis. On interrupt
the stage in flight is cancelled and the job can be continued with resume.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a failed, cancelled or interrupted job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) (string, error) {
			return args[0], a.engine.Resume(ctx, args[0])
		})
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <job-id> <section-key>",
	Short: "Rewrite one section as a new version of the chapter",
	Long: `Regenerate forks the job into a new current version that keeps the
analysis, research and plan, rewrites the named section, carries the other
sections over unchanged, and reruns citations through delivery.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, func(ctx context.Context, a *app) (string, error) {
			return a.engine.RegenerateSection(ctx, args[0], args[1])
		})
	},
}

func init() {
	generateCmd.Flags().String("type", string(types.ChapterSurgicalDisease), "chapter type: surgical_disease, pure_anatomy or surgical_technique")
	for _, c := range []*cobra.Command{generateCmd, resumeCmd, regenerateCmd} {
		c.Flags().String("export", "", "write the delivered chapter to this directory")
		c.Flags().Bool("json", false, "print the job as JSON")
		rootCmd.AddCommand(c)
	}
}

func runGenerate(cmd *cobra.Command, args []string) error {
	typeFlag, _ := cmd.Flags().GetString("type")
	ct, err := types.ParseChapterType(typeFlag)
	if err != nil {
		return err
	}
	topic := strings.Join(args, " ")
	return runJob(cmd, func(ctx context.Context, a *app) (string, error) {
		return a.engine.GenerateChapter(ctx, topic, ct)
	})
}

// runJob starts a job through start, waits for it, prints it, and exports
// it when --export is set.
func runJob(cmd *cobra.Command, start func(context.Context, *app) (string, error)) error {
	ctx := cmd.Context()
	a, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := start(ctx, a)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "job %s running\n", id)

	job, err := a.engine.Wait(ctx, id)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		bg := context.Background()
		if cerr := a.engine.Cancel(bg, id); cerr != nil {
			return cerr
		}
		if job, err = a.engine.Wait(bg, id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "interrupted; continue with: chapter-engine resume %s\n", id)
	} else if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if err := write(os.Stdout, job, asJSON); err != nil {
		return err
	}
	if dir, _ := cmd.Flags().GetString("export"); dir != "" && job.Status == types.StatusCompleted {
		arts, err := a.store.Artifacts(context.Background(), id)
		if err != nil {
			return err
		}
		if err := draft.Export(dir, job, arts); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported to %s\n", dir)
	}
	if job.Status == types.StatusFailed {
		return fmt.Errorf("job %s failed: %s", id, job.Error)
	}
	return nil
}
