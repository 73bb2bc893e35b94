// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main is the entry point for the chapter-engine CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/internal/secrets"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// version is set at build time via ldflags.
var version = "dev"

// Process-wide state resolved in PersistentPreRunE.
var (
	cfg           types.Config
	log           *logging.Logger
	stopTracing   func(context.Context) error
	loadedSecrets secrets.Secrets
)

// rootCmd is the base command for the chapter-engine CLI.
var rootCmd = &cobra.Command{
	Use:   "chapter-engine",
	Short: "Generate evidence-grounded surgical textbook chapters",
	Long: `chapter-engine turns a topic into a cited textbook chapter through a
fourteen-stage pipeline: analysis, context, research, deduplication, planning,
section writing, images, citations, quality, fact check, formatting, review,
finalization and delivery. Every stage writes an immutable artifact, so jobs
can be inspected, resumed after interruption, and revised section by section.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = loadConfig()
		if err != nil {
			return err
		}
		if trace, _ := cmd.Flags().GetBool("trace"); trace {
			cfg.Log.Trace = true
		}
		log, err = logging.New(cfg.Log.Mode)
		if err != nil {
			return fmt.Errorf("building logger: %w", err)
		}
		if cfg.Log.Trace {
			stopTracing = logging.InitTracing(log, cfg.Log.TraceSampleRatio)
		}

		dir, _ := cmd.Flags().GetString("secrets-dir")
		loadedSecrets, err = secrets.Load(dir, log)
		if err != nil {
			return err
		}
		if names := loadedSecrets.Names(); len(names) > 0 {
			sort.Strings(names)
			log.Debug("loaded secrets", "names", names)
		}
		applySecrets(&cfg, loadedSecrets)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if stopTracing != nil {
			if err := stopTracing(context.Background()); err != nil {
				log.Warn("shutting down tracing", "error", err)
			}
		}
		log.Sync()
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("config", "", "config file (default: ./chapter-engine.yaml or ~/.config/chapter-engine/config.yaml)")
	rootCmd.PersistentFlags().String("secrets-dir", ".secrets/", "directory of API key files")
	rootCmd.PersistentFlags().Bool("trace", false, "log OpenTelemetry spans for stages and provider calls")
}

func initConfig() {
	cfgFile, _ := rootCmd.PersistentFlags().GetString("config")
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("chapter-engine")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "chapter-engine"))
		}
	}

	viper.SetEnvPrefix("CHAPTER_ENGINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// Unmarshal only sees env values for keys viper already knows.
	for _, key := range []string{
		"log.mode", "log.trace", "store.path", "index.path", "index.extracted_dir",
		"notify.redis_addr", "notify.redis_channel", "pipeline.max_concurrent_jobs",
		"research.openalex_email",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig overlays the config file and environment on the defaults.
func loadConfig() (types.Config, error) {
	c := types.DefaultConfig()
	if err := viper.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decoding config: %w", err)
	}
	return c, nil
}

// applySecrets fills API keys the config leaves empty from .secrets/ files.
func applySecrets(c *types.Config, s secrets.Secrets) {
	for i := range c.Router.Providers {
		p := &c.Router.Providers[i]
		switch p.Kind {
		case types.ProviderOpenAI:
			p.APIKey = s.Get(secrets.OpenAIKey, p.APIKey)
		case types.ProviderAnthropic:
			p.APIKey = s.Get(secrets.AnthropicKey, p.APIKey)
		case types.ProviderGemini:
			p.APIKey = s.Get(secrets.GeminiKey, p.APIKey)
		}
	}
	c.Research.SemanticScholarAPIKey = s.Get(secrets.SemanticScholarKey, c.Research.SemanticScholarAPIKey)
	c.Research.PubMedAPIKey = s.Get(secrets.PubMedKey, c.Research.PubMedAPIKey)
	c.Research.OpenAlexEmail = s.Get(secrets.OpenAlexEmail, c.Research.OpenAlexEmail)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
