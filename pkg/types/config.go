package types

import "time"

// HTTPConfig holds shared HTTP settings used by components that make network
// requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "chapter-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
}

// LogConfig selects the logger mode.
type LogConfig struct {
	// Mode is "dev" (console, debug) or "prod" (JSON, info).
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode"`

	// Trace logs finished OpenTelemetry spans for stages and provider calls.
	Trace bool `json:"trace" yaml:"trace" mapstructure:"trace"`

	// TraceSampleRatio is the fraction of root spans sampled (default 1).
	TraceSampleRatio float64 `json:"trace_sample_ratio,omitempty" yaml:"trace_sample_ratio,omitempty" mapstructure:"trace_sample_ratio"`
}

// StoreConfig locates the job database.
type StoreConfig struct {
	// Path is the SQLite database file (default "data/chapters.db").
	Path string `json:"path" yaml:"path" mapstructure:"path"`
}

// IndexConfig holds settings for the internal hybrid-search index.
type IndexConfig struct {
	// Path is the SQLite index file (default "data/index.db").
	Path string `json:"path" yaml:"path" mapstructure:"path"`

	// ExtractedDir holds extracted-document YAML files awaiting ingestion.
	ExtractedDir string `json:"extracted_dir" yaml:"extracted_dir" mapstructure:"extracted_dir"`

	// MaxResults is the default number of hits returned by a hybrid query.
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
}

// ResearchConfig holds settings for the research aggregator.
type ResearchConfig struct {
	HTTPConfig `yaml:",inline" mapstructure:",squash"`

	// MaxResults caps results per backend and the merged candidate list.
	MaxResults int `json:"max_results" yaml:"max_results" mapstructure:"max_results"`

	// MaxConcurrency bounds concurrent queries across all backends.
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" mapstructure:"max_concurrency"`

	EnableOpenAlex        bool `json:"enable_openalex" yaml:"enable_openalex" mapstructure:"enable_openalex"`
	EnableSemanticScholar bool `json:"enable_semantic_scholar" yaml:"enable_semantic_scholar" mapstructure:"enable_semantic_scholar"`
	EnablePubMed          bool `json:"enable_pubmed" yaml:"enable_pubmed" mapstructure:"enable_pubmed"`

	SemanticScholarAPIKey string `json:"semantic_scholar_api_key,omitempty" yaml:"semantic_scholar_api_key,omitempty" mapstructure:"semantic_scholar_api_key"`
	PubMedAPIKey          string `json:"pubmed_api_key,omitempty" yaml:"pubmed_api_key,omitempty" mapstructure:"pubmed_api_key"`
	OpenAlexEmail         string `json:"openalex_email,omitempty" yaml:"openalex_email,omitempty" mapstructure:"openalex_email"`

	// RequestsPerSecond is the token-bucket rate applied to each external backend.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second"`

	// Hybrid ranking weights. They are normalized to sum to 1.
	KeywordWeight float64 `json:"keyword_weight" yaml:"keyword_weight" mapstructure:"keyword_weight"`
	VectorWeight  float64 `json:"vector_weight" yaml:"vector_weight" mapstructure:"vector_weight"`
	RecencyWeight float64 `json:"recency_weight" yaml:"recency_weight" mapstructure:"recency_weight"`

	// RecencyWindow is the age at which the recency weight reaches zero.
	RecencyWindow time.Duration `json:"recency_window" yaml:"recency_window" mapstructure:"recency_window"`

	// CacheTTL and CacheSize configure the candidate cache.
	CacheTTL  time.Duration `json:"cache_ttl" yaml:"cache_ttl" mapstructure:"cache_ttl"`
	CacheSize int           `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`

	// GatherTimeout bounds one shared research run, which outlives the
	// caller that started it.
	GatherTimeout time.Duration `json:"gather_timeout" yaml:"gather_timeout" mapstructure:"gather_timeout"`
}

// PreferenceWeights weight the signals combined into Source.PreferenceScore.
type PreferenceWeights struct {
	Relevance    float64 `json:"relevance" yaml:"relevance" mapstructure:"relevance"`
	Citations    float64 `json:"citations" yaml:"citations" mapstructure:"citations"`
	Completeness float64 `json:"completeness" yaml:"completeness" mapstructure:"completeness"`
	Internal     float64 `json:"internal" yaml:"internal" mapstructure:"internal"`
}

// DedupConfig holds deduplication thresholds.
type DedupConfig struct {
	FuzzyThreshold    float64 `json:"fuzzy_threshold" yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	SemanticThreshold float64 `json:"semantic_threshold" yaml:"semantic_threshold" mapstructure:"semantic_threshold"`

	// StopAfter names the last pass to run: exact, fuzzy, or semantic.
	StopAfter string `json:"stop_after" yaml:"stop_after" mapstructure:"stop_after"`

	Preference PreferenceWeights `json:"preference" yaml:"preference" mapstructure:"preference"`
}

// ProviderKind selects the provider implementation.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
	ProviderMock      ProviderKind = "mock"
)

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Name           string        `json:"name" yaml:"name" mapstructure:"name"`
	Kind           ProviderKind  `json:"kind" yaml:"kind" mapstructure:"kind"`
	BaseURL        string        `json:"base_url,omitempty" yaml:"base_url,omitempty" mapstructure:"base_url"`
	APIKey         string        `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	Model          string        `json:"model" yaml:"model" mapstructure:"model"`
	EmbeddingModel string        `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty" mapstructure:"embedding_model"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxTokens      int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`

	// Prices in USD per thousand tokens.
	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k" mapstructure:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k" mapstructure:"output_cost_per_1k"`
}

// RouteConfig is the provider order for one task type.
type RouteConfig struct {
	Primary   string   `json:"primary" yaml:"primary" mapstructure:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty" mapstructure:"fallbacks"`
}

// RouterConfig holds provider definitions and routing policy.
type RouterConfig struct {
	Providers []ProviderConfig `json:"providers" yaml:"providers" mapstructure:"providers"`

	// Routes maps task types (e.g. "section_writing") to provider order.
	// Tasks without an entry use Default.
	Routes  map[string]RouteConfig `json:"routes,omitempty" yaml:"routes,omitempty" mapstructure:"routes"`
	Default RouteConfig            `json:"default" yaml:"default" mapstructure:"default"`

	// MaxRetries is K, the number of same-provider retries on retryable errors.
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`

	// RetryBaseDelay is the first backoff delay; it doubles per retry.
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" mapstructure:"retry_base_delay"`

	// SchemaReprompts is how many times an invalid structured response is
	// re-requested from the same provider before falling back.
	SchemaReprompts int `json:"schema_reprompts" yaml:"schema_reprompts" mapstructure:"schema_reprompts"`

	// JobBudgetUSD caps provider spend per job. Zero disables the cap.
	JobBudgetUSD float64 `json:"job_budget_usd" yaml:"job_budget_usd" mapstructure:"job_budget_usd"`
}

// FactCheckConfig holds fact-check gate settings.
type FactCheckConfig struct {
	// AccuracyThreshold is the minimum verified/total ratio.
	AccuracyThreshold float64 `json:"accuracy_threshold" yaml:"accuracy_threshold" mapstructure:"accuracy_threshold"`

	// ContradictionConfidence is the confidence at which a contradicted claim
	// fails the gate on its own.
	ContradictionConfidence float64 `json:"contradiction_confidence" yaml:"contradiction_confidence" mapstructure:"contradiction_confidence"`

	// SupportThreshold is the lexical overlap needed to call a claim supported.
	SupportThreshold float64 `json:"support_threshold" yaml:"support_threshold" mapstructure:"support_threshold"`

	// UseLLM enables LLM claim extraction; the sentence heuristic is the fallback.
	UseLLM bool `json:"use_llm" yaml:"use_llm" mapstructure:"use_llm"`

	// MaxClaimsPerSection caps extracted claims per section.
	MaxClaimsPerSection int `json:"max_claims_per_section" yaml:"max_claims_per_section" mapstructure:"max_claims_per_section"`
}

// GapConfig holds gap-analysis settings.
type GapConfig struct {
	CompletenessThreshold float64 `json:"completeness_threshold" yaml:"completeness_threshold" mapstructure:"completeness_threshold"`
}

// PipelineConfig holds orchestrator settings.
type PipelineConfig struct {
	// MaxConcurrentJobs bounds chapters generating at once.
	MaxConcurrentJobs int `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`

	// StageRetries is how often a stage is retried after a transient provider
	// error before the stage fails.
	StageRetries int `json:"stage_retries" yaml:"stage_retries" mapstructure:"stage_retries"`

	StageRetryBaseDelay time.Duration `json:"stage_retry_base_delay" yaml:"stage_retry_base_delay" mapstructure:"stage_retry_base_delay"`
	StageRetryMaxDelay  time.Duration `json:"stage_retry_max_delay" yaml:"stage_retry_max_delay" mapstructure:"stage_retry_max_delay"`

	// SectionTargetWords is the default target length of a section.
	SectionTargetWords int `json:"section_target_words" yaml:"section_target_words" mapstructure:"section_target_words"`

	// MaxImages caps figures analyzed in the image stage.
	MaxImages int `json:"max_images" yaml:"max_images" mapstructure:"max_images"`
}

// NotifyConfig configures progress notification sinks.
type NotifyConfig struct {
	// RedisAddr enables the Redis pub/sub sink when set.
	RedisAddr    string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty" mapstructure:"redis_addr"`
	RedisChannel string `json:"redis_channel" yaml:"redis_channel" mapstructure:"redis_channel"`

	// BufferSize is the dispatcher queue length; events beyond it are dropped.
	BufferSize int `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
}

// Config groups the configuration of every component.
type Config struct {
	Log       LogConfig       `json:"log" yaml:"log" mapstructure:"log"`
	Store     StoreConfig     `json:"store" yaml:"store" mapstructure:"store"`
	Index     IndexConfig     `json:"index" yaml:"index" mapstructure:"index"`
	Research  ResearchConfig  `json:"research" yaml:"research" mapstructure:"research"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup" mapstructure:"dedup"`
	Router    RouterConfig    `json:"router" yaml:"router" mapstructure:"router"`
	FactCheck FactCheckConfig `json:"fact_check" yaml:"fact_check" mapstructure:"fact_check"`
	Gaps      GapConfig       `json:"gaps" yaml:"gaps" mapstructure:"gaps"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline" mapstructure:"pipeline"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify" mapstructure:"notify"`
}

// DefaultConfig returns the built-in defaults. The default router uses the
// offline mock provider so the pipeline runs without credentials.
func DefaultConfig() Config {
	return Config{
		Log:   LogConfig{Mode: "dev"},
		Store: StoreConfig{Path: "data/chapters.db"},
		Index: IndexConfig{
			Path:         "data/index.db",
			ExtractedDir: "data/extracted",
			MaxResults:   20,
		},
		Research: ResearchConfig{
			HTTPConfig: HTTPConfig{
				Timeout:   30 * time.Second,
				UserAgent: "chapter-engine/0.1",
			},
			MaxResults:            20,
			MaxConcurrency:        4,
			EnableOpenAlex:        true,
			EnableSemanticScholar: true,
			EnablePubMed:          true,
			RequestsPerSecond:     1,
			KeywordWeight:         0.4,
			VectorWeight:          0.4,
			RecencyWeight:         0.2,
			RecencyWindow:         10 * 365 * 24 * time.Hour,
			CacheTTL:              30 * time.Minute,
			CacheSize:             256,
			GatherTimeout:         2 * time.Minute,
		},
		Dedup: DedupConfig{
			FuzzyThreshold:    0.88,
			SemanticThreshold: 0.92,
			StopAfter:         "semantic",
			Preference: PreferenceWeights{
				Relevance:    0.4,
				Citations:    0.2,
				Completeness: 0.2,
				Internal:     0.2,
			},
		},
		Router: RouterConfig{
			Providers: []ProviderConfig{
				{Name: "mock", Kind: ProviderMock, Model: "mock-1"},
			},
			Default:         RouteConfig{Primary: "mock"},
			MaxRetries:      3,
			RetryBaseDelay:  time.Second,
			SchemaReprompts: 1,
		},
		FactCheck: FactCheckConfig{
			AccuracyThreshold:       0.8,
			ContradictionConfidence: 0.8,
			SupportThreshold:        0.5,
			UseLLM:                  true,
			MaxClaimsPerSection:     12,
		},
		Gaps: GapConfig{CompletenessThreshold: 0.75},
		Pipeline: PipelineConfig{
			MaxConcurrentJobs:   4,
			StageRetries:        2,
			StageRetryBaseDelay: 2 * time.Second,
			StageRetryMaxDelay:  30 * time.Second,
			SectionTargetWords:  400,
			MaxImages:           8,
		},
		Notify: NotifyConfig{
			RedisChannel: "chapter-engine:progress",
			BufferSize:   256,
		},
	}
}
