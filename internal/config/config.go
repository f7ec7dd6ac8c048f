package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Textract   TextractConfig   `yaml:"textract" mapstructure:"textract"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the graph storage backend.
type StoreConfig struct {
	Driver          string      `yaml:"driver" mapstructure:"driver"`
	DatabaseURL     string      `yaml:"database_url" mapstructure:"database_url"`
	Neo4j           Neo4jConfig `yaml:"neo4j" mapstructure:"neo4j"`
	ConnectAttempts int         `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	ConnectDelayMs  int         `yaml:"connect_delay_ms" mapstructure:"connect_delay_ms"`
}

// Neo4jConfig holds Neo4j connection settings.
type Neo4jConfig struct {
	URI      string `yaml:"uri" mapstructure:"uri"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// LLMConfig configures the text-generation provider.
type LLMConfig struct {
	Provider          string  `yaml:"provider" mapstructure:"provider"`
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Model             string  `yaml:"model" mapstructure:"model"`
	Temperature       float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxTokens         int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	CircuitFailures   int     `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs  int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// TextractConfig configures document text extraction.
type TextractConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// PipelineConfig configures orchestration, backtracking and stage behavior.
type PipelineConfig struct {
	QualityScoreThreshold float64 `yaml:"quality_score_threshold" mapstructure:"quality_score_threshold"`
	PerStageMaxAttempts   int     `yaml:"per_stage_max_attempts" mapstructure:"per_stage_max_attempts"`
	GlobalMaxAttempts     int     `yaml:"global_max_attempts" mapstructure:"global_max_attempts"`
	RelationRounds        int     `yaml:"relation_rounds" mapstructure:"relation_rounds"`
	CorefMaxHops          int     `yaml:"coref_max_hops" mapstructure:"coref_max_hops"`
	CorefThreshold        float64 `yaml:"coref_threshold" mapstructure:"coref_threshold"`
	SimilarityThreshold   float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
	BlockSizeLimit        int     `yaml:"block_size_limit" mapstructure:"block_size_limit"`
	LLMReview             bool    `yaml:"llm_review" mapstructure:"llm_review"`
	SchemaPath            string  `yaml:"schema_path" mapstructure:"schema_path"`
	DictionaryPath        string  `yaml:"dictionary_path" mapstructure:"dictionary_path"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentDocuments int `yaml:"max_concurrent_documents" mapstructure:"max_concurrent_documents"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures run-quality alerting.
type MonitoringConfig struct {
	Enabled               bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL            string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold  float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DegradedRateThreshold float64 `yaml:"degraded_rate_threshold" mapstructure:"degraded_rate_threshold"`
	CostThresholdUSD      float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs     int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours   int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEGALKG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "neo4j")
	v.SetDefault("store.neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("store.neo4j.user", "neo4j")
	v.SetDefault("store.neo4j.database", "neo4j")
	v.SetDefault("store.connect_attempts", 3)
	v.SetDefault("store.connect_delay_ms", 500)
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 4000)
	v.SetDefault("llm.timeout_secs", 120)
	v.SetDefault("llm.max_retries", 2)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.circuit_failures", 5)
	v.SetDefault("llm.circuit_reset_secs", 30)
	v.SetDefault("textract.provider", "native")
	v.SetDefault("textract.pdftotext_path", "pdftotext")
	v.SetDefault("textract.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("pipeline.quality_score_threshold", 0.8)
	v.SetDefault("pipeline.per_stage_max_attempts", 3)
	v.SetDefault("pipeline.global_max_attempts", 3)
	v.SetDefault("pipeline.relation_rounds", 3)
	v.SetDefault("pipeline.coref_max_hops", 3)
	v.SetDefault("pipeline.coref_threshold", 0.5)
	v.SetDefault("pipeline.similarity_threshold", 0.6)
	v.SetDefault("pipeline.block_size_limit", 5000)
	v.SetDefault("batch.max_concurrent_documents", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.failure_rate_threshold", 0.10)
	v.SetDefault("monitoring.degraded_rate_threshold", 0.30)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command mode depends on. Modes: "run",
// "run-offline" (no storage), "serve", "export".
func (c *Config) Validate(mode string) error {
	var problems []string

	needLLM, needStore, needPort := false, false, false
	switch mode {
	case "run":
		needLLM, needStore = true, true
	case "run-offline":
		needLLM = true
	case "serve":
		needLLM, needPort = true, true
	case "export":
		needStore = true
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needLLM {
		switch c.LLM.Provider {
		case "anthropic", "openai":
			if c.LLM.Key == "" {
				problems = append(problems, "llm.key is required for provider "+c.LLM.Provider)
			}
		case "stub":
		default:
			problems = append(problems, fmt.Sprintf("llm.provider %q is not supported", c.LLM.Provider))
		}
		if c.LLM.TimeoutSecs <= 0 {
			problems = append(problems, "llm.timeout_secs must be > 0")
		}
		if c.LLM.MaxRetries < 0 {
			problems = append(problems, "llm.max_retries must be >= 0")
		}
	}

	if needStore {
		switch c.Store.Driver {
		case "neo4j":
			if c.Store.Neo4j.URI == "" {
				problems = append(problems, "store.neo4j.uri is required")
			}
		case "postgres", "sqlite":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required")
			}
		default:
			problems = append(problems, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
		}
	}

	if needPort && c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}

	if t := c.Pipeline.QualityScoreThreshold; t <= 0 || t > 1 {
		problems = append(problems, "pipeline.quality_score_threshold must be in (0, 1]")
	}
	if c.Pipeline.PerStageMaxAttempts < 0 || c.Pipeline.GlobalMaxAttempts < 0 {
		problems = append(problems, "pipeline attempt budgets must be >= 0")
	}
	if n := c.Batch.MaxConcurrentDocuments; n < 1 || n > 64 {
		problems = append(problems, "batch.max_concurrent_documents must be between 1 and 64")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. When cfg.File is set, log
// lines are also written to a size-rotated file.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	if cfg.File == "" {
		logger, err := zapCfg.Build()
		if err != nil {
			return eris.Wrap(err, "config: build logger")
		}
		zap.ReplaceGlobals(logger)
		return nil
	}

	var enc zapcore.Encoder
	if cfg.Format == "console" {
		enc = zapcore.NewConsoleEncoder(zapCfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(zapCfg.EncoderConfig)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zapCfg.Level),
		zapcore.NewCore(zapcore.NewJSONEncoder(zapCfg.EncoderConfig), zapcore.AddSync(rotator), zapCfg.Level),
	)
	zap.ReplaceGlobals(zap.New(core, zap.AddCaller()))

	return nil
}
