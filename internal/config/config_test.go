package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "neo4j", cfg.Store.Driver)
	assert.Equal(t, "bolt://localhost:7687", cfg.Store.Neo4j.URI)
	assert.Equal(t, 3, cfg.Store.ConnectAttempts)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 0.001)
	assert.Equal(t, 4000, cfg.LLM.MaxTokens)
	assert.Equal(t, 120, cfg.LLM.TimeoutSecs)
	assert.Equal(t, 2, cfg.LLM.MaxRetries)
	assert.Equal(t, "native", cfg.Textract.Provider)
	assert.InDelta(t, 0.8, cfg.Pipeline.QualityScoreThreshold, 0.001)
	assert.Equal(t, 3, cfg.Pipeline.PerStageMaxAttempts)
	assert.Equal(t, 3, cfg.Pipeline.GlobalMaxAttempts)
	assert.Equal(t, 3, cfg.Pipeline.RelationRounds)
	assert.Equal(t, 3, cfg.Pipeline.CorefMaxHops)
	assert.InDelta(t, 0.5, cfg.Pipeline.CorefThreshold, 0.001)
	assert.InDelta(t, 0.6, cfg.Pipeline.SimilarityThreshold, 0.001)
	assert.Equal(t, 4, cfg.Batch.MaxConcurrentDocuments)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.InDelta(t, 0.10, cfg.Monitoring.FailureRateThreshold, 0.001)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
  database_url: /tmp/kg.db
llm:
  provider: openai
  base_url: https://api.deepseek.com/v1
  model: deepseek-chat
log:
  level: debug
  format: console
pipeline:
  per_stage_max_attempts: 5
pricing:
  models:
    deepseek-chat:
      input: 0.27
      output: 1.10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "/tmp/kg.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "https://api.deepseek.com/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Pipeline.PerStageMaxAttempts)
	assert.InDelta(t, 1.10, cfg.Pricing.Models["deepseek-chat"].Output, 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Pipeline.GlobalMaxAttempts)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LEGALKG_STORE_DRIVER", "postgres")
	t.Setenv("LEGALKG_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("LEGALKG_LLM_KEY", "sk-test")
	t.Setenv("LEGALKG_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.LLM.Key)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func TestInitLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legalkg.log")
	err := InitLogger(LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	zap.L().Info("file sink check")
	_ = zap.L().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file sink check")
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.Key = "sk-ant-key"
	cfg.LLM.TimeoutSecs = 120
	cfg.LLM.MaxRetries = 2
	cfg.Store.Driver = "neo4j"
	cfg.Store.Neo4j.URI = "bolt://localhost:7687"
	cfg.Pipeline.QualityScoreThreshold = 0.8
	cfg.Pipeline.PerStageMaxAttempts = 3
	cfg.Pipeline.GlobalMaxAttempts = 3
	cfg.Batch.MaxConcurrentDocuments = 4
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateRun_AllPresent(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_MissingKey(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Key = ""

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "llm.key is required")
}

func TestValidateRun_StubNeedsNoKey(t *testing.T) {
	cfg := validDefaults()
	cfg.LLM.Provider = "stub"
	cfg.LLM.Key = ""

	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateRun_SQLiteNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "sqlite"

	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	// Offline runs never touch storage.
	assert.NoError(t, cfg.Validate("run-offline"))
}

func TestValidateUnsupportedDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"

	err := cfg.Validate("export")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), `store.driver "mongo" is not supported`)
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidateBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Batch.MaxConcurrentDocuments = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_documents must be between 1 and 64")

	cfg.Batch.MaxConcurrentDocuments = 4
	cfg.Pipeline.QualityScoreThreshold = 1.5
	err = cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "quality_score_threshold")
}
