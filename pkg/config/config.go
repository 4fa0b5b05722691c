// Package config loads pipeline configuration from config.yaml with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the KPI pipeline.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Metabase connection
	Metabase MetabaseConfig `yaml:"metabase"`

	// LLM provider used for KPI generation and SQL repair
	LLM LLMConfig `yaml:"llm"`

	// Target collection for registered KPI questions
	Collection CollectionConfig `yaml:"collection"`

	// Pipeline behavior
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Version is set at load time, not from config.
	Version string `yaml:"-"`
}

// MetabaseConfig holds the Metabase instance connection settings.
type MetabaseConfig struct {
	URL      string `yaml:"url" env:"METABASE_URL" env-default:"http://localhost:3000"`
	Username string `yaml:"username" env:"METABASE_USERNAME" env-default:""`
	Password string `yaml:"-" env:"METABASE_PASSWORD"` // Secret - not in YAML

	// DatabaseName selects which connected database to analyze. Empty
	// means the first non-sample database Metabase reports.
	DatabaseName string `yaml:"database_name" env:"METABASE_DATABASE_NAME" env-default:""`

	// TimeoutSeconds bounds every Metabase API call, including query
	// execution through /api/dataset.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"METABASE_TIMEOUT_SECONDS" env-default:"30"`
}

// LLMConfig holds the model endpoint used for KPI generation.
type LLMConfig struct {
	// Provider is "openai" for any OpenAI-compatible endpoint, or
	// "anthropic" for the Anthropic API.
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Endpoint string `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model    string `yaml:"model" env:"LLM_MODEL" env-default:""`
	APIKey   string `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML

	Temperature float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.7"`
}

// CollectionConfig describes the Metabase collection KPI questions are
// registered into.
type CollectionConfig struct {
	Name        string `yaml:"name" env:"COLLECTION_NAME" env-default:"Auto-generated KPIs"`
	Description string `yaml:"description" env:"COLLECTION_DESCRIPTION" env-default:"KPI questions generated from table metadata"`
	Color       string `yaml:"color" env:"COLLECTION_COLOR" env-default:"#509EE3"`

	// Cleanup deletes all existing cards in the collection before
	// registering, instead of skipping duplicates.
	Cleanup bool `yaml:"cleanup" env:"COLLECTION_CLEANUP" env-default:"false"`
}

// PipelineConfig holds per-run pipeline behavior.
type PipelineConfig struct {
	// TablesStr is a comma-separated list of table names to process.
	// Empty means every table in the selected database.
	TablesStr string `yaml:"tables" env:"PIPELINE_TABLES" env-default:""`

	// TablesFile points at a YAML file with a top-level "tables" list,
	// an alternative to the inline comma-separated form.
	TablesFile string `yaml:"tables_file" env:"PIPELINE_TABLES_FILE" env-default:""`

	// Tables is the parsed union of TablesStr and TablesFile.
	Tables []string `yaml:"-"`

	// MaxFields caps how many fields of a table are described to the
	// model; very wide tables blow out the prompt otherwise.
	MaxFields int `yaml:"max_fields" env:"PIPELINE_MAX_FIELDS" env-default:"20"`

	// ReportPath is where the JSON run report is written.
	ReportPath string `yaml:"report_path" env:"PIPELINE_REPORT_PATH" env-default:"kpi-report.json"`

	// TableDelayMillis paces table processing to avoid hammering the
	// model endpoint and Metabase.
	TableDelayMillis     int `yaml:"table_delay_millis" env:"PIPELINE_TABLE_DELAY_MILLIS" env-default:"2000"`
	CandidateDelayMillis int `yaml:"candidate_delay_millis" env:"PIPELINE_CANDIDATE_DELAY_MILLIS" env-default:"500"`

	// MaxRetries applies to transient Metabase and LLM failures.
	MaxRetries int `yaml:"max_retries" env:"PIPELINE_MAX_RETRIES" env-default:"3"`
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time and set on
// the returned Config. A missing config.yaml is not an error; everything
// can come from the environment. Secrets (METABASE_PASSWORD, LLM_API_KEY)
// must come from environment variables (yaml:"-" fields).
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom is Load with an explicit config file path.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.parseTables(); err != nil {
		return nil, fmt.Errorf("failed to parse table list: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseTables merges the inline comma-separated list with the optional
// tables file. Duplicates are dropped, order of first appearance kept.
func (c *Config) parseTables() error {
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		c.Pipeline.Tables = append(c.Pipeline.Tables, name)
	}

	for _, name := range strings.Split(c.Pipeline.TablesStr, ",") {
		add(name)
	}

	if c.Pipeline.TablesFile != "" {
		data, err := os.ReadFile(c.Pipeline.TablesFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.Pipeline.TablesFile, err)
		}
		var file struct {
			Tables []string `yaml:"tables"`
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return fmt.Errorf("parse %s: %w", c.Pipeline.TablesFile, err)
		}
		for _, name := range file.Tables {
			add(name)
		}
	}

	return nil
}

func (c *Config) validate() error {
	if c.Metabase.URL == "" {
		return fmt.Errorf("metabase url is required")
	}
	if c.Metabase.Username == "" || c.Metabase.Password == "" {
		return fmt.Errorf("METABASE_USERNAME and METABASE_PASSWORD are required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM_API_KEY is required")
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Pipeline.MaxFields <= 0 {
		return fmt.Errorf("pipeline max_fields must be positive")
	}
	return nil
}
