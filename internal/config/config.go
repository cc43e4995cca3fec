// Package config loads rotator.yaml: it validates the document against an
// embedded JSON schema, decodes it and fills in defaults.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ssgrim/daylight-rotator/internal/awsclient"
	rerrors "github.com/ssgrim/daylight-rotator/internal/errors"
	"github.com/ssgrim/daylight-rotator/pkg/rotation"
)

// DefaultPath is used when --config is not given.
const DefaultPath = "rotator.yaml"

// Store types.
const (
	StoreMemory = "memory"
	StoreAWSSM  = "awssm"
	StoreSQL    = "sql"
)

// Propagation types.
const (
	UpdaterLog     = "log"
	UpdaterWebhook = "webhook"
	UpdaterSSM     = "ssm"
)

//go:embed schema.json
var schemaJSON string

// Config is the decoded rotator.yaml.
type Config struct {
	Version      int                 `yaml:"version"`
	Store        StoreConfig         `yaml:"store"`
	Generator    GeneratorConfig     `yaml:"generator"`
	Validation   ValidationConfig    `yaml:"validation"`
	Propagation  []PropagationConfig `yaml:"propagation"`
	Orchestrator OrchestratorConfig  `yaml:"orchestrator"`
	Metrics      MetricsConfig       `yaml:"metrics"`
	History      HistoryConfig       `yaml:"history"`
	Server       ServerConfig        `yaml:"server"`

	// Path is the file the config was loaded from; empty for defaults.
	Path string `yaml:"-"`
}

// StoreConfig selects and configures the secret store.
type StoreConfig struct {
	Type string             `yaml:"type"`
	AWS  awsclient.Settings `yaml:"aws"`
	SQL  SQLStoreConfig     `yaml:"sql"`
	// Seed gives the memory store an initial current version per secret.
	Seed map[string]string `yaml:"seed"`
}

// SQLStoreConfig configures the relational store.
type SQLStoreConfig struct {
	Type    string `yaml:"type"`
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// GeneratorConfig overrides generated lengths per kind.
type GeneratorConfig struct {
	Lengths map[rotation.Kind]int `yaml:"lengths"`
}

// ValidationConfig configures the generic check and the target probes.
type ValidationConfig struct {
	MinLengths map[rotation.Kind]int    `yaml:"minLengths"`
	Formats    map[rotation.Kind]string `yaml:"formats"`
	Targets    []TargetConfig           `yaml:"targets"`
}

// TargetConfig is one validator target, selected by pattern or kind.
type TargetConfig struct {
	Name              string           `yaml:"name"`
	Pattern           string           `yaml:"pattern"`
	Kind              rotation.Kind    `yaml:"kind"`
	TimeoutMs         int              `yaml:"timeoutMs"`
	FailOnUnreachable *bool            `yaml:"failOnUnreachable"`
	HTTP              *HTTPProbeConfig `yaml:"http"`
	SQL               *SQLProbeConfig  `yaml:"sql"`
}

// Timeout returns the probe timeout, defaulting to 5 seconds.
func (t TargetConfig) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// FailsOnUnreachable reports whether an unreachable target fails the step.
func (t TargetConfig) FailsOnUnreachable() bool {
	return t.FailOnUnreachable == nil || *t.FailOnUnreachable
}

// HTTPProbeConfig configures an HTTP probe.
type HTTPProbeConfig struct {
	ProbeURL            string            `yaml:"probeUrl"`
	Method              string            `yaml:"method"`
	AcceptedStatusCodes []int             `yaml:"acceptedStatusCodes"`
	DeniedStatusCodes   []int             `yaml:"deniedStatusCodes"`
	CredentialHeader    string            `yaml:"credentialHeader"`
	CredentialFormat    string            `yaml:"credentialFormat"`
	CredentialQuery     string            `yaml:"credentialQuery"`
	Headers             map[string]string `yaml:"headers"`
}

// SQLProbeConfig configures a SQL login probe.
type SQLProbeConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	SSLMode  string `yaml:"sslmode"`
}

// PropagationConfig is one configuration updater.
type PropagationConfig struct {
	Type string `yaml:"type"`

	// webhook
	URL         string            `yaml:"url"`
	Secret      string            `yaml:"secret"`
	Headers     map[string]string `yaml:"headers"`
	TimeoutMs   int               `yaml:"timeoutMs"`
	MaxAttempts int               `yaml:"maxAttempts"`

	// ssm
	Path     string             `yaml:"path"`
	Fields   []string           `yaml:"fields"`
	KMSKeyID string             `yaml:"kms_key_id"`
	AWS      awsclient.Settings `yaml:"aws"`
}

// OrchestratorConfig tunes step behaviour.
type OrchestratorConfig struct {
	VerifyBeforeFinish bool `yaml:"verifyBeforeFinish"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// HistoryConfig configures the local step history.
type HistoryConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retentionDays"`
}

// ServerConfig configures the HTTP trigger.
type ServerConfig struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMs  int    `yaml:"readTimeoutMs"`
	WriteTimeoutMs int    `yaml:"writeTimeoutMs"`
}

// Default returns the configuration used when no file exists: an in-memory
// store, the log updater, metrics and history on.
func Default() *Config {
	cfg := &Config{Version: 1}
	cfg.applyDefaults()
	return cfg
}

// Load reads, validates and decodes the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rerrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Create rotator.yaml or pass --config with the path to your configuration",
				Err:        err,
			}
		}
		return nil, rerrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse validates and decodes a configuration document. ${VAR} references
// are expanded from the environment first.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, rerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
			Err:        err,
		}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, rerrors.ConfigError{
			Message:    "configuration does not match the expected structure",
			Suggestion: "Compare your file with the example in the README",
			Err:        err,
		}
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if len(c.Propagation) == 0 {
		c.Propagation = []PropagationConfig{{Type: UpdaterLog}}
	}
	if c.Metrics.Enabled == nil {
		c.Metrics.Enabled = boolPtr(true)
	}
	if c.History.Enabled == nil {
		c.History.Enabled = boolPtr(true)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeoutMs <= 0 {
		c.Server.ReadTimeoutMs = 10000
	}
	if c.Server.WriteTimeoutMs <= 0 {
		c.Server.WriteTimeoutMs = 60000
	}
}

// Validate checks the cross-field rules the schema cannot express.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case StoreSQL:
		if c.Store.SQL.DSN == "" {
			return rerrors.ConfigError{
				Field:      "store.sql.dsn",
				Message:    "the sql store needs a connection string",
				Suggestion: "Set store.sql.type and store.sql.dsn",
			}
		}
	case StoreAWSSM, StoreMemory:
	default:
		return rerrors.ConfigError{
			Field:      "store.type",
			Value:      c.Store.Type,
			Message:    "unsupported store type",
			Suggestion: "Use one of: memory, awssm, sql",
		}
	}
	if len(c.Store.Seed) > 0 && c.Store.Type == StoreAWSSM {
		return rerrors.ConfigError{
			Field:      "store.seed",
			Message:    "seeding is only supported for the memory and sql stores",
			Suggestion: "Create the secret in AWS Secrets Manager directly",
		}
	}

	names := make(map[string]bool, len(c.Validation.Targets))
	for i, t := range c.Validation.Targets {
		field := fmt.Sprintf("validation.targets[%d]", i)
		if names[t.Name] {
			return rerrors.ConfigError{Field: field + ".name", Value: t.Name, Message: "duplicate target name"}
		}
		names[t.Name] = true
		if (t.Pattern == "") == (t.Kind == "") {
			return rerrors.ConfigError{
				Field:      field,
				Value:      t.Name,
				Message:    "a target needs exactly one of pattern or kind",
				Suggestion: "Use pattern for a glob over secret ids, or kind to match every secret of that kind",
			}
		}
		if (t.HTTP == nil) == (t.SQL == nil) {
			return rerrors.ConfigError{
				Field:      field,
				Value:      t.Name,
				Message:    "a target needs exactly one of http or sql",
				Suggestion: "Add an http block with probeUrl, or a sql block with type",
			}
		}
	}

	for i, p := range c.Propagation {
		field := fmt.Sprintf("propagation[%d]", i)
		switch p.Type {
		case UpdaterWebhook:
			if p.URL == "" {
				return rerrors.ConfigError{Field: field + ".url", Message: "webhook propagation needs a url"}
			}
		case UpdaterSSM, UpdaterLog:
		default:
			return rerrors.ConfigError{
				Field:      field + ".type",
				Value:      p.Type,
				Message:    "unsupported propagation type",
				Suggestion: "Use one of: log, webhook, ssm",
			}
		}
	}
	return nil
}

// MetricsEnabled reports whether metrics are collected.
func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// HistoryEnabled reports whether steps are recorded locally.
func (c *Config) HistoryEnabled() bool {
	return c.History.Enabled == nil || *c.History.Enabled
}

func validateSchema(doc interface{}) error {
	// yaml.v3 decodes into map[string]interface{}; round-trip through JSON so
	// gojsonschema sees plain JSON types.
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return rerrors.ConfigError{Message: "configuration cannot be represented as JSON", Err: err}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaJSON),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	first := result.Errors()[0]
	return rerrors.ConfigError{
		Field:      first.Field(),
		Message:    "schema validation failed:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "Fix the listed fields; unknown keys are rejected",
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func boolPtr(b bool) *bool {
	return &b
}
